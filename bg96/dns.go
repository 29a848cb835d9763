// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
)

// dnsState collects the +QIURC "dnsgip" URCs of a resolution.
type dnsState struct {
	mu      sync.Mutex
	done    chan struct{}
	pending int
	addrs   []net.IP
	err     error
}

// begin starts collecting a resolution.
func (s *dnsState) begin() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = make(chan struct{})
	s.pending = 0
	s.addrs = nil
	s.err = nil
	return s.done
}

// end stops collecting and returns the result.
func (s *dnsState) end() ([]net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = nil
	return s.addrs, s.err
}

func (s *dnsState) expect(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.pending = n
	if n <= 0 {
		s.finishLocked()
	}
}

func (s *dnsState) add(addr []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	if ip := net.ParseIP(string(addr)); ip != nil {
		s.addrs = append(s.addrs, ip)
	}
	s.pending--
	if s.pending <= 0 {
		s.finishLocked()
	}
}

func (s *dnsState) fail(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.err = errors.Wrapf(ErrNotFound, "dns error %d", code)
	s.finishLocked()
}

func (s *dnsState) finishLocked() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Resolve returns the first IP address of the host.
//
// IP literals are returned directly. Otherwise the modem's resolver is
// queried and the command slot is held until the result URCs arrive, so
// other commands are blocked for the duration.
func (m *Modem) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	m.dnsMu.Lock()
	defer m.dnsMu.Unlock()
	done := m.dns.begin()
	err := m.resolve(ctx, host, done)
	addrs, derr := m.dns.end()
	if err == nil {
		err = derr
	}
	if err == nil && len(addrs) == 0 {
		err = ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	return addrs[0], nil
}

func (m *Modem) resolve(ctx context.Context, host string, done <-chan struct{}) error {
	s, err := m.Acquire(ctx, at.Request{ID: at.QIDNSGIP, Timeout: m.t.DNS})
	if err != nil {
		return err
	}
	defer m.Release(s)
	if err = m.SendCommand(at.QIDNSGIP, at.Set(at.Int(pdpContext), at.Quoted(host))); err != nil {
		return err
	}
	if err = s.Wait(ctx); err != nil {
		return err
	}
	t := time.NewTimer(m.t.DNS)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return at.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
