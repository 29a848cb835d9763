// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
	"go.uber.org/zap"
)

const (
	// MaxSockets is the number of sockets supported by the modem.
	MaxSockets = 4

	// maxChunk is the largest payload requested by a single read command.
	maxChunk = 512

	// maxSend is the largest payload accepted by a single send command.
	maxSend = 1460
)

// Proto is the transport protocol of a socket.
type Proto int

// Supported protocols.
const (
	TCP Proto = 6
	UDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return "unknown"
}

// Open states reported by the open URCs.
const (
	openPending int32 = iota
	openOK
	openFailed
)

// socket is the driver side state of a modem socket.
//
// All fields other than the atomics and rx are covered by mu. The atomics
// are set by URC handlers without the lock.
type socket struct {
	mu       sync.Mutex
	acquired bool
	proto    Proto
	secure   bool
	bound    bool
	ring     ring
	lastData time.Time
	acked    int
	stuck    bool

	open    atomic.Int32
	openErr atomic.Int32
	live    atomic.Bool
	closing atomic.Bool

	// signalled on receive events and closure
	rx chan struct{}
}

func validID(id int) bool {
	return id >= 0 && id < MaxSockets
}

func (s *socket) reset(proto Proto, secure bool) {
	s.proto = proto
	s.secure = secure
	s.bound = false
	s.ring.Reset()
	s.lastData = time.Now()
	s.acked = 0
	s.stuck = false
	s.open.Store(openPending)
	s.openErr.Store(0)
	s.live.Store(false)
	s.closing.Store(false)
	select {
	case <-s.rx:
	default:
	}
}

func (s *socket) opened(code int) {
	if code == 0 {
		s.open.Store(openOK)
		return
	}
	s.openErr.Store(int32(code))
	s.open.Store(openFailed)
}

func (s *socket) signal() {
	select {
	case s.rx <- struct{}{}:
	default:
	}
}

// fault schedules the socket for closure and wakes any receiver.
func (s *socket) fault() {
	s.closing.Store(true)
	s.signal()
}

// free returns a socket that was never opened on the modem to the free pool.
// Called with s.mu held.
func (s *socket) free() {
	s.acquired = false
	s.live.Store(false)
	s.signal()
}

// release returns the socket to the free pool after a failed open.
// Called with s.mu held.
func (s *socket) release() {
	s.acquired = false
	s.live.Store(false)
	s.closing.Store(true)
	s.signal()
}

func (m *Modem) sock(id int) (*socket, error) {
	if !validID(id) {
		return nil, errors.Wrapf(ErrInvalidSocket, "id %d", id)
	}
	return &m.socks[id], nil
}

// lockAcquired locks the socket and checks it is in use.
func (m *Modem) lockAcquired(id int) (*socket, error) {
	s, err := m.sock(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.acquired {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidSocket, "id %d not open", id)
	}
	return s, nil
}

// Socket allocates a free socket and returns its ID.
//
// Allocation is refused if the modem has been without registration for
// longer than the registration grace. A free socket that was closed by the
// network is closed on the modem before reuse.
func (m *Modem) Socket(ctx context.Context, proto Proto, secure bool) (int, error) {
	if proto != TCP && proto != UDP {
		return -1, errors.Wrapf(ErrInvalidSocket, "proto %d", proto)
	}
	if secure && proto != TCP {
		return -1, errors.Wrap(ErrInvalidSocket, "secure UDP")
	}
	if d := m.unregisteredFor(); d > m.t.RegistrationGrace {
		return -1, errors.Wrapf(ErrNotRegistered, "for %s", d)
	}
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	for id := range m.socks {
		s := &m.socks[id]
		s.mu.Lock()
		if !s.acquired {
			if s.closing.Load() {
				if err := m.closeLocked(ctx, id, s); err != nil {
					m.log.Debug("force close", zap.Int("id", id), zap.Error(err))
				}
			}
			s.reset(proto, secure)
			s.acquired = true
			s.mu.Unlock()
			return id, nil
		}
		s.mu.Unlock()
	}
	return -1, ErrNoSocket
}

// splitAddr resolves a "host:port" address.
func (m *Modem) splitAddr(ctx context.Context, address string) (string, int, error) {
	host, ps, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q", ps)
	}
	ip, err := m.Resolve(ctx, host)
	if err != nil {
		return "", 0, err
	}
	return ip.String(), port, nil
}

// Connect connects the socket to the address, which is in "host:port" form.
//
// On failure, including failure to resolve the address, the socket is
// released.
func (m *Modem) Connect(ctx context.Context, id int, address string) error {
	if _, err := m.sock(id); err != nil {
		return err
	}
	ip, port, err := m.splitAddr(ctx, address)
	if err != nil {
		if s, lerr := m.lockAcquired(id); lerr == nil {
			s.free()
			s.mu.Unlock()
		}
		return errors.Wrap(err, "connect")
	}
	s, err := m.lockAcquired(id)
	if err != nil {
		return err
	}
	cmd := at.QIOPEN
	var p at.Params
	switch {
	case s.secure:
		if m.tls != nil {
			if err = m.ConfigureTLS(ctx, id, *m.tls); err != nil {
				s.release()
				s.mu.Unlock()
				return err
			}
		}
		cmd = at.QSSLOPEN
		p = at.Set(at.Int(pdpContext), at.Int(id), at.Int(id), at.Quoted(ip), at.Int(port))
	default:
		p = at.Set(at.Int(pdpContext), at.Int(id), at.Quoted(s.proto.String()), at.Quoted(ip), at.Int(port), at.Int(0), at.Int(0))
	}
	return m.open(ctx, id, s, cmd, p)
}

// Bind opens a UDP service socket listening on the local port.
//
// On failure the socket is released.
func (m *Modem) Bind(ctx context.Context, id int, port int) error {
	s, err := m.lockAcquired(id)
	if err != nil {
		return err
	}
	if s.proto != UDP || s.secure {
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidSocket, "bind requires UDP")
	}
	p := at.Set(at.Int(pdpContext), at.Int(id), at.Quoted("UDP SERVICE"), at.Quoted("127.0.0.1"), at.Int(0), at.Int(port), at.Int(0))
	if err = m.open(ctx, id, s, at.QIOPEN, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.bound = true
	s.mu.Unlock()
	return nil
}

// open issues the open command and waits for the open URC.
// Called with s.mu held, which is released.
func (m *Modem) open(ctx context.Context, id int, s *socket, cmd at.ID, p at.Params) error {
	err := m.Exec(ctx, at.Request{ID: cmd, Timeout: m.t.Open}, p, nil)
	if err != nil {
		s.release()
		s.mu.Unlock()
		return errors.Wrapf(err, "open %d", id)
	}
	s.mu.Unlock()
	if err = m.waitOpen(ctx, s); err != nil {
		s.mu.Lock()
		s.release()
		s.mu.Unlock()
		return errors.Wrapf(err, "open %d", id)
	}
	s.mu.Lock()
	s.live.Store(true)
	s.lastData = time.Now()
	s.mu.Unlock()
	return nil
}

// waitOpen polls for the open URC.
func (m *Modem) waitOpen(ctx context.Context, s *socket) error {
	deadline := time.NewTimer(m.t.OpenWait)
	defer deadline.Stop()
	tick := time.NewTicker(m.t.OpenPoll)
	defer tick.Stop()
	for {
		switch s.open.Load() {
		case openOK:
			return nil
		case openFailed:
			return errors.Wrapf(ErrConnection, "open error %d", s.openErr.Load())
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return at.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes p to a connected socket.
//
// Returns the number of bytes accepted by the modem, which is 0 if the
// modem's send buffer is full and the send should be retried later. At most
// 1460 bytes are sent per call.
func (m *Modem) Send(ctx context.Context, id int, p []byte) (int, error) {
	s, err := m.lockAcquired(id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if s.closing.Load() {
		return 0, errors.Wrapf(ErrConnection, "send %d", id)
	}
	if !s.live.Load() {
		return 0, errors.Wrapf(ErrInvalidSocket, "id %d not connected", id)
	}
	if len(p) > maxSend {
		p = p[:maxSend]
	}
	cmd := at.QISEND
	if s.secure {
		cmd = at.QSSLSEND
	}
	return m.send(ctx, s, cmd, at.Set(at.Int(id), at.Int(len(p))), p)
}

// SendTo writes p to the address, in "host:port" form, from a bound UDP
// socket.
func (m *Modem) SendTo(ctx context.Context, id int, p []byte, address string) (int, error) {
	if _, err := m.sock(id); err != nil {
		return 0, err
	}
	ip, port, err := m.splitAddr(ctx, address)
	if err != nil {
		return 0, errors.Wrap(err, "sendto")
	}
	s, err := m.lockAcquired(id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if s.closing.Load() {
		return 0, errors.Wrapf(ErrConnection, "sendto %d", id)
	}
	if !s.live.Load() || !s.bound {
		return 0, errors.Wrapf(ErrInvalidSocket, "id %d not bound", id)
	}
	if len(p) > maxSend {
		p = p[:maxSend]
	}
	return m.send(ctx, s, at.QISEND, at.Set(at.Int(id), at.Int(len(p)), at.Quoted(ip), at.Int(port)), p)
}

var sendFail = []byte("SEND FAIL")

// send issues a send command and writes the payload at the prompt.
// Called with s.mu held.
func (m *Modem) send(ctx context.Context, s *socket, cmd at.ID, params at.Params, p []byte) (int, error) {
	slot, err := m.Acquire(ctx, at.Request{ID: cmd, Size: 32, Timeout: m.t.Send, Lines: 1})
	if err != nil {
		return 0, err
	}
	defer m.Release(slot)
	if err = m.SendCommand(cmd, params); err != nil {
		return 0, err
	}
	pr, perr := slot.WaitPrompt(ctx)
	if perr == nil {
		_, perr = pr.Write(p)
		pr.Close()
	}
	if err = slot.Wait(ctx); err != nil {
		return 0, m.failed(ctx, s, "send", err)
	}
	if perr != nil {
		return 0, errors.Wrap(perr, "send")
	}
	if bytes.HasPrefix(slot.Response(), sendFail) {
		return 0, nil
	}
	s.lastData = time.Now()
	return len(p), nil
}

// failed faults the socket after a command failure, unless the failure was
// due to the caller's context.
func (m *Modem) failed(ctx context.Context, s *socket, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	s.fault()
	return errors.Wrapf(ErrConnection, "%s: %v", op, err)
}

// Recv reads from a connected socket into p.
//
// Bytes staged by an earlier read are returned first. Returns 0 and a nil
// error if no data is available, after waiting up to the receive idle time
// for a receive event, and io.EOF once the remote end has closed and all
// data has been read.
func (m *Modem) Recv(ctx context.Context, id int, p []byte) (int, error) {
	s, err := m.lockAcquired(id)
	if err != nil {
		return 0, err
	}
	n, err := m.recv(ctx, id, s, p)
	s.mu.Unlock()
	if n == 0 && err == nil && len(p) > 0 {
		m.idle(ctx, id, s)
	}
	return n, err
}

// recv is called with s.mu held.
func (m *Modem) recv(ctx context.Context, id int, s *socket, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if n := s.ring.Read(p); n > 0 {
		return n, nil
	}
	request := maxChunk
	if !s.secure {
		avail, err := m.available(ctx, id)
		if err != nil {
			if s.closing.Load() {
				return 0, io.EOF
			}
			return 0, m.failed(ctx, s, "recv", err)
		}
		if avail == 0 {
			if s.closing.Load() {
				return 0, io.EOF
			}
			return 0, nil
		}
		if avail < request {
			request = avail
		}
	}
	// bytes beyond len(p) are staged in the ring
	if len(p) > request {
		p = p[:request]
	}
	n, err := m.read(ctx, id, s, p, request)
	if err != nil {
		return n, m.failed(ctx, s, "recv", err)
	}
	if n > 0 {
		s.lastData = time.Now()
		return n, nil
	}
	if s.closing.Load() {
		return 0, io.EOF
	}
	return 0, nil
}

// available queries the number of unread bytes held by the modem for a
// plain socket.
func (m *Modem) available(ctx context.Context, id int) (int, error) {
	slot, err := m.Acquire(ctx, at.Request{ID: at.QIRD, Size: 32, Timeout: m.t.Recv, Lines: 1})
	if err != nil {
		return 0, err
	}
	defer m.Release(slot)
	if err = m.SendCommand(at.QIRD, at.Set(at.Int(id), at.Int(0))); err != nil {
		return 0, err
	}
	b, err := slot.WaitBuffer(ctx)
	if err != nil {
		return 0, err
	}
	var total, read, unread int
	n := slot.Args("iii", &total, &read, &unread)
	b.Close()
	if err = slot.Wait(ctx); err != nil {
		return 0, err
	}
	if n != 3 {
		return 0, ErrMalformed
	}
	return unread, nil
}

// read issues a read command for up to request bytes. The bytes returned
// by the modem fill dst, and any remainder is staged in the ring.
// Called with s.mu held.
func (m *Modem) read(ctx context.Context, id int, s *socket, dst []byte, request int) (int, error) {
	cmd := at.QIRD
	if s.secure {
		cmd = at.QSSLRECV
	}
	slot, err := m.Acquire(ctx, at.Request{ID: cmd, Size: 32, Timeout: m.t.Recv, Lines: 1})
	if err != nil {
		return 0, err
	}
	defer m.Release(slot)
	if err = m.SendCommand(cmd, at.Set(at.Int(id), at.Int(request))); err != nil {
		return 0, err
	}
	b, err := slot.WaitBuffer(ctx)
	if err != nil {
		return 0, err
	}
	var rd, n int
	if slot.Args("i", &rd) != 1 || rd < 0 {
		err = ErrMalformed
	} else {
		n, err = m.transfer(b, s, dst, rd)
	}
	b.Close()
	if werr := slot.Wait(ctx); err == nil {
		err = werr
	}
	return n, err
}

// transfer reads an rd byte payload into dst and stages the remainder in
// the ring.
func (m *Modem) transfer(b *at.Buffer, s *socket, dst []byte, rd int) (int, error) {
	n := rd
	if n > len(dst) {
		n = len(dst)
	}
	if _, err := b.ReadFull(dst[:n]); err != nil {
		return 0, err
	}
	rest := rd - n
	if rest == 0 {
		return n, nil
	}
	staged, err := s.ring.fill(rest, b.ReadFull)
	if err != nil {
		return n, err
	}
	if staged < rest {
		m.log.Warn("ring overflow", zap.Int("dropped", rest-staged))
		if err = b.Discard(rest - staged); err != nil {
			return n, err
		}
	}
	return n, nil
}

// idle waits for a receive event and probes the connection of a plain
// socket that has been quiet for longer than the keepalive interval.
func (m *Modem) idle(ctx context.Context, id int, s *socket) {
	t := time.NewTimer(m.t.RecvIdle)
	defer t.Stop()
	select {
	case <-s.rx:
		return
	case <-t.C:
	case <-ctx.Done():
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired || s.secure || s.bound || s.closing.Load() {
		return
	}
	if time.Since(s.lastData) < m.t.Keepalive {
		return
	}
	m.probe(ctx, id, s)
}

// probe checks the send state of an idle socket. The socket is faulted if
// the query fails, or if sent data remains unacknowledged across two
// probes.
// Called with s.mu held.
func (m *Modem) probe(ctx context.Context, id int, s *socket) {
	var total, acked, unacked int
	err := m.Exec(ctx,
		at.Request{ID: at.QISEND, Size: 48, Timeout: m.t.Send, Lines: 1},
		at.Set(at.Int(id), at.Int(0)),
		func(slot *at.Slot) error {
			if slot.Args("iii", &total, &acked, &unacked) != 3 {
				return ErrMalformed
			}
			return nil
		})
	if ctx.Err() != nil {
		return
	}
	s.lastData = time.Now()
	if err != nil {
		m.log.Info("probe failed", zap.Int("id", id), zap.Error(err))
		s.fault()
		return
	}
	stuck := unacked > 0 && acked == s.acked
	if stuck && s.stuck {
		m.log.Info("connection stalled", zap.Int("id", id), zap.Int("unacked", unacked))
		s.fault()
	}
	s.stuck = stuck
	s.acked = acked
}

// RecvFrom reads a datagram from a bound UDP socket into p, returning the
// sender's address. Any part of the datagram that does not fit in p is
// discarded. Returns 0 and a nil error if no datagram is available.
func (m *Modem) RecvFrom(ctx context.Context, id int, p []byte) (int, net.Addr, error) {
	s, err := m.lockAcquired(id)
	if err != nil {
		return 0, nil, err
	}
	n, addr, err := m.recvFrom(ctx, id, s, p)
	s.mu.Unlock()
	if n == 0 && err == nil {
		m.idle(ctx, id, s)
	}
	return n, addr, err
}

// recvFrom is called with s.mu held.
func (m *Modem) recvFrom(ctx context.Context, id int, s *socket, p []byte) (int, net.Addr, error) {
	if s.closing.Load() {
		return 0, nil, errors.Wrapf(ErrConnection, "recvfrom %d", id)
	}
	slot, err := m.Acquire(ctx, at.Request{ID: at.QIRD, Size: 64, Timeout: m.t.Recv, Lines: 1})
	if err != nil {
		return 0, nil, err
	}
	defer m.Release(slot)
	if err = m.SendCommand(at.QIRD, at.Set(at.Int(id))); err != nil {
		return 0, nil, err
	}
	b, err := slot.WaitBuffer(ctx)
	if err != nil {
		return 0, nil, err
	}
	var rd, port, n int
	var ip []byte
	var addr net.Addr
	switch nargs := slot.Args("iSi", &rd, &ip, &port); {
	case nargs == 3 && rd > 0:
		n = rd
		if n > len(p) {
			n = len(p)
		}
		if _, err = b.ReadFull(p[:n]); err == nil {
			err = b.Discard(rd - n)
		}
		addr = &net.UDPAddr{IP: net.ParseIP(string(ip)), Port: port}
	case nargs >= 1 && rd == 0:
	default:
		err = ErrMalformed
	}
	b.Close()
	if werr := slot.Wait(ctx); err == nil {
		err = werr
	}
	if err != nil {
		return 0, nil, m.failed(ctx, s, "recvfrom", err)
	}
	if n > 0 {
		s.lastData = time.Now()
	}
	return n, addr, nil
}

// Available returns the number of bytes that can be read from the socket.
//
// Plain sockets query the modem's unread count directly. Secure sockets
// have no zero length read, so a speculative read is staged in the ring and
// the ring length is returned, which may underestimate what the modem
// holds.
func (m *Modem) Available(ctx context.Context, id int) (int, error) {
	s, err := m.lockAcquired(id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if n := s.ring.Len(); n > 0 {
		return n, nil
	}
	if s.closing.Load() {
		return 0, errors.Wrapf(ErrConnection, "available %d", id)
	}
	if !s.secure {
		n, err := m.available(ctx, id)
		if err != nil {
			return 0, m.failed(ctx, s, "available", err)
		}
		return n, nil
	}
	request := s.ring.Free()
	if request > maxChunk {
		request = maxChunk
	}
	if _, err := m.read(ctx, id, s, nil, request); err != nil {
		return 0, m.failed(ctx, s, "available", err)
	}
	return s.ring.Len(), nil
}

// CloseSocket closes the socket on the modem and returns it to the free
// pool. Closing a socket that is not in use does nothing.
func (m *Modem) CloseSocket(ctx context.Context, id int) error {
	s, err := m.sock(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return nil
	}
	return m.closeLocked(ctx, id, s)
}

// closeLocked issues the close command and frees the socket whatever the
// outcome.
// Called with s.mu held.
func (m *Modem) closeLocked(ctx context.Context, id int, s *socket) error {
	cmd := at.QICLOSE
	if s.secure {
		cmd = at.QSSLCLOSE
	}
	err := m.Exec(ctx, at.Request{ID: cmd, Timeout: m.t.Close}, at.Set(at.Int(id), at.Int(10)), nil)
	s.acquired = false
	s.bound = false
	s.live.Store(false)
	s.closing.Store(false)
	s.ring.Reset()
	s.signal()
	if err != nil {
		return errors.Wrapf(err, "close %d", id)
	}
	return nil
}
