// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxLine is the size of the line buffer.
const MaxLine = 545

var errReadTimeout = errors.New("read timeout")

// port queues bytes read from the modem so they can be consumed with
// timeouts, either as lines by the loop or raw by a handoff holder.
type port struct {
	rw io.ReadWriter

	// serialises writes
	wmu sync.Mutex

	// covers rx and err
	mu  sync.Mutex
	rx  []byte
	err error

	// pinged when rx grows
	signal chan struct{}

	// closed when the pump exits
	closed chan struct{}

	// the line buffer, only accessed by the current owner of the port
	line [MaxLine]byte

	// length of a partial line carried over from a timed out readLine
	held int
}

func newPort(rw io.ReadWriter) *port {
	p := &port{
		rw:     rw,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go p.pump()
	return p
}

// pump moves bytes from the modem into rx until the modem returns an error.
func (p *port) pump() {
	buf := make([]byte, 256)
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.rx = append(p.rx, buf[:n]...)
			p.mu.Unlock()
			select {
			case p.signal <- struct{}{}:
			default:
			}
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			close(p.closed)
			return
		}
	}
}

// take removes up to len(b) queued bytes into b.
func (p *port) take(b []byte) int {
	p.mu.Lock()
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	if len(p.rx) == 0 {
		p.rx = nil
	}
	p.mu.Unlock()
	return n
}

// wait blocks until more bytes may be available, the timer expires or the
// pump exits.
func (p *port) wait(expiry <-chan time.Time) error {
	select {
	case <-p.signal:
		return nil
	case <-p.closed:
		p.mu.Lock()
		empty := len(p.rx) == 0
		p.mu.Unlock()
		if empty {
			return ErrClosed
		}
		return nil
	case <-expiry:
		return errReadTimeout
	}
}

// readLine reads a line into the line buffer.
//
// The line is terminated by '\n', by a '>' prompt at the start of the line,
// or by the buffer filling. If timeout is non-zero the read gives up once
// no byte has arrived for that long, returning errReadTimeout. A partial
// line is then held and completed by the next call.
func (p *port) readLine(timeout time.Duration) (int, error) {
	n := p.held
	p.held = 0
	last := time.Now()
	for n < len(p.line)-1 {
		if p.take(p.line[n:n+1]) == 0 {
			if err := p.waitFor(timeout, last); err != nil {
				if err == errReadTimeout {
					if len(bytes.TrimLeft(p.line[:n], " ")) > 0 {
						p.held = n
					}
					return 0, err
				}
				return n, err
			}
			continue
		}
		b := p.line[n]
		n++
		last = time.Now()
		if b == '\n' || (b == '>' && n == 1) {
			break
		}
	}
	return n, nil
}

// waitFor waits for more bytes until timeout has elapsed since last.
// A zero timeout waits indefinitely.
func (p *port) waitFor(timeout time.Duration, last time.Time) error {
	if timeout <= 0 {
		return p.wait(nil)
	}
	remaining := timeout - time.Since(last)
	if remaining <= 0 {
		return errReadTimeout
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	return p.wait(t.C)
}

// read fills b with raw bytes, giving up after timeout.
func (p *port) read(b []byte, timeout time.Duration) (int, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	n := 0
	for n < len(b) {
		m := p.take(b[n:])
		n += m
		if m == 0 {
			if err := p.wait(t.C); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// drain discards any queued bytes and held partial line, returning the
// number of queued bytes discarded.
func (p *port) drain() int {
	p.held = 0
	p.mu.Lock()
	n := len(p.rx)
	p.rx = nil
	p.mu.Unlock()
	return n
}

func (p *port) write(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.rw.Write(b)
	return err
}
