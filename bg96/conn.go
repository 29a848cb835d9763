// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
)

// Conn is a stream or datagram connection over a modem socket.
type Conn struct {
	m  *Modem
	id int

	mu           sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

// Dial connects to the address, in "host:port" form, on the named network.
//
// Supported networks are "tcp", "udp" and "tls", the last being TCP over
// the modem's SSL stack.
func (m *Modem) Dial(ctx context.Context, network, address string) (*Conn, error) {
	var proto Proto
	secure := false
	switch network {
	case "tcp":
		proto = TCP
	case "udp":
		proto = UDP
	case "tls":
		proto = TCP
		secure = true
	default:
		return nil, errors.Errorf("dial: unsupported network %q", network)
	}
	id, err := m.Socket(ctx, proto, secure)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	if err = m.Connect(ctx, id, address); err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	return &Conn{
		m:            m,
		id:           id,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
	}, nil
}

// ID returns the modem socket ID of the connection.
func (c *Conn) ID() int {
	return c.id
}

// SetReadTimeout sets the time a Read waits for data.
// Zero waits indefinitely.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

// SetWriteTimeout sets the time a Write waits for the modem to accept data.
// Zero waits indefinitely.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	c.writeTimeout = d
	c.mu.Unlock()
}

func (c *Conn) context(d time.Duration) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, io.ErrClosedPipe
	}
	if d <= 0 {
		ctx, cancel := context.WithCancel(context.Background())
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	return ctx, cancel, nil
}

// Read reads available data, waiting up to the read timeout for it to
// arrive. Returns io.EOF once the remote end has closed the connection.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	d := c.readTimeout
	c.mu.Unlock()
	ctx, cancel, err := c.context(d)
	if err != nil {
		return 0, err
	}
	defer cancel()
	for {
		n, err := c.m.Recv(ctx, c.id, p)
		if n > 0 || (err != nil && ctx.Err() == nil) {
			return n, err
		}
		if ctx.Err() != nil {
			return 0, errors.Wrap(at.ErrTimeout, "read")
		}
	}
}

// Write writes p, split into chunks the modem accepts, waiting up to the
// write timeout for the modem to accept them all.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	d := c.writeTimeout
	c.mu.Unlock()
	ctx, cancel, err := c.context(d)
	if err != nil {
		return 0, err
	}
	defer cancel()
	written := 0
	for written < len(p) {
		n, err := c.m.Send(ctx, c.id, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n > 0 {
			continue
		}
		// modem send buffer full
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return written, errors.Wrap(at.ErrTimeout, "write")
		}
	}
	return written, nil
}

// Close closes the connection and frees the modem socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.m.CloseSocket(context.Background(), c.id)
}
