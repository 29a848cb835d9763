// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Request describes the command a Slot is acquired for.
type Request struct {
	// ID is the command to be issued.
	ID ID

	// Buf, if not nil, is used to store the response.
	Buf []byte

	// Size is the capacity of driver allocated response storage, used when
	// Buf is nil. Zero means the response is not stored.
	Size int

	// Timeout is the time the modem has to complete the command.
	// Zero means no timeout.
	Timeout time.Duration

	// Lines is the number of info lines expected before the OK.
	Lines int
}

// Slot is the context of the one command in flight.
//
// A Slot is obtained from Driver.Acquire and must be returned with
// Driver.Release. Between the two only the loop writes to the Slot, and the
// holder reads it once Wait, WaitPrompt or WaitBuffer have returned.
type Slot struct {
	d        *Driver
	cmd      *Command
	err      error
	expected int
	received int
	start    time.Time
	timeout  time.Duration
	storage  []byte
	resp     []byte
	done     chan struct{}
	handoffs chan *handoff
	handoff  *handoff

	// set once the command has been written to the modem
	sent bool
}

// Acquire blocks until the slot is free, then binds it to the request.
func (d *Driver) Acquire(ctx context.Context, r Request) (*Slot, error) {
	c := d.table.Lookup(r.ID)
	if c == nil {
		return nil, ErrUnknownCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-d.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case d.permit <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.slot
	*s = Slot{
		d:        d,
		cmd:      c,
		expected: r.Lines,
		start:    time.Now(),
		timeout:  r.Timeout,
		done:     make(chan struct{}),
		handoffs: make(chan *handoff, 1),
	}
	switch {
	case r.Buf != nil:
		s.storage = r.Buf[:cap(r.Buf)]
	case r.Size > 0:
		size := r.Size
		if size > len(d.scratch) {
			size = len(d.scratch)
		}
		s.storage = d.scratch[:size]
	}
	select {
	case <-d.closed:
		s.err = ErrClosed
		close(s.done)
	default:
		d.active = s
	}
	return s, nil
}

// Release returns the slot.
//
// If the command has been sent but not yet resolved, such as when the holder
// gave up waiting on it, Release blocks until the loop resolves it, so a
// late response cannot be taken by the next holder. A command without a
// timeout must therefore be answered by the modem, or the driver closed.
//
// The slot must not be used by the former holder after Release.
func (d *Driver) Release(s *Slot) {
	d.mu.Lock()
	pending := s.sent && d.active == s
	d.mu.Unlock()
	if pending {
		d.abandon(s)
	}
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	if s.handoff != nil {
		s.handoff.release()
	}
	*s = Slot{}
	d.mu.Unlock()
	<-d.permit
}

// abandon waits for the loop to resolve a command the holder is no longer
// waiting on. Any prompt the modem issues in the meantime is cancelled.
func (d *Driver) abandon(s *Slot) {
	d.log.Debug("abandoned", zap.String("cmd", s.cmd.Name))
	d.mu.Lock()
	h := s.handoff
	d.mu.Unlock()
	if h != nil {
		d.cancel(h)
	}
	for {
		select {
		case <-s.done:
			return
		case <-d.closed:
			return
		case h := <-s.handoffs:
			d.cancel(h)
		}
	}
}

// esc cancels a prompt without sending the payload.
const esc = 0x1b

// cancel returns a mode window the holder will never use to the loop.
func (d *Driver) cancel(h *handoff) {
	select {
	case <-h.done:
		return
	default:
	}
	if h.mode == ModePrompt {
		if err := d.port.write([]byte{esc}); err != nil {
			d.log.Debug("prompt cancel", zap.Error(err))
		}
	}
	h.release()
}

// Wait blocks until the loop resolves the command, and returns the outcome.
func (s *Slot) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Response returns the stored response.
//
// For string shaped commands this is the whole line, otherwise it is the
// arguments following the "<cmd>: " prefix. When multiple info lines are
// returned only the last is retained. The response is only valid until the
// slot is released.
func (s *Slot) Response() []byte {
	return s.resp
}

// Lines returns the number of info lines received.
func (s *Slot) Lines() int {
	return s.received
}

// Args parses the response using ParseArgs.
func (s *Slot) Args(format string, out ...interface{}) int {
	return ParseArgs(s.resp, format, out...)
}

// WaitPrompt waits for the loop to enter PROMPT mode on behalf of the slot.
//
// The returned Prompt grants the holder write access to the port until it
// is closed.
func (s *Slot) WaitPrompt(ctx context.Context) (*Prompt, error) {
	h, err := s.waitMode(ctx, ModePrompt)
	if err != nil {
		return nil, err
	}
	return &Prompt{d: s.d, h: h}, nil
}

// WaitBuffer waits for the loop to enter BUFFER mode on behalf of the slot.
//
// The returned Buffer grants the holder raw access to the port until it is
// closed. The info line that triggered the mode is available from Response.
func (s *Slot) WaitBuffer(ctx context.Context) (*Buffer, error) {
	h, err := s.waitMode(ctx, ModeBuffer)
	if err != nil {
		return nil, err
	}
	return &Buffer{d: s.d, h: h}, nil
}

func (s *Slot) waitMode(ctx context.Context, m Mode) (*handoff, error) {
	t := time.NewTimer(s.d.timing.PromptWait)
	defer t.Stop()
	select {
	case h := <-s.handoffs:
		if h.mode != m {
			h.release()
			return nil, ErrNoMode
		}
		return h, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrNoMode
	case <-t.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
