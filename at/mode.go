// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode is the state of the link between the loop and the modem.
type Mode uint32

const (
	// ModeNormal is line oriented command and response traffic read by the
	// loop.
	ModeNormal Mode = iota

	// ModePrompt is the window after a '>' prompt where the slot holder
	// writes a payload to the modem.
	ModePrompt

	// ModeBuffer is the window after a buffered command's info line where
	// the slot holder transfers a raw payload.
	ModeBuffer
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModePrompt:
		return "prompt"
	case ModeBuffer:
		return "buffer"
	}
	return "unknown"
}

// handoff is the loop's side of a mode window.
type handoff struct {
	mode     Mode
	deadline time.Time
	done     chan struct{}
	once     sync.Once
}

func newHandoff(m Mode, ceiling time.Duration) *handoff {
	return &handoff{
		mode:     m,
		deadline: time.Now().Add(ceiling),
		done:     make(chan struct{}),
	}
}

func (h *handoff) release() {
	h.once.Do(func() {
		close(h.done)
	})
}

// finish returns the port to the loop on behalf of the holder.
func (h *handoff) finish(d *Driver) {
	h.once.Do(func() {
		d.mode.Store(uint32(ModeNormal))
		close(h.done)
	})
}

// valid returns the time remaining in the window, or an error if the window
// has closed.
func (h *handoff) valid() (time.Duration, error) {
	select {
	case <-h.done:
		return 0, errHandoffClosed
	default:
	}
	remaining := time.Until(h.deadline)
	if remaining <= 0 {
		return 0, errors.Wrap(ErrTimeout, "mode ceiling")
	}
	return remaining, nil
}

var errHandoffClosed = errors.New("mode window closed")

// Prompt is the capability to write a payload to the modem while the loop
// stands by in PROMPT mode.
type Prompt struct {
	d *Driver
	h *handoff
}

// Write writes the payload to the modem.
func (p *Prompt) Write(b []byte) (int, error) {
	if _, err := p.h.valid(); err != nil {
		return 0, err
	}
	if err := p.d.port.write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close returns the port to the loop.
func (p *Prompt) Close() error {
	p.h.finish(p.d)
	return nil
}

// Buffer is the capability to transfer raw data with the modem while the
// loop stands by in BUFFER mode.
type Buffer struct {
	d *Driver
	h *handoff
}

// ReadFull reads exactly len(b) bytes from the modem.
func (b *Buffer) ReadFull(p []byte) (int, error) {
	remaining, err := b.h.valid()
	if err != nil {
		return 0, err
	}
	n, err := b.d.port.read(p, remaining)
	if err == errReadTimeout {
		err = errors.Wrap(ErrTimeout, "buffer read")
	}
	return n, err
}

// Discard reads and drops n bytes from the modem.
func (b *Buffer) Discard(n int) error {
	var scratch [64]byte
	for n > 0 {
		chunk := scratch[:]
		if n < len(chunk) {
			chunk = chunk[:n]
		}
		m, err := b.ReadFull(chunk)
		if err != nil {
			return err
		}
		n -= m
	}
	return nil
}

// Write writes raw data to the modem.
func (b *Buffer) Write(p []byte) (int, error) {
	if _, err := b.h.valid(); err != nil {
		return 0, err
	}
	if err := b.d.port.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close returns the port to the loop.
func (b *Buffer) Close() error {
	b.h.finish(b.d)
	return nil
}
