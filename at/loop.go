// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// loop is the only reader of lines from the modem.
//
// It idles while the driver is stopped, and exits when the driver is closed
// or the modem returns a read error.
func (d *Driver) loop() {
	for {
		select {
		case <-d.quit:
			d.abort()
			return
		default:
		}
		if !d.talking.Load() {
			select {
			case <-d.wake:
			case <-d.quit:
			case <-d.port.closed:
				d.abort()
				return
			}
			continue
		}
		d.portMu.Lock()
		var err error
		if d.talking.Load() {
			err = d.step()
		}
		d.portMu.Unlock()
		if err != nil {
			d.log.Debug("loop exit", zap.Error(err))
			d.abort()
			return
		}
	}
}

// abort fails any command in flight and marks the driver closed.
func (d *Driver) abort() {
	d.mu.Lock()
	if s := d.active; s != nil {
		d.resolve(s, ErrClosed)
	}
	close(d.closed)
	d.mu.Unlock()
}

// step reads and handles one line in NORMAL mode, then stands by in any
// mode the line caused the loop to enter.
func (d *Driver) step() error {
	n, err := d.port.readLine(d.timing.Poll)
	if err != nil && err != errReadTimeout {
		return err
	}
	line := d.port.line[:n]
	var urc *Command
	var h *handoff
	d.mu.Lock()
	s := d.active
	if err != nil || n <= 3 {
		if n >= 1 && line[0] == '>' && s != nil && s.cmd.Flags&Prompted != 0 {
			h = d.enter(s, ModePrompt, d.timing.PromptCeiling)
		}
	} else {
		urc, h = d.handleLine(s, line)
	}
	d.checkTimeout()
	d.mu.Unlock()
	if urc != nil {
		d.dispatch(urc, line)
	}
	if h != nil {
		d.standby(h)
	}
	return nil
}

// handleLine classifies a complete line and applies it to the active slot.
//
// Returns the command if the line is a URC to be dispatched, and the
// handoff if the line moved the loop out of NORMAL mode.
// Called with d.mu held.
func (d *Driver) handleLine(s *Slot, line []byte) (*Command, *handoff) {
	c := d.table.Classify(line)
	if s == nil {
		if c != nil && c.IsURC() {
			return c, nil
		}
		d.log.Debug("discarded", zap.ByteString("line", line))
		return nil, nil
	}
	if c != nil {
		if c == s.cmd {
			if s.received < s.expected {
				d.fill(s, line, true)
				if c.Flags&Buffered != 0 {
					return nil, d.enter(s, ModeBuffer, d.timing.BufferCeiling)
				}
				return nil, nil
			}
			if c.IsURC() {
				return c, nil
			}
			d.log.Debug("unexpected info", zap.ByteString("line", line))
			return nil, nil
		}
		if c.IsURC() {
			return c, nil
		}
		d.log.Debug("unexpected response", zap.ByteString("line", line))
		return nil, nil
	}
	if isOK(line) {
		if s.received == s.expected {
			d.resolve(s, nil)
		} else {
			d.log.Debug("unexpected OK",
				zap.String("cmd", s.cmd.Name),
				zap.Int("received", s.received),
				zap.Int("expected", s.expected))
		}
		return nil, nil
	}
	if err := parseError(line); err != nil {
		d.resolve(s, err)
		return nil, nil
	}
	switch s.cmd.Shape {
	case ShapeString:
		d.fill(s, line, false)
		d.resolve(s, nil)
	case ShapeStringOK:
		d.fill(s, line, false)
	default:
		d.log.Debug("discarded", zap.ByteString("line", line))
	}
	return nil, nil
}

// fill stores a response line in the slot.
//
// Lines prefixed with the command have the prefix stripped and must be
// valid responses. Called with d.mu held.
func (d *Driver) fill(s *Slot, line []byte, prefixed bool) {
	if prefixed {
		off := argsOffset(s.cmd, line)
		if off == 0 {
			d.log.Debug("invalid response", zap.ByteString("line", line))
			return
		}
		line = line[off:]
	}
	n := copy(s.storage, line)
	s.resp = s.storage[:n]
	s.received++
}

// resolve records the outcome of the slot and wakes the holder.
// Called with d.mu held.
func (d *Driver) resolve(s *Slot, err error) {
	s.err = err
	if d.active == s {
		d.active = nil
	}
	close(s.done)
}

// checkTimeout resolves the active slot if it has expired.
// Called with d.mu held.
func (d *Driver) checkTimeout() {
	s := d.active
	if s == nil || s.timeout == 0 || time.Since(s.start) <= s.timeout {
		return
	}
	d.log.Warn("command timeout", zap.String("cmd", s.cmd.Name), zap.Duration("timeout", s.timeout))
	d.resolve(s, ErrTimeout)
}

// enter moves the loop into a mode on behalf of the slot.
// Called with d.mu held.
func (d *Driver) enter(s *Slot, m Mode, ceiling time.Duration) *handoff {
	h := newHandoff(m, ceiling)
	s.handoff = h
	d.mode.Store(uint32(m))
	select {
	case s.handoffs <- h:
	default:
		d.log.Debug("handoff not collected", zap.Stringer("mode", m))
	}
	return h
}

// standby waits, without touching the port, for the holder to return it or
// for the mode ceiling to expire.
func (d *Driver) standby(h *handoff) {
	t := time.NewTimer(time.Until(h.deadline))
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		d.log.Warn("mode ceiling expired", zap.Stringer("mode", h.mode))
		h.release()
		d.mode.Store(uint32(ModeNormal))
		if h.mode == ModeBuffer {
			d.mu.Lock()
			if s := d.active; s != nil && s.handoff == h {
				d.resolve(s, errors.Wrap(ErrTimeout, "buffer mode"))
			}
			d.mu.Unlock()
		}
	case <-d.quit:
		h.release()
	}
	d.mode.Store(uint32(ModeNormal))
}

// dispatch passes a URC to its handler.
func (d *Driver) dispatch(c *Command, line []byte) {
	off := argsOffset(c, line)
	if off == 0 {
		d.log.Debug("invalid URC", zap.ByteString("line", line))
		return
	}
	d.indMu.RLock()
	h := d.inds[c.ID]
	d.indMu.RUnlock()
	if h == nil {
		d.log.Debug("unhandled URC", zap.ByteString("line", line))
		return
	}
	h(c, line[off:])
}
