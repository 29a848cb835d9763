// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package at provides a low level driver for the AT command interface of
// a BG96 cellular modem.
//
// The Driver owns the serial port. A single loop goroutine reads every line
// from the modem, resolves the outcome of the one command in flight, and
// dispatches unsolicited result codes (URCs) to registered handlers.
// Callers obtain exclusive use of the command channel by acquiring the
// Driver's single Slot.
package at

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Driver represents a modem that can be managed using AT commands.
//
// The Driver closes the closed channel when the connection to the underlying
// modem is broken (Read returns an error) or when Close is called.
//
// When closed, all outstanding commands return ErrClosed and the state of the
// underlying modem becomes unknown.
type Driver struct {
	port  *port
	table Table
	log   *zap.Logger

	// single permit guarding the slot
	permit chan struct{}

	// covers active, slot and the handoff references from the loop
	mu     sync.Mutex
	active *Slot
	slot   Slot

	// scratch storage for slots that do not supply their own
	scratch [MaxLine]byte

	mode atomic.Uint32

	// held by the loop while it is using the port
	portMu  sync.Mutex
	talking atomic.Bool
	wake    chan struct{}

	// URC handlers by command ID
	indMu sync.RWMutex
	inds  map[ID]URCHandler

	initCmds []string
	timing   Timing

	quit      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// Timing contains the intervals and ceilings governing the loop.
type Timing struct {
	// Poll is the idle read timeout of the loop, and so the granularity of
	// slot timeouts.
	Poll time.Duration

	// PromptWait is how long a caller waits for the loop to enter a mode.
	PromptWait time.Duration

	// PromptCeiling bounds the time the loop stands by in PROMPT mode.
	PromptCeiling time.Duration

	// BufferCeiling bounds the time the loop stands by in BUFFER mode.
	BufferCeiling time.Duration

	// InitWait is the time Init waits for each init command to complete.
	InitWait time.Duration
}

// DefaultTiming is the Timing used unless overridden by WithTiming.
var DefaultTiming = Timing{
	Poll:          100 * time.Millisecond,
	PromptWait:    10 * time.Second,
	PromptCeiling: 20 * time.Second,
	BufferCeiling: 30 * time.Second,
	InitWait:      500 * time.Millisecond,
}

// Option is a construction option for a Driver.
type Option func(*Driver)

// URCHandler receives the argument region of an unsolicited result code.
//
// The args are borrowed from the line buffer and are only valid for the
// duration of the call. Handlers are called from the loop goroutine and
// must not issue commands.
type URCHandler func(cmd *Command, args []byte)

// New creates a new Driver on the modem.
//
// The loop is created idle. Init may be called to configure the modem before
// Start hands the port to the loop.
func New(modem io.ReadWriter, options ...Option) *Driver {
	d := &Driver{
		port:   newPort(modem),
		table:  Commands,
		log:    zap.NewNop(),
		permit: make(chan struct{}, 1),
		wake:   make(chan struct{}, 1),
		inds:   make(map[ID]URCHandler),
		timing: DefaultTiming,
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, option := range options {
		option(d)
	}
	if d.initCmds == nil {
		d.initCmds = []string{
			"E0",       // echo off
			"+CMEE=2",  // verbose errors
			"+CREG=2",  // registration URCs with location
			"+CGREG=2", // GPRS registration URCs
			"+CEREG=2", // EPS registration URCs
		}
	}
	go d.loop()
	return d
}

// WithLogger sets the logger used for loop diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		d.log = l
	}
}

// WithTiming overrides the loop intervals and ceilings.
func WithTiming(t Timing) Option {
	return func(d *Driver) {
		d.timing = t
	}
}

// WithInitCmds specifies the commands issued by Init.
//
// The commands should NOT include the AT prefix.
func WithInitCmds(cmds ...string) Option {
	return func(d *Driver) {
		d.initCmds = cmds
	}
}

// WithIndication adds a URC handler during construction.
func WithIndication(id ID, handler URCHandler) Option {
	return func(d *Driver) {
		d.inds[id] = handler
	}
}

// AddIndication adds a handler for the URC with the given command ID.
func (d *Driver) AddIndication(id ID, handler URCHandler) error {
	if c := d.table.Lookup(id); c == nil || c.Flags&URC == 0 {
		return errors.Wrapf(ErrNotURC, "id %d", id)
	}
	d.indMu.Lock()
	defer d.indMu.Unlock()
	if _, ok := d.inds[id]; ok {
		return ErrIndicationExists
	}
	d.inds[id] = handler
	return nil
}

// CancelIndication removes any handler for the URC.
func (d *Driver) CancelIndication(id ID) {
	d.indMu.Lock()
	delete(d.inds, id)
	d.indMu.Unlock()
}

// Closed returns a channel which will block while the driver is not closed.
func (d *Driver) Closed() <-chan struct{} {
	return d.closed
}

// Close stops the loop.
//
// Any command in flight returns ErrClosed. The underlying modem is not
// closed.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		close(d.quit)
	})
	<-d.closed
	return nil
}

// Mode returns the current link mode.
func (d *Driver) Mode() Mode {
	return Mode(d.mode.Load())
}

// Running returns true if the loop is using the port.
func (d *Driver) Running() bool {
	return d.talking.Load()
}

// Start hands the port to the loop.
func (d *Driver) Start() {
	d.talking.Store(true)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop takes the port back from the loop.
//
// Stop waits for any command in flight to complete and for the loop to
// idle. Once stopped the loop consumes no lines and Init may use the port
// until Start is called. Bytes from the modem are still queued while
// stopped, and are discarded by Init.
func (d *Driver) Stop(ctx context.Context) error {
	select {
	case d.permit <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return ErrClosed
	}
	d.talking.Store(false)
	d.portMu.Lock()
	d.portMu.Unlock()
	<-d.permit
	return nil
}

// Init initialises the modem by issuing the init commands directly, in
// order, and waiting for each to return OK.
//
// Init may only be called while the loop is stopped. The default init
// commands can be overridden by the cmds parameter.
func (d *Driver) Init(ctx context.Context, cmds ...string) error {
	if d.talking.Load() {
		return ErrNotStopped
	}
	d.portMu.Lock()
	defer d.portMu.Unlock()
	// flush any partial command line and stale responses
	if err := d.port.write([]byte("\r")); err != nil {
		return err
	}
	time.Sleep(d.timing.Poll)
	d.port.drain()
	if cmds == nil {
		cmds = d.initCmds
	}
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.port.write([]byte("AT" + cmd + "\r")); err != nil {
			return err
		}
		if err := d.waitOK(ctx); err != nil {
			return errors.Wrapf(err, "AT%s", cmd)
		}
	}
	return nil
}

// waitOK reads lines until OK or an error line, each within the init wait.
func (d *Driver) waitOK(ctx context.Context) error {
	for {
		n, err := d.port.readLine(d.timing.InitWait)
		if err != nil {
			if err == errReadTimeout {
				return ErrTimeout
			}
			return err
		}
		line := d.port.line[:n]
		if isOK(line) {
			return nil
		}
		if err := parseError(line); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// SendCommand writes the command line for id with the given params.
//
// The caller must hold the slot for id.
func (d *Driver) SendCommand(id ID, p Params) error {
	c := d.table.Lookup(id)
	if c == nil {
		return errors.Wrapf(ErrUnknownCommand, "id %d", id)
	}
	if err := d.port.write(Encode(nil, c, p)); err != nil {
		return err
	}
	d.mu.Lock()
	if s := d.active; s != nil && s.cmd == c {
		s.sent = true
	}
	d.mu.Unlock()
	return nil
}

// Exec acquires the slot for r, sends the command with params p, and waits
// for its outcome.
//
// If parse is not nil and the command succeeded, it is called with the slot
// before the slot is released, so the response may be parsed in place.
func (d *Driver) Exec(ctx context.Context, r Request, p Params, parse func(s *Slot) error) error {
	s, err := d.Acquire(ctx, r)
	if err != nil {
		return err
	}
	defer d.Release(s)
	if err = d.SendCommand(r.ID, p); err != nil {
		return err
	}
	if err = s.Wait(ctx); err != nil {
		return err
	}
	if parse != nil {
		return parse(s)
	}
	return nil
}

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the driver has
	// been closed.
	ErrClosed = errors.New("closed")

	// ErrError indicates the modem returned a generic AT ERROR in response to
	// an operation.
	ErrError = errors.New("ERROR")

	// ErrTimeout indicates the modem did not complete a command, or a mode
	// transition, in time.
	ErrTimeout = errors.New("timeout")

	// ErrMalformed indicates a response did not have the expected shape.
	ErrMalformed = errors.New("malformed response")

	// ErrNoMode indicates the command completed without entering the
	// expected prompt or buffer mode.
	ErrNoMode = errors.New("mode not entered")

	// ErrNotStopped indicates an operation requiring direct access to the
	// port was attempted while the loop was running.
	ErrNotStopped = errors.New("loop not stopped")

	// ErrIndicationExists indicates there is already a handler registered
	// for a URC.
	ErrIndicationExists = errors.New("indication exists")

	// ErrNotURC indicates a handler was added for a command that is not a URC.
	ErrNotURC = errors.New("not a URC")

	// ErrUnknownCommand indicates a command ID outside the command table.
	ErrUnknownCommand = errors.New("unknown command")
)
