// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package bg96 provides sockets, DNS and network status over the AT driver
// of a Quectel BG96 modem.
package bg96

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
	"go.uber.org/zap"
)

// Modem decorates an AT driver with the BG96 socket and network services.
type Modem struct {
	*at.Driver
	log *zap.Logger
	t   Timing

	// applied to the SSL context of secure sockets, if set
	tls *TLSConfig

	// covers socket allocation
	tableMu sync.Mutex
	socks   [MaxSockets]socket

	// covers the network state
	netMu    sync.Mutex
	reg      [numTechs]int
	lac      string
	ci       string
	act      int
	lostAt   time.Time
	attached bool

	// one resolution at a time
	dnsMu sync.Mutex
	dns   dnsState
}

// Timing contains the timeouts applied to modem operations.
type Timing struct {
	// Command is the timeout for simple queries and settings.
	Command time.Duration

	// Open is the timeout for the socket open command.
	Open time.Duration

	// OpenWait bounds the wait for the open URC.
	OpenWait time.Duration

	// OpenPoll is the interval at which the open state is checked.
	OpenPoll time.Duration

	// Close is the timeout for the socket close command.
	Close time.Duration

	// Send is the timeout for socket send commands.
	Send time.Duration

	// Recv is the timeout for socket read commands.
	Recv time.Duration

	// DNS bounds a name resolution, including the wait for its URCs.
	DNS time.Duration

	// RecvIdle is how long Recv waits for a receive event when no data is
	// available.
	RecvIdle time.Duration

	// Keepalive is the idle time after which a plain socket is probed.
	Keepalive time.Duration

	// RegistrationGrace is how long registration may be lost before new
	// sockets are refused.
	RegistrationGrace time.Duration

	// Network is the timeout for commands that wait on the network, such as
	// attach and PDP activation.
	Network time.Duration
}

// DefaultTiming is the Timing used unless overridden by WithTiming.
var DefaultTiming = Timing{
	Command:           time.Second,
	Open:              180 * time.Second,
	OpenWait:          160 * time.Second,
	OpenPoll:          100 * time.Millisecond,
	Close:             10 * time.Second,
	Send:              10 * time.Second,
	Recv:              10 * time.Second,
	DNS:               60 * time.Second,
	RecvIdle:          5 * time.Second,
	Keepalive:         60 * time.Second,
	RegistrationGrace: 60 * time.Second,
	Network:           150 * time.Second,
}

// Option is a construction option for a Modem.
type Option func(*Modem)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Modem) {
		m.log = l
	}
}

// WithTiming overrides the operation timeouts.
func WithTiming(t Timing) Option {
	return func(m *Modem) {
		m.t = t
	}
}

// New creates a Modem on the driver and registers its URC handlers.
func New(d *at.Driver, options ...Option) *Modem {
	m := &Modem{
		Driver: d,
		log:    zap.NewNop(),
		t:      DefaultTiming,
	}
	for _, option := range options {
		option(m)
	}
	for i := range m.reg {
		m.reg[i] = statUnknown
	}
	for i := range m.socks {
		m.socks[i].rx = make(chan struct{}, 1)
	}
	inds := []struct {
		id      at.ID
		handler at.URCHandler
	}{
		{at.QIOPEN, m.handleOpen},
		{at.QSSLOPEN, m.handleOpen},
		{at.QIURC, m.handleURC},
		{at.QSSLURC, m.handleURC},
		{at.CREG, m.handleRegistration},
		{at.CGREG, m.handleRegistration},
		{at.CEREG, m.handleRegistration},
	}
	for _, ind := range inds {
		if err := d.AddIndication(ind.id, ind.handler); err != nil {
			m.log.Warn("indication not added", zap.Error(err))
		}
	}
	return m
}

var (
	// ErrNotRegistered indicates the modem has been without network
	// registration for longer than the registration grace.
	ErrNotRegistered = errors.New("not registered")

	// ErrConnection indicates a socket has been closed by the remote end or
	// has failed.
	ErrConnection = errors.New("connection fault")

	// ErrNoSocket indicates all sockets are in use.
	ErrNoSocket = errors.New("no free socket")

	// ErrInvalidSocket indicates the socket ID is out of range, or the
	// socket is not in a state supporting the operation.
	ErrInvalidSocket = errors.New("invalid socket")

	// ErrNotFound indicates a name resolution returned no addresses.
	ErrNotFound = errors.New("host not found")

	// ErrMalformed indicates a response did not have the expected shape.
	ErrMalformed = at.ErrMalformed
)
