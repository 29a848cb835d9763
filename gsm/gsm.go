// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides SMS submission over the AT driver.
package gsm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
)

// GSM decorates the AT driver with SMS functionality.
//
// Messages are sent in PDU mode.
type GSM struct {
	*at.Driver
	sca     pdumode.SMSCAddress
	timeout time.Duration
}

// Option is a construction option for a GSM.
type Option func(*GSM)

// WithSCA sets the SMSC address prepended to each PDU.
// The default is empty, which selects the SMSC configured on the SIM.
func WithSCA(sca pdumode.SMSCAddress) Option {
	return func(g *GSM) {
		g.sca = sca
	}
}

// WithTimeout sets the time allowed for the network to accept a message.
func WithTimeout(d time.Duration) Option {
	return func(g *GSM) {
		g.timeout = d
	}
}

// New creates a GSM on the driver.
func New(d *at.Driver, options ...Option) *GSM {
	g := &GSM{Driver: d, timeout: 60 * time.Second}
	for _, option := range options {
		option(g)
	}
	return g
}

// Init switches the modem to PDU mode.
func (g *GSM) Init(ctx context.Context) error {
	err := g.Exec(ctx, at.Request{ID: at.CMGF, Timeout: time.Second}, at.Set(at.Int(0)), nil)
	if err != nil {
		return errors.Wrap(err, "pdu mode")
	}
	return nil
}

// SendSMS sends an SMS message to the number.
//
// Long messages are split into a set of concatenated PDUs. The message
// reference of each PDU sent is returned, with an error if any failed.
func (g *GSM) SendSMS(ctx context.Context, number string, message string) ([]int, error) {
	pdus, err := sms.Encode([]byte(message), sms.To(number))
	if err != nil {
		return nil, err
	}
	mrs := make([]int, 0, len(pdus))
	for _, p := range pdus {
		b, err := p.MarshalBinary()
		if err != nil {
			return mrs, err
		}
		mr, err := g.SendPDU(ctx, b)
		if err != nil {
			return mrs, err
		}
		mrs = append(mrs, mr)
	}
	return mrs, nil
}

// SendPDU sends an SMS TPDU.
//
// The TPDU is prefixed with the SMSC address and hex encoded.
// The message reference is returned on success, else an error.
func (g *GSM) SendPDU(ctx context.Context, tpdu []byte) (int, error) {
	pdu := pdumode.PDU{SMSC: g.sca, TPDU: tpdu}
	s, err := pdu.MarshalHexString()
	if err != nil {
		return 0, err
	}
	slot, err := g.Acquire(ctx, at.Request{ID: at.CMGS, Size: 16, Timeout: g.timeout, Lines: 1})
	if err != nil {
		return 0, err
	}
	defer g.Release(slot)
	if err = g.SendCommand(at.CMGS, at.Set(at.Int(len(tpdu)))); err != nil {
		return 0, err
	}
	pr, err := slot.WaitPrompt(ctx)
	if err != nil {
		return 0, err
	}
	_, err = pr.Write([]byte(s + "\x1a"))
	pr.Close()
	if err != nil {
		return 0, err
	}
	if err = slot.Wait(ctx); err != nil {
		return 0, err
	}
	var mr int
	if slot.Args("i", &mr) != 1 {
		return 0, ErrMalformedResponse
	}
	return mr, nil
}

// ErrMalformedResponse indicates the modem returned a badly formed
// response.
var ErrMalformedResponse = errors.New("modem returned malformed response")
