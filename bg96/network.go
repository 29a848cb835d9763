// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"bytes"
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
	"go.uber.org/zap"
)

// Registration stat values, as per 3GPP TS 27.007.
const (
	StatNotRegistered = 0
	StatHome          = 1
	StatSearching     = 2
	StatDenied        = 3
	StatUnknown       = 4
	StatRoaming       = 5

	statUnknown = -1
)

// Technologies for which registration is tracked.
const (
	techGSM  = iota // +CREG
	techGPRS        // +CGREG
	techEPS         // +CEREG
	numTechs
)

// Registration is the network registration state reported by the modem.
type Registration struct {
	Stat int
	LAC  string
	CI   string
	Act  int
}

// Registered returns true if the modem is registered on its home network or
// roaming.
func (r Registration) Registered() bool {
	return r.Stat == StatHome || r.Stat == StatRoaming
}

func techOf(id at.ID) int {
	switch id {
	case at.CGREG:
		return techGPRS
	case at.CEREG:
		return techEPS
	}
	return techGSM
}

// handleRegistration handles the +CREG, +CGREG and +CEREG URCs:
//
//	<stat>[,<lac>,<ci>[,<act>]]
func (m *Modem) handleRegistration(c *at.Command, args []byte) {
	var stat, act int
	var lac, ci []byte
	n := at.ParseArgs(args, "iSSi", &stat, &lac, &ci, &act)
	if n < 1 {
		m.log.Debug("malformed registration", zap.ByteString("args", args))
		return
	}
	r := Registration{Stat: stat, Act: -1}
	if n >= 3 {
		r.LAC, r.CI = string(lac), string(ci)
	}
	if n >= 4 {
		r.Act = act
	}
	m.updateRegistration(techOf(c.ID), r)
}

// updateRegistration records the registration for a technology and drops
// all sockets when the modem loses registration on every technology.
func (m *Modem) updateRegistration(tech int, r Registration) {
	m.netMu.Lock()
	m.reg[tech] = r.Stat
	if r.LAC != "" {
		m.lac, m.ci = r.LAC, r.CI
	}
	if r.Act >= 0 {
		m.act = r.Act
	}
	lost := false
	if m.registeredLocked() {
		m.lostAt = time.Time{}
	} else if m.lostAt.IsZero() {
		m.lostAt = time.Now()
		lost = true
	}
	m.netMu.Unlock()
	if lost {
		m.log.Info("registration lost", zap.Int("stat", r.Stat))
		m.dropAll()
	}
}

func (m *Modem) registeredLocked() bool {
	for _, stat := range m.reg {
		if stat == StatHome || stat == StatRoaming {
			return true
		}
	}
	return false
}

// Registered returns true if the modem is registered with any technology.
func (m *Modem) Registered() bool {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return m.registeredLocked()
}

// unregisteredFor returns how long registration has been lost, or zero if
// the modem is registered or has not reported losing registration.
func (m *Modem) unregisteredFor() time.Duration {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	if m.lostAt.IsZero() {
		return 0
	}
	return time.Since(m.lostAt)
}

func (m *Modem) setAttached(attached bool) {
	m.netMu.Lock()
	m.attached = attached
	m.netMu.Unlock()
}

// CheckNetwork queries the circuit switched registration.
func (m *Modem) CheckNetwork(ctx context.Context) (Registration, error) {
	r := Registration{Act: -1}
	err := m.Exec(ctx,
		at.Request{ID: at.CREG, Size: 64, Timeout: m.t.Command, Lines: 1},
		at.Query(),
		func(s *at.Slot) error {
			var mode int
			var lac, ci []byte
			n := s.Args("iiSSi", &mode, &r.Stat, &lac, &ci, &r.Act)
			if n < 2 {
				return ErrMalformed
			}
			if n >= 4 {
				r.LAC, r.CI = string(lac), string(ci)
			}
			return nil
		})
	if err != nil {
		return r, errors.Wrap(err, "check network")
	}
	m.updateRegistration(techGSM, r)
	return r, nil
}

var errNotYetRegistered = errors.New("not yet registered")

// WaitRegistration polls the registration once a second until the modem is
// registered or the timeout expires.
func (m *Modem) WaitRegistration(ctx context.Context, timeout time.Duration) (Registration, error) {
	var r Registration
	attempts := uint(timeout / time.Second)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			var err error
			r, err = m.CheckNetwork(ctx)
			if err != nil {
				return err
			}
			if !r.Registered() {
				return errNotYetRegistered
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.log.Debug("waiting for registration", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if errors.Cause(err) == errNotYetRegistered {
		err = ErrNotRegistered
	}
	return r, err
}

// RSSI returns the received signal strength in dBm, or 0 if unknown.
func (m *Modem) RSSI(ctx context.Context) (int, error) {
	var rssi, ber int
	err := m.Exec(ctx,
		at.Request{ID: at.CSQ, Size: 16, Timeout: m.t.Command, Lines: 1},
		at.Exec(),
		func(s *at.Slot) error {
			if s.Args("ii", &rssi, &ber) != 2 {
				return ErrMalformed
			}
			return nil
		})
	if err != nil {
		return 0, errors.Wrap(err, "rssi")
	}
	return dBm(rssi), nil
}

// dBm converts a +CSQ rssi to dBm.
func dBm(rssi int) int {
	if rssi < 0 || rssi > 31 {
		return 0
	}
	return -113 + 2*rssi
}

// Attach attaches to or detaches from the packet domain service.
func (m *Modem) Attach(ctx context.Context, attach bool) error {
	v := 0
	if attach {
		v = 1
	}
	err := m.Exec(ctx,
		at.Request{ID: at.CGATT, Timeout: m.t.Network},
		at.Set(at.Int(v)),
		nil)
	if err != nil {
		return errors.Wrap(err, "attach")
	}
	return nil
}

// Detach detaches from the packet domain service.
func (m *Modem) Detach(ctx context.Context) error {
	return m.Attach(ctx, false)
}

// Attached returns true if the modem is attached to the packet domain
// service.
func (m *Modem) Attached(ctx context.Context) (bool, error) {
	var v int
	err := m.Exec(ctx,
		at.Request{ID: at.CGATT, Size: 16, Timeout: m.t.Command, Lines: 1},
		at.Query(),
		func(s *at.Slot) error {
			if s.Args("i", &v) != 1 {
				return ErrMalformed
			}
			return nil
		})
	if err != nil {
		return false, errors.Wrap(err, "attached")
	}
	return v == 1, nil
}

// Auth is the PDP authentication method.
type Auth int

// Authentication methods.
const (
	AuthNone Auth = iota
	AuthPAP
	AuthCHAP
)

// PDP describes the packet data context used by the sockets.
type PDP struct {
	APN      string
	User     string
	Password string
	Auth     Auth
}

// pdpContext is the context used by all sockets.
const pdpContext = 1

// ConfigurePDP sets the APN and credentials of the PDP context.
func (m *Modem) ConfigurePDP(ctx context.Context, p PDP) error {
	err := m.Exec(ctx,
		at.Request{ID: at.CGDCONT, Timeout: m.t.Command},
		at.Set(at.Int(pdpContext), at.Quoted("IP"), at.Quoted(p.APN)),
		nil)
	if err != nil {
		return errors.Wrap(err, "define pdp")
	}
	err = m.Exec(ctx,
		at.Request{ID: at.QICSGP, Timeout: m.t.Command},
		at.Set(at.Int(pdpContext), at.Int(1), at.Quoted(p.APN), at.Quoted(p.User), at.Quoted(p.Password), at.Int(int(p.Auth))),
		nil)
	if err != nil {
		return errors.Wrap(err, "configure pdp")
	}
	return nil
}

// ActivatePDP activates or deactivates the PDP context.
func (m *Modem) ActivatePDP(ctx context.Context, activate bool) error {
	id := at.QIDEACT
	if activate {
		id = at.QIACT
	}
	err := m.Exec(ctx, at.Request{ID: id, Timeout: m.t.Network}, at.Set(at.Int(pdpContext)), nil)
	if err != nil {
		return errors.Wrap(err, "activate pdp")
	}
	m.setAttached(activate)
	if !activate {
		m.dropAll()
	}
	return nil
}

// DeactivatePDP deactivates the PDP context, dropping all sockets.
func (m *Modem) DeactivatePDP(ctx context.Context) error {
	return m.ActivatePDP(ctx, false)
}

// PDPActive returns true if the PDP context is active, as last set by
// ActivatePDP or reported by the modem.
func (m *Modem) PDPActive() bool {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return m.attached
}

// SetDNS sets the DNS servers used by the PDP context.
func (m *Modem) SetDNS(ctx context.Context, primary, secondary string) error {
	args := []at.Arg{at.Int(pdpContext), at.Quoted(primary)}
	if secondary != "" {
		args = append(args, at.Quoted(secondary))
	}
	err := m.Exec(ctx, at.Request{ID: at.QIDNSCFG, Timeout: m.t.Command}, at.Set(args...), nil)
	if err != nil {
		return errors.Wrap(err, "set dns")
	}
	return nil
}

// IMEI returns the IMEI of the modem.
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	var imei string
	err := m.Exec(ctx,
		at.Request{ID: at.GSN, Size: 32, Timeout: m.t.Command, Lines: 1},
		at.Exec(),
		func(s *at.Slot) error {
			var v []byte
			if s.Args("s", &v) != 1 || len(v) == 0 {
				return ErrMalformed
			}
			imei = string(v)
			return nil
		})
	if err != nil {
		return "", errors.Wrap(err, "imei")
	}
	return imei, nil
}

// ICCID returns the ICCID of the SIM.
func (m *Modem) ICCID(ctx context.Context) (string, error) {
	var iccid string
	err := m.Exec(ctx,
		at.Request{ID: at.QCCID, Size: 32, Timeout: m.t.Command, Lines: 1},
		at.Exec(),
		func(s *at.Slot) error {
			var v []byte
			if s.Args("s", &v) != 1 || len(v) == 0 {
				return ErrMalformed
			}
			iccid = string(v)
			return nil
		})
	if err != nil {
		return "", errors.Wrap(err, "iccid")
	}
	return iccid, nil
}

// Time returns the time of the modem real time clock.
func (m *Modem) Time(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := m.Exec(ctx,
		at.Request{ID: at.CCLK, Size: 32, Timeout: m.t.Command, Lines: 1},
		at.Query(),
		func(s *at.Slot) error {
			var err error
			t, err = parseClock(s.Response())
			return err
		})
	if err != nil {
		return t, errors.Wrap(err, "time")
	}
	return t, nil
}

// parseClock parses a +CCLK response, "yy/MM/dd,hh:mm:ss±zz", where zz is
// the offset from UTC in quarter hours.
func parseClock(b []byte) (time.Time, error) {
	b = bytes.Trim(bytes.TrimSpace(b), "\"")
	if len(b) != 20 {
		return time.Time{}, ErrMalformed
	}
	t, err := time.Parse("06/01/02,15:04:05", string(b[:17]))
	if err != nil {
		return time.Time{}, ErrMalformed
	}
	q, ok := 0, true
	for _, c := range b[18:] {
		if c < '0' || c > '9' {
			ok = false
		}
		q = q*10 + int(c-'0')
	}
	if !ok {
		return time.Time{}, ErrMalformed
	}
	offset := q * 15 * 60
	switch b[17] {
	case '-':
		offset = -offset
	case '+':
	default:
		return time.Time{}, ErrMalformed
	}
	loc := time.FixedZone("", offset)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
}

// RAT is the radio access technology selection.
type RAT int

// Scan modes for +QCFG="nwscanmode".
const (
	RATAuto RAT = 0
	RATGSM  RAT = 1
	RATLTE  RAT = 3
)

// SetRAT restricts the radio access technologies the modem scans.
func (m *Modem) SetRAT(ctx context.Context, r RAT) error {
	err := m.Exec(ctx,
		at.Request{ID: at.QCFG, Timeout: m.t.Command},
		at.Set(at.Quoted("nwscanmode"), at.Int(int(r)), at.Int(1)),
		nil)
	if err != nil {
		return errors.Wrap(err, "set rat")
	}
	return nil
}

// SetOperator selects the network operator by numeric code, or returns to
// automatic selection if oper is empty.
func (m *Modem) SetOperator(ctx context.Context, oper string) error {
	p := at.Set(at.Int(0))
	if oper != "" {
		p = at.Set(at.Int(1), at.Int(2), at.Quoted(oper))
	}
	err := m.Exec(ctx, at.Request{ID: at.COPS, Timeout: m.t.Open}, p, nil)
	if err != nil {
		return errors.Wrap(err, "set operator")
	}
	return nil
}
