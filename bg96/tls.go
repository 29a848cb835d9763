// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/warthog618/cellsock/at"
)

// TLSVersion is the SSL/TLS protocol version accepted by an SSL context.
type TLSVersion int

// Protocol versions for +QSSLCFG="sslversion".
const (
	SSL30 TLSVersion = iota
	TLS10
	TLS11
	TLS12
	TLSAll
)

// SecLevel is the peer authentication applied by an SSL context.
type SecLevel int

// Security levels for +QSSLCFG="seclevel".
const (
	// SecNone performs no authentication.
	SecNone SecLevel = iota

	// SecServer authenticates the server using CACert.
	SecServer

	// SecMutual authenticates both the server and client.
	SecMutual
)

// CipherAll enables every cipher suite supported by the modem.
const CipherAll = 0xFFFF

// TLSConfig is the configuration of a modem SSL context.
//
// Certificates must already be provisioned on the modem file system.
type TLSConfig struct {
	Version     TLSVersion
	CipherSuite int
	SecLevel    SecLevel

	// CACert is the modem file holding the trusted CA certificate, such as
	// "UFS:cacert.pem". Required for SecServer and SecMutual.
	CACert string

	// IgnoreLocalTime skips certificate validity checks against the modem
	// clock.
	IgnoreLocalTime bool
}

// DefaultTLSConfig accepts any TLS version and cipher, without
// authentication.
var DefaultTLSConfig = TLSConfig{
	Version:         TLSAll,
	CipherSuite:     CipherAll,
	SecLevel:        SecNone,
	IgnoreLocalTime: true,
}

// WithTLSConfig sets the configuration applied to the SSL context of each
// secure socket before it is connected.
func WithTLSConfig(c TLSConfig) Option {
	return func(m *Modem) {
		m.tls = &c
	}
}

type tlsSetting struct {
	name string
	arg  at.Arg
}

// ConfigureTLS configures the SSL context ctxID.
//
// Secure sockets use the SSL context with the same ID as the socket.
func (m *Modem) ConfigureTLS(ctx context.Context, ctxID int, c TLSConfig) error {
	if c.SecLevel != SecNone && c.CACert == "" {
		return errors.New("configure tls: seclevel requires cacert")
	}
	ignore := 0
	if c.IgnoreLocalTime {
		ignore = 1
	}
	settings := []tlsSetting{
		{"sslversion", at.Int(int(c.Version))},
		{"ciphersuite", at.Raw(fmt.Sprintf("0x%04X", c.CipherSuite))},
		{"seclevel", at.Int(int(c.SecLevel))},
		{"ignorelocaltime", at.Int(ignore)},
	}
	if c.CACert != "" {
		settings = append(settings, tlsSetting{"cacert", at.Quoted(c.CACert)})
	}
	for _, s := range settings {
		err := m.Exec(ctx,
			at.Request{ID: at.QSSLCFG, Timeout: m.t.Command},
			at.Set(at.Quoted(s.name), at.Int(ctxID), s.arg),
			nil)
		if err != nil {
			return errors.Wrapf(err, "configure tls %s", s.name)
		}
	}
	return nil
}
