// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

import (
	"bytes"

	"github.com/warthog618/cellsock/at"
	"go.uber.org/zap"
)

// URC handlers are called from the driver loop, so they only set flags and
// signal waiters. They never take a socket lock, as the holder of that lock
// may be waiting on the loop.

// handleOpen handles the +QIOPEN and +QSSLOPEN URCs:
//
//	<id>,<err>
func (m *Modem) handleOpen(c *at.Command, args []byte) {
	var id, code int
	if at.ParseArgs(args, "ii", &id, &code) != 2 || !validID(id) {
		m.log.Debug("malformed open", zap.ByteString("args", args))
		return
	}
	m.socks[id].opened(code)
}

// handleURC handles the +QIURC and +QSSLURC URCs:
//
//	"closed",<id>
//	"recv",<id>
//	"dnsgip",<err>,<count>,<ttl>
//	"dnsgip","<ip>"
//	"pdpdeact",<context>
func (m *Modem) handleURC(c *at.Command, args []byte) {
	var kind []byte
	var id int
	n := at.ParseArgs(args, "Si", &kind, &id)
	if n < 1 {
		m.log.Debug("malformed URC", zap.ByteString("args", args))
		return
	}
	switch string(kind) {
	case "closed":
		if n == 2 && validID(id) {
			m.log.Debug("remote close", zap.Int("id", id))
			m.socks[id].fault()
		}
	case "recv":
		if n == 2 && validID(id) {
			m.socks[id].signal()
		}
	case "dnsgip":
		m.handleDNS(args)
	case "pdpdeact":
		m.log.Info("pdp deactivated", zap.Int("context", id))
		m.setAttached(false)
		m.dropAll()
	default:
		m.log.Debug("unhandled URC", zap.String("cmd", c.Name), zap.ByteString("args", args))
	}
}

// handleDNS updates the resolution in progress.
func (m *Modem) handleDNS(args []byte) {
	var f []byte
	var code, count int
	n := at.ParseArgs(args, "Ss", nil, &f)
	if n < 2 || len(f) == 0 {
		m.log.Debug("malformed dnsgip", zap.ByteString("args", args))
		return
	}
	if f[0] == '"' {
		m.dns.add(bytes.Trim(f, "\""))
		return
	}
	n = at.ParseArgs(args, "Sii", nil, &code, &count)
	switch {
	case n < 2:
		m.log.Debug("malformed dnsgip", zap.ByteString("args", args))
	case code != 0:
		m.dns.fail(code)
	case n == 3:
		m.dns.expect(count)
	}
}

// dropAll marks every open socket as closed by the network.
func (m *Modem) dropAll() {
	for i := range m.socks {
		if m.socks[i].live.Load() {
			m.socks[i].fault()
		}
	}
}
