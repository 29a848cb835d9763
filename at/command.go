// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import "bytes"

// Shape describes the lines the modem returns in response to a command.
type Shape uint8

const (
	// ShapeOK responses are zero or more info lines followed by OK.
	ShapeOK Shape = iota

	// ShapeParamOK responses are an info line followed by OK.
	ShapeParamOK

	// ShapeString responses are a single bare line, with no OK.
	ShapeString

	// ShapeStringOK responses are a bare line followed by OK.
	ShapeStringOK
)

// Flags describe how lines prefixed with a command mnemonic are treated.
type Flags uint8

const (
	// Normal commands are issued by callers and resolve a slot.
	Normal Flags = 1 << iota

	// URC commands may arrive unsolicited.
	URC

	// Prompted commands expect a '>' prompt before their payload.
	Prompted

	// Buffered commands are followed by a raw payload after their info line.
	Buffered
)

// ID identifies a command by its index in the command table.
type ID uint8

// Command describes a command known to the driver.
type Command struct {
	Name  string
	Shape Shape
	Flags Flags
	ID    ID
}

// IsURC returns true if the command may arrive unsolicited.
func (c *Command) IsURC() bool {
	return c.Flags&URC != 0
}

// Table is a set of commands sorted by name.
type Table []Command

// Command IDs, being the index of each command in Commands.
const (
	CCLK ID = iota
	CEREG
	CGATT
	CGDCONT
	CGREG
	CMEE
	CMGF
	CMGS
	COPS
	CREG
	CSQ
	GSN
	QCCID
	QCFG
	QIACT
	QICLOSE
	QICSGP
	QIDEACT
	QIDNSCFG
	QIDNSGIP
	QIOPEN
	QIRD
	QISEND
	QISTATE
	QIURC
	QSSLCFG
	QSSLCLOSE
	QSSLOPEN
	QSSLRECV
	QSSLSEND
	QSSLURC
)

// Commands is the table of commands understood by the driver.
var Commands = Table{
	{"+CCLK", ShapeOK, Normal, CCLK},
	{"+CEREG", ShapeOK, Normal | URC, CEREG},
	{"+CGATT", ShapeOK, Normal, CGATT},
	{"+CGDCONT", ShapeOK, Normal, CGDCONT},
	{"+CGREG", ShapeOK, Normal | URC, CGREG},
	{"+CMEE", ShapeOK, Normal, CMEE},
	{"+CMGF", ShapeOK, Normal, CMGF},
	{"+CMGS", ShapeParamOK, Normal | Prompted, CMGS},
	{"+COPS", ShapeOK, Normal, COPS},
	{"+CREG", ShapeOK, Normal | URC, CREG},
	{"+CSQ", ShapeOK, Normal, CSQ},
	{"+GSN", ShapeStringOK, Normal, GSN},
	{"+QCCID", ShapeOK, Normal, QCCID},
	{"+QCFG", ShapeOK, Normal, QCFG},
	{"+QIACT", ShapeOK, Normal, QIACT},
	{"+QICLOSE", ShapeOK, Normal, QICLOSE},
	{"+QICSGP", ShapeOK, Normal, QICSGP},
	{"+QIDEACT", ShapeOK, Normal, QIDEACT},
	{"+QIDNSCFG", ShapeOK, Normal, QIDNSCFG},
	{"+QIDNSGIP", ShapeOK, Normal, QIDNSGIP},
	{"+QIOPEN", ShapeOK, Normal | URC, QIOPEN},
	{"+QIRD", ShapeOK, Normal | Buffered, QIRD},
	{"+QISEND", ShapeString, Normal | Prompted, QISEND},
	{"+QISTATE", ShapeOK, Normal, QISTATE},
	{"+QIURC", ShapeOK, URC, QIURC},
	{"+QSSLCFG", ShapeOK, Normal, QSSLCFG},
	{"+QSSLCLOSE", ShapeOK, Normal, QSSLCLOSE},
	{"+QSSLOPEN", ShapeOK, Normal | URC, QSSLOPEN},
	{"+QSSLRECV", ShapeOK, Normal | Buffered, QSSLRECV},
	{"+QSSLSEND", ShapeString, Normal | Prompted, QSSLSEND},
	{"+QSSLURC", ShapeOK, URC, QSSLURC},
}

// Lookup returns the command with the given ID, or nil if there is none.
func (t Table) Lookup(id ID) *Command {
	if int(id) >= len(t) {
		return nil
	}
	return &t[id]
}

// Classify returns the command whose name prefixes the line, or nil if the
// line does not start with a known command.
func (t Table) Classify(line []byte) *Command {
	lo, hi := 0, len(t)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch r := compareLine(line, t[mid].Name); {
		case r == 0:
			return &t[mid]
		case r > 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return nil
}

// compareLine orders the line relative to a command name.
//
// A line that starts with the name but continues with anything other than
// ':' is ordered after the name, so the search moves on to longer names
// sharing the prefix.
func compareLine(line []byte, name string) int {
	n := len(name)
	if len(line) < n {
		if r := bytes.Compare(line, []byte(name[:len(line)])); r != 0 {
			return r
		}
		return -1
	}
	if r := bytes.Compare(line[:n], []byte(name)); r != 0 {
		return r
	}
	if len(line) > n && line[n] != ':' {
		return 1
	}
	return 0
}

// argsOffset returns the offset of the arguments in a line prefixed with
// the command, or 0 if the line is not a valid response, i.e. the name is not
// followed by ": ".
func argsOffset(c *Command, line []byte) int {
	n := len(c.Name)
	if len(line) < n+2 || line[n] != ':' || line[n+1] != ' ' {
		return 0
	}
	return n + 2
}
