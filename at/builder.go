// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import "strconv"

type argKind uint8

const (
	argInt argKind = iota
	argRaw
	argQuoted
)

// Arg is a single command parameter.
type Arg struct {
	kind argKind
	num  int
	text string
}

// Int is a decimal integer parameter.
func Int(v int) Arg {
	return Arg{kind: argInt, num: v}
}

// Raw is a parameter written as is.
func Raw(s string) Arg {
	return Arg{kind: argRaw, text: s}
}

// Quoted is a parameter written within double quotes.
func Quoted(s string) Arg {
	return Arg{kind: argQuoted, text: s}
}

// Params is the part of a command line following the command name.
type Params struct {
	op   string
	args []Arg
}

// Exec is the empty parameter list, as used to execute a command.
func Exec() Params {
	return Params{}
}

// Query reads the current value of a command, i.e. AT<cmd>?.
func Query() Params {
	return Params{op: "?"}
}

// Set writes the args to a command, i.e. AT<cmd>=<arg>,<arg>...
func Set(args ...Arg) Params {
	return Params{op: "=", args: args}
}

// Encode appends the command line for c with params p to dst.
func Encode(dst []byte, c *Command, p Params) []byte {
	dst = append(dst, "AT"...)
	dst = append(dst, c.Name...)
	dst = append(dst, p.op...)
	for i, a := range p.args {
		if i > 0 {
			dst = append(dst, ',')
		}
		switch a.kind {
		case argInt:
			dst = strconv.AppendInt(dst, int64(a.num), 10)
		case argRaw:
			dst = append(dst, a.text...)
		case argQuoted:
			dst = append(dst, '"')
			dst = append(dst, a.text...)
			dst = append(dst, '"')
		}
	}
	return append(dst, '\r')
}
