// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"bytes"
	"strconv"
)

// ParseArgs splits buf into fields delimited by ',', '\r' or '\n' and
// decodes them according to format.
//
// Each format character consumes one field:
//
//	i  an optionally signed decimal integer, stored in an *int
//	s  the raw field, stored in a *[]byte
//	S  the field with one layer of surrounding double quotes removed
//
// A nil out pointer skips the field. The slices returned for s and S
// reference buf and are only valid while buf is.
//
// A field is only decoded once its terminating delimiter has been seen.
// Parsing stops at the end of the format, at the end of buf, or at the
// first field that fails to decode. The number of fields decoded is
// returned.
func ParseArgs(buf []byte, format string, out ...interface{}) int {
	n := 0
	for n < len(format) {
		end := bytes.IndexAny(buf, ",\r\n")
		if end < 0 {
			break
		}
		field := buf[:end]
		var o interface{}
		if n < len(out) {
			o = out[n]
		}
		switch format[n] {
		case 'i':
			v, ok := parseInt(field)
			if !ok {
				return n
			}
			if p, ok := o.(*int); ok && p != nil {
				*p = v
			}
		case 's', 'S':
			if format[n] == 'S' {
				field = unquote(field)
			}
			if p, ok := o.(*[]byte); ok && p != nil {
				*p = field
			}
		default:
			return n
		}
		n++
		buf = buf[end+1:]
	}
	return n
}

// parseInt decodes a decimal integer with optional sign and surrounding
// whitespace. Values out of range for an int fail.
func parseInt(b []byte) (int, bool) {
	b = bytes.Trim(b, " \t")
	if len(b) == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, false
	}
	return v, true
}

func unquote(b []byte) []byte {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}
