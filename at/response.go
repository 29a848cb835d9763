// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package at

import "bytes"

// MaxErrLen caps the length of the error text captured from +CME ERROR and
// +CMS ERROR lines.
const MaxErrLen = 32

var (
	okLine    = []byte("OK\r\n")
	errorLine = []byte("ERROR")
	cmePrefix = []byte("+CME ERROR: ")
	cmsPrefix = []byte("+CMS ERROR: ")
)

func isOK(line []byte) bool {
	return bytes.HasPrefix(line, okLine)
}

// parseError returns the error corresponding to an error line, or nil if the
// line is not an error line.
func parseError(line []byte) error {
	switch {
	case bytes.HasPrefix(line, errorLine):
		return ErrError
	case bytes.HasPrefix(line, cmePrefix):
		return CMEError(errText(line[len(cmePrefix):]))
	case bytes.HasPrefix(line, cmsPrefix):
		return CMSError(errText(line[len(cmsPrefix):]))
	}
	return nil
}

func errText(b []byte) string {
	b = bytes.TrimRight(b, "\r\n")
	if len(b) > MaxErrLen {
		b = b[:MaxErrLen]
	}
	return string(b)
}
