// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux

package serial

// The BG96 presents its AT port as the third USB serial interface.
var defaultConfig = Config{
	port: "/dev/ttyUSB2",
	baud: 115200,
}
