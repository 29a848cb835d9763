// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial opens the serial port of a modem.
package serial

import (
	"strings"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

// Config is the configuration of the port opened by New.
type Config struct {
	port string
	baud int
}

// Option modifies the Config used by New.
type Option func(*Config)

// WithPort sets the device path of the port.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New opens the serial port, defaulting to the platform's usual modem AT
// port at 115200 baud.
func New(options ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, option := range options {
		option(&cfg)
	}
	config := &serial.Config{Name: cfg.port, Baud: cfg.baud}
	p, err := serial.OpenPort(config)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultPort returns the port opened by New if no port is specified.
func DefaultPort() string {
	return defaultConfig.port
}

// quectelVID is the USB vendor ID of Quectel modems.
const quectelVID = "2C7C"

// PortInfo describes a serial port found by Ports.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Quectel returns true if the port belongs to a Quectel USB modem.
func (p PortInfo) Quectel() bool {
	return p.USB && strings.EqualFold(p.VID, quectelVID)
}

// Ports lists the serial ports present on the system.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}
