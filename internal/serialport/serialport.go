// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package serialport opens the UART channels the sensor units stream on.
//
// Two drivers are available: "jacobsa" (github.com/jacobsa/go-serial,
// the default) and "bugst" (go.bug.st/serial). Both are hidden behind
// the Opener interface so pipelines and tests never depend on a driver.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverJacobsa = "jacobsa"
	DriverBugst   = "bugst"
)

// Parity mode of a serial line.
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// ParseParity accepts "none", "odd" or "even" (case-insensitive).
func ParseParity(s string) (Parity, error) {
	switch p := Parity(strings.ToLower(strings.TrimSpace(s))); p {
	case ParityNone, ParityOdd, ParityEven:
		return p, nil
	default:
		return "", fmt.Errorf("unknown parity %q (want none, odd or even)", s)
	}
}

// Options is the line configuration used when opening a channel.
type Options struct {
	Baud         int
	DataBits     int
	StopBits     int
	Parity       Parity
	FlowControl  bool          // RTS/CTS
	ReadTimeout  time.Duration // max wait for a Read to return
	WriteTimeout time.Duration // not every driver can enforce this
}

// DefaultOptions returns the sensor units' fixed line settings:
// 115200 baud, 8N1, no handshake, 50 ms read and write timeouts.
func DefaultOptions() Options {
	return Options{
		Baud:         115200,
		DataBits:     8,
		StopBits:     1,
		Parity:       ParityNone,
		FlowControl:  false,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	}
}

// Validate checks that the options can be handed to a driver.
func (o Options) Validate() error {
	if o.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", o.Baud)
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return fmt.Errorf("data bits must be 5-8, got %d", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return fmt.Errorf("stop bits must be 1 or 2, got %d", o.StopBits)
	}
	if _, err := ParseParity(string(o.Parity)); err != nil {
		return err
	}
	if o.ReadTimeout < 0 || o.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Port is an open channel handle.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens channel handles by platform name ("/dev/ttyUSB0", "COM29").
type Opener interface {
	Open(name string, opts Options) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(name string, opts Options) (Port, error)

// Open calls f(name, opts).
func (f OpenerFunc) Open(name string, opts Options) (Port, error) { return f(name, opts) }

// ErrUnknownDriver is returned by NewOpener for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown serial driver")

// OpenError reports that a channel could not be opened (missing device,
// permission denied, busy, bad options).
type OpenError struct {
	Name   string
	Driver string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s (%s): %v", e.Name, e.Driver, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// NewOpener returns the Opener for driver. An empty name selects the
// default driver.
func NewOpener(driver string) (Opener, error) {
	switch strings.ToLower(driver) {
	case "", DriverJacobsa:
		return OpenerFunc(openJacobsa), nil
	case DriverBugst:
		return OpenerFunc(openBugst), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
