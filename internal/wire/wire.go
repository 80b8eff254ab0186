// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package wire implements the sensor unit serial framing:
//
//	0x02 | 0x18 | 24 payload bytes | 0x03
//
// The payload is twelve little-endian int16 values in imu.Frame field
// order. There is no checksum; the start, length and end bytes are the
// only integrity check.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
)

const (
	StartByte  byte = 0x02
	LengthByte byte = 0x18
	EndByte    byte = 0x03

	PayloadSize = int(LengthByte) // 24
	FrameSize   = PayloadSize + 3 // 27 bytes on the wire
)

// State is the decoder's position within a frame.
type State int

const (
	StateWaitStart State = iota
	StateWaitLength
	StateReadPayload
	StateWaitEnd
)

func (s State) String() string {
	switch s {
	case StateWaitStart:
		return "wait-start"
	case StateWaitLength:
		return "wait-length"
	case StateReadPayload:
		return "read-payload"
	case StateWaitEnd:
		return "wait-end"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts decoder outcomes since creation or the last Reset.
type Stats struct {
	Frames    uint64 // frames emitted
	BadLength uint64 // start byte followed by a length other than 0x18
	BadEnd    uint64 // full payload followed by something other than 0x03
}

// Rejected returns the number of frames dropped for bad framing.
func (s Stats) Rejected() uint64 { return s.BadLength + s.BadEnd }

// Decoder recovers frames from an unsynchronized byte stream, one byte
// at a time. Malformed frames are dropped silently and the decoder goes
// back to scanning for the next start byte.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	state   State
	payload [PayloadSize]byte
	n       int
	stats   Stats
}

// NewDecoder returns a decoder waiting for a start byte.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one byte. It returns the decoded frame and true when b
// completes a well-formed frame.
func (d *Decoder) Feed(b byte) (imu.Frame, bool) {
	switch d.state {
	case StateWaitStart:
		if b == StartByte {
			d.state = StateWaitLength
		}

	case StateWaitLength:
		if b == LengthByte {
			d.n = 0
			d.state = StateReadPayload
		} else {
			d.stats.BadLength++
			d.state = StateWaitStart
		}

	case StateReadPayload:
		d.payload[d.n] = b
		d.n++
		if d.n == PayloadSize {
			d.state = StateWaitEnd
		}

	case StateWaitEnd:
		d.state = StateWaitStart
		if b != EndByte {
			d.stats.BadEnd++
			return imu.Frame{}, false
		}
		d.stats.Frames++
		return decodePayload(&d.payload), true
	}
	return imu.Frame{}, false
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Reset drops any partial frame and clears the counters.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

// DecodePayload decodes a 24-byte payload into a frame.
func DecodePayload(p []byte) (imu.Frame, error) {
	if len(p) != PayloadSize {
		return imu.Frame{}, fmt.Errorf("wire: payload is %d bytes, want %d", len(p), PayloadSize)
	}
	return decodePayload((*[PayloadSize]byte)(p)), nil
}

func decodePayload(p *[PayloadSize]byte) imu.Frame {
	var v [imu.FieldCount]int16
	for i := range v {
		v[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
	}
	return imu.FrameFromFields(v)
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f imu.Frame) []byte {
	dst = append(dst, StartByte, LengthByte)
	for _, v := range f.Fields() {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return append(dst, EndByte)
}

// Encode returns the 27-byte wire encoding of f.
func Encode(f imu.Frame) []byte {
	return AppendFrame(make([]byte, 0, FrameSize), f)
}
