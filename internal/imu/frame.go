// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "time"

// FieldCount is the number of int16 fields carried by one Frame.
const FieldCount = 12

// Frame is one decoded reading from a channel: two sensor units,
// each with 3-axis acceleration and 3-axis angular rate, in raw counts.
type Frame struct {
	AX1 int16 `json:"ax1" msgpack:"ax1"` // unit 1 accel
	AY1 int16 `json:"ay1" msgpack:"ay1"`
	AZ1 int16 `json:"az1" msgpack:"az1"`
	GX1 int16 `json:"gx1" msgpack:"gx1"` // unit 1 gyro
	GY1 int16 `json:"gy1" msgpack:"gy1"`
	GZ1 int16 `json:"gz1" msgpack:"gz1"`

	AX2 int16 `json:"ax2" msgpack:"ax2"` // unit 2 accel
	AY2 int16 `json:"ay2" msgpack:"ay2"`
	AZ2 int16 `json:"az2" msgpack:"az2"`
	GX2 int16 `json:"gx2" msgpack:"gx2"` // unit 2 gyro
	GY2 int16 `json:"gy2" msgpack:"gy2"`
	GZ2 int16 `json:"gz2" msgpack:"gz2"`
}

// FrameFromFields builds a Frame from its fields in wire order.
func FrameFromFields(v [FieldCount]int16) Frame {
	return Frame{
		AX1: v[0], AY1: v[1], AZ1: v[2], GX1: v[3], GY1: v[4], GZ1: v[5],
		AX2: v[6], AY2: v[7], AZ2: v[8], GX2: v[9], GY2: v[10], GZ2: v[11],
	}
}

// Fields returns the frame fields in wire order.
func (f Frame) Fields() [FieldCount]int16 {
	return [FieldCount]int16{
		f.AX1, f.AY1, f.AZ1, f.GX1, f.GY1, f.GZ1,
		f.AX2, f.AY2, f.AZ2, f.GX2, f.GY2, f.GZ2,
	}
}

// Unit is the raw accel+gyro reading of one physical sensor unit.
type Unit struct {
	Source string `json:"source" msgpack:"source"` // "unit1" or "unit2"

	Ax int16 `json:"ax" msgpack:"ax"` // accel
	Ay int16 `json:"ay" msgpack:"ay"`
	Az int16 `json:"az" msgpack:"az"`

	Gx int16 `json:"gx" msgpack:"gx"` // gyro
	Gy int16 `json:"gy" msgpack:"gy"`
	Gz int16 `json:"gz" msgpack:"gz"`
}

// Units splits the frame into its two sensor units.
func (f Frame) Units() [2]Unit {
	return [2]Unit{
		{Source: "unit1", Ax: f.AX1, Ay: f.AY1, Az: f.AZ1, Gx: f.GX1, Gy: f.GY1, Gz: f.GZ1},
		{Source: "unit2", Ax: f.AX2, Ay: f.AY2, Az: f.AZ2, Gx: f.GX2, Gy: f.GY2, Gz: f.GZ2},
	}
}

// Sample is a frame as delivered to subscribers: which channel it came
// from, its per-channel sequence number and when it was decoded.
type Sample struct {
	Channel int       `json:"channel" msgpack:"channel"` // 1..3
	Seq     uint64    `json:"seq" msgpack:"seq"`
	Session string    `json:"session,omitempty" msgpack:"session,omitempty"`
	Time    time.Time `json:"time" msgpack:"time"`
	Frame   Frame     `json:"frame" msgpack:"frame"`
}

// FrameSource is anything that can produce frames over time
// (emulator, replay, tests).
type FrameSource interface {
	Next() (Frame, error)
}
