// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"math"
	"time"
)

type mockSource struct {
	start time.Time
	phase float64
	now   func() time.Time
}

// NewMockSource creates a mock frame source that generates smoothly
// changing accel/gyro values. phase offsets the waveforms so several
// emulated channels do not produce identical frames.
func NewMockSource(phase float64) FrameSource {
	return &mockSource{start: time.Now(), phase: phase, now: time.Now}
}

func (m *mockSource) Next() (Frame, error) {
	t := m.now().Sub(m.start).Seconds() + m.phase

	// roughly ±1g on a ±16g scale (2048 counts/g) and a few hundred
	// counts of rotation, well inside int16 range
	return Frame{
		AX1: wave(2048, math.Sin(t)),
		AY1: wave(1536, math.Cos(t*0.7)),
		AZ1: wave(2048, 1+0.1*math.Sin(t*3)),
		GX1: wave(400, math.Cos(t)),
		GY1: wave(300, math.Sin(t*0.7)),
		GZ1: wave(200, math.Sin(t*1.3)),

		AX2: wave(2048, math.Sin(t+math.Pi/4)),
		AY2: wave(1536, math.Cos(t*0.7+math.Pi/4)),
		AZ2: wave(2048, 1+0.1*math.Cos(t*3)),
		GX2: wave(400, math.Cos(t+math.Pi/4)),
		GY2: wave(300, math.Sin(t*0.7+math.Pi/4)),
		GZ2: wave(200, math.Cos(t*1.3)),
	}, nil
}

func wave(amplitude, v float64) int16 {
	x := amplitude * v
	if x > math.MaxInt16 {
		return math.MaxInt16
	}
	if x < math.MinInt16 {
		return math.MinInt16
	}
	return int16(x)
}
