// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
)

// RunMockConsole prints synthetic samples for all three channels every
// interval, without hardware or a broker.
func RunMockConsole(ctx context.Context, out io.Writer, interval time.Duration) error {
	var sources [3]imu.FrameSource
	for i := range sources {
		sources[i] = imu.NewMockSource(float64(i))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			seq++
			for i, src := range sources {
				f, err := src.Next()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, FormatSample(imu.Sample{Channel: i + 1, Seq: seq, Time: now, Frame: f}))
			}
		}
	}
}
