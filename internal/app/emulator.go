package app

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
	"github.com/relabs-tech/inertial_ingest/internal/wire"
)

// EmulatorStats counts what an emulator wrote.
type EmulatorStats struct {
	Frames    uint64
	Corrupted uint64
	Bytes     uint64
}

// Emulator plays the role of a sensor unit: it writes wire frames from a
// frame source at a fixed rate.
type Emulator struct {
	w            io.Writer
	src          imu.FrameSource
	interval     time.Duration
	corruptEvery int
	stats        EmulatorStats
}

// NewEmulator writes one frame from src to w every 1/rateHz seconds.
// With corruptEvery > 0, every corruptEvery-th frame is sent damaged,
// alternating between a bad length byte and a bad end byte.
func NewEmulator(w io.Writer, src imu.FrameSource, rateHz, corruptEvery int) *Emulator {
	if rateHz <= 0 {
		rateHz = 1
	}
	return &Emulator{
		w:            w,
		src:          src,
		interval:     time.Second / time.Duration(rateHz),
		corruptEvery: corruptEvery,
	}
}

// Step writes the next frame.
func (e *Emulator) Step() error {
	f, err := e.src.Next()
	if err != nil {
		return fmt.Errorf("frame source: %w", err)
	}
	raw := wire.Encode(f)

	n := e.stats.Frames + e.stats.Corrupted + 1
	if e.corruptEvery > 0 && n%uint64(e.corruptEvery) == 0 {
		if e.stats.Corrupted%2 == 0 {
			raw[1] = wire.LengthByte + 1
		} else {
			raw[len(raw)-1] = 0x00
		}
		e.stats.Corrupted++
	} else {
		e.stats.Frames++
	}

	written, err := e.w.Write(raw)
	e.stats.Bytes += uint64(written)
	return err
}

// Run writes frames until ctx is done or a write fails.
func (e *Emulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Step(); err != nil {
				return err
			}
		}
	}
}

// Stats returns the counters. It must not be called concurrently with Run.
func (e *Emulator) Stats() EmulatorStats { return e.stats }

// RunEmulator opens port and streams synthetic frames into it until ctx
// is done. phase offsets the motion so several emulated units differ.
func RunEmulator(ctx context.Context, cfg *config.Config, port string, phase float64) error {
	opener, err := serialport.NewOpener(cfg.Serial.Driver)
	if err != nil {
		return err
	}
	opts, err := cfg.SerialOptions()
	if err != nil {
		return err
	}
	p, err := opener.Open(port, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	logger := log.WithFields(log.Fields{"port": port, "rate_hz": cfg.Emulator.RateHz})
	logger.Info("emulator started")

	e := NewEmulator(p, imu.NewMockSource(phase), cfg.Emulator.RateHz, cfg.Emulator.CorruptEvery)
	err = e.Run(ctx)

	st := e.Stats()
	logger.WithFields(log.Fields{
		"frames":    st.Frames,
		"corrupted": st.Corrupted,
		"bytes":     st.Bytes,
	}).Info("emulator stopped")
	return err
}
