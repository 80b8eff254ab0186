// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ingest runs the three sensor channels as one service and
// fans decoded frames out to subscribers.
package ingest

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/pipeline"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
)

// ChannelCount is the fixed number of channels the service drives.
const ChannelCount = 3

var (
	ErrChannelCount     = errors.New("exactly 3 channels are required")
	ErrAlreadyConnected = errors.New("already connected to other channels")
	ErrClosed           = errors.New("service closed")
	ErrNoChannel        = errors.New("no such channel")
)

// ChannelError reports which channel failed to open.
type ChannelError struct {
	Channel int
	Name    string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d (%s): %v", e.Channel, e.Name, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ConnectPolicy decides what happens to channels already opened by a
// Connect call that fails on a later channel.
type ConnectPolicy int

const (
	// KeepPartial leaves them open; a later Connect reuses them.
	KeepPartial ConnectPolicy = iota
	// RollbackPartial closes them before Connect returns.
	RollbackPartial
)

func (p ConnectPolicy) String() string {
	switch p {
	case KeepPartial:
		return "keep_partial"
	case RollbackPartial:
		return "rollback_partial"
	default:
		return fmt.Sprintf("ConnectPolicy(%d)", int(p))
	}
}

// ParseConnectPolicy accepts "keep_partial" or "rollback_partial".
func ParseConnectPolicy(s string) (ConnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep_partial", "keep":
		return KeepPartial, nil
	case "rollback_partial", "rollback":
		return RollbackPartial, nil
	default:
		return 0, fmt.Errorf("unknown connect policy %q", s)
	}
}

// Options configures a Service.
type Options struct {
	Pipeline        pipeline.Options
	Policy          ConnectPolicy
	ActivityTimeout time.Duration // a channel is active if it produced a frame this recently
}

// DefaultActivityTimeout is used when Options.ActivityTimeout is zero.
const DefaultActivityTimeout = 700 * time.Millisecond

// Service owns the three channel pipelines. All methods are safe for
// concurrent use.
type Service struct {
	opts  Options
	pipes [ChannelCount]*pipeline.Pipeline
	now   func() time.Time

	mu        sync.Mutex // serializes Connect, Disconnect and Close
	names     []string
	closed    bool
	connected atomic.Bool
	session   atomic.Value // string

	channels [ChannelCount]channelState

	subMu  sync.Mutex
	subs   atomic.Pointer[[]*subscriber]
	nextID uint64
}

type channelState struct {
	seq       atomic.Uint64
	delivered atomic.Uint64
	last      atomic.Pointer[imu.Sample]
}

// NewService returns a disconnected service that opens ports with opener.
func NewService(opener serialport.Opener, opts Options) *Service {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	s := &Service{opts: opts, now: time.Now}
	for i := range s.pipes {
		s.pipes[i] = pipeline.New(i+1, opener, opts.Pipeline)
	}
	s.session.Store("")
	s.subs.Store(&[]*subscriber{})
	return s
}

// Connect opens the three named channels in order, stopping at the first
// failure. Frames are delivered to subscribers only once all three are
// open. What happens to channels opened before a failure depends on the
// ConnectPolicy.
//
// Connecting again with the same names is a no-op; with different names
// it fails with ErrAlreadyConnected.
func (s *Service) Connect(names []string) error {
	if len(names) != ChannelCount {
		return fmt.Errorf("%w: got %d", ErrChannelCount, len(names))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.connected.Load() {
		if slices.Equal(s.names, names) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, strings.Join(s.names, ", "))
	}

	var opened []*pipeline.Pipeline
	for i, name := range names {
		p := s.pipes[i]
		if p.Connected() && p.Port() != name {
			p.Disconnect()
		}
		wasConnected := p.Connected()

		if err := p.Connect(name); err != nil {
			log.WithFields(log.Fields{"channel": i + 1, "port": name}).WithError(err).Warn("channel open failed")
			if s.opts.Policy == RollbackPartial {
				for _, o := range opened {
					o.Disconnect()
				}
			}
			return &ChannelError{Channel: i + 1, Name: name, Err: err}
		}
		if !wasConnected {
			opened = append(opened, p)
		}
	}

	session := uuid.NewString()
	s.session.Store(session)
	s.names = slices.Clone(names)
	for i := range s.channels {
		s.channels[i].seq.Store(0)
		s.channels[i].delivered.Store(0)
	}
	for _, p := range s.pipes {
		p.SetFrameHandler(s.deliver)
	}
	s.connected.Store(true)

	log.WithFields(log.Fields{"session": session, "channels": strings.Join(names, ", ")}).Info("ingest connected")
	return nil
}

// Disconnect stops all three channels and detaches frame delivery.
// Subscribers stay registered. It is a no-op when nothing is connected.
func (s *Service) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Service) disconnectLocked() {
	was := s.connected.Swap(false)
	for _, p := range s.pipes {
		p.SetFrameHandler(nil)
		p.Disconnect()
	}
	s.names = nil
	if was {
		log.WithField("session", s.session.Load()).Info("ingest disconnected")
	}
	s.session.Store("")
}

// Close disconnects and makes every later Connect fail with ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
	s.closed = true
	return nil
}

// IsConnected reports whether all three channels are open and wired.
func (s *Service) IsConnected() bool {
	return s.connected.Load()
}

// Session returns the id of the current connection, or "".
func (s *Service) Session() string {
	return s.session.Load().(string)
}

// deliver runs on the emitting channel's decode goroutine.
func (s *Service) deliver(channel int, f imu.Frame) {
	st := &s.channels[channel-1]
	sample := imu.Sample{
		Channel: channel,
		Seq:     st.seq.Add(1),
		Session: s.Session(),
		Time:    s.now(),
		Frame:   f,
	}
	st.last.Store(&sample)
	st.delivered.Add(1)

	for _, sub := range *s.subs.Load() {
		sub.deliver(sample)
	}
}

// Active reports whether channel (1-3) produced a frame within the
// activity timeout.
func (s *Service) Active(channel int) bool {
	last, ok := s.LastFrame(channel)
	if !ok {
		return false
	}
	return s.now().Sub(last.Time) <= s.opts.ActivityTimeout
}

// LastFrame returns the most recent sample delivered on channel (1-3).
func (s *Service) LastFrame(channel int) (imu.Sample, bool) {
	if channel < 1 || channel > ChannelCount {
		return imu.Sample{}, false
	}
	last := s.channels[channel-1].last.Load()
	if last == nil {
		return imu.Sample{}, false
	}
	return *last, true
}
