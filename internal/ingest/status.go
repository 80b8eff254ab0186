package ingest

import (
	"fmt"
	"time"

	"github.com/relabs-tech/inertial_ingest/internal/pipeline"
)

// ChannelStatus is one channel's pipeline counters plus delivery state.
type ChannelStatus struct {
	pipeline.Stats
	Active      bool       `json:"active"`
	Delivered   uint64     `json:"delivered"`
	LastFrameAt *time.Time `json:"last_frame_at,omitempty"`
}

// Status is a point-in-time view of the service.
type Status struct {
	Connected   bool              `json:"connected"`
	Session     string            `json:"session,omitempty"`
	Policy      string            `json:"connect_policy"`
	Channels    []ChannelStatus   `json:"channels"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Status returns the current service state.
func (s *Service) Status() Status {
	st := Status{
		Connected:   s.IsConnected(),
		Session:     s.Session(),
		Policy:      s.opts.Policy.String(),
		Channels:    make([]ChannelStatus, 0, ChannelCount),
		Subscribers: s.subscriberStats(),
	}
	for ch := 1; ch <= ChannelCount; ch++ {
		cs, _ := s.Channel(ch)
		st.Channels = append(st.Channels, cs)
	}
	return st
}

// Channel returns the status of channel (1-3).
func (s *Service) Channel(ch int) (ChannelStatus, error) {
	if ch < 1 || ch > ChannelCount {
		return ChannelStatus{}, fmt.Errorf("%w: %d", ErrNoChannel, ch)
	}
	cs := ChannelStatus{
		Stats:     s.pipes[ch-1].Stats(),
		Active:    s.Active(ch),
		Delivered: s.channels[ch-1].delivered.Load(),
	}
	if last, ok := s.LastFrame(ch); ok {
		t := last.Time
		cs.LastFrameAt = &t
	}
	return cs, nil
}
