package ingest

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
)

// Handler receives samples synchronously on the emitting channel's
// decode goroutine. A slow handler stalls that channel only; use
// SubscribeQueue for consumers that may fall behind.
type Handler func(imu.Sample)

type subscriber struct {
	id    uint64
	name  string
	fn    Handler
	queue chan<- imu.Sample

	sent    atomic.Uint64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

func (sub *subscriber) deliver(sample imu.Sample) {
	if sub.queue != nil {
		select {
		case sub.queue <- sample:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			sub.panics.Add(1)
			log.WithFields(log.Fields{
				"subscriber": sub.name,
				"channel":    sample.Channel,
				"panic":      r,
			}).Error("subscriber panicked")
		}
	}()
	sub.fn(sample)
	sub.sent.Add(1)
}

// SubscriberStats reports delivery counts for one subscriber.
type SubscriberStats struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Queued  bool   `json:"queued"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Panics  uint64 `json:"panics,omitempty"`
}

// Subscribe registers fn for every sample from every channel and
// returns an id for Unsubscribe. Panics in fn are recovered and logged.
func (s *Service) Subscribe(name string, fn Handler) uint64 {
	return s.add(&subscriber{name: name, fn: fn})
}

// SubscribeQueue registers a bounded queue. Samples are sent without
// blocking; when ch is full the sample is dropped and counted. The
// service never closes ch.
func (s *Service) SubscribeQueue(name string, ch chan<- imu.Sample) uint64 {
	return s.add(&subscriber{name: name, queue: ch})
}

func (s *Service) add(sub *subscriber) uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextID++
	sub.id = s.nextID

	cur := *s.subs.Load()
	next := make([]*subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	s.subs.Store(&next)
	return sub.id
}

// Unsubscribe removes a subscriber. It reports whether id was registered.
// Once it returns, the subscriber receives no sample that is not already
// being delivered.
func (s *Service) Unsubscribe(id uint64) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	cur := *s.subs.Load()
	next := make([]*subscriber, 0, len(cur))
	found := false
	for _, sub := range cur {
		if sub.id == id {
			found = true
			continue
		}
		next = append(next, sub)
	}
	if found {
		s.subs.Store(&next)
	}
	return found
}

func (s *Service) subscriberStats() []SubscriberStats {
	subs := *s.subs.Load()
	out := make([]SubscriberStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SubscriberStats{
			ID:      sub.id,
			Name:    sub.name,
			Queued:  sub.queue != nil,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
			Panics:  sub.panics.Load(),
		})
	}
	return out
}
