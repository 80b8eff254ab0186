// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package pipeline turns one serial channel into a stream of decoded
// frames.
//
// A connected Pipeline runs two goroutines: a reader that copies
// whatever the port returns into a ring buffer, and a decoder that
// drains the buffer through a wire.Decoder and hands every complete
// frame to the frame handler. The reader never waits on the decoder;
// if the decoder falls behind, the oldest buffered bytes are lost.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/ringbuf"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
	"github.com/relabs-tech/inertial_ingest/internal/wire"
)

// ErrConnected is returned by Connect when the pipeline is already
// connected to a different port.
var ErrConnected = errors.New("pipeline already connected")

// FrameFunc receives decoded frames on the pipeline's decode goroutine.
// It must return quickly: while it runs, the channel is not decoding.
type FrameFunc func(channel int, f imu.Frame)

// Options tunes a pipeline. Zero fields take the DefaultOptions value.
type Options struct {
	BufferSize   int           // ring buffer capacity in bytes
	ReadChunk    int           // max bytes per port read
	PollInterval time.Duration // decoder wake-up when no data is signalled
	StopTimeout  time.Duration // bounded wait for goroutines on Disconnect
	Serial       serialport.Options
}

func DefaultOptions() Options {
	return Options{
		BufferSize:   8192,
		ReadChunk:    4096,
		PollInterval: 2 * time.Millisecond,
		StopTimeout:  100 * time.Millisecond,
		Serial:       serialport.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = d.ReadChunk
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.Serial == (serialport.Options{}) {
		o.Serial = d.Serial
	}
	return o
}

// readRetryDelay is the pause after a failed port read.
const readRetryDelay = 10 * time.Millisecond

// Stats is a snapshot of a pipeline's counters. Counters cover the
// current connection, or the last one while disconnected.
type Stats struct {
	Channel     int       `json:"channel"`
	Port        string    `json:"port,omitempty"`
	Connected   bool      `json:"connected"`
	Since       time.Time `json:"since"`
	BytesRead   uint64    `json:"bytes_read"`
	ReadErrors  uint64    `json:"read_errors"`
	Overwritten uint64    `json:"overwritten"`
	Buffered    int       `json:"buffered"`
	Frames      uint64    `json:"frames"`
	BadLength   uint64    `json:"bad_length"`
	BadEnd      uint64    `json:"bad_end"`
	Undelivered uint64    `json:"undelivered"`
}

// Pipeline owns one channel. Its methods are safe for concurrent use.
type Pipeline struct {
	id     int
	opener serialport.Opener
	opts   Options

	handler atomic.Pointer[FrameFunc]

	// lifecycle serializes Connect and Disconnect; mu guards sess and
	// last and is never held while waiting on goroutines.
	lifecycle sync.Mutex
	mu        sync.Mutex
	sess      *session
	last      Stats
}

// New returns a disconnected pipeline for channel id.
func New(id int, opener serialport.Opener, opts Options) *Pipeline {
	return &Pipeline{
		id:     id,
		opener: opener,
		opts:   opts.withDefaults(),
		last:   Stats{Channel: id},
	}
}

// ID returns the channel number.
func (p *Pipeline) ID() int { return p.id }

// SetFrameHandler installs fn as the frame handler. A nil fn detaches
// the handler; frames decoded without a handler are counted as
// undelivered and discarded.
func (p *Pipeline) SetFrameHandler(fn FrameFunc) {
	if fn == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&fn)
}

// Connect opens the named port and starts reading and decoding. The
// buffer and decoder start empty on every connection. If the port
// cannot be opened nothing is started and the open error is returned.
// Connecting again to the port already in use is a no-op.
func (p *Pipeline) Connect(name string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	cur := p.sess
	p.mu.Unlock()
	if cur != nil {
		if cur.name == name {
			return nil
		}
		return fmt.Errorf("channel %d on %s: %w", p.id, cur.name, ErrConnected)
	}

	port, err := p.opener.Open(name, p.opts.Serial)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		name:       name,
		port:       port,
		buf:        ringbuf.New(p.opts.BufferSize),
		dec:        wire.NewDecoder(),
		cancel:     cancel,
		since:      time.Now(),
		readDone:   make(chan struct{}),
		decodeDone: make(chan struct{}),
		log:        log.WithFields(log.Fields{"channel": p.id, "port": name}),
	}
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()

	go p.readLoop(ctx, s)
	go p.decodeLoop(ctx, s)

	s.log.Info("channel connected")
	return nil
}

// Disconnect stops the goroutines and closes the port. It waits at most
// StopTimeout for each goroutine and always completes. A partial frame
// in the decoder is discarded. Calling it while disconnected is a no-op.
// Stats, Connected and Port do not wait for it.
func (p *Pipeline) Disconnect() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	s := p.sess
	if s == nil {
		p.mu.Unlock()
		return
	}
	p.sess = nil
	p.last = s.stats(p.id)
	p.last.Connected = false
	p.mu.Unlock()

	s.cancel()
	if !waitFor(s.decodeDone, p.opts.StopTimeout) {
		s.log.Warn("decoder did not stop in time")
	}
	if err := s.port.Close(); err != nil {
		s.log.WithError(err).Debug("close port")
	}
	if !waitFor(s.readDone, p.opts.StopTimeout) {
		s.log.Warn("reader did not stop in time")
	}

	final := s.stats(p.id)
	final.Connected = false
	p.mu.Lock()
	p.last = final
	p.mu.Unlock()

	s.log.WithFields(log.Fields{
		"frames":   final.Frames,
		"rejected": final.BadLength + final.BadEnd,
	}).Info("channel disconnected")
}

// Connected reports whether the pipeline holds an open port.
func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

// Port returns the name of the connected port, or "" when disconnected.
func (p *Pipeline) Port() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ""
	}
	return p.sess.name
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return p.last
	}
	return p.sess.stats(p.id)
}

// session is the state of one connection. dec is touched only by the
// decode goroutine; its counters are published through the atomics.
type session struct {
	name   string
	port   serialport.Port
	buf    *ringbuf.Buffer
	dec    *wire.Decoder
	cancel context.CancelFunc
	since  time.Time
	log    *log.Entry

	readDone   chan struct{}
	decodeDone chan struct{}

	bytesRead   atomic.Uint64
	readErrors  atomic.Uint64
	frames      atomic.Uint64
	badLength   atomic.Uint64
	badEnd      atomic.Uint64
	undelivered atomic.Uint64
}

func (s *session) stats(id int) Stats {
	return Stats{
		Channel:     id,
		Port:        s.name,
		Connected:   true,
		Since:       s.since,
		BytesRead:   s.bytesRead.Load(),
		ReadErrors:  s.readErrors.Load(),
		Overwritten: s.buf.Dropped(),
		Buffered:    s.buf.Count(),
		Frames:      s.frames.Load(),
		BadLength:   s.badLength.Load(),
		BadEnd:      s.badEnd.Load(),
		Undelivered: s.undelivered.Load(),
	}
}

// readLoop is the producer: it moves bytes from the port into the ring
// buffer until the session is cancelled. Read failures are transient.
func (p *Pipeline) readLoop(ctx context.Context, s *session) {
	defer close(s.readDone)

	chunk := make([]byte, p.opts.ReadChunk)
	for {
		n, err := s.port.Read(chunk)
		if n > 0 {
			s.buf.EnqueueRange(chunk[:n])
			s.bytesRead.Add(uint64(n))
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		// go-serial reports an expired read timeout as io.EOF
		if n == 0 && errors.Is(err, io.EOF) {
			continue
		}

		s.readErrors.Add(1)
		s.log.WithError(err).Debug("read failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(readRetryDelay):
		}
	}
}

// decodeLoop is the consumer: it drains the buffer whenever the reader
// signals new data, and at least every PollInterval.
func (p *Pipeline) decodeLoop(ctx context.Context, s *session) {
	defer close(s.decodeDone)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !p.drain(ctx, s) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.buf.Ready():
		case <-ticker.C:
		}
	}
}

// drain feeds every buffered byte to the decoder. It returns false if
// the session was cancelled mid-drain.
func (p *Pipeline) drain(ctx context.Context, s *session) bool {
	defer func() {
		st := s.dec.Stats()
		s.frames.Store(st.Frames)
		s.badLength.Store(st.BadLength)
		s.badEnd.Store(st.BadEnd)
	}()

	for {
		b, ok := s.buf.TryDequeue()
		if !ok {
			return true
		}
		f, ok := s.dec.Feed(b)
		if !ok {
			continue
		}
		p.emit(s, f)
		if ctx.Err() != nil {
			return false
		}
	}
}

func (p *Pipeline) emit(s *session, f imu.Frame) {
	h := p.handler.Load()
	if h == nil {
		s.undelivered.Add(1)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("frame handler panicked")
		}
	}()
	(*h)(p.id, f)
}

func waitFor(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
