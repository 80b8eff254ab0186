// Package serialtest provides in-memory serial ports for tests.
package serialtest

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/relabs-tech/inertial_ingest/internal/serialport"
)

// DefaultReadTimeout is how long Read waits for data before returning
// (0, nil), the way a driver with a read timeout does.
const DefaultReadTimeout = 5 * time.Millisecond

// Port is an in-memory serial port. Bytes passed to Feed are returned by
// Read; bytes passed to Write are recorded.
type Port struct {
	name        string
	readTimeout time.Duration

	mu      sync.Mutex
	pending []byte
	written []byte
	readErr error
	closed  bool
	notify  chan struct{}
}

// NewPort returns an open port.
func NewPort(name string) *Port {
	return &Port{
		name:        name,
		readTimeout: DefaultReadTimeout,
		notify:      make(chan struct{}, 1),
	}
}

func (p *Port) Name() string { return p.name }

// Feed queues b to be returned by Read. Feeding a closed port is a no-op.
func (p *Port) Feed(b []byte) {
	p.mu.Lock()
	if !p.closed {
		p.pending = append(p.pending, b...)
	}
	p.mu.Unlock()
	p.wake()
}

// FailReads makes every following Read return err until cleared with nil.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.wake()
}

func (p *Port) Read(b []byte) (int, error) {
	deadline := time.NewTimer(p.readTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return 0, os.ErrClosed
		case p.readErr != nil:
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		case len(p.pending) > 0:
			n := copy(b, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return os.ErrClosed
	}
	p.closed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

// Closed reports whether Close has been called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Written returns a copy of everything written so far.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// Pending returns the number of fed bytes not read yet.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Port) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

var _ io.ReadWriteCloser = (*Port)(nil)

// Opener hands out Ports for registered names. Opening an unregistered
// name fails with os.ErrNotExist wrapped in a *serialport.OpenError.
// Reopening a name whose port was closed yields a fresh Port.
type Opener struct {
	mu       sync.Mutex
	known    map[string]bool
	fail     map[string]error
	ports    map[string]*Port
	attempts []string
	opts     []serialport.Options
}

// NewOpener returns an Opener that knows names.
func NewOpener(names ...string) *Opener {
	o := &Opener{
		known: make(map[string]bool),
		fail:  make(map[string]error),
		ports: make(map[string]*Port),
	}
	o.Add(names...)
	return o
}

// Add registers names as openable.
func (o *Opener) Add(names ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range names {
		o.known[n] = true
		delete(o.fail, n)
	}
}

// Fail makes opening name return err. A nil err clears the failure.
func (o *Opener) Fail(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.fail, name)
		return
	}
	o.fail[name] = err
}

func (o *Opener) Open(name string, opts serialport.Options) (serialport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts = append(o.attempts, name)
	o.opts = append(o.opts, opts)

	if err, ok := o.fail[name]; ok {
		return nil, &serialport.OpenError{Name: name, Driver: "serialtest", Err: err}
	}
	if !o.known[name] {
		return nil, &serialport.OpenError{Name: name, Driver: "serialtest", Err: os.ErrNotExist}
	}
	if p, ok := o.ports[name]; ok && !p.Closed() {
		return nil, &serialport.OpenError{Name: name, Driver: "serialtest", Err: fmt.Errorf("port busy")}
	}

	p := NewPort(name)
	o.ports[name] = p
	return p, nil
}

// Port returns the most recently opened port for name, or nil.
func (o *Opener) Port(name string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[name]
}

// Attempts returns every name passed to Open, in call order.
func (o *Opener) Attempts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.attempts...)
}

// LastOptions returns the options of the latest Open call.
func (o *Opener) LastOptions() (serialport.Options, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opts) == 0 {
		return serialport.Options{}, false
	}
	return o.opts[len(o.opts)-1], true
}

var _ serialport.Opener = (*Opener)(nil)
