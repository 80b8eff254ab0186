// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ringbuf is the byte hand-off between a channel's serial reader
// and its frame decoder.
//
// A Buffer has a fixed capacity and never blocks the writer: when it is
// full, each new byte evicts the oldest unread one. Freshness of the
// sensor stream wins over completeness.
package ringbuf

import (
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity FIFO of bytes with overwrite-on-full.
// All methods are safe for concurrent use; every operation holds the
// mutex only for index arithmetic.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	head    int // oldest unread byte
	tail    int // next write position, always (head+count) % cap
	count   int
	dropped uint64

	ready chan struct{}
}

// New returns an empty Buffer holding at most capacity bytes.
// It panics if capacity is not positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: invalid capacity %d", capacity))
	}
	return &Buffer{
		data:  make([]byte, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends one byte, evicting the oldest unread byte if the
// buffer is full. It never blocks and never fails.
func (b *Buffer) Enqueue(c byte) {
	b.mu.Lock()
	b.put(c)
	b.mu.Unlock()
	b.signal()
}

// EnqueueRange appends p in order. Each byte is its own critical
// section, so a consumer can dequeue while a long range is written.
func (b *Buffer) EnqueueRange(p []byte) {
	if len(p) == 0 {
		return
	}
	for _, c := range p {
		b.mu.Lock()
		b.put(c)
		b.mu.Unlock()
	}
	b.signal()
}

func (b *Buffer) put(c byte) {
	capacity := len(b.data)
	if b.count == capacity {
		b.head = (b.head + 1) % capacity
		b.count--
		b.dropped++
	}
	b.data[b.tail] = c
	b.tail = (b.tail + 1) % capacity
	b.count++
}

// signal wakes a waiting consumer without ever blocking the producer.
func (b *Buffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the oldest byte. ok is false if the
// buffer is empty.
func (b *Buffer) TryDequeue() (c byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, false
	}
	c = b.data[b.head]
	b.head = (b.head + 1) % len(b.data)
	b.count--
	return c, true
}

// Ready returns a channel that receives a value after bytes have been
// enqueued. It holds at most one pending notification, so a consumer
// must drain with TryDequeue until empty after each wake-up.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Count returns the number of unread bytes.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// IsEmpty reports whether there are no unread bytes.
func (b *Buffer) IsEmpty() bool {
	return b.Count() == 0
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Dropped returns how many unread bytes have been overwritten since the
// buffer was created or last reset.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards all unread bytes and clears the drop counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head, b.tail, b.count, b.dropped = 0, 0, 0, 0
	b.mu.Unlock()
	select {
	case <-b.ready:
	default:
	}
}
