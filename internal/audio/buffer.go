// Package audio accumulates and frames raw PCM16 audio for a session.
package audio

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when an append would exceed the buffer limit.
var ErrBufferFull = errors.New("audio buffer full")

// Buffer accumulates raw audio bytes between utterance boundaries.
// Appends and takes are serialized so a take never observes a partial append.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewBuffer creates a buffer holding at most limit bytes. A limit of zero or
// less means unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Append adds p to the buffer. It returns ErrBufferFull without appending
// anything when the result would exceed the limit.
func (b *Buffer) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit > 0 && len(b.data)+len(p) > b.limit {
		return ErrBufferFull
	}
	b.data = append(b.data, p...)
	return nil
}

// TakeAndClear returns a copy of everything accumulated and empties the buffer.
func (b *Buffer) TakeAndClear() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}

// Retain drops all but the newest n bytes, keeping whole 16-bit samples.
func (b *Buffer) Retain(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 {
		n = 0
	}
	n -= n % 2
	if len(b.data) <= n {
		return
	}
	drop := len(b.data) - n
	drop += drop % 2
	b.data = append(b.data[:0], b.data[drop:]...)
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
