package lifecycle

import (
	"sync"
	"time"
)

// outputChunk is one captured piece of terminal output.
type outputChunk struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ringBuffer is memory-bounded FIFO storage for worker output. When the
// buffer exceeds maxBytes the oldest chunks are evicted, so a chatty worker
// cannot grow the orchestrator's heap without bound.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []outputChunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk outputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= int64(len(b.chunks[0].Data))
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) snapshot() []outputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]outputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}
