package api

import (
	"sync"
)

// FrameBuffer is a fixed-size ring of serialized server frames. A client
// that reconnects mid-stream replays the buffered frames to catch up without
// the session re-running the exchange. When full, the oldest frame is
// overwritten.
type FrameBuffer struct {
	mu     sync.RWMutex
	frames [][]byte
	size   int
	head   int
	count  int
}

// NewFrameBuffer creates a frame buffer holding at most size frames.
func NewFrameBuffer(size int) *FrameBuffer {
	if size <= 0 {
		size = 100
	}
	return &FrameBuffer{
		frames: make([][]byte, size),
		size:   size,
	}
}

// Push appends a frame, evicting the oldest when full.
func (b *FrameBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames[b.head] = frame
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Snapshot returns the buffered frames, oldest first.
func (b *FrameBuffer) Snapshot() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, 0, b.count)
	start := (b.head - b.count + b.size) % b.size
	for i := 0; i < b.count; i++ {
		out = append(out, b.frames[(start+i)%b.size])
	}
	return out
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Reset clears the buffer.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}
