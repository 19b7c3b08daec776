package audio

import "sync"

// FrameRing is a fixed-capacity FIFO of audio frames. When full, pushing a new
// frame evicts the oldest one, so memory stays bounded while a downstream
// connection is slow or not yet open.
type FrameRing struct {
	frames  [][]byte
	head    int // index of the oldest frame
	size    int
	dropped uint64

	mu sync.Mutex
}

// NewFrameRing creates a ring holding at most capacity frames
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		frames: make([][]byte, capacity),
	}
}

// Push appends a copy of frame. It reports whether an older frame was evicted.
func (r *FrameRing) Push(frame []byte) bool {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.frames)
	if r.size == capacity {
		// Overwrite the oldest slot and advance head
		r.frames[r.head] = buf
		r.head = (r.head + 1) % capacity
		r.dropped++
		return true
	}

	r.frames[(r.head+r.size)%capacity] = buf
	r.size++
	return false
}

// Drain removes and returns all buffered frames, oldest first
func (r *FrameRing) Drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	capacity := len(r.frames)
	out := make([][]byte, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % capacity
		out[i] = r.frames[idx]
		r.frames[idx] = nil
	}
	r.head = 0
	r.size = 0
	return out
}

// Reset discards all buffered frames without counting them as dropped
func (r *FrameRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.frames {
		r.frames[i] = nil
	}
	r.head = 0
	r.size = 0
}

// Len returns the number of buffered frames
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity
func (r *FrameRing) Cap() int {
	return len(r.frames)
}

// Dropped returns how many frames were evicted by overflow
func (r *FrameRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
