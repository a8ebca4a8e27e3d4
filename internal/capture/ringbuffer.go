package capture

import "sync"

// RingBuffer holds the most recent PCM16 samples, overwriting the oldest
// when full. It is safe for one writer and one reader.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []int16
	writePos int
	written  int
}

// NewRingBuffer creates a buffer holding capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]int16, capacity)}
}

// Write appends samples.
func (rb *RingBuffer) Write(samples []int16) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if len(samples) > capacity {
		rb.written += len(samples) - capacity
		samples = samples[len(samples)-capacity:]
	}
	for len(samples) > 0 {
		n := copy(rb.buf[rb.writePos:], samples)
		samples = samples[n:]
		rb.writePos = (rb.writePos + n) % capacity
		rb.written += n
	}
}

// Len returns how many samples are stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.len()
}

func (rb *RingBuffer) len() int {
	if rb.written > len(rb.buf) {
		return len(rb.buf)
	}
	return rb.written
}

// Full reports whether the buffer has wrapped at least once.
func (rb *RingBuffer) Full() bool {
	return rb.Len() == rb.Cap()
}

// Cap returns the capacity in samples.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Snapshot returns a copy of the last n samples in write order. Fewer are
// returned when less has been written.
func (rb *RingBuffer) Snapshot(n int) []int16 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if n > rb.len() {
		n = rb.len()
	}
	if n <= 0 {
		return nil
	}

	out := make([]int16, n)
	start := (rb.writePos - n + capacity) % capacity
	if start+n <= capacity {
		copy(out, rb.buf[start:start+n])
	} else {
		first := capacity - start
		copy(out[:first], rb.buf[start:])
		copy(out[first:], rb.buf[:n-first])
	}
	return out
}

// Reset empties the buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.written = 0
}
