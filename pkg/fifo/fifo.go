// Package fifo provides the byte ring buffer that decouples capture and
// playback threads from the processing loop.
//
// The buffer never blocks and never overwrites unread data: a Write that does
// not fit is truncated and a Read of more than is buffered returns only what
// is there. Callers must check the returned counts. One mutex serialises all
// position and size updates; ordering between one producer and one consumer
// is the caller's contract.
package fifo

import "sync"

// RingBuffer is a circular byte buffer with a fixed capacity.
type RingBuffer struct {
	mu sync.Mutex

	buf      []byte
	writePos int
	readPos  int
	occupied int

	// statistics since the last Reset
	written   uint64
	read      uint64
	truncated uint64

	readable chan struct{}
	writable chan struct{}
}

// Stats reports transfer counters accumulated since the last Reset.
type Stats struct {
	Capacity       int
	Occupied       int
	BytesWritten   uint64
	BytesRead      uint64
	BytesTruncated uint64 // bytes refused by Write because the buffer was full
}

// New creates a ring buffer holding up to capacity bytes.
func New(capacity int) *RingBuffer {
	rb := &RingBuffer{
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
	rb.Reset(capacity)

	return rb
}

// Reset discards all buffered data and reinitialises the buffer with the
// given capacity. Offsets obtained before the call are invalid afterwards.
func (rb *RingBuffer) Reset(capacity int) {
	if capacity < 0 {
		capacity = 0
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if cap(rb.buf) >= capacity {
		rb.buf = rb.buf[:capacity]
		clear(rb.buf)
	} else {
		rb.buf = make([]byte, capacity)
	}

	rb.writePos = 0
	rb.readPos = 0
	rb.occupied = 0
	rb.written = 0
	rb.read = 0
	rb.truncated = 0

	signal(rb.writable)
}

// Write copies as many bytes of p as fit without overwriting unread data and
// returns that count. It never blocks.
func (rb *RingBuffer) Write(p []byte) int {
	rb.mu.Lock()

	size := len(rb.buf)
	n := min(len(p), size-rb.occupied)

	if n > 0 {
		// tail segment up to the end of the buffer, then the head segment
		first := min(n, size-rb.writePos)
		copy(rb.buf[rb.writePos:rb.writePos+first], p[:first])
		copy(rb.buf[:n-first], p[first:n])

		rb.writePos = (rb.writePos + n) % size
		rb.occupied += n
		rb.written += uint64(n)
	}

	rb.truncated += uint64(len(p) - n)
	rb.mu.Unlock()

	if n > 0 {
		signal(rb.readable)
	}

	return n
}

// Read copies up to len(p) of the oldest unread bytes into p and returns the
// count. It never blocks.
func (rb *RingBuffer) Read(p []byte) int {
	rb.mu.Lock()

	size := len(rb.buf)
	n := min(len(p), rb.occupied)

	if n > 0 {
		first := min(n, size-rb.readPos)
		copy(p[:first], rb.buf[rb.readPos:rb.readPos+first])
		copy(p[first:n], rb.buf[:n-first])

		rb.readPos = (rb.readPos + n) % size
		rb.occupied -= n
		rb.read += uint64(n)
	}

	rb.mu.Unlock()

	if n > 0 {
		signal(rb.writable)
	}

	return n
}

// Occupied returns the number of unread bytes.
func (rb *RingBuffer) Occupied() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.occupied
}

// Free returns the number of bytes a Write can currently accept.
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return len(rb.buf) - rb.occupied
}

// Capacity returns the buffer size in bytes.
func (rb *RingBuffer) Capacity() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return len(rb.buf)
}

// Stats returns a snapshot of the transfer counters.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return Stats{
		Capacity:       len(rb.buf),
		Occupied:       rb.occupied,
		BytesWritten:   rb.written,
		BytesRead:      rb.read,
		BytesTruncated: rb.truncated,
	}
}

// Readable is signalled after a Write stored at least one byte. Signals
// coalesce, so a receiver must re-check Occupied after waking.
func (rb *RingBuffer) Readable() <-chan struct{} {
	return rb.readable
}

// Writable is signalled after a Read freed at least one byte, and after Reset.
func (rb *RingBuffer) Writable() <-chan struct{} {
	return rb.writable
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
