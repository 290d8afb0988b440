package device

import "sync"

const DefaultConsoleSize = 64 * 1024

// RingBuffer keeps the most recent console bytes. Older bytes are
// overwritten once it is full.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	pos   int
	full  bool
	total uint64
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultConsoleSize
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.total += uint64(n)
	if n >= len(r.data) {
		copy(r.data, p[n-len(r.data):])
		r.pos = 0
		r.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(r.data[r.pos:], p)
		p = p[c:]
		r.pos += c
		if r.pos == len(r.data) {
			r.pos = 0
			r.full = true
		}
	}
	return n, nil
}

// Bytes returns the retained contents, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.data[:r.pos]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.pos:]...)
	return append(out, r.data[:r.pos]...)
}

func (r *RingBuffer) String() string { return string(r.Bytes()) }

// Total returns the number of bytes ever written.
func (r *RingBuffer) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
