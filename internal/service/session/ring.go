package session

import "github.com/zhouzirui/empath/backend/internal/model/emotion"

// ring is a fixed-capacity reading history; pushing past capacity evicts the oldest.
type ring struct {
	buf  []emotion.Reading
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]emotion.Reading, capacity)}
}

func (r *ring) push(v emotion.Reading) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[idx] = v
	r.size++
}

// items returns the readings oldest first.
func (r *ring) items() []emotion.Reading {
	out := make([]emotion.Reading, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
