// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package bg96

// ringSize is the capacity of a socket's staging buffer.
const ringSize = 1500

// ring is a fixed capacity byte FIFO.
type ring struct {
	buf  [ringSize]byte
	head int
	n    int
}

func (r *ring) Len() int {
	return r.n
}

func (r *ring) Free() int {
	return len(r.buf) - r.n
}

func (r *ring) Reset() {
	r.head = 0
	r.n = 0
}

// Read moves up to len(p) bytes from the ring into p.
func (r *ring) Read(p []byte) int {
	n := 0
	for n < len(p) && r.n > 0 {
		end := r.head + r.n
		if end > len(r.buf) {
			end = len(r.buf)
		}
		m := copy(p[n:], r.buf[r.head:end])
		n += m
		r.head = (r.head + m) % len(r.buf)
		r.n -= m
	}
	if r.n == 0 {
		r.head = 0
	}
	return n
}

// Write copies as much of p into the ring as will fit.
func (r *ring) Write(p []byte) int {
	n, _ := r.fill(len(p), func(b []byte) (int, error) {
		m := copy(b, p)
		p = p[m:]
		return m, nil
	})
	return n
}

// fill appends up to n bytes, limited by the free space, using read to fill
// each contiguous region of the ring.
func (r *ring) fill(n int, read func([]byte) (int, error)) (int, error) {
	if free := r.Free(); n > free {
		n = free
	}
	total := 0
	for total < n {
		tail := (r.head + r.n) % len(r.buf)
		end := tail + (n - total)
		if end > len(r.buf) {
			end = len(r.buf)
		}
		m, err := read(r.buf[tail:end])
		r.n += m
		total += m
		if err != nil {
			return total, err
		}
		if m == 0 {
			break
		}
	}
	return total, nil
}
