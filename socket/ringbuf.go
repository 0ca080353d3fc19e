/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package socket

// RingBuf is a fixed-capacity, single-producer/single-consumer circular
// buffer backed by an untrusted-memory allocation. It tracks head/tail and
// exposes the two contiguous slices of the free region (producer view) or
// filled region (consumer view), so callers can hand those slices directly
// to an io_uring iovec without an intermediate copy.
type RingBuf struct {
	buf        []byte
	head, tail int // tail == head means empty; capacity-1 slots usable
	size       int
}

// NewRingBuf allocates an untrusted buffer of capacity cap bytes.
func NewRingBuf(capacity int) *RingBuf {
	return &RingBuf{
		buf:  Malloc(capacity + 1),
		size: capacity + 1,
	}
}

// Close releases the backing untrusted buffer. Must not be called while an
// sqe may still reference it.
func (r *RingBuf) Close() {
	Free(r.buf)
	r.buf = nil
}

func (r *RingBuf) Len() int {
	if r.tail >= r.head {
		return r.tail - r.head
	}
	return r.size - r.head + r.tail
}

func (r *RingBuf) Cap() int { return r.size - 1 }

func (r *RingBuf) IsEmpty() bool { return r.head == r.tail }

func (r *RingBuf) IsFull() bool { return r.Len() == r.Cap() }

// FreeSlices returns the (up to two) contiguous slices making up the free
// region, in write order. This is the producer view used to build the
// iovec for an incoming recvmsg.
func (r *RingBuf) FreeSlices() (a, b []byte) {
	if r.IsFull() {
		return nil, nil
	}
	// The free region runs from tail up to (but not including) the slot
	// just before head, wrapping through the end of buf if tail >= head.
	if r.tail < r.head {
		return r.buf[r.tail : r.head-1], nil
	}
	a = r.buf[r.tail:r.size]
	if r.head > 0 {
		b = r.buf[0 : r.head-1]
	} else {
		a = r.buf[r.tail : r.size-1]
	}
	return a, b
}

// FilledSlices returns the (up to two) contiguous slices making up the
// filled region, in read order. This is the consumer view used to build
// the iovec for an outgoing sendmsg.
func (r *RingBuf) FilledSlices() (a, b []byte) {
	if r.IsEmpty() {
		return nil, nil
	}
	if r.tail > r.head {
		return r.buf[r.head:r.tail], nil
	}
	return r.buf[r.head:r.size], r.buf[0:r.tail]
}

// Produce advances the tail by n bytes after the caller has filled that
// many bytes into the slices returned by FreeSlices.
func (r *RingBuf) Produce(n int) {
	r.tail = (r.tail + n) % r.size
}

// Consume advances the head by n bytes after the caller has drained that
// many bytes from the slices returned by FilledSlices.
func (r *RingBuf) Consume(n int) {
	r.head = (r.head + n) % r.size
}

// Write copies as many bytes from p into the free region as fit, returning
// the count copied.
func (r *RingBuf) Write(p []byte) int {
	a, b := r.FreeSlices()
	n := copy(a, p)
	if n < len(p) && b != nil {
		n += copy(b, p[n:])
	}
	r.Produce(n)
	return n
}

// Read copies as many bytes from the filled region into p as fit, returning
// the count copied.
func (r *RingBuf) Read(p []byte) int {
	a, b := r.FilledSlices()
	n := copy(p, a)
	if n < len(p) && b != nil {
		n += copy(p[n:], b)
	}
	r.Consume(n)
	return n
}
