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

import (
	"sync"
	"syscall"
	"time"

	"github.com/occlum-go/occlum-core/internal/iouring"
)

// StreamReceiver owns the consumer-read ring buffer of a connected stream
// socket, per spec §4.7.
type StreamReceiver struct {
	c    *Common
	mu   sync.Mutex
	ring *RingBuf

	outstanding *iouring.UserData
	isShutdown  bool
	eof         bool
	closed      bool
}

func NewStreamReceiver(c *Common) *StreamReceiver {
	r := &StreamReceiver{c: c, ring: NewRingBuf(RecvBufSize)}
	return r
}

// Recvmsg implements spec §4.7, including MSG_WAITALL looping.
func (r *StreamReceiver) Recvmsg(bufs [][]byte, flags MsgFlags) (int, error) {
	total := 0
	requested := 0
	for _, b := range bufs {
		requested += len(b)
	}

	for {
		n, err := r.recvOnce(bufs, total, flags)
		total += n
		if err != nil {
			// An interrupt or any other error after partial data returns
			// the partial count rather than the error (spec §4.7 step 3).
			if total > 0 {
				return total, nil
			}
			if isRetryTimeout(err) {
				return 0, syscall.EAGAIN
			}
			return 0, err
		}
		if n == 0 {
			return total, nil
		}
		if flags&MsgWaitAll == 0 || total >= requested {
			return total, nil
		}
	}
}

// recvOnce performs one fast-path copy + (if empty) one suspend-and-retry
// cycle, writing into bufs starting at byte offset skip across the
// concatenated buffers. A per-call MsgDontWait must return EAGAIN
// immediately just like a socket-wide nonblocking flag (spec §4.7 step 2).
func (r *StreamReceiver) recvOnce(bufs [][]byte, skip int, flags MsgFlags) (int, error) {
	r.mu.Lock()
	if !r.ring.IsEmpty() {
		n := r.copyInto(bufs, skip)
		r.kickRecvLocked()
		r.mu.Unlock()
		return n, nil
	}
	if r.isShutdown {
		r.mu.Unlock()
		return 0, syscall.EPIPE
	}
	if err := r.c.TakeFatal(); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if r.eof {
		r.mu.Unlock()
		return 0, nil
	}
	r.c.Pollee.DelEvents(EventIn)
	r.kickRecvLocked()
	r.mu.Unlock()

	if r.c.IsNonblocking() || flags&MsgDontWait != 0 {
		return 0, syscall.EAGAIN
	}
	timeout := r.timeoutPtr()
	_, err := r.c.waitEvents(EventIn, timeout)
	if err != nil {
		if isRetryTimeout(err) {
			return 0, syscall.EAGAIN
		}
		return 0, err
	}

	r.mu.Lock()
	n := r.copyInto(bufs, skip)
	r.kickRecvLocked()
	r.mu.Unlock()
	return n, nil
}

// copyInto copies ring bytes into bufs, treating bufs as one logical
// buffer and starting at offset skip. Caller holds r.mu.
func (r *StreamReceiver) copyInto(bufs [][]byte, skip int) int {
	copied := 0
	for _, b := range bufs {
		if skip >= len(b) {
			skip -= len(b)
			continue
		}
		dst := b[skip:]
		skip = 0
		n := r.ring.Read(dst)
		copied += n
		if n < len(dst) {
			break
		}
	}
	return copied
}

func (r *StreamReceiver) timeoutPtr() *time.Duration {
	if r.c.RecvTimeout <= 0 {
		return nil
	}
	d := r.c.RecvTimeout
	return &d
}

// kickRecvLocked issues a recvmsg sqe iff the ring has room, isn't shut
// down, nothing is outstanding, EOF hasn't been observed, and the
// receiver hasn't been closed. Caller holds r.mu.
func (r *StreamReceiver) kickRecvLocked() {
	if r.ring.IsFull() || r.isShutdown || r.outstanding != nil || r.eof || r.closed {
		return
	}
	a, b := r.ring.FreeSlices()
	bufs := [][]byte{a}
	if b != nil {
		bufs = append(bufs, b)
	}
	ud := iouring.Get()
	ud.SetRecvMsgOp(r.c.HostFD, bufs, nil, false, 0)
	ud.SetCallback(r.onComplete)
	r.outstanding = ud
	r.c.evl.Enqueue(ud)
}

func (r *StreamReceiver) onComplete(res int32, _ uint32) {
	r.mu.Lock()
	ud := r.outstanding
	r.outstanding = nil

	switch {
	case res < 0:
		r.c.LatchFatal(errnoFromRes(res))
		r.c.Pollee.AddEvents(EventErr)
	case res == 0:
		r.eof = true
		r.c.Pollee.AddEvents(EventIn)
	default:
		r.ring.Produce(int(res))
		r.c.Pollee.AddEvents(EventIn)
		r.kickRecvLocked()
	}
	r.mu.Unlock()
	iouring.Put(ud)
}

// Shutdown marks the read side shut; any fast-path read after this returns
// EPIPE once the ring drains.
func (r *StreamReceiver) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isShutdown = true
}

// Close cancels any outstanding recvmsg sqe and releases the ring.
func (r *StreamReceiver) Close() {
	r.mu.Lock()
	target := r.outstanding
	r.closed = true
	r.mu.Unlock()

	if target != nil {
		r.c.evl.SubmitNow(cancelUserData(target.Slot()))
	}
	r.mu.Lock()
	r.ring.Close()
	r.mu.Unlock()
}
