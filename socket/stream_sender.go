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

// shutdownState is the sender's tri-state shutdown machine.
type shutdownState int32

const (
	ShutRunning shutdownState = iota
	ShutPreShutdown
	ShutPostShutdown
)

// StreamSender owns the producer-side ring buffer of a connected stream
// socket: at most one outstanding sendmsg sqe, a fatal-error slot (shared
// with Common), and the tri-state shutdown machine from spec §4.6.
type StreamSender struct {
	c    *Common
	mu   sync.Mutex
	ring *RingBuf

	outstanding *iouring.UserData
	state       shutdownState

	pendingResize int // deferred ring capacity, 0 if none requested
}

// NewStreamSender allocates the ring and wires OUT readiness on.
func NewStreamSender(c *Common) *StreamSender {
	s := &StreamSender{c: c, ring: NewRingBuf(SendBufSize)}
	s.c.Pollee.AddEvents(EventOut)
	return s
}

// Sendmsg implements spec §4.6 steps 1-4.
func (s *StreamSender) Sendmsg(bufs [][]byte, flags MsgFlags) (int, error) {
	for {
		s.mu.Lock()
		if s.state != ShutRunning {
			s.mu.Unlock()
			return 0, syscall.EPIPE
		}
		if err := s.c.TakeFatal(); err != nil {
			s.mu.Unlock()
			return 0, err
		}

		n := 0
		for _, b := range bufs {
			written := s.ring.Write(b)
			n += written
			if written < len(b) {
				break // ring is now full
			}
		}
		if n == 0 && !s.ring.IsFull() {
			// nothing requested or all buffers empty; nothing to do
			s.mu.Unlock()
			return 0, nil
		}
		if n == 0 {
			s.c.Pollee.DelEvents(EventOut)
			s.mu.Unlock()

			if s.c.IsNonblocking() || flags&MsgDontWait != 0 {
				return 0, syscall.EAGAIN
			}
			timeout := s.timeoutPtr()
			_, err := s.c.waitEvents(EventOut, timeout)
			if err != nil {
				if isRetryTimeout(err) {
					return 0, syscall.EAGAIN
				}
				return 0, err
			}
			continue
		}

		s.armLocked()
		s.mu.Unlock()
		return n, nil
	}
}

func (s *StreamSender) timeoutPtr() *time.Duration {
	if s.c.SendTimeout <= 0 {
		return nil
	}
	d := s.c.SendTimeout
	return &d
}

// armLocked submits a sendmsg sqe over the ring's filled slices if none is
// already outstanding. Caller holds s.mu.
func (s *StreamSender) armLocked() {
	if s.outstanding != nil || s.ring.IsEmpty() {
		return
	}
	a, b := s.ring.FilledSlices()
	bufs := [][]byte{a}
	if b != nil {
		bufs = append(bufs, b)
	}
	ud := iouring.Get()
	ud.SetSendMsgOp(s.c.HostFD, nil, bufs, nil, 0)
	ud.SetCallback(s.onComplete)
	s.outstanding = ud
	s.c.evl.Enqueue(ud)
}

// onComplete is the sqe completion callback from spec §4.6.
func (s *StreamSender) onComplete(res int32, _ uint32) {
	s.mu.Lock()
	ud := s.outstanding
	s.outstanding = nil

	if res < 0 {
		err := errnoFromRes(res)
		s.c.LatchFatal(err)
		s.c.Pollee.AddEvents(EventErr)
		switch err {
		case syscall.ENOTCONN, syscall.ECONNRESET, syscall.ECONNREFUSED:
			s.c.Pollee.AddEvents(EventHup | EventOut)
		}
		s.mu.Unlock()
		iouring.Put(ud)
		return
	}

	if res > 0 {
		s.ring.Consume(int(res))
		s.c.Pollee.AddEvents(EventOut)
		if !s.ring.IsEmpty() {
			s.armLocked()
			s.mu.Unlock()
			iouring.Put(ud)
			return
		}
		if s.state == ShutPreShutdown {
			syscall.Shutdown(int(s.c.HostFD), syscall.SHUT_WR)
			s.state = ShutPostShutdown
		}
		if s.pendingResize > 0 && s.outstanding == nil {
			s.ring.Close()
			s.ring = NewRingBuf(s.pendingResize)
			s.pendingResize = 0
		}
	}
	s.mu.Unlock()
	iouring.Put(ud)
}

// Resize requests a ring capacity change, applied the next time the ring
// is empty and idle (only legal moment per spec §4.6).
func (s *StreamSender) Resize(newCap int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingResize = newCap
}

// Close transitions to PreShutdown and, if the ring is non-empty, waits up
// to DefaultLingerTimeout for it to drain before cancelling the
// outstanding sqe and dropping remaining bytes.
func (s *StreamSender) Close() {
	s.mu.Lock()
	if s.state == ShutPostShutdown {
		s.mu.Unlock()
		return
	}
	s.state = ShutPreShutdown
	empty := s.ring.IsEmpty()
	s.mu.Unlock()

	if empty {
		syscall.Shutdown(int(s.c.HostFD), syscall.SHUT_WR)
		s.mu.Lock()
		s.state = ShutPostShutdown
		s.mu.Unlock()
		return
	}

	deadline := time.Now().Add(DefaultLingerTimeout)
	for timeout := DefaultLingerTimeout; timeout > 0; timeout = time.Until(deadline) {
		s.mu.Lock()
		drained := s.state == ShutPostShutdown
		if !drained {
			s.c.Pollee.DelEvents(EventOut)
		}
		s.mu.Unlock()
		if drained {
			return
		}
		if ev, err := s.c.waitEvents(EventOut|EventErr, &timeout); err != nil || ev&EventErr != 0 {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShutPostShutdown {
		return
	}
	if s.outstanding != nil {
		s.c.evl.SubmitNow(cancelUserData(s.outstanding.Slot()))
	}
	s.ring.Close()
	s.state = ShutPostShutdown
}

func cancelUserData(target uint64) *iouring.UserData {
	ud := iouring.Get()
	ud.SetCancelOp(target)
	ud.SetCallback(func(int32, uint32) { iouring.Put(ud) })
	return ud
}
