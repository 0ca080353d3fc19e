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

// dgramMsg is one queued outgoing datagram: an untrusted-memory payload,
// destination address, and optional ancillary control bytes.
type dgramMsg struct {
	payload []byte
	dest    []byte
	control []byte
}

// DgramSender keeps an ordered deque of pending messages bounded by
// MaxBufSize aggregate bytes, per spec §4.9. A single outstanding sqe
// corresponds to the queue head.
type DgramSender struct {
	c   *Common
	mu  sync.Mutex
	q   []*dgramMsg
	pending int // aggregate bytes queued

	outstanding *iouring.UserData
	state       shutdownState
}

func NewDgramSender(c *Common) *DgramSender {
	s := &DgramSender{c: c}
	s.c.Pollee.AddEvents(EventOut)
	return s
}

// Sendmsg enqueues one datagram. Implicit binding (triggered by the first
// send without a prior bind) is the caller's responsibility before this is
// invoked; this layer only owns the pending-message queue.
func (s *DgramSender) Sendmsg(buf []byte, dest []byte, control []byte, flags MsgFlags) (int, error) {
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
		if s.pending+len(buf) <= MaxBufSize {
			break
		}
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
	}

	payload := Malloc(len(buf))
	copy(payload, buf)
	var destCopy, ctrlCopy []byte
	if dest != nil {
		destCopy = append([]byte(nil), dest...)
	}
	if control != nil {
		ctrlCopy = append([]byte(nil), control...)
	}
	msg := &dgramMsg{payload: payload, dest: destCopy, control: ctrlCopy}
	s.q = append(s.q, msg)
	s.pending += len(buf)
	s.armLocked()
	s.mu.Unlock()
	return len(buf), nil
}

func (s *DgramSender) timeoutPtr() *time.Duration {
	if s.c.SendTimeout <= 0 {
		return nil
	}
	d := s.c.SendTimeout
	return &d
}

func (s *DgramSender) armLocked() {
	if s.outstanding != nil || len(s.q) == 0 {
		return
	}
	head := s.q[0]
	ud := iouring.Get()
	ud.SetSendMsgOp(s.c.HostFD, head.dest, [][]byte{head.payload}, head.control, 0)
	ud.SetCallback(s.onComplete)
	s.outstanding = ud
	s.c.evl.Enqueue(ud)
}

func (s *DgramSender) onComplete(res int32, _ uint32) {
	s.mu.Lock()
	ud := s.outstanding
	s.outstanding = nil

	if res < 0 {
		s.c.LatchFatal(errnoFromRes(res))
		s.c.Pollee.AddEvents(EventErr)
		s.mu.Unlock()
		iouring.Put(ud)
		return
	}

	if len(s.q) > 0 {
		head := s.q[0]
		s.q = s.q[1:]
		s.pending -= len(head.payload)
		Free(head.payload)
	}
	s.c.Pollee.AddEvents(EventOut)
	if len(s.q) > 0 {
		s.armLocked()
	} else if s.state == ShutPreShutdown {
		syscall.Shutdown(int(s.c.HostFD), syscall.SHUT_WR)
		s.state = ShutPostShutdown
	}
	s.mu.Unlock()
	iouring.Put(ud)
}

// Close transitions to PreShutdown; the shutdown itself fires once the
// queue drains (see onComplete), matching the stream sender's semantics
// minus the linger wait, since there is no ring to drain synchronously.
func (s *DgramSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShutRunning {
		s.state = ShutPreShutdown
		if len(s.q) == 0 {
			syscall.Shutdown(int(s.c.HostFD), syscall.SHUT_WR)
			s.state = ShutPostShutdown
		}
	}
}
