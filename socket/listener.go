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

	"github.com/occlum-go/occlum-core/container/ring"
	"github.com/occlum-go/occlum-core/internal/iouring"
)

// backlogState is a listener backlog slot's state, per spec §3.2/§4.8.
type backlogState int32

const (
	SlotFree backlogState = iota
	SlotPending
	SlotCompleted
)

// backlogSlot is one fixed entry in the listener's pre-allocated backlog
// array. The Ring[V] container is a perfect structural match here (unlike
// C1's growable runqueues): the backlog is a fixed-size, pre-allocated
// array of slots that is only ever cycled through, never resized.
type backlogSlot struct {
	state      backlogState
	ud         *iouring.UserData
	acceptedFD int32
	addr       []byte // untrusted sockaddr_storage for this slot
}

// Listener owns the fixed-size accept backlog: a slot array, a completion
// FIFO of slot indices, and an untrusted-memory array of sockaddr_storage
// receivers — one per slot, reused across accept cycles.
type Listener struct {
	c   *Common
	mu  sync.Mutex
	ring *ring.Ring[backlogSlot]

	completed []int // FIFO of slot indices with a ready connection

	closed bool
}

// Listen clamps the LibOS-side backlog to PendingAsyncAcceptNumMax while
// the raw backlog value is passed to the host listen(2) call by the
// caller before constructing the Listener. All Free slots are immediately
// turned into Pending by submitting accept sqes in parallel.
func Listen(c *Common, backlog int) *Listener {
	n := backlog
	if n > PendingAsyncAcceptNumMax {
		n = PendingAsyncAcceptNumMax
	}
	if n <= 0 {
		n = 1
	}
	slots := make([]backlogSlot, n)
	for i := range slots {
		slots[i].addr = Malloc(128) // sizeof(sockaddr_storage)
	}
	l := &Listener{
		c:    c,
		ring: ring.NewFromSlice(slots),
	}
	l.mu.Lock()
	l.refillLocked()
	l.mu.Unlock()
	return l
}

// refillLocked submits accept sqes for every Free slot. Caller holds l.mu.
func (l *Listener) refillLocked() {
	if l.closed {
		return
	}
	for i := 0; ; i++ {
		item, ok := l.ring.Get(i)
		if !ok {
			break
		}
		slot := item.Pointer()
		if slot.state != SlotFree {
			continue
		}
		idx := i
		slot.state = SlotPending
		ud := iouring.Get()
		ud.SetAcceptOp(l.c.HostFD, slot.addr, 0)
		ud.SetCallback(func(res int32, flags uint32) { l.onComplete(idx, res, flags) })
		slot.ud = ud
		l.c.evl.Enqueue(ud)
	}
}

func (l *Listener) onComplete(idx int, res int32, _ uint32) {
	l.mu.Lock()
	item, _ := l.ring.Get(idx)
	slot := item.Pointer()
	ud := slot.ud
	slot.ud = nil

	if res < 0 {
		// Do not resubmit: prevents an accept-storm loop against a
		// listener in a bad state (e.g. EMFILE).
		slot.state = SlotFree
		l.c.LatchFatal(errnoFromRes(res))
		l.c.Pollee.AddEvents(EventErr)
		l.mu.Unlock()
		iouring.Put(ud)
		return
	}

	slot.state = SlotCompleted
	slot.acceptedFD = res
	l.completed = append(l.completed, idx)
	l.c.Pollee.AddEvents(EventIn)
	l.refillLocked()
	l.mu.Unlock()
	iouring.Put(ud)
}

// Accepted is one accepted connection's host fd plus the peer address
// captured by the accept sqe at the time it completed.
type Accepted struct {
	FD   int32
	Addr []byte
}

// Accept pops a completed slot, freeing it and refilling vacancies, or
// blocks (honouring nonblocking/timeout) until one is available.
func (l *Listener) Accept(timeout *time.Duration) (Accepted, error) {
	for {
		l.mu.Lock()
		if len(l.completed) > 0 {
			idx := l.completed[0]
			l.completed = l.completed[1:]
			item, _ := l.ring.Get(idx)
			slot := item.Pointer()
			fd, addr := slot.acceptedFD, slot.addr
			slot.state = SlotFree
			l.refillLocked()
			l.mu.Unlock()
			addrCopy := append([]byte(nil), addr...)
			return Accepted{FD: fd, Addr: addrCopy}, nil
		}
		if err := l.c.TakeFatal(); err != nil {
			l.mu.Unlock()
			return Accepted{}, err
		}
		l.c.Pollee.DelEvents(EventIn)
		l.mu.Unlock()

		if l.c.IsNonblocking() {
			return Accepted{}, syscall.EAGAIN
		}
		_, err := l.c.waitEvents(EventIn, timeout)
		if err != nil {
			if isRetryTimeout(err) {
				return Accepted{}, syscall.EAGAIN
			}
			return Accepted{}, err
		}
	}
}

// Close cancels all pending accept sqes, waits (bounded
// ListenerCloseTimeout) for their completion, then releases backlog
// buffers.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	var targets []uint64
	for i := 0; ; i++ {
		item, ok := l.ring.Get(i)
		if !ok {
			break
		}
		slot := item.Pointer()
		if slot.state == SlotPending && slot.ud != nil {
			targets = append(targets, slot.ud.Slot())
		}
	}
	l.mu.Unlock()

	for _, t := range targets {
		l.c.evl.SubmitNow(cancelUserData(t))
	}

	deadline := time.Now().Add(ListenerCloseTimeout)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		pending := 0
		for i := 0; ; i++ {
			item, ok := l.ring.Get(i)
			if !ok {
				break
			}
			if item.Pointer().state == SlotPending {
				pending++
			}
		}
		l.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	l.mu.Lock()
	for i := 0; ; i++ {
		item, ok := l.ring.Get(i)
		if !ok {
			break
		}
		Free(item.Pointer().addr)
	}
	l.mu.Unlock()
}
