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

package runtime

import (
	"sync/atomic"
	"syscall"
	"time"
)

// WState is a Waiter's lifecycle state.
type WState int32

const (
	Idle WState = iota
	Waiting
	Woken
)

// Waiter is a single-shot notification object: an atomic state plus a
// one-slot signal channel. A WaiterQueue links many of these in FIFO order.
type Waiter struct {
	state  int32
	signal chan struct{}
	next   *Waiter // WaiterQueue intrusive link
}

// NewWaiter returns a Waiter in the Idle state, ready for one wait cycle.
func NewWaiter() *Waiter {
	return &Waiter{signal: make(chan struct{}, 1)}
}

// State reports the current lifecycle state.
func (w *Waiter) State() WState {
	return WState(atomic.LoadInt32(&w.state))
}

// Wake transitions Idle or Waiting to Woken and unblocks any pending
// WaitTimeout exactly once. Idempotent after the first call.
func (w *Waiter) Wake() {
	for {
		old := atomic.LoadInt32(&w.state)
		if WState(old) == Woken {
			return
		}
		if atomic.CompareAndSwapInt32(&w.state, old, int32(Woken)) {
			select {
			case w.signal <- struct{}{}:
			default:
			}
			return
		}
	}
}

// interrupt nudges a suspended WaitTimeout awake without flipping it to
// Woken, so the caller's post-wake TIRQ recheck sees EINTR rather than a
// normal wake.
func (w *Waiter) interrupt() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Waiter) reset() {
	atomic.StoreInt32(&w.state, int32(Idle))
	select {
	case <-w.signal:
	default:
	}
}

// WaitTimeout suspends the calling goroutine (conceptually, task) until
// woken, the optional deadline fires, or a TIRQ is observed active on task.
// It returns nil on a normal wake, syscall.ETIMEDOUT on expiry, or
// syscall.EINTR if a TIRQ was active either before suspending or is
// observed active upon waking. task may be nil for callers outside any
// task context (futex waiters that don't carry a TIRQ line).
func (w *Waiter) WaitTimeout(task *Task, timeout *time.Duration) error {
	w.reset()

	if task != nil && task.Tirqs.Active() != 0 {
		return syscall.EINTR
	}

	atomic.StoreInt32(&w.state, int32(Waiting))
	if task != nil {
		task.sched.onWait()
		task.setActiveWaiter(w)
		defer task.setActiveWaiter(nil)
	}

	var timerC <-chan time.Time
	var entry *timerEntry
	if timeout != nil {
		entry = defaultTimerWheel().After(*timeout)
		timerC = entry.C
		defer entry.Cancel()
	}

	select {
	case <-w.signal:
		if task != nil && task.Tirqs.Active() != 0 {
			return syscall.EINTR
		}
		return nil
	case <-timerC:
		return syscall.ETIMEDOUT
	}
}
