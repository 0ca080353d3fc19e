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

// Package runtime implements the multi-vCPU cooperative task scheduler:
// per-vCPU runqueues with a front/back timeslice split, a work-stealing
// load balancer, a hierarchical timer wheel, interruptible waiters and a
// per-task interrupt-request (TIRQ) line.
package runtime

import (
	"sync"
	"sync/atomic"
)

// PollState is the result of one poll step.
type PollState int

const (
	Pending PollState = iota
	Ready
)

// Future is a unit of cooperative work. Poll is called at most once per
// runqueue visit; it must never block. w.Wake() re-enqueues the task and
// must be safe to call from any goroutine, at any time, including after
// the Future has already returned Ready.
type Future interface {
	Poll(w *Waker) PollState
}

// FutureFunc adapts a plain function to Future for simple, synchronous
// steps that always complete in one poll (most tests use this).
type FutureFunc func(w *Waker) PollState

func (f FutureFunc) Poll(w *Waker) PollState { return f(w) }

// Waker re-arms whatever it is bound to: normally a Task back onto its
// scheduler, but BlockOn binds a plain channel signal instead so a future
// can be driven without a full Executor.
type Waker struct {
	wakeFn func()
}

func (w *Waker) Wake() {
	if w.wakeFn != nil {
		w.wakeFn()
	}
}

// Task wraps one Future with the bookkeeping the scheduler and TIRQ layer
// need: a process-unique id, the task's SchedState, its Tirqs line, and a
// handle back to the vCPU it is currently assigned to.
type Task struct {
	id    uint64
	fut   Future
	waker *Waker
	sched SchedState
	Tirqs Tirqs

	exec *Executor

	mu         sync.Mutex
	finished   bool
	done       chan struct{}
	activeWait *Waiter
}

var nextTaskID uint64

func newTask(exec *Executor, fut Future) *Task {
	t := &Task{
		id:   atomic.AddUint64(&nextTaskID, 1),
		fut:  fut,
		exec: exec,
		done: make(chan struct{}),
	}
	t.waker = &Waker{wakeFn: t.wake}
	t.Tirqs = newTirqs(t)
	t.sched.task = t
	return t
}

// ID returns the task's process-unique identifier.
func (t *Task) ID() uint64 { return t.id }

// setActiveWaiter records which Waiter (if any) the task is currently
// suspended on, so a PutReq from another goroutine can nudge it awake
// immediately instead of waiting for the next poll.
func (t *Task) setActiveWaiter(w *Waiter) {
	t.mu.Lock()
	t.activeWait = w
	t.mu.Unlock()
}

func (t *Task) activeWaiter() *Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeWait
}

// poll drives the future one step. Called only by the vCPU that currently
// owns the task, never concurrently.
func (t *Task) poll() PollState {
	state := t.fut.Poll(t.waker)
	if state == Ready {
		t.mu.Lock()
		t.finished = true
		t.mu.Unlock()
		close(t.done)
	}
	return state
}

// wake enqueues the task back onto its executor, guarded by SchedState's
// at-most-once CAS so concurrent wakes never double-enqueue.
func (t *Task) wake() {
	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()
	if finished {
		return
	}
	t.exec.enqueue(t)
}

// JoinHandle lets a spawner wait for a task's completion or interrupt it.
type JoinHandle struct {
	t *Task
}

// Join blocks the calling goroutine (not a Future) until the task finishes.
func (h *JoinHandle) Join() {
	<-h.t.done
}

// Interrupt puts a TIRQ on the designated kill line (63), the convention
// used by Spawn/Join cancellation in this runtime.
func (h *JoinHandle) Interrupt() {
	h.t.Tirqs.PutReq(KillLine)
}

// KillLine is the TIRQ line conventionally used to request cancellation.
const KillLine = 63

// Spawn enqueues fut onto the least-loaded vCPU of the global executor.
func Spawn(fut Future) *JoinHandle {
	return globalExecutor().Spawn(fut)
}

// BlockOn drives fut to completion on the calling goroutine: no Task, no
// Executor, just a plain channel standing in for the waker. Futures driven
// this way get no TIRQ line of their own (Waiter.WaitTimeout is called
// with a nil task), so they cannot be interrupted — only Spawn'd tasks can.
func BlockOn(fut Future) {
	wake := make(chan struct{}, 1)
	w := &Waker{wakeFn: func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}}
	for {
		if fut.Poll(w) == Ready {
			return
		}
		<-wake
	}
}
