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
)

// vcpuIdleState mirrors the three states a vCPU reports to the balancer:
// busy (running or has runnable work), idle (spinning), sleeping (parked).
type vcpuIdleState int32

const (
	vcpuBusy vcpuIdleState = iota
	vcpuIdle
	vcpuSleeping
)

// Vcpu is a logical executor thread: a LocalScheduler and a parker. Exactly
// one OS goroutine runs Vcpu.run for its lifetime.
type Vcpu struct {
	id    int
	sched *LocalScheduler
	park  parker
	idle  int32 // vcpuIdleState, read by the balancer
	exec  *Executor
}

func newVcpu(id int, exec *Executor) *Vcpu {
	return &Vcpu{
		id:    id,
		sched: newLocalScheduler(id),
		exec:  exec,
	}
}

// run is the vCPU main loop: lock, dequeue, unlock, poll, repeat. The lock
// (inside LocalScheduler.dequeue) is held only across the dequeue so
// enqueues from other vCPUs are never blocked by poll work.
func (v *Vcpu) run() {
	for {
		t, ok := v.sched.dequeue()
		if !ok {
			v.waitForWork()
			continue
		}
		atomic.StoreInt32(&v.idle, int32(vcpuBusy))

		if state := t.poll(); state == Pending {
			ts := atomic.AddInt32(&t.sched.timeslice, -1)
			if ts <= 0 {
				t.sched.onTimesliceExhausted()
			}
		}
	}
}

// waitForWork spins for SpinIterations notifying "idle", then parks
// notifying "sleeping"; on unpark it returns to the caller's loop.
func (v *Vcpu) waitForWork() {
	atomic.StoreInt32(&v.idle, int32(vcpuIdle))
	spins := v.exec.opt.SpinIterations
	for i := 0; i < spins; i++ {
		if v.sched.Len() > 0 {
			return
		}
	}
	atomic.StoreInt32(&v.idle, int32(vcpuSleeping))
	v.park.Park()
}

func (v *Vcpu) unpark() {
	atomic.StoreInt32(&v.idle, int32(vcpuBusy))
	v.park.Unpark()
}

func (v *Vcpu) isIdle() bool {
	return vcpuIdleState(atomic.LoadInt32(&v.idle)) != vcpuBusy
}

// parker is a minimal park/unpark primitive over a buffered channel: at
// most one pending unpark is coalesced, matching futex-style wakeups.
type parker struct {
	c chan struct{}
}

func (p *parker) Park() {
	if p.c == nil {
		p.c = make(chan struct{}, 1)
	}
	<-p.c
}

func (p *parker) Unpark() {
	if p.c == nil {
		p.c = make(chan struct{}, 1)
	}
	select {
	case p.c <- struct{}{}:
	default:
	}
}

// Executor owns every vCPU and the default timeslice assigned on enqueue.
type Executor struct {
	vcpus []*Vcpu
	opt   *Option
}

func newExecutor(opt *Option) (*Executor, error) {
	e := &Executor{opt: opt}
	e.vcpus = make([]*Vcpu, opt.Parallelism)
	for i := range e.vcpus {
		e.vcpus[i] = newVcpu(i, e)
		go e.vcpus[i].run()
	}
	e.StartBalancer()
	return e, nil
}

// Spawn creates a Task from fut and enqueues it onto the least-loaded vCPU.
func (e *Executor) Spawn(fut Future) *JoinHandle {
	t := newTask(e, fut)
	v := e.leastLoaded()
	atomic.StoreInt32(&t.sched.timeslice, int32(e.opt.TimeSlice))
	v.sched.enqueue(t, int32(e.opt.TimeSlice))
	if v.isIdle() {
		v.unpark()
	}
	return &JoinHandle{t: t}
}

// enqueue re-arms a task that was already running on some vCPU (a wake),
// placing it back on that same vCPU's scheduler.
func (e *Executor) enqueue(t *Task) {
	if len(e.vcpus) == 0 {
		return
	}
	id := int(atomic.LoadInt32(&t.sched.vcpu))
	if id < 0 || id >= len(e.vcpus) {
		id = 0
	}
	v := e.vcpus[id]
	v.sched.enqueue(t, int32(e.opt.TimeSlice))
	if v.isIdle() {
		v.unpark()
	}
}

func (e *Executor) leastLoaded() *Vcpu {
	best := e.vcpus[0]
	bestLen := best.sched.Len()
	for _, v := range e.vcpus[1:] {
		if v.isIdle() {
			return v
		}
		if l := v.sched.Len(); l < bestLen {
			best, bestLen = v, l
		}
	}
	return best
}
