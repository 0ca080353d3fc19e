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

import "sync/atomic"

// numBands is the number of priority bands; a 32-bit nonempty mask needs no
// more than this.
const numBands = 32

// SchedState is the opaque per-task scheduling record: which vCPU owns the
// task, whether it is currently enqueued (CAS-settable for at-most-once
// enqueue), its priority band, remaining timeslice and an interactivity
// score that feeds band selection.
type SchedState struct {
	task *Task

	vcpu int32

	enqueued int32 // 0 or 1, CAS target

	band      int32
	timeslice int32

	// interactivity is a monotone function of recent wait/compute ratio:
	// every suspension nudges it up, every full timeslice burned nudges it
	// down. Higher interactivity buys a lower (more urgent) band number.
	interactivity int64
}

func (s *SchedState) tryMarkEnqueued() bool {
	return atomic.CompareAndSwapInt32(&s.enqueued, 0, 1)
}

func (s *SchedState) markDequeued() {
	atomic.StoreInt32(&s.enqueued, 0)
}

func (s *SchedState) isEnqueued() bool {
	return atomic.LoadInt32(&s.enqueued) == 1
}

// onWait records a suspension, raising interactivity (and so lowering the
// task's next band number) up to a small cap.
func (s *SchedState) onWait() {
	v := atomic.AddInt64(&s.interactivity, 4)
	if v > 64 {
		atomic.StoreInt64(&s.interactivity, 64)
	}
}

// onTimesliceExhausted records a fully burned timeslice, lowering
// interactivity (raising the task's next band number).
func (s *SchedState) onTimesliceExhausted() {
	v := atomic.AddInt64(&s.interactivity, -1)
	if v < 0 {
		atomic.StoreInt64(&s.interactivity, 0)
	}
}

func (s *SchedState) bandFor() int32 {
	score := atomic.LoadInt64(&s.interactivity)
	band := int32(numBands-1) - int32(score/2)
	if band < 0 {
		band = 0
	}
	if band >= numBands {
		band = numBands - 1
	}
	return band
}

// taskQueue is a simple growable FIFO of *Task, one per priority band.
type taskQueue struct {
	buf   []*Task
	head  int
	count int
}

func (q *taskQueue) push(t *Task) {
	if q.count == len(q.buf) {
		q.grow()
	}
	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = t
	q.count++
}

func (q *taskQueue) grow() {
	newCap := len(q.buf) * 2
	if newCap == 0 {
		newCap = 8
	}
	nb := make([]*Task, newCap)
	for i := 0; i < q.count; i++ {
		nb[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = nb
	q.head = 0
}

func (q *taskQueue) pop() (*Task, bool) {
	if q.count == 0 {
		return nil, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return t, true
}

func (q *taskQueue) len() int { return q.count }

// drainMatching removes up to max entries matching pred, appended to out,
// preserving relative order of the survivors.
func (q *taskQueue) drainMatching(pred func(*Task) bool, out []*Task, max int) []*Task {
	if q.count == 0 || max <= 0 {
		return out
	}
	kept := &taskQueue{}
	taken := 0
	for {
		t, ok := q.pop()
		if !ok {
			break
		}
		if taken < max && pred(t) {
			out = append(out, t)
			taken++
		} else {
			kept.push(t)
		}
	}
	*q = *kept
	return out
}

// LocalScheduler is a vCPU's private runqueue set: two arrays of
// priority-banded FIFOs (front holds tasks with remaining timeslice, back
// holds timeslice-exhausted tasks) plus a 32-bit nonempty bitmask per
// array, and a spin mutex held only across O(1) enqueue/dequeue.
type LocalScheduler struct {
	mu    spinMutex
	front [numBands]taskQueue
	back  [numBands]taskQueue

	frontMask uint32
	backMask  uint32

	vcpuID int
}

func newLocalScheduler(vcpuID int) *LocalScheduler {
	return &LocalScheduler{vcpuID: vcpuID}
}

// enqueue places t into front if it has remaining timeslice, otherwise
// assigns a fresh timeslice and places it into back. Uses a CAS on
// SchedState.enqueued to guarantee at-most-once membership (P2).
func (s *LocalScheduler) enqueue(t *Task, defaultSlice int32) {
	if !t.sched.tryMarkEnqueued() {
		return
	}
	band := t.sched.bandFor()
	s.mu.Lock()
	atomic.StoreInt32(&t.sched.vcpu, int32(s.vcpuID))
	if atomic.LoadInt32(&t.sched.timeslice) > 0 {
		t.sched.band = band
		s.front[band].push(t)
		s.frontMask |= 1 << uint(band)
	} else {
		atomic.StoreInt32(&t.sched.timeslice, defaultSlice)
		t.sched.band = band
		s.back[band].push(t)
		s.backMask |= 1 << uint(band)
	}
	s.mu.Unlock()
}

// dequeue consults front first; if entirely empty it swaps front and back
// (back becomes the new front, with refreshed timeslices), then tries
// again. Returns (task, true) or (nil, false) if both sets are empty.
func (s *LocalScheduler) dequeue() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frontMask == 0 {
		s.front, s.back = s.back, s.front
		s.frontMask, s.backMask = s.backMask, s.frontMask
	}
	if s.frontMask == 0 {
		return nil, false
	}
	band := firstSetBit(s.frontMask)
	t, ok := s.front[band].pop()
	if s.front[band].len() == 0 {
		s.frontMask &^= 1 << uint(band)
	}
	if !ok {
		return nil, false
	}
	t.sched.markDequeued()
	return t, true
}

// drain removes up to max tasks matching cond from both runqueue sets,
// starting from the least urgent (highest-numbered) band, for the global load
// balancer to migrate elsewhere.
func (s *LocalScheduler) drain(cond func(*Task) bool, out []*Task, max int) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := max
	for b := numBands - 1; b >= 0 && remaining > 0; b-- {
		if s.frontMask&(1<<uint(b)) != 0 {
			before := len(out)
			out = s.front[b].drainMatching(cond, out, remaining)
			remaining -= len(out) - before
			if s.front[b].len() == 0 {
				s.frontMask &^= 1 << uint(b)
			}
		}
	}
	for b := numBands - 1; b >= 0 && remaining > 0; b-- {
		if s.backMask&(1<<uint(b)) != 0 {
			before := len(out)
			out = s.back[b].drainMatching(cond, out, remaining)
			remaining -= len(out) - before
			if s.back[b].len() == 0 {
				s.backMask &^= 1 << uint(b)
			}
		}
	}
	for _, t := range out {
		t.sched.markDequeued()
	}
	return out
}

// Len reports the total number of queued tasks (P1's LHS).
func (s *LocalScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for b := 0; b < numBands; b++ {
		n += s.front[b].len() + s.back[b].len()
	}
	return n
}

func firstSetBit(mask uint32) int {
	for i := 0; i < numBands; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
