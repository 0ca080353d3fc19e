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

// Tirqs holds a task's 64 interrupt lines: a pending-request bitmask and a
// mask of lines currently disabled. It is embedded directly in Task so a
// Tirqs can recover its owning task via the back-pointer set at
// construction (the interior-circularity note: the struct is built once,
// never copied).
type Tirqs struct {
	reqs  uint64
	mask  uint64
	owner *Task
}

func newTirqs(owner *Task) Tirqs {
	return Tirqs{owner: owner}
}

// PutReq ORs 1<<line into reqs. If this takes the active set (reqs &^ mask)
// from zero to non-zero, the owning task is woken. Safe to call from any
// goroutine, including other vCPUs.
func (t *Tirqs) PutReq(line uint) {
	if line >= 64 {
		panic("runtime: tirq line out of range")
	}
	bit := uint64(1) << line
	for {
		old := atomic.LoadUint64(&t.reqs)
		next := old | bit
		if next == old {
			return
		}
		if atomic.CompareAndSwapUint64(&t.reqs, old, next) {
			wasActive := old &^ atomic.LoadUint64(&t.mask)
			isActive := next &^ atomic.LoadUint64(&t.mask)
			if wasActive == 0 && isActive != 0 {
				t.owner.wake()
				if w := t.owner.activeWaiter(); w != nil {
					w.interrupt()
				}
			}
			return
		}
	}
}

// ClearReq clears one interrupt line.
//
// Current-task-only: a Tirqs is reachable only through its owning *Task,
// which in turn is only reachable by the Future that task is running (via
// the Waker/Task handle passed into Poll) or by holders of a JoinHandle
// (who may only PutReq, never clear). There is deliberately no setter that
// clears another task's lines — the lost-interrupt race the source guards
// against with a runtime check is closed here at the API-shape level.
func (t *Tirqs) ClearReq(line uint) {
	if line >= 64 {
		panic("runtime: tirq line out of range")
	}
	for {
		old := atomic.LoadUint64(&t.reqs)
		next := old &^ (uint64(1) << line)
		if atomic.CompareAndSwapUint64(&t.reqs, old, next) {
			return
		}
	}
}

// ClearAllReqs clears every pending interrupt line.
func (t *Tirqs) ClearAllReqs() {
	atomic.StoreUint64(&t.reqs, 0)
}

// SetMask replaces the disabled-lines mask.
func (t *Tirqs) SetMask(newMask uint64) {
	atomic.StoreUint64(&t.mask, newMask)
}

// Active returns the bitmap of pending lines that are not masked.
func (t *Tirqs) Active() uint64 {
	return atomic.LoadUint64(&t.reqs) &^ atomic.LoadUint64(&t.mask)
}
