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
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// bucket is one slot of the process-wide futex table: a lock and the FIFO
// of waiters currently parked on addresses that hash to this bucket.
type bucket struct {
	mu      sync.Mutex
	waiters map[uintptr]*WaiterQueue
}

// FutexTable is a hash-bucketed table mapping addr -> bucket, sized
// next_power_of_two(256 * ncpus) the way the source dimensions it to keep
// per-bucket contention low under high parallelism.
type FutexTable struct {
	buckets []bucket
	mask    uintptr
}

var (
	futexOnce  sync.Once
	futexTable *FutexTable
)

func defaultFutexTable() *FutexTable {
	futexOnce.Do(func() {
		n := nextPowerOfTwo(256 * numCPUHint())
		futexTable = newFutexTable(n)
	})
	return futexTable
}

func newFutexTable(n int) *FutexTable {
	ft := &FutexTable{
		buckets: make([]bucket, n),
		mask:    uintptr(n - 1),
	}
	for i := range ft.buckets {
		ft.buckets[i].waiters = make(map[uintptr]*WaiterQueue)
	}
	return ft
}

func (ft *FutexTable) bucketFor(addr uintptr) *bucket {
	h := (addr * 2654435761) >> 4
	return &ft.buckets[h&ft.mask]
}

// FutexWait loads *addr under the bucket lock; if it differs from
// expected, returns EAGAIN immediately. Otherwise it enqueues a Waiter
// under the same lock and suspends on it, so no wake can be missed between
// the load and the enqueue.
func FutexWait(task *Task, addr *int32, expected int32, timeout *time.Duration) error {
	b := ft_bucketOf(uintptr(unsafe.Pointer(addr)))
	b.mu.Lock()
	if atomic.LoadInt32(addr) != expected {
		b.mu.Unlock()
		return syscall.EAGAIN
	}
	w := NewWaiter()
	q := b.queueFor(uintptr(unsafe.Pointer(addr)))
	q.Enqueue(w)
	b.mu.Unlock()

	return w.WaitTimeout(task, timeout)
}

// FutexWake wakes up to n waiters queued on addr.
func FutexWake(addr *int32, n int) int {
	b := ft_bucketOf(uintptr(unsafe.Pointer(addr)))
	b.mu.Lock()
	q, ok := b.waiters[uintptr(unsafe.Pointer(addr))]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.DequeueAndWakeAll(n)
}

// FutexRequeue moves up to maxRequeue waiters from src to dst after waking
// up to maxWake of them, locking both buckets ordered by address to avoid
// deadlocking against a concurrent requeue in the opposite direction.
func FutexRequeue(src, dst *int32, maxWake, maxRequeue int) (woken, requeued int) {
	srcAddr := uintptr(unsafe.Pointer(src))
	dstAddr := uintptr(unsafe.Pointer(dst))

	bSrc := ft_bucketOf(srcAddr)
	bDst := ft_bucketOf(dstAddr)

	if bSrc == bDst {
		bSrc.mu.Lock()
		defer bSrc.mu.Unlock()
	} else if srcAddr < dstAddr {
		bSrc.mu.Lock()
		defer bSrc.mu.Unlock()
		bDst.mu.Lock()
		defer bDst.mu.Unlock()
	} else {
		bDst.mu.Lock()
		defer bDst.mu.Unlock()
		bSrc.mu.Lock()
		defer bSrc.mu.Unlock()
	}

	srcQ, ok := bSrc.waiters[srcAddr]
	if !ok {
		return 0, 0
	}
	woken = srcQ.DequeueAndWakeAll(maxWake)

	dstQ := bDst.queueForLocked(dstAddr)
	for requeued < maxRequeue {
		w, ok := srcQ.dequeueRaw()
		if !ok {
			break
		}
		dstQ.Enqueue(w)
		requeued++
	}
	return woken, requeued
}

func (b *bucket) queueFor(addr uintptr) *WaiterQueue {
	q, ok := b.waiters[addr]
	if !ok {
		q = &WaiterQueue{}
		b.waiters[addr] = q
	}
	return q
}

func (b *bucket) queueForLocked(addr uintptr) *WaiterQueue {
	return b.queueFor(addr)
}

func ft_bucketOf(addr uintptr) *bucket {
	return defaultFutexTable().bucketFor(addr)
}

// dequeueRaw pops one waiter without waking it, for FutexRequeue.
func (q *WaiterQueue) dequeueRaw() (*Waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil, false
	}
	w := q.head
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	w.next = nil
	q.len--
	return w, true
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func numCPUHint() int {
	if global != nil {
		return len(global.vcpus)
	}
	return 1
}
