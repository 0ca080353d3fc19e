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

import "sync"

// WaiterQueue is an intrusive FIFO of waiters: Enqueue appends in O(1),
// DequeueAndWakeAll pops up to n entries and wakes each in O(1).
type WaiterQueue struct {
	mu         sync.Mutex
	head, tail *Waiter
	len        int
}

// Enqueue appends w to the tail of the queue.
func (q *WaiterQueue) Enqueue(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.next = nil
	if q.tail == nil {
		q.head, q.tail = w, w
	} else {
		q.tail.next = w
		q.tail = w
	}
	q.len++
}

// DequeueAndWakeAll pops up to n waiters from the head and wakes each one.
// Returns the number actually woken.
func (q *WaiterQueue) DequeueAndWakeAll(n int) int {
	q.mu.Lock()
	woken := 0
	for woken < n && q.head != nil {
		w := q.head
		q.head = w.next
		if q.head == nil {
			q.tail = nil
		}
		w.next = nil
		q.len--
		woken++
		q.mu.Unlock()
		w.Wake()
		q.mu.Lock()
	}
	q.mu.Unlock()
	return woken
}

// Len reports the current queue length.
func (q *WaiterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}
