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
	"runtime"
	"sync/atomic"
)

// spinMutex is a TAS spin lock. Runqueue critical sections are O(1)
// enqueue/dequeue operations, short enough that spinning beats parking a
// goroutine through the Go runtime's own mutex machinery.
type spinMutex struct {
	state int32
}

func (m *spinMutex) Lock() {
	for !atomic.CompareAndSwapInt32(&m.state, 0, 1) {
		runtime.Gosched()
	}
}

func (m *spinMutex) Unlock() {
	atomic.StoreInt32(&m.state, 0)
}
