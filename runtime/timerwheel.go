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
	"time"

	"github.com/occlum-go/occlum-core/concurrency/gopool"
)

const (
	wheelSize     = 512
	tickDuration  = 10 * time.Millisecond
)

// timerEntry is a single armed deadline. C fires exactly once, either on
// expiry or never if Cancel beats the tick that would have fired it.
type timerEntry struct {
	C         chan time.Time
	deadline  time.Time
	cancelled int32
}

// Cancel marks the entry so a subsequent tick skips it. Safe to call after
// the entry has already fired.
func (e *timerEntry) Cancel() {
	atomic.StoreInt32(&e.cancelled, 1)
}

func (e *timerEntry) fire(now time.Time) {
	if atomic.CompareAndSwapInt32(&e.cancelled, 0, 1) {
		select {
		case e.C <- now:
		default:
		}
	}
}

// TimerWheel is a hierarchical per-expiration timer: wheelSize buckets at
// tickDuration granularity, plus a sorted overflow list for deadlines
// further out than the wheel currently spans. A dedicated background
// goroutine (run via the shared worker pool, like the load balancer)
// advances one bucket per tick.
type TimerWheel struct {
	mu          sync.Mutex
	buckets     [wheelSize][]*timerEntry
	overflow    []*timerEntry
	currentTick uint64
	pool        *gopool.GoPool
}

var (
	timerWheelOnce sync.Once
	timerWheel     *TimerWheel
)

func defaultTimerWheel() *TimerWheel {
	timerWheelOnce.Do(func() {
		timerWheel = newTimerWheel()
	})
	return timerWheel
}

func newTimerWheel() *TimerWheel {
	tw := &TimerWheel{pool: gopool.NewGoPool("runtime-timerwheel", gopool.DefaultOption())}
	tw.pool.Go(tw.run)
	return tw
}

func (tw *TimerWheel) run() {
	ticker := time.NewTicker(tickDuration)
	defer ticker.Stop()
	for now := range ticker.C {
		tw.advance(now)
	}
}

func (tw *TimerWheel) advance(now time.Time) {
	tw.mu.Lock()
	idx := tw.currentTick % wheelSize
	due := tw.buckets[idx]
	tw.buckets[idx] = nil
	tw.currentTick++

	// Promote overflow entries that now fall within the wheel's span.
	remaining := tw.overflow[:0]
	for _, e := range tw.overflow {
		ticks := ticksUntil(now, e.deadline)
		if ticks < wheelSize {
			tw.buckets[(tw.currentTick+uint64(ticks))%wheelSize] = append(
				tw.buckets[(tw.currentTick+uint64(ticks))%wheelSize], e)
		} else {
			remaining = append(remaining, e)
		}
	}
	tw.overflow = remaining
	tw.mu.Unlock()

	for _, e := range due {
		e.fire(now)
	}
}

// After arms a new deadline now+d.
func (tw *TimerWheel) After(d time.Duration) *timerEntry {
	now := time.Now()
	e := &timerEntry{C: make(chan time.Time, 1), deadline: now.Add(d)}
	if d <= 0 {
		e.fire(now)
		return e
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	ticks := ticksUntil(now, e.deadline)
	if ticks < wheelSize {
		idx := (tw.currentTick + uint64(ticks)) % wheelSize
		tw.buckets[idx] = append(tw.buckets[idx], e)
	} else {
		tw.overflow = append(tw.overflow, e)
	}
	return e
}

func ticksUntil(now, deadline time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	n := int(d / tickDuration)
	if time.Duration(n)*tickDuration < d {
		n++
	}
	return n
}
