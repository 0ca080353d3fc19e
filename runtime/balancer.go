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
	"time"

	"github.com/occlum-go/occlum-core/concurrency/gopool"
)

const (
	balanceInterval   = 4 * time.Millisecond
	maxMigratePerPass = 8
)

// StartBalancer launches the periodic load balancer for e: every
// balanceInterval it finds the most loaded and least loaded vCPU and, if
// their queue lengths differ enough to be worth the migration cost, drains
// up to maxMigratePerPass low-priority tasks from the busy one into the
// idle one's scheduler.
func (e *Executor) StartBalancer() {
	pool := gopool.NewGoPool("runtime-balancer", gopool.DefaultOption())
	pool.Go(func() {
		ticker := time.NewTicker(balanceInterval)
		defer ticker.Stop()
		for range ticker.C {
			e.balanceOnce()
		}
	})
}

func (e *Executor) balanceOnce() {
	if len(e.vcpus) < 2 {
		return
	}
	busiest, idlest := e.vcpus[0], e.vcpus[0]
	busiestLen, idlestLen := busiest.sched.Len(), idlest.sched.Len()
	for _, v := range e.vcpus[1:] {
		l := v.sched.Len()
		if l > busiestLen {
			busiest, busiestLen = v, l
		}
		if l < idlestLen {
			idlest, idlestLen = v, l
		}
	}
	if busiest == idlest || busiestLen-idlestLen < 2 {
		return
	}

	anyTask := func(*Task) bool { return true }
	migrated := busiest.sched.drain(anyTask, nil, maxMigratePerPass)
	for _, t := range migrated {
		idlest.sched.enqueue(t, int32(e.opt.TimeSlice))
	}
	if len(migrated) > 0 && idlest.isIdle() {
		idlest.unpark()
	}
}
