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
	"fmt"
	"runtime"
	"sync"
)

const maxParallelism = 1024

// Option configures the global Executor created by SetParallelism.
type Option struct {
	Parallelism int

	// SpinIterations is how many loop iterations an idle vCPU spins through
	// before parking. Exposed for tests that want fast convergence to the
	// parked state.
	SpinIterations int

	// TimeSlice is the quantum assigned to a task each time it is moved from
	// back to front.
	TimeSlice int
}

// DefaultOption returns sensible defaults: one vCPU per host CPU.
func DefaultOption() *Option {
	return &Option{
		Parallelism:    runtime.NumCPU(),
		SpinIterations: 5_000_000,
		TimeSlice:      8,
	}
}

var (
	globalOnce sync.Once
	global     *Executor
)

// SetParallelism creates the process-wide Executor with ncpus vCPUs. It may
// only be called once; later calls are no-ops. 1 <= ncpus <= 1024.
func SetParallelism(ncpus int) error {
	if ncpus < 1 || ncpus > maxParallelism {
		return fmt.Errorf("runtime: parallelism %d out of range [1, %d]", ncpus, maxParallelism)
	}
	var err error
	globalOnce.Do(func() {
		opt := DefaultOption()
		opt.Parallelism = ncpus
		global, err = newExecutor(opt)
	})
	return err
}

// globalExecutor lazily creates a default executor the first time it is
// needed, so tests and simple callers don't have to call SetParallelism.
func globalExecutor() *Executor {
	globalOnce.Do(func() {
		global, _ = newExecutor(DefaultOption())
	})
	return global
}
