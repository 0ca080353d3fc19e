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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockOnCompletesImmediately(t *testing.T) {
	ran := false
	BlockOn(FutureFunc(func(w *Waker) PollState {
		ran = true
		return Ready
	}))
	assert.True(t, ran)
}

func TestBlockOnWaitsForWake(t *testing.T) {
	polls := 0
	start := time.Now()
	BlockOn(FutureFunc(func(w *Waker) PollState {
		polls++
		if polls == 1 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				w.Wake()
			}()
			return Pending
		}
		return Ready
	}))
	assert.Equal(t, 2, polls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestSpawnAndJoin(t *testing.T) {
	require.NoError(t, SetParallelism(2))

	polled := make(chan struct{}, 1)
	h := Spawn(FutureFunc(func(w *Waker) PollState {
		select {
		case polled <- struct{}{}:
		default:
		}
		return Ready
	}))
	h.Join()

	select {
	case <-polled:
	default:
		t.Fatal("future was never polled")
	}
}
