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

package jindisk

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DST is the Data-Segment Table: per-data-segment valid-block counts that
// drive the cleaner's choice of which segment to reclaim (spec §4.13).
type DST struct {
	mu     sync.RWMutex
	counts []int32
}

func newDST(segments int) *DST {
	return &DST{counts: make([]int32, segments)}
}

// Inc records one more valid block written into segID (called once per
// block landing in a freshly flushed segment).
func (d *DST) Inc(segID uint64) {
	d.mu.Lock()
	d.counts[segID]++
	d.mu.Unlock()
}

// Dec records one fewer valid block in segID (called when a block is
// superseded by a newer write, or relocated by the cleaner).
func (d *DST) Dec(segID uint64) {
	d.mu.Lock()
	if d.counts[segID] > 0 {
		d.counts[segID]--
	}
	d.mu.Unlock()
}

// Reset zeroes segID's count, used once the cleaner has fully evacuated it.
func (d *DST) Reset(segID uint64) {
	d.mu.Lock()
	d.counts[segID] = 0
	d.mu.Unlock()
}

func (d *DST) Count(segID uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int(d.counts[segID])
}

// PickLowest returns the allocated segment with the fewest valid blocks,
// among those reported allocated by svt. Returns (0, false) if none are
// allocated.
func (d *DST) PickLowest(svt *SVT) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	best := uint64(0)
	bestCount := int32(-1)
	found := false
	for i, c := range d.counts {
		if !svt.IsAllocated(uint64(i)) {
			continue
		}
		if !found || c < bestCount {
			best, bestCount, found = uint64(i), c, true
		}
	}
	return best, found
}

func (d *DST) encode() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf := make([]byte, 8+4*len(d.counts))
	binary.BigEndian.PutUint64(buf[:8], uint64(len(d.counts)))
	for i, c := range d.counts {
		binary.BigEndian.PutUint32(buf[8+4*i:], uint32(c))
	}
	return buf
}

func decodeDST(buf []byte) (*DST, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("jindisk: dst buffer too short")
	}
	n := int(binary.BigEndian.Uint64(buf[:8]))
	d := newDST(n)
	for i := 0; i < n; i++ {
		d.counts[i] = int32(binary.BigEndian.Uint32(buf[8+4*i:]))
	}
	return d, nil
}
