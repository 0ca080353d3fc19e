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

// SVT is a Segment Validity Table: one bit per segment, free vs allocated.
// The checkpoint region holds two instances (Data-SVT, Index-SVT per spec
// §6's on-disk layout) since data segments and index (BIT) segments are
// allocated from separate pools.
type SVT struct {
	mu    sync.RWMutex
	bits  []bool
	count int // total segments
	free  int // cached free count, kept in sync with bits
}

func newSVT(count int) *SVT {
	return &SVT{bits: make([]bool, count), count: count, free: count}
}

// Alloc claims the lowest-numbered free segment, transitioning its validity
// bit free → allocated (invariant I4). Returns (0, false) if exhausted.
func (s *SVT) Alloc() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, allocated := range s.bits {
		if !allocated {
			s.bits[i] = true
			s.free--
			return uint64(i), true
		}
	}
	return 0, false
}

// Free transitions segID back to free (the "possibly reclaimed" half of
// invariant I4).
func (s *SVT) Free(segID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(segID) >= len(s.bits) {
		return
	}
	if s.bits[segID] {
		s.bits[segID] = false
		s.free++
	}
}

// IsAllocated reports a segment's current validity bit.
func (s *SVT) IsAllocated(segID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(segID) >= len(s.bits) {
		return false
	}
	return s.bits[segID]
}

// FreeCount reports how many segments are currently free.
func (s *SVT) FreeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.free
}

func (s *SVT) encode() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := make([]byte, 8+(len(s.bits)+7)/8)
	binary.BigEndian.PutUint64(buf[:8], uint64(len(s.bits)))
	for i, allocated := range s.bits {
		if allocated {
			buf[8+i/8] |= 1 << (uint(i) % 8)
		}
	}
	return buf
}

func decodeSVT(buf []byte) (*SVT, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("jindisk: svt buffer too short")
	}
	n := int(binary.BigEndian.Uint64(buf[:8]))
	s := newSVT(n)
	s.free = n
	for i := 0; i < n; i++ {
		if buf[8+i/8]&(1<<(uint(i)%8)) != 0 {
			s.bits[i] = true
			s.free--
		}
	}
	return s, nil
}
