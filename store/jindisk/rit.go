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
	"sync"
)

// ritEntriesPerBlock is how many 8-byte (LBA+1) entries fit in one RIT
// block. Sized off blockPayloadSize, not BlockSize, so that one logical
// RIT block maps to exactly one encrypted physical block on disk (the
// same convention as BIT nodes and every other whole-block structure).
const ritEntriesPerBlock = blockPayloadSize / 8

// RIT is the Reverse Index Table: data HBA → LBA, used by the cleaner to
// find which logical block a valid physical block currently backs (spec
// §4.13, glossary RIT). Entries are stored as lba+1 so that 0 means "no
// entry" (the HBA has never been written, or its owner was deleted).
//
// RIT is the one sub-region needing shadow paging: each
// modified block is written to the on-disk copy *not* currently selected by
// the checkpoint's shadow bitmap, and the bitmap flips only once the write
// lands, so a crash mid-write leaves the previously-committed copy intact.
type RIT struct {
	mu      sync.RWMutex
	entries []uint64
	dirty   map[int]bool
}

func newRIT(dataBlocks int) *RIT {
	return &RIT{
		entries: make([]uint64, dataBlocks),
		dirty:   make(map[int]bool),
	}
}

func (r *RIT) Put(hba, lba uint64) {
	r.mu.Lock()
	r.entries[hba] = lba + 1
	r.dirty[int(hba/ritEntriesPerBlock)] = true
	r.mu.Unlock()
}

func (r *RIT) Delete(hba uint64) {
	r.mu.Lock()
	r.entries[hba] = 0
	r.dirty[int(hba/ritEntriesPerBlock)] = true
	r.mu.Unlock()
}

func (r *RIT) Get(hba uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.entries[hba]
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

func (r *RIT) numBlocks() int {
	return (len(r.entries) + ritEntriesPerBlock - 1) / ritEntriesPerBlock
}

// DirtyBlocks returns the indices of RIT blocks modified since the last
// ClearDirty, in ascending order.
func (r *RIT) DirtyBlocks() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.dirty))
	for idx := range r.dirty {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (r *RIT) ClearDirty() {
	r.mu.Lock()
	r.dirty = make(map[int]bool)
	r.mu.Unlock()
}

// EncodeBlock serializes RIT block idx (ritEntriesPerBlock entries, each an
// 8-byte lba+1) into a fresh blockPayloadSize buffer.
func (r *RIT) EncodeBlock(idx int) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf := make([]byte, blockPayloadSize)
	start := idx * ritEntriesPerBlock
	end := start + ritEntriesPerBlock
	if end > len(r.entries) {
		end = len(r.entries)
	}
	for i := start; i < end; i++ {
		binary.BigEndian.PutUint64(buf[(i-start)*8:], r.entries[i])
	}
	return buf
}

// LoadBlock installs a decoded RIT block at idx, overwriting any in-memory
// entries it covers.
func (r *RIT) LoadBlock(idx int, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := idx * ritEntriesPerBlock
	end := start + ritEntriesPerBlock
	if end > len(r.entries) {
		end = len(r.entries)
	}
	for i := start; i < end; i++ {
		r.entries[i] = binary.BigEndian.Uint64(buf[(i-start)*8:])
	}
}
