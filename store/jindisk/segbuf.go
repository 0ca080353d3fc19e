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
	"sync"

	"github.com/occlum-go/occlum-core/runtime"
	"github.com/occlum-go/occlum-core/unsafex/malloc"
)

// segState is a SegmentBuffer's place in the write-path state machine
// (spec §4.10, §5's "C3: segment-buffer state transitions out of
// Full/Flushing/Clearing" suspension point).
type segState int32

const (
	segVacant   segState = iota // accepting inserts
	segFull                     // capacity reached, flush about to start
	segFlushing                 // encrypting and writing the bound segment
	segClearing                 // dropping plaintext, releasing the binding
)

// segmentArenaSize is how much untrusted memory backs one SegmentBuffer's
// plaintext staging: each 4KiB block plus the allocator's 8-byte header
// takes an 8KiB buddy block, so a segment's worth of blocks needs twice
// SegmentBlocks*BlockSize.
const segmentArenaSize = 2 * SegmentBlocks * BlockSize

// SegmentBuffer is a small in-RAM LBA→plaintext-block map bound to at most
// one data segment at a time (spec §4.10). Plaintext blocks are carved
// from a per-buffer buddy arena rather than plain make([]byte): once
// Flush hands them to a multi-block write they're staged for an I/O call
// and must live in untrusted memory like every other transfer buffer in
// this codebase (see socket/untrusted.go's allocator).
type SegmentBuffer struct {
	mu      sync.Mutex
	state   segState
	segID   uint64
	bound   bool
	blocks  map[uint64][]byte // lba -> plaintext block
	arena   *malloc.BuddyAllocator
	waiters runtime.WaiterQueue
}

func newSegmentBuffer() *SegmentBuffer {
	arena, err := malloc.NewBuddyAllocatorWithBlockSize(make([]byte, segmentArenaSize), BlockSize, segmentArenaSize)
	if err != nil {
		panic(err) // segmentArenaSize is a compile-time multiple of BlockSize
	}
	return &SegmentBuffer{
		state:  segVacant,
		blocks: make(map[uint64][]byte),
		arena:  arena,
	}
}

// State reports the buffer's current state under lock.
func (s *SegmentBuffer) State() segState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len reports how many distinct LBAs are currently staged.
func (s *SegmentBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Lookup returns a copy of lba's staged plaintext, if this buffer holds
// one, without blocking (spec §4.11 read path step 1: "scan all segment
// buffers... on hit, copy out and return").
func (s *SegmentBuffer) Lookup(lba uint64, out []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.blocks[lba]
	if !ok {
		return false
	}
	copy(out, block)
	return true
}

// Insert stages lba's plaintext, blocking while the buffer is mid-flush.
// Returns true if this insert filled the buffer to capacity, meaning the
// caller must now drive a flush (Full → Flushing → Clearing → Vacant).
func (s *SegmentBuffer) Insert(lba uint64, plaintext []byte) (full bool, err error) {
	s.mu.Lock()
	for s.state != segVacant {
		w := runtime.NewWaiter()
		s.waiters.Enqueue(w)
		s.mu.Unlock()
		if err := w.WaitTimeout(nil, nil); err != nil {
			return false, err
		}
		s.mu.Lock()
	}
	block, ok := s.blocks[lba]
	if !ok {
		block = s.arena.Alloc(BlockSize)
		s.blocks[lba] = block
	}
	copy(block, plaintext)
	full = len(s.blocks) >= SegmentBlocks
	if full {
		s.state = segFull
	}
	s.mu.Unlock()
	return full, nil
}

// forceFull transitions a non-empty Vacant buffer straight to Full so a
// caller can drive an out-of-band flush of a partially-staged segment
// (sync() must not leave writes stranded in RAM just because a buffer
// never reached capacity on its own). Returns false if there's nothing
// to flush or the buffer is already mid-flush.
func (s *SegmentBuffer) forceFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != segVacant || len(s.blocks) == 0 {
		return false
	}
	s.state = segFull
	return true
}

// beginFlush transitions Full → Flushing and returns a LBA-sorted
// snapshot of the staged blocks for the caller to encrypt and write.
func (s *SegmentBuffer) beginFlush() []flushEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = segFlushing
	entries := make([]flushEntry, 0, len(s.blocks))
	for lba, block := range s.blocks {
		entries = append(entries, flushEntry{lba: lba, plaintext: block})
	}
	sortFlushEntries(entries)
	return entries
}

// finishFlush transitions Flushing → Clearing → Vacant, freeing the
// staged plaintext blocks back to the arena and releasing the segment
// binding, then wakes every task blocked in Insert.
func (s *SegmentBuffer) finishFlush() {
	s.mu.Lock()
	s.state = segClearing
	for _, block := range s.blocks {
		s.arena.Free(block)
	}
	s.blocks = make(map[uint64][]byte)
	s.bound = false
	s.segID = 0
	s.state = segVacant
	n := s.waiters.Len()
	s.mu.Unlock()
	if n > 0 {
		s.waiters.DequeueAndWakeAll(n)
	}
}

// bind assigns this buffer to a data segment for the upcoming flush.
func (s *SegmentBuffer) bind(segID uint64) {
	s.mu.Lock()
	s.segID = segID
	s.bound = true
	s.mu.Unlock()
}

type flushEntry struct {
	lba       uint64
	plaintext []byte
}

func sortFlushEntries(entries []flushEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].lba < entries[j-1].lba; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
