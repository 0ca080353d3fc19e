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

package socket

import (
	"sync"

	"github.com/occlum-go/occlum-core/cache/mempool"
	"github.com/occlum-go/occlum-core/unsafex/malloc"
)

// untrustedArenaSize backs the large-buffer path (the datagram aggregate
// queue, whose MAX_BUF_SIZE entries don't fit the footer-tagged pool's
// power-of-two sizing well once many are held live at once).
const untrustedArenaSize = 8 << 20 // 8MiB

// allocator hands out buffers that live outside the enclave boundary for
// io_uring sqes to read/write directly. Every Sender/Receiver/backlog slot
// routes its buffers through here rather than through plain make([]byte),
// per the "distinct allocator for untrusted buffers" requirement: small,
// short-lived buffers (ring staging, sockaddr_storage) go through the
// footer-tagged pool; sustained large allocations (the datagram pending
// queue) are carved from a bitmap-allocator arena instead so they don't
// thrash the pool's fixed size classes.
type allocator struct {
	once  sync.Once
	arena *malloc.BitmapAllocator
}

var globalAllocator allocator

func (a *allocator) buddy() *malloc.BitmapAllocator {
	a.once.Do(func() {
		arena := make([]byte, untrustedArenaSize)
		bm, err := malloc.NewBitmapAllocator(arena)
		if err != nil {
			panic(err) // arena size is a compile-time constant, never invalid
		}
		a.arena = bm
	})
	return a.arena
}

// Malloc returns an untrusted-memory buffer of exactly size bytes. Buffers
// under the pool's 4KiB floor (ring staging slices, sockaddr_storage
// entries) come from the footer-tagged pool; those from 4KiB up to
// malloc.DefaultBitmapMaxBlockSize (512KiB) come from the bitmap arena,
// falling back to the pool if the arena cannot fit them. Larger ones go
// straight to the pool.
func Malloc(size int) []byte {
	if size >= malloc.DefaultBitmapMinBlockSize && size <= malloc.DefaultBitmapMaxBlockSize {
		if b := globalAllocator.buddy().Alloc(size); b != nil {
			return b
		}
	}
	return mempool.Malloc(size)
}

// Free releases a buffer obtained from Malloc. Bitmap-arena buffers are
// tried first (BitmapAllocator.Free panics on a block outside its arena,
// which we use as the discriminator); anything else falls through to the
// pool, which safely no-ops on buffers it didn't allocate.
func Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	if globalAllocator.arena != nil && freeFromArena(buf) {
		return
	}
	mempool.Free(buf)
}

func freeFromArena(buf []byte) (freed bool) {
	defer func() {
		if recover() != nil {
			freed = false
		}
	}()
	globalAllocator.arena.Free(buf)
	return true
}
