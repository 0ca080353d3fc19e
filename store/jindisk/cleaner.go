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

import "fmt"

// DefaultGCWatermark is how many free data segments the cleaner tries to
// keep available before it stops reclaiming (spec §4.13, "GC_WATERMARK").
const DefaultGCWatermark = 2

// Cleaner relocates the still-valid blocks out of the emptiest data
// segment and frees it, keeping free-segment count above a watermark so
// writes never stall for want of a segment to flush into (spec §4.13,
// P8's cleaner-progress property).
type Cleaner struct {
	watermark int
	dataSVT   *SVT
	dst       *DST
	rit       *RIT
	cache     *DataCache
}

func newCleaner(watermark int, dataSVT *SVT, dst *DST, rit *RIT, cache *DataCache) *Cleaner {
	return &Cleaner{watermark: watermark, dataSVT: dataSVT, dst: dst, rit: rit, cache: cache}
}

// NeedsCleaning reports whether free data segments have fallen below the
// watermark.
func (c *Cleaner) NeedsCleaning() bool {
	return c.dataSVT.FreeCount() < c.watermark
}

// ExecForegroundCleaning reclaims one segment: the one DST reports has
// the fewest valid blocks, relocating every block RIT still claims as
// valid through the full read path before freeing it in the SVT.
func (c *Cleaner) ExecForegroundCleaning() error {
	segID, ok := c.dst.PickLowest(c.dataSVT)
	if !ok {
		return fmt.Errorf("jindisk: no allocated data segment to clean")
	}
	base := segmentStartHBA(segID)
	for i := uint64(0); i < SegmentBlocks; i++ {
		hba := base + i
		lba, ok := c.rit.Get(hba)
		if !ok {
			continue // not a currently-valid block
		}
		var plaintext [BlockSize]byte
		if err := c.cache.ReadOneBlock(lba, plaintext[:]); err != nil {
			return err
		}
		if err := c.cache.SearchOrInsert(lba, plaintext[:], Record{HBA: hba}); err != nil {
			return err
		}
		// Whatever happened, hba no longer backs lba once the segment is
		// freed: either the relocation wrote lba to a fresh HBA, or a
		// newer write already superseded it elsewhere.
		c.rit.Delete(hba)
	}
	c.dataSVT.Free(segID)
	c.dst.Reset(segID)
	return nil
}

// RunUntilWatermark reclaims segments one at a time until the watermark
// is satisfied or no further segment can be reclaimed.
func (c *Cleaner) RunUntilWatermark() error {
	for c.NeedsCleaning() {
		before := c.dataSVT.FreeCount()
		if err := c.ExecForegroundCleaning(); err != nil {
			return err
		}
		if c.dataSVT.FreeCount() <= before {
			return fmt.Errorf("jindisk: cleaner made no progress")
		}
	}
	return nil
}
