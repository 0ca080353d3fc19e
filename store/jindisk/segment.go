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

// SegmentBlocks is the number of contiguous 4KiB HBAs per segment (spec
// §3.2: "typical: 1024 blocks").
const SegmentBlocks = 1024

// segmentOf returns the segment index a region-relative HBA falls in.
func segmentOf(hba uint64) uint64 {
	return hba / SegmentBlocks
}

// segmentStartHBA returns the region-relative HBA a segment begins at.
func segmentStartHBA(segID uint64) uint64 {
	return segID * SegmentBlocks
}

// segmentCount returns how many whole segments fit in a region of the given
// block count.
func segmentCount(blocks uint64) uint64 {
	return blocks / SegmentBlocks
}
