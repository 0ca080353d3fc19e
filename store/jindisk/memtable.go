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

import "sort"

// MaxMemtableCapacity bounds how many distinct LBAs the in-RAM memtable
// holds before it's sealed into an L0 BIT (spec §3.3/§4.12,
// "MAX_MEMTABLE_CAPACITY"). No pack or stdlib type offers a generic
// ordered map, so the memtable is a sorted slice with binary-search
// lookup/insert; LBA churn during a single segment's worth of writes is
// small enough that the O(n) insert shift doesn't matter in practice.
const MaxMemtableCapacity = SegmentBlocks

// Memtable is the in-RAM ordered LBA → latest-record map at the top of
// the LSM tree (spec §3.3). A negative record marks lba deleted.
type Memtable struct {
	records []Record // sorted by LBA, unique LBAs
}

func newMemtable() *Memtable {
	return &Memtable{records: make([]Record, 0, MaxMemtableCapacity)}
}

func (m *Memtable) find(lba uint64) int {
	return sort.Search(len(m.records), func(i int) bool { return m.records[i].LBA >= lba })
}

// Get returns lba's current record, if the memtable holds one.
func (m *Memtable) Get(lba uint64) (Record, bool) {
	idx := m.find(lba)
	if idx < len(m.records) && m.records[idx].LBA == lba {
		return m.records[idx], true
	}
	return Record{}, false
}

// Put inserts or overwrites lba's record.
func (m *Memtable) Put(r Record) {
	idx := m.find(r.LBA)
	if idx < len(m.records) && m.records[idx].LBA == r.LBA {
		m.records[idx] = r
		return
	}
	m.records = append(m.records, Record{})
	copy(m.records[idx+1:], m.records[idx:])
	m.records[idx] = r
}

// Delete records lba as deleted (a negative record), distinct from never
// having been written: a later BIT lookup for the same LBA must not see
// through to a stale positive record.
func (m *Memtable) Delete(lba uint64) {
	m.Put(negativeRecord(lba))
}

func (m *Memtable) Len() int { return len(m.records) }

// Full reports whether the memtable has reached MaxMemtableCapacity and
// should be sealed into an L0 BIT before accepting more writes.
func (m *Memtable) Full() bool { return len(m.records) >= MaxMemtableCapacity }

// Drain returns the memtable's records in LBA order and resets it to
// empty. Used by minor compaction when sealing the memtable into a BIT.
func (m *Memtable) Drain() []Record {
	out := m.records
	m.records = make([]Record, 0, MaxMemtableCapacity)
	return out
}
