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
	"fmt"
	"sort"
)

// MaxL0BITs bounds how many sealed-but-not-yet-merged L0 BITs are kept
// before a major compaction is triggered (spec §4.12: "when L0 and the
// overlapping L1 BITs together satisfy a merge trigger"). Keeping exactly
// one live L0 BIT between minor compactions matches the worked
// compaction scenario: the moment a second L0 BIT is sealed, the older
// one is folded into L1.
const MaxL0BITs = 1

// MinorCompact seals a full memtable into a brand-new L0 BIT, allocating
// one index segment from indexSVT to hold it (spec §4.12). Returns the
// catalog entry for the new BIT.
func (l *LSM) MinorCompact(indexSVT *SVT, region blockRegion, keys *KeyTable) (bitcEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.Memtable.Full() {
		return bitcEntry{}, fmt.Errorf("jindisk: minor compaction requested on non-full memtable")
	}
	return l.sealMemtableLocked(indexSVT, region, keys)
}

// SealMemtable seals whatever the memtable currently holds into a new L0
// BIT, regardless of capacity. Used by sync(), which must durably seal
// any pending writes even if the memtable never reached
// MaxMemtableCapacity (spec §6: "sync() persists memtable→L0 (if
// non-empty)..."). Returns ok=false if the memtable was already empty.
func (l *LSM) SealMemtable(indexSVT *SVT, region blockRegion, keys *KeyTable) (bitcEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Memtable.Len() == 0 {
		return bitcEntry{}, false, nil
	}
	entry, err := l.sealMemtableLocked(indexSVT, region, keys)
	return entry, err == nil, err
}

func (l *LSM) sealMemtableLocked(indexSVT *SVT, region blockRegion, keys *KeyTable) (bitcEntry, error) {
	records := l.Memtable.Drain()
	segID, ok := indexSVT.Alloc()
	if !ok {
		return bitcEntry{}, fmt.Errorf("jindisk: no free index segments for minor compaction")
	}
	id := l.Catalog.NextID()
	version := l.Catalog.NextVersion()
	key := keys.BITKey(id)
	baseHBA := segmentStartHBA(segID)
	bit, _, err := buildBIT(region, l.leaves, key, id, version, levelL0, records, baseHBA)
	if err != nil {
		indexSVT.Free(segID)
		return bitcEntry{}, err
	}
	entry := bitcEntry{
		ID: id, Version: version, Level: levelL0,
		LBALow: bit.LBALow, LBAHigh: bit.LBAHigh, RootHBA: bit.RootHBA,
	}
	l.Catalog.AddL0(entry)
	l.openMu.Lock()
	l.open[id] = bit
	l.openMu.Unlock()
	return entry, nil
}

// mergeRecords stream-merges two already-sorted, already-deduplicated
// record slices by LBA, keeping the newer of any two records sharing an
// LBA (spec §4.12). Superseded records are dropped; negative records are
// carried through like any other record.
func mergeRecords(older, newer []Record) []Record {
	out := make([]Record, 0, len(older)+len(newer))
	i, j := 0, 0
	for i < len(older) && j < len(newer) {
		switch {
		case older[i].LBA < newer[j].LBA:
			out = append(out, older[i])
			i++
		case older[i].LBA > newer[j].LBA:
			out = append(out, newer[j])
			j++
		default:
			out = append(out, newer[j]) // newer wins on LBA collision
			i++
			j++
		}
	}
	out = append(out, older[i:]...)
	out = append(out, newer[j:]...)
	return out
}

// MajorCompact folds the oldest sealed L0 BITs into L1 once more than
// MaxL0BITs are live, merging each against any L1 BIT whose range
// overlaps it and decommissioning the inputs (spec §4.12). It is a
// no-op if L0 hasn't exceeded the trigger.
func (l *LSM) MajorCompact(indexSVT *SVT, region blockRegion, keys *KeyTable) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l0 := append([]bitcEntry(nil), l.Catalog.l0...)
	if len(l0) <= MaxL0BITs {
		return nil
	}
	// Promote the oldest L0 BITs by version, never by LBA range: L0's
	// whole reason for existing is that it's newer than L1, so the
	// entries left behind in L0 must be the highest-version ones or a
	// stale L0 hit could shadow a freshly-promoted, more-recent L1 record.
	sort.Slice(l0, func(i, j int) bool { return l0[i].Version < l0[j].Version })
	promote := l0[:len(l0)-MaxL0BITs]

	for _, e := range promote {
		bit, err := l.bitFor(e)
		if err != nil {
			return err
		}
		records, err := bit.AllRecords()
		if err != nil {
			return err
		}

		var overlapping []bitcEntry
		for _, o := range l.Catalog.l1 {
			if o.LBALow < e.LBAHigh && e.LBALow < o.LBAHigh {
				overlapping = append(overlapping, o)
			}
		}
		merged := records
		for _, o := range overlapping {
			ob, err := l.bitFor(o)
			if err != nil {
				return err
			}
			oldRecords, err := ob.AllRecords()
			if err != nil {
				return err
			}
			merged = mergeRecords(oldRecords, merged)
		}

		segID, ok := indexSVT.Alloc()
		if !ok {
			return fmt.Errorf("jindisk: no free index segments for major compaction")
		}
		id := l.Catalog.NextID()
		version := l.Catalog.NextVersion()
		key := keys.BITKey(id)
		newBIT, _, err := buildBIT(region, l.leaves, key, id, version, levelL1, merged, segmentStartHBA(segID))
		if err != nil {
			indexSVT.Free(segID)
			return err
		}

		for _, o := range overlapping {
			l.Catalog.RemoveL1(o.ID)
			l.forget(o.ID)
			indexSVT.Free(segmentOf(o.RootHBA))
		}
		l.Catalog.RemoveL0(e.ID)
		l.forget(e.ID)
		indexSVT.Free(segmentOf(e.RootHBA))

		l.Catalog.AddL1(bitcEntry{
			ID: id, Version: version, Level: levelL1,
			LBALow: newBIT.LBALow, LBAHigh: newBIT.LBAHigh, RootHBA: newBIT.RootHBA,
		})
		l.openMu.Lock()
		l.open[id] = newBIT
		l.openMu.Unlock()
	}
	return nil
}
