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

// bitcEntry is one catalog row: which BIT exists, what LBA range it
// covers, and where its root block lives. The BIT's key is never stored
// here; it's re-derived from the id through a KeyTable on load.
type bitcEntry struct {
	ID      uint64
	Version uint64
	Level   bitLevel
	LBALow  uint64
	LBAHigh uint64
	RootHBA uint64
}

const bitcEntrySize = 8 * 6

func (e bitcEntry) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], e.ID)
	binary.BigEndian.PutUint64(buf[8:], e.Version)
	binary.BigEndian.PutUint64(buf[16:], uint64(e.Level))
	binary.BigEndian.PutUint64(buf[24:], e.LBALow)
	binary.BigEndian.PutUint64(buf[32:], e.LBAHigh)
	binary.BigEndian.PutUint64(buf[40:], e.RootHBA)
}

func decodeBitcEntry(buf []byte) bitcEntry {
	return bitcEntry{
		ID:      binary.BigEndian.Uint64(buf[0:]),
		Version: binary.BigEndian.Uint64(buf[8:]),
		Level:   bitLevel(binary.BigEndian.Uint64(buf[16:])),
		LBALow:  binary.BigEndian.Uint64(buf[24:]),
		LBAHigh: binary.BigEndian.Uint64(buf[32:]),
		RootHBA: binary.BigEndian.Uint64(buf[40:]),
	}
}

// BITC is the catalog of live BITs: which ids exist at L0 and L1, and the
// (lba_range, root, version) needed to open each one (spec §4.12,
// "Update BITC to record (id, version, lba_range, key, level)").
type BITC struct {
	mu          sync.RWMutex
	l0          []bitcEntry
	l1          []bitcEntry
	nextID      uint64
	nextVersion uint64
}

func newBITC() *BITC {
	return &BITC{nextID: 1, nextVersion: 1}
}

func (c *BITC) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func (c *BITC) NextVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextVersion
	c.nextVersion++
	return v
}

func (c *BITC) AddL0(e bitcEntry) {
	c.mu.Lock()
	c.l0 = append(c.l0, e)
	c.mu.Unlock()
}

func (c *BITC) AddL1(e bitcEntry) {
	c.mu.Lock()
	c.l1 = append(c.l1, e)
	c.mu.Unlock()
}

func removeByID(entries []bitcEntry, id uint64) []bitcEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func (c *BITC) RemoveL0(id uint64) {
	c.mu.Lock()
	c.l0 = removeByID(c.l0, id)
	c.mu.Unlock()
}

func (c *BITC) RemoveL1(id uint64) {
	c.mu.Lock()
	c.l1 = removeByID(c.l1, id)
	c.mu.Unlock()
}

// L0 returns a snapshot of the L0 catalog.
func (c *BITC) L0() []bitcEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]bitcEntry, len(c.l0))
	copy(out, c.l0)
	return out
}

// L1 returns a snapshot of the L1 catalog.
func (c *BITC) L1() []bitcEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]bitcEntry, len(c.l1))
	copy(out, c.l1)
	return out
}

// CoversL0 reports whether any L0 entry's range covers lba, used by
// callers deciding whether a minor compaction would collide with one
// already in flight.
func (c *BITC) CoversL0(lba uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.l0 {
		if lba >= e.LBALow && lba < e.LBAHigh {
			return true
		}
	}
	return false
}

func (c *BITC) encode() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf := make([]byte, 16+bitcEntrySize*(len(c.l0)+len(c.l1)))
	binary.BigEndian.PutUint64(buf[0:], uint64(len(c.l0)))
	binary.BigEndian.PutUint64(buf[8:], uint64(len(c.l1)))
	off := 16
	for _, e := range c.l0 {
		e.encode(buf[off:])
		off += bitcEntrySize
	}
	for _, e := range c.l1 {
		e.encode(buf[off:])
		off += bitcEntrySize
	}
	return buf
}

func decodeBITC(buf []byte) (*BITC, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("jindisk: bitc buffer too short")
	}
	n0 := int(binary.BigEndian.Uint64(buf[0:]))
	n1 := int(binary.BigEndian.Uint64(buf[8:]))
	c := newBITC()
	off := 16
	var maxID, maxVersion uint64
	for i := 0; i < n0; i++ {
		e := decodeBitcEntry(buf[off:])
		c.l0 = append(c.l0, e)
		off += bitcEntrySize
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	for i := 0; i < n1; i++ {
		e := decodeBitcEntry(buf[off:])
		c.l1 = append(c.l1, e)
		off += bitcEntrySize
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	c.nextID = maxID + 1
	c.nextVersion = maxVersion + 1
	return c, nil
}

// LSM ties the memtable to the on-disk BIT catalog and answers point
// lookups across both (spec §4.11's read path step 2).
type LSM struct {
	mu       sync.RWMutex
	Memtable *Memtable
	Catalog  *BITC

	region blockRegion
	leaves *leafCache
	keys   *KeyTable

	openMu sync.Mutex
	open   map[uint64]*BIT
}

func newLSM(region blockRegion, keys *KeyTable, leafCacheCapacity int) *LSM {
	return &LSM{
		Memtable: newMemtable(),
		Catalog:  newBITC(),
		region:   region,
		leaves:   newLeafCache(leafCacheCapacity),
		keys:     keys,
		open:     make(map[uint64]*BIT),
	}
}

func (l *LSM) bitFor(e bitcEntry) (*BIT, error) {
	l.openMu.Lock()
	defer l.openMu.Unlock()
	if b, ok := l.open[e.ID]; ok && b.Version == e.Version {
		return b, nil
	}
	key := l.keys.BITKey(e.ID)
	b, err := loadBIT(l.region, l.leaves, key, e.ID, e.Version, e.Level, e.LBALow, e.LBAHigh, e.RootHBA)
	if err != nil {
		return nil, err
	}
	l.open[e.ID] = b
	return b, nil
}

// forget drops a decommissioned BIT's cached handle and key so a future
// id reuse can't read stale cached state.
func (l *LSM) forget(id uint64) {
	l.openMu.Lock()
	delete(l.open, id)
	l.openMu.Unlock()
	l.keys.ForgetBIT(id)
}

func (l *LSM) lookupLevel(entries []bitcEntry, lba uint64) (Record, bool, error) {
	var best Record
	var bestVersion uint64
	found := false
	for _, e := range entries {
		if lba < e.LBALow || lba >= e.LBAHigh {
			continue
		}
		b, err := l.bitFor(e)
		if err != nil {
			return Record{}, false, err
		}
		r, ok, err := b.Lookup(lba)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			continue
		}
		if !found || e.Version > bestVersion {
			best, bestVersion, found = r, e.Version, true
		}
	}
	return best, found, nil
}

// Lookup returns lba's current record: the memtable if present (always
// the newest version when it is), else the highest-version positive or
// most recent negative record across L0, else L1 (spec §4.11).
func (l *LSM) Lookup(lba uint64) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.Memtable.Get(lba); ok {
		return r, true, nil
	}
	if r, ok, err := l.lookupLevel(l.Catalog.L0(), lba); err != nil || ok {
		return r, ok, err
	}
	return l.lookupLevel(l.Catalog.L1(), lba)
}

// InsertRecord records r in the memtable (spec §4.10 step 4: "insert the
// record into the LSM memtable", done after the matching RIT update).
func (l *LSM) InsertRecord(r Record) {
	l.mu.Lock()
	l.Memtable.Put(r)
	l.mu.Unlock()
}

// DeleteRecord marks lba deleted in the memtable with a negative record.
func (l *LSM) DeleteRecord(lba uint64) {
	l.mu.Lock()
	l.Memtable.Delete(lba)
	l.mu.Unlock()
}

// NeedsMinorCompaction reports whether the memtable has reached capacity
// and should be sealed into an L0 BIT before accepting more writes.
func (l *LSM) NeedsMinorCompaction() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Memtable.Full()
}
