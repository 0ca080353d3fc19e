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
	"container/list"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// negativeFlag marks a Record as a deletion tombstone: the top bit of HBA
// is set and the remaining bits carry no meaning (design notes, "negative
// records").
const negativeFlag = uint64(1) << 63

// recordSize is the encoded size of one Record: LBA, HBA (8 bytes each),
// then CipherMeta's nonce and tag.
const recordSize = 8 + 8 + nonceSize + tagSize

// MaxRecordNumPerLeaf bounds how many records a BIT leaf block holds.
const MaxRecordNumPerLeaf = 64

// bitEntriesPerNode bounds how many (firstLBA, childHBA) pointers a root or
// internal node holds.
const bitEntriesPerNode = 200

// Record is a single (lba, hba, cipher_meta) entry, or a negative record
// (HBA's top bit set) denoting a deleted LBA (spec §3.2).
type Record struct {
	LBA  uint64
	HBA  uint64
	Meta CipherMeta
}

func (r Record) IsNegative() bool { return r.HBA&negativeFlag != 0 }

func negativeRecord(lba uint64) Record {
	return Record{LBA: lba, HBA: negativeFlag}
}

func (r Record) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], r.LBA)
	binary.BigEndian.PutUint64(buf[8:], r.HBA)
	copy(buf[16:16+nonceSize], r.Meta.Nonce[:])
	copy(buf[16+nonceSize:], r.Meta.Tag[:])
}

func decodeRecord(buf []byte) Record {
	var r Record
	r.LBA = binary.BigEndian.Uint64(buf[0:])
	r.HBA = binary.BigEndian.Uint64(buf[8:])
	copy(r.Meta.Nonce[:], buf[16:16+nonceSize])
	copy(r.Meta.Tag[:], buf[16+nonceSize:])
	return r
}

// bitEntry is one (firstLBA, childHBA) pointer in a root or internal node.
type bitEntry struct {
	FirstLBA uint64
	ChildHBA uint64 // region-relative HBA, within the index region
}

func encodeNode(entries []bitEntry) []byte {
	buf := make([]byte, blockPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:], e.FirstLBA)
		binary.BigEndian.PutUint64(buf[off+8:], e.ChildHBA)
		off += 16
	}
	return buf
}

func decodeNode(buf []byte) []bitEntry {
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	entries := make([]bitEntry, n)
	off := 4
	for i := 0; i < n; i++ {
		entries[i].FirstLBA = binary.BigEndian.Uint64(buf[off:])
		entries[i].ChildHBA = binary.BigEndian.Uint64(buf[off+8:])
		off += 16
	}
	return entries
}

func encodeLeaf(records []Record) []byte {
	buf := make([]byte, blockPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(records)))
	off := 4
	for _, r := range records {
		r.encode(buf[off:])
		off += recordSize
	}
	return buf
}

func decodeLeaf(buf []byte) []Record {
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	records := make([]Record, n)
	off := 4
	for i := 0; i < n; i++ {
		records[i] = decodeRecord(buf[off:])
		off += recordSize
	}
	return records
}

// bitLevel distinguishes freshly-sealed (L0) from merged (L1) BITs.
type bitLevel int

const (
	levelL0 bitLevel = iota
	levelL1
)

// blockRegion reads/writes region-relative 4KiB blocks. The index region of
// a JinDisk satisfies this directly; tests can fake it with an in-memory
// implementation.
type blockRegion interface {
	ReadBlock(relHBA uint64, buf []byte) error
	WriteBlock(relHBA uint64, buf []byte) error
	// ReadBlocks/WriteBlocks cover n = len(buf)/BlockSize contiguous blocks
	// starting at relHBA in one call, for the data region's multi-block
	// segment flush and range-read paths (spec §4.10/§4.11: "one multi-block
	// BIO" / "one read per run").
	ReadBlocks(relHBA uint64, buf []byte) error
	WriteBlocks(relHBA uint64, buf []byte) error
}

// leafCache bounds how many decrypted leaf blocks stay resident across all
// open BITs, per spec §4.12's "leaf blocks are cached in an LRU of bounded
// capacity".
type leafCache struct {
	mu  sync.Mutex
	cap int
	ll  *list.List
	idx map[leafKey]*list.Element
}

type leafKey struct {
	bitID uint64
	hba   uint64
}

type leafCacheEntry struct {
	key     leafKey
	records []Record
}

func newLeafCache(capacity int) *leafCache {
	return &leafCache{cap: capacity, ll: list.New(), idx: make(map[leafKey]*list.Element)}
}

func (c *leafCache) get(key leafKey) ([]Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.idx[key]; ok {
		c.ll.MoveToFront(e)
		return e.Value.(*leafCacheEntry).records, true
	}
	return nil, false
}

func (c *leafCache) put(key leafKey, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.idx[key]; ok {
		c.ll.MoveToFront(e)
		e.Value.(*leafCacheEntry).records = records
		return
	}
	e := c.ll.PushFront(&leafCacheEntry{key: key, records: records})
	c.idx[key] = e
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.idx, back.Value.(*leafCacheEntry).key)
	}
}

// BIT is an in-memory handle onto an on-disk Block Index Table: a root
// node and its internal nodes pinned in RAM (init_cache, spec §4.12),
// with leaf nodes served through a shared bounded leafCache.
type BIT struct {
	ID      uint64
	Version uint64
	Level   bitLevel
	LBALow  uint64 // inclusive
	LBAHigh uint64 // exclusive
	RootHBA uint64 // region-relative, within the index region

	key    Key
	region blockRegion
	leaves *leafCache

	root     []bitEntry
	internal map[uint64][]bitEntry
}

// covers reports whether lba falls within this BIT's LBA range.
func (b *BIT) covers(lba uint64) bool {
	return lba >= b.LBALow && lba < b.LBAHigh
}

func loadBIT(region blockRegion, leaves *leafCache, key Key, id, version uint64, level bitLevel, lbaLow, lbaHigh, rootHBA uint64) (*BIT, error) {
	b := &BIT{
		ID: id, Version: version, Level: level,
		LBALow: lbaLow, LBAHigh: lbaHigh, RootHBA: rootHBA,
		key: key, region: region, leaves: leaves,
		internal: make(map[uint64][]bitEntry),
	}
	var buf [BlockSize]byte
	if err := b.readDecrypt(rootHBA, buf[:]); err != nil {
		return nil, fmt.Errorf("jindisk: load BIT %d root: %w", id, err)
	}
	b.root = decodeNode(buf[:])
	for _, e := range b.root {
		var ibuf [BlockSize]byte
		if err := b.readDecrypt(e.ChildHBA, ibuf[:]); err != nil {
			return nil, fmt.Errorf("jindisk: load BIT %d internal %d: %w", id, e.ChildHBA, err)
		}
		b.internal[e.ChildHBA] = decodeNode(ibuf[:])
	}
	return b, nil
}

// readDecrypt reads the physical block at relHBA and decrypts it in place,
// leaving buf holding blockPayloadSize bytes of plaintext followed by
// leftover garbage from the previous BlockSize-sized contents; callers only
// ever read buf[:blockPayloadSize] onward through decodeNode/decodeLeaf,
// which only consult the length prefix and entries within that range.
func (b *BIT) readDecrypt(relHBA uint64, buf []byte) error {
	if err := b.region.ReadBlock(relHBA, buf); err != nil {
		return err
	}
	plain, err := openWholeBlock(b.key, buf, nil)
	if err != nil {
		return err
	}
	copy(buf, plain)
	return nil
}

func (b *BIT) encryptWrite(relHBA uint64, plaintext []byte) error {
	out, err := sealWholeBlock(b.key, plaintext, nil)
	if err != nil {
		return err
	}
	return b.region.WriteBlock(relHBA, out)
}

// Lookup finds lba's record within this BIT, if any.
func (b *BIT) Lookup(lba uint64) (Record, bool, error) {
	if !b.covers(lba) || len(b.root) == 0 {
		return Record{}, false, nil
	}
	internalEntries, ok := b.internal[findChild(b.root, lba)]
	if !ok {
		return Record{}, false, nil
	}
	leafHBA := findChild(internalEntries, lba)
	key := leafKey{bitID: b.ID, hba: leafHBA}
	records, cached := b.leaves.get(key)
	if !cached {
		var buf [BlockSize]byte
		if err := b.readDecrypt(leafHBA, buf[:]); err != nil {
			return Record{}, false, fmt.Errorf("jindisk: BIT %d leaf %d: %w", b.ID, leafHBA, err)
		}
		records = decodeLeaf(buf[:])
		b.leaves.put(key, records)
	}
	idx := sort.Search(len(records), func(i int) bool { return records[i].LBA >= lba })
	if idx >= len(records) || records[idx].LBA != lba {
		return Record{}, false, nil
	}
	hit := records[idx]
	if hit.IsNegative() && idx > 0 && records[idx-1].LBA == lba {
		return records[idx-1], true, nil
	}
	return hit, true, nil
}

// AllRecords returns every record in the BIT, in ascending LBA order, by
// walking root → internal → leaf. Used by major compaction to stream-merge
// a BIT's contents with another's.
func (b *BIT) AllRecords() ([]Record, error) {
	var out []Record
	for _, re := range b.root {
		internalEntries, ok := b.internal[re.ChildHBA]
		if !ok {
			return nil, fmt.Errorf("jindisk: BIT %d missing internal node %d", b.ID, re.ChildHBA)
		}
		for _, ie := range internalEntries {
			key := leafKey{bitID: b.ID, hba: ie.ChildHBA}
			records, cached := b.leaves.get(key)
			if !cached {
				var buf [BlockSize]byte
				if err := b.readDecrypt(ie.ChildHBA, buf[:]); err != nil {
					return nil, fmt.Errorf("jindisk: BIT %d leaf %d: %w", b.ID, ie.ChildHBA, err)
				}
				records = decodeLeaf(buf[:])
				b.leaves.put(key, records)
			}
			out = append(out, records...)
		}
	}
	return out, nil
}

// findChild returns the ChildHBA of the last entry whose FirstLBA <= lba,
// or the first entry's ChildHBA if lba precedes every entry.
func findChild(entries []bitEntry, lba uint64) uint64 {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].FirstLBA > lba })
	if idx == 0 {
		return entries[0].ChildHBA
	}
	return entries[idx-1].ChildHBA
}

// buildBIT writes a brand-new BIT's leaf, internal, and root blocks for a
// sorted (by LBA), already-deduplicated slice of records, starting at
// baseHBA within the index region, and returns the handle plus the number
// of 4KiB blocks consumed.
func buildBIT(region blockRegion, leaves *leafCache, key Key, id, version uint64, level bitLevel, records []Record, baseHBA uint64) (*BIT, uint64, error) {
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("jindisk: buildBIT with no records")
	}
	next := baseHBA
	var leafEntries []bitEntry
	for i := 0; i < len(records); i += MaxRecordNumPerLeaf {
		end := i + MaxRecordNumPerLeaf
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]
		b := &BIT{key: key, region: region}
		if err := b.encryptWrite(next, encodeLeaf(chunk)); err != nil {
			return nil, 0, err
		}
		leafEntries = append(leafEntries, bitEntry{FirstLBA: chunk[0].LBA, ChildHBA: next})
		next++
	}

	var internalEntries []bitEntry
	internal := make(map[uint64][]bitEntry)
	for i := 0; i < len(leafEntries); i += bitEntriesPerNode {
		end := i + bitEntriesPerNode
		if end > len(leafEntries) {
			end = len(leafEntries)
		}
		chunk := leafEntries[i:end]
		b := &BIT{key: key, region: region}
		if err := b.encryptWrite(next, encodeNode(chunk)); err != nil {
			return nil, 0, err
		}
		internal[next] = chunk
		internalEntries = append(internalEntries, bitEntry{FirstLBA: chunk[0].FirstLBA, ChildHBA: next})
		next++
	}

	rootHBA := next
	root := &BIT{
		ID: id, Version: version, Level: level,
		LBALow: records[0].LBA, LBAHigh: records[len(records)-1].LBA + 1,
		RootHBA: rootHBA, key: key, region: region, leaves: leaves,
		root: internalEntries, internal: internal,
	}
	if err := root.encryptWrite(rootHBA, encodeNode(internalEntries)); err != nil {
		return nil, 0, err
	}
	next++
	return root, next - baseHBA, nil
}
