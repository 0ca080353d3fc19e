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
	"sync"

	"github.com/occlum-go/occlum-core/concurrency/gopool"
)

// DefaultDataCacheRingSize is how many SegmentBuffers a DataCache rotates
// writes across (spec §4.10: "a DataCache holds a ring of SegmentBuffers").
const DefaultDataCacheRingSize = 4

// BatchReadThreshold is the block count at or above which a read is
// served through the range-query path instead of one read_one_block call
// per block (spec §4.11, "BATCH_READ_THRESHOLD").
const BatchReadThreshold = 8

// DataCache is the write-back staging layer in front of the LSM-indexed
// data region: inserts land in a SegmentBuffer and are only durable, and
// only visible to the LSM/RIT, once that buffer flushes (spec §4.10).
type DataCache struct {
	mu      sync.Mutex
	buffers []*SegmentBuffer
	current int

	dataSVT     *SVT
	indexSVT    *SVT
	rit         *RIT
	dst         *DST
	keys        *KeyTable
	lsm         *LSM
	dataRegion  blockRegion
	indexRegion blockRegion

	fatalMu sync.Mutex
	fatal   error
}

func newDataCache(ringSize int, dataSVT, indexSVT *SVT, rit *RIT, dst *DST, keys *KeyTable, lsm *LSM, dataRegion, indexRegion blockRegion) *DataCache {
	d := &DataCache{
		dataSVT: dataSVT, indexSVT: indexSVT,
		rit: rit, dst: dst, keys: keys, lsm: lsm,
		dataRegion: dataRegion, indexRegion: indexRegion,
	}
	for i := 0; i < ringSize; i++ {
		d.buffers = append(d.buffers, newSegmentBuffer())
	}
	return d
}

// latchFatal records err as the cache's fatal condition if one isn't
// already latched (spec §7: "per-sqe errors latch into the owner's fatal
// slot"). A background flush failure has nowhere else to report to.
func (d *DataCache) latchFatal(err error) {
	d.fatalMu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.fatalMu.Unlock()
}

// takeFatal returns and clears the latched fatal error, surfaced on the
// next I/O call per spec §7's recovery policy.
func (d *DataCache) takeFatal() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	err := d.fatal
	d.fatal = nil
	return err
}

func (d *DataCache) findBufferWithLBA(lba uint64) *SegmentBuffer {
	for _, b := range d.buffers {
		if b.Len() == 0 {
			continue
		}
		var scratch [BlockSize]byte
		if b.Lookup(lba, scratch[:]) {
			return b
		}
	}
	return nil
}

func (d *DataCache) nextBuffer() *SegmentBuffer {
	b := d.buffers[d.current]
	d.current = (d.current + 1) % len(d.buffers)
	return b
}

// Insert stages lba's plaintext, spawning a background flush through the
// shared worker pool once the chosen buffer fills (spec §4.10: "spawn...
// a flush").
func (d *DataCache) Insert(lba uint64, plaintext []byte) error {
	if err := d.takeFatal(); err != nil {
		return err
	}
	d.mu.Lock()
	buf := d.findBufferWithLBA(lba)
	if buf == nil {
		buf = d.nextBuffer()
	}
	d.mu.Unlock()

	full, err := buf.Insert(lba, plaintext)
	if err != nil {
		return err
	}
	if !full {
		return nil
	}
	segID, ok := d.dataSVT.Alloc()
	if !ok {
		return fmt.Errorf("jindisk: no free data segments")
	}
	buf.bind(segID)
	gopool.Go(func() {
		if err := d.doFlush(buf); err != nil {
			d.latchFatal(err)
		}
	})
	return nil
}

// doFlush runs encrypt_and_persist (spec §4.10): sort, encrypt, one
// multi-block write, RIT-before-memtable index updates, then release.
func (d *DataCache) doFlush(buf *SegmentBuffer) error {
	entries := buf.beginFlush()
	segID := buf.segID
	base := segmentStartHBA(segID)
	key := d.keys.SegmentKey(segID)

	out := make([]byte, BlockSize*len(entries))
	metas := make([]CipherMeta, len(entries))
	for i, e := range entries {
		hba := base + uint64(i)
		ciphertext, meta, err := encryptBlock(key, e.plaintext, hbaAAD(hba))
		if err != nil {
			return err
		}
		copy(out[i*BlockSize:(i+1)*BlockSize], ciphertext)
		metas[i] = meta
	}
	if err := d.dataRegion.WriteBlocks(base, out); err != nil {
		return err
	}
	for i, e := range entries {
		hba := base + uint64(i)
		// The block this write supersedes stops counting as valid in its
		// segment, unless RIT no longer ties it to this LBA.
		if old, found, err := d.lsm.Lookup(e.lba); err == nil && found && !old.IsNegative() {
			if owner, live := d.rit.Get(old.HBA); live && owner == e.lba {
				d.rit.Delete(old.HBA)
				d.dst.Dec(segmentOf(old.HBA))
			}
		}
		// RIT before memtable: recovery must never see an index entry for
		// an HBA the LSM doesn't yet claim to own.
		d.rit.Put(hba, e.lba)
		d.lsm.InsertRecord(Record{LBA: e.lba, HBA: hba, Meta: metas[i]})
		d.dst.Inc(segID)
	}
	buf.finishFlush()

	if d.lsm.NeedsMinorCompaction() {
		if _, err := d.lsm.MinorCompact(d.indexSVT, d.indexRegion, d.keys); err != nil {
			return err
		}
		if err := d.lsm.MajorCompact(d.indexSVT, d.indexRegion, d.keys); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll forces every non-empty segment buffer out to disk regardless
// of fullness, synchronously. sync() calls this before sealing the
// memtable so a crash right after a successful Sync never loses writes
// that happened to be staged in an unfilled buffer (spec §6: Sync must
// leave everything written before it durable).
func (d *DataCache) FlushAll() error {
	if err := d.takeFatal(); err != nil {
		return err
	}
	d.mu.Lock()
	buffers := append([]*SegmentBuffer(nil), d.buffers...)
	d.mu.Unlock()

	for _, buf := range buffers {
		if !buf.forceFull() {
			continue
		}
		segID, ok := d.dataSVT.Alloc()
		if !ok {
			return fmt.Errorf("jindisk: no free data segments")
		}
		buf.bind(segID)
		if err := d.doFlush(buf); err != nil {
			return err
		}
	}
	return nil
}

// hbaAAD binds a data block's ciphertext to its destination HBA so a
// block relocated without the index being updated fails to decrypt.
func hbaAAD(hba uint64) []byte {
	var aad [8]byte
	aad[0] = byte(hba >> 56)
	aad[1] = byte(hba >> 48)
	aad[2] = byte(hba >> 40)
	aad[3] = byte(hba >> 32)
	aad[4] = byte(hba >> 24)
	aad[5] = byte(hba >> 16)
	aad[6] = byte(hba >> 8)
	aad[7] = byte(hba)
	return aad[:]
}

// ReadOneBlock implements the single-block read path (spec §4.11): scan
// segment buffers first, else the LSM, then decrypt the data block.
func (d *DataCache) ReadOneBlock(lba uint64, out []byte) error {
	if err := d.takeFatal(); err != nil {
		return err
	}
	if buf := d.findBufferWithLBA(lba); buf != nil {
		if buf.Lookup(lba, out) {
			return nil
		}
	}
	rec, ok, err := d.lsm.Lookup(lba)
	if err != nil {
		return err
	}
	if !ok || rec.IsNegative() {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	var ciphertext [BlockSize]byte
	if err := d.dataRegion.ReadBlock(rec.HBA, ciphertext[:]); err != nil {
		return err
	}
	plain, err := decryptBlock(d.keys.SegmentKey(segmentOf(rec.HBA)), ciphertext[:], rec.Meta, hbaAAD(rec.HBA))
	if err != nil {
		return err
	}
	copy(out, plain)
	return nil
}

// SearchOrInsert is used by the cleaner when relocating a still-valid
// block: it's a no-op if any segment buffer or the LSM already holds a
// newer version of lba (spec §4.13).
func (d *DataCache) SearchOrInsert(lba uint64, plaintext []byte, asOf Record) error {
	if buf := d.findBufferWithLBA(lba); buf != nil {
		return nil
	}
	rec, ok, err := d.lsm.Lookup(lba)
	if err != nil {
		return err
	}
	if ok && rec.HBA != asOf.HBA {
		return nil // a newer write has already superseded the block being cleaned
	}
	return d.Insert(lba, plaintext)
}

// RangeQueryCtx batches a multi-block read: sweep buffers, ask the LSM
// for what's missing, group by consecutive HBA runs, one read per run
// (spec §4.11).
type RangeQueryCtx struct {
	cache   *DataCache
	results map[uint64][]byte
}

func newRangeQueryCtx(cache *DataCache) *RangeQueryCtx {
	return &RangeQueryCtx{cache: cache, results: make(map[uint64][]byte)}
}

type runRecord struct {
	lba uint64
	rec Record
}

// ReadRange resolves lbas (>= BatchReadThreshold is the caller's cue to
// use this path rather than ReadOneBlock in a loop) into out, one slot
// per lba in the same order.
func (d *DataCache) ReadRange(lbas []uint64, out [][]byte) error {
	if err := d.takeFatal(); err != nil {
		return err
	}
	ctx := newRangeQueryCtx(d)
	var missing []uint64
	for i, lba := range lbas {
		if buf := d.findBufferWithLBA(lba); buf != nil && buf.Lookup(lba, out[i]) {
			ctx.results[lba] = out[i]
			continue
		}
		missing = append(missing, lba)
	}

	var runs []runRecord
	for _, lba := range missing {
		rec, ok, err := d.lsm.Lookup(lba)
		if err != nil {
			return err
		}
		if !ok || rec.IsNegative() {
			continue
		}
		runs = append(runs, runRecord{lba: lba, rec: rec})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].rec.HBA < runs[j].rec.HBA })

	i := 0
	for i < len(runs) {
		j := i + 1
		for j < len(runs) && runs[j].rec.HBA == runs[j-1].rec.HBA+1 {
			j++
		}
		if err := d.readRun(runs[i:j], ctx); err != nil {
			return err
		}
		i = j
	}

	for i, lba := range lbas {
		if plain, ok := ctx.results[lba]; ok {
			copy(out[i], plain)
			continue
		}
		for k := range out[i] {
			out[i][k] = 0
		}
	}
	return nil
}

// readRun issues one contiguous multi-block read for a run of records
// with consecutive HBAs, then decrypts each block individually.
func (d *DataCache) readRun(run []runRecord, ctx *RangeQueryCtx) error {
	if len(run) == 0 {
		return nil
	}
	base := run[0].rec.HBA
	buf := make([]byte, BlockSize*len(run))
	if err := d.dataRegion.ReadBlocks(base, buf); err != nil {
		return err
	}
	for i, r := range run {
		ciphertext := buf[i*BlockSize : (i+1)*BlockSize]
		key := d.keys.SegmentKey(segmentOf(r.rec.HBA))
		plain, err := decryptBlock(key, ciphertext, r.rec.Meta, hbaAAD(r.rec.HBA))
		if err != nil {
			return err
		}
		ctx.results[r.lba] = plain
	}
	return nil
}
