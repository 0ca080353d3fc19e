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

// Package jindisk is an authenticated, log-structured, segment-based
// block store: writes are staged in RAM segment buffers, encrypted and
// flushed as whole segments, indexed by a two-level LSM of Block Index
// Tables, and reclaimed by a watermark-driven cleaner. See DESIGN.md's
// "store/jindisk (C3)" section for the design this package implements.
package jindisk

import (
	"fmt"
	"sync"
	"syscall"
)

// BlockSize is the fixed physical block size every JinDisk operation is
// aligned to.
const BlockSize = 4096

var errInvalidCheckpoint = syscall.EINVAL

// errInvalidArgument is returned for misaligned or out-of-range Read/Write
// calls (spec §6: offsets and lengths must be BlockSize-aligned and stay
// within the data region).
var errInvalidArgument = syscall.EINVAL

// BlockDevice is the raw storage a JinDisk is built on: a flat array of
// BlockSize-aligned blocks. Implementations need not be thread-safe for
// overlapping offsets; JinDisk serializes access to any one HBA itself
// through its segment/BIT bookkeeping.
type BlockDevice interface {
	ReadAt(hba uint64, buf []byte) error
	WriteAt(hba uint64, buf []byte) error
	Size() uint64 // total blocks
}

// offsetRegion adapts a BlockDevice plus a fixed block offset into the
// region-relative blockRegion every jindisk sub-package works with.
type offsetRegion struct {
	dev  BlockDevice
	base uint64
}

func (r offsetRegion) ReadBlock(relHBA uint64, buf []byte) error {
	return r.dev.ReadAt(r.base+relHBA, buf)
}

func (r offsetRegion) WriteBlock(relHBA uint64, buf []byte) error {
	return r.dev.WriteAt(r.base+relHBA, buf)
}

func (r offsetRegion) ReadBlocks(relHBA uint64, buf []byte) error {
	n := len(buf) / BlockSize
	for i := 0; i < n; i++ {
		if err := r.dev.ReadAt(r.base+relHBA+uint64(i), buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

func (r offsetRegion) WriteBlocks(relHBA uint64, buf []byte) error {
	n := len(buf) / BlockSize
	for i := 0; i < n; i++ {
		if err := r.dev.WriteAt(r.base+relHBA+uint64(i), buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

func alignDown(n, unit uint64) uint64 { return (n / unit) * unit }
func alignUp(n, unit uint64) uint64   { return ((n + unit - 1) / unit) * unit }

// JinDisk is the top-level store: a superblock describing the on-disk
// layout, the write-back DataCache, the LSM index, and the checkpointed
// auxiliary tables (SVTs, DST, RIT, KeyTable) that make the rest of it
// recoverable (spec §3.3).
type JinDisk struct {
	mu sync.Mutex

	dev  BlockDevice
	root Key
	sb   Superblock

	dataRegion       offsetRegion
	indexRegion      offsetRegion
	checkpointRegion offsetRegion

	dataSVT  *SVT
	indexSVT *SVT
	dst      *DST
	rit      *RIT
	keys     *KeyTable
	lsm      *LSM
	cache    *DataCache
	cleaner  *Cleaner
	chkpt    *Checkpoint
	layout   checkpointLayout
}

// leafCacheCapacity bounds how many decrypted BIT leaf blocks stay
// resident across all open BITs on one JinDisk.
const leafCacheCapacity = 256

// planLayout partitions a device's total blocks into superblock, data,
// index, and checkpoint regions. The spec gives no sizing formula for
// this split, so index is sized at roughly 1/8 of data (enough index
// segments for many BITs' worth of metadata) and checkpoint sub-regions
// are sized off the resulting segment counts; any remainder is simply
// unused. See DESIGN.md's Open Question notes.
func planLayout(totalBlocks uint64) (dataBlocks, indexBlocks uint64, layout checkpointLayout) {
	indexBlocks = alignDown(totalBlocks/9, SegmentBlocks)
	if indexBlocks == 0 {
		indexBlocks = SegmentBlocks
	}
	dataBlocks = alignDown(totalBlocks-indexBlocks-1, SegmentBlocks)

	compute := func(data uint64) checkpointLayout {
		dataSegments := int(data / SegmentBlocks)
		indexSegments := int(indexBlocks / SegmentBlocks)
		ritBlocks := int((data + ritEntriesPerBlock - 1) / ritEntriesPerBlock)
		return newCheckpointLayout(dataSegments, indexSegments, ritBlocks)
	}

	layout = compute(dataBlocks)
	for 1+dataBlocks+indexBlocks+layout.totalBlocks() > totalBlocks && dataBlocks >= SegmentBlocks {
		dataBlocks -= SegmentBlocks
		layout = compute(dataBlocks)
	}
	return dataBlocks, indexBlocks, layout
}

func (d *JinDisk) wire() {
	d.lsm = newLSM(d.indexRegion, d.keys, leafCacheCapacity)
	d.cache = newDataCache(DefaultDataCacheRingSize, d.dataSVT, d.indexSVT, d.rit, d.dst, d.keys, d.lsm, d.dataRegion, d.indexRegion)
	d.cleaner = newCleaner(DefaultGCWatermark, d.dataSVT, d.dst, d.rit, d.cache)
}

// Create formats dev as a fresh JinDisk under root.
func Create(dev BlockDevice, root Key) (*JinDisk, error) {
	totalBlocks := dev.Size()
	if totalBlocks < 2*SegmentBlocks {
		return nil, fmt.Errorf("jindisk: device too small: %d blocks", totalBlocks)
	}
	dataBlocks, indexBlocks, layout := planLayout(totalBlocks)

	jd := &JinDisk{
		dev: dev, root: root,
		dataRegion:       offsetRegion{dev: dev, base: 1},
		indexRegion:      offsetRegion{dev: dev, base: 1 + dataBlocks},
		checkpointRegion: offsetRegion{dev: dev, base: 1 + dataBlocks + indexBlocks},
		layout:           layout,
	}
	jd.sb = Superblock{
		DataBlocks: dataBlocks, IndexBlocks: indexBlocks,
		CheckpointBlocks: layout.totalBlocks(), JournalBlocks: 0,
	}
	jd.dataSVT = newSVT(int(dataBlocks / SegmentBlocks))
	jd.indexSVT = newSVT(int(indexBlocks / SegmentBlocks))
	jd.dst = newDST(int(dataBlocks / SegmentBlocks))
	jd.rit = newRIT(int(dataBlocks))
	jd.keys = newKeyTable(root)
	jd.wire()
	jd.chkpt = newCheckpoint(jd.checkpointRegion, root, layout)

	if err := jd.chkpt.writePersistFlag(persistInitialized); err != nil {
		return nil, err
	}
	if err := writeSuperblock(offsetRegion{dev: dev, base: 0}, root, jd.sb); err != nil {
		return nil, err
	}
	return jd, nil
}

// Open reopens an existing JinDisk, replaying its last committed
// checkpoint.
func Open(dev BlockDevice, root Key) (*JinDisk, error) {
	sb, err := readSuperblock(offsetRegion{dev: dev, base: 0}, root)
	if err != nil {
		return nil, err
	}
	dataSegments := int(sb.DataBlocks / SegmentBlocks)
	indexSegments := int(sb.IndexBlocks / SegmentBlocks)
	ritBlocks := int((sb.DataBlocks + ritEntriesPerBlock - 1) / ritEntriesPerBlock)
	layout := newCheckpointLayout(dataSegments, indexSegments, ritBlocks)

	jd := &JinDisk{
		dev: dev, root: root, sb: sb,
		dataRegion:       offsetRegion{dev: dev, base: 1},
		indexRegion:      offsetRegion{dev: dev, base: 1 + sb.DataBlocks},
		checkpointRegion: offsetRegion{dev: dev, base: 1 + sb.DataBlocks + sb.IndexBlocks},
		layout:           layout,
	}
	jd.chkpt = newCheckpoint(jd.checkpointRegion, root, layout)

	catalog, dataSVT, indexSVT, dst, rit, keys, err := jd.chkpt.Load(dataSegments, indexSegments, int(sb.DataBlocks))
	if err != nil {
		return nil, err
	}
	jd.dataSVT, jd.indexSVT, jd.dst, jd.rit, jd.keys = dataSVT, indexSVT, dst, rit, keys
	jd.wire()
	jd.lsm.Catalog = catalog
	return jd, nil
}

func (d *JinDisk) validateRange(offset uint64, length int) (startLBA uint64, nBlocks int, err error) {
	if offset%BlockSize != 0 || length%BlockSize != 0 {
		return 0, 0, errInvalidArgument
	}
	startLBA = offset / BlockSize
	nBlocks = length / BlockSize
	if startLBA+uint64(nBlocks) > d.sb.DataBlocks {
		return 0, 0, errInvalidArgument
	}
	return startLBA, nBlocks, nil
}

// Read fills buf (a multiple of BlockSize bytes) from offset (a multiple
// of BlockSize), per spec §6's C3 entry points.
func (d *JinDisk) Read(offset uint64, buf []byte) error {
	startLBA, nBlocks, err := d.validateRange(offset, len(buf))
	if err != nil {
		return err
	}
	if nBlocks >= BatchReadThreshold {
		lbas := make([]uint64, nBlocks)
		out := make([][]byte, nBlocks)
		for i := 0; i < nBlocks; i++ {
			lbas[i] = startLBA + uint64(i)
			out[i] = buf[i*BlockSize : (i+1)*BlockSize]
		}
		return d.cache.ReadRange(lbas, out)
	}
	for i := 0; i < nBlocks; i++ {
		if err := d.cache.ReadOneBlock(startLBA+uint64(i), buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// Write stages buf (a multiple of BlockSize bytes) at offset (a multiple
// of BlockSize); durability is only guaranteed after a successful Sync.
func (d *JinDisk) Write(offset uint64, buf []byte) error {
	startLBA, nBlocks, err := d.validateRange(offset, len(buf))
	if err != nil {
		return err
	}
	for i := 0; i < nBlocks; i++ {
		if err := d.cache.Insert(startLBA+uint64(i), buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// Sync forces every staged segment buffer out to disk, persists any
// pending memtable contents to a fresh L0 BIT, runs the cleaner if free
// space has fallen below watermark, writes every checkpoint sub-region,
// and finally rewrites the superblock (spec §6).
func (d *JinDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.cache.FlushAll(); err != nil {
		return err
	}
	if _, _, err := d.lsm.SealMemtable(d.indexSVT, d.indexRegion, d.keys); err != nil {
		return err
	}
	if err := d.lsm.MajorCompact(d.indexSVT, d.indexRegion, d.keys); err != nil {
		return err
	}
	if d.cleaner.NeedsCleaning() {
		if err := d.cleaner.RunUntilWatermark(); err != nil {
			return err
		}
	}
	if err := d.chkpt.Sync(d.lsm.Catalog, d.dataSVT, d.indexSVT, d.dst, d.rit, d.keys); err != nil {
		return err
	}
	return writeSuperblock(offsetRegion{dev: d.dev, base: 0}, d.root, d.sb)
}
