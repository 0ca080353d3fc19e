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
)

// persistState is the checkpoint region's crash-recovery flag (spec
// §4.13): Initialized means never synced, NotCommited means a sync is in
// flight (or crashed mid-flight), Commited means the sub-regions and the
// flag itself were all written through to completion.
type persistState byte

const (
	persistInitialized persistState = 0
	persistNotCommited persistState = 1
	persistCommited    persistState = 2
)

// checkpointLayout fixes how many physical blocks each sub-region of the
// checkpoint region reserves. BITC and KeyTable sizes grow with how many
// BITs/segments have ever existed rather than with device size directly,
// so (absent a spec-mandated sizing rule) they get a fixed generous cap;
// Data-SVT, Index-SVT and DST are sized exactly from the segment counts
// they describe.
type checkpointLayout struct {
	bitcBlocks     int
	dataSVTBlocks  int
	indexSVTBlocks int
	dstBlocks      int
	ritBlocks      int // logical RIT blocks; doubled on disk for the shadow copies
	keyTableBlocks int
}

// Fixed reservations for the variable-growth sub-regions. At
// blockPayloadSize-8 usable bytes per block and a 48-byte bitcEntry, 8
// blocks comfortably covers the BIT counts the testable-property
// scenarios exercise; KeyTable entries are 8 bytes each (just an id), so
// 4 blocks covers thousands of derived keys.
const (
	fixedBitcBlocks     = 8
	fixedKeyTableBlocks = 4
)

func newCheckpointLayout(dataSegments, indexSegments, ritBlocks int) checkpointLayout {
	svtBlockSize := func(segments int) int {
		sz := 8 + (segments+7)/8
		perBlock := blockPayloadSize - 8
		if sz == 0 {
			return 1
		}
		return (sz + perBlock - 1) / perBlock
	}
	dstBlockSize := func(segments int) int {
		sz := 8 + 4*segments
		perBlock := blockPayloadSize - 8
		return (sz + perBlock - 1) / perBlock
	}
	return checkpointLayout{
		bitcBlocks:     fixedBitcBlocks,
		dataSVTBlocks:  svtBlockSize(dataSegments),
		indexSVTBlocks: svtBlockSize(indexSegments),
		dstBlocks:      dstBlockSize(dataSegments),
		ritBlocks:      ritBlocks,
		keyTableBlocks: fixedKeyTableBlocks,
	}
}

// offsets, relative to the start of the checkpoint region:
//
//	0                          persist-flag block
//	1                          shadow-bitmap block
//	2                          shadow-bitmap backup block
//	3                          BITC
//	3+bitc                     Data-SVT
//	..+dataSVT                 Index-SVT
//	..+indexSVT                DST
//	..+dst                     RIT primary copies (ritBlocks blocks)
//	..+rit                     RIT shadow copies (ritBlocks blocks)
//	..+rit                     KeyTable
func (l checkpointLayout) bitcOffset() uint64     { return 3 }
func (l checkpointLayout) dataSVTOffset() uint64  { return l.bitcOffset() + uint64(l.bitcBlocks) }
func (l checkpointLayout) indexSVTOffset() uint64 { return l.dataSVTOffset() + uint64(l.dataSVTBlocks) }
func (l checkpointLayout) dstOffset() uint64       { return l.indexSVTOffset() + uint64(l.indexSVTBlocks) }
func (l checkpointLayout) ritPrimaryOffset() uint64 { return l.dstOffset() + uint64(l.dstBlocks) }
func (l checkpointLayout) ritShadowOffset() uint64 {
	return l.ritPrimaryOffset() + uint64(l.ritBlocks)
}
func (l checkpointLayout) keyTableOffset() uint64 {
	return l.ritShadowOffset() + uint64(l.ritBlocks)
}
func (l checkpointLayout) totalBlocks() uint64 {
	return l.keyTableOffset() + uint64(l.keyTableBlocks)
}

// Checkpoint owns the checkpoint region's persistence: the persist-flag
// state machine, the RIT shadow bitmap, and read/write of every other
// sub-region as a length-prefixed encrypted blob.
type Checkpoint struct {
	region blockRegion
	root   Key
	layout checkpointLayout

	shadowBitmap []byte // one bit per logical RIT block; 1 = shadow copy is live
}

func newCheckpoint(region blockRegion, root Key, layout checkpointLayout) *Checkpoint {
	return &Checkpoint{
		region:       region,
		root:         root,
		layout:       layout,
		shadowBitmap: make([]byte, (layout.ritBlocks+7)/8),
	}
}

func (c *Checkpoint) ritLive(idx int) bool {
	return c.shadowBitmap[idx/8]&(1<<uint(idx%8)) != 0
}

func (c *Checkpoint) ritHBA(idx int) uint64 {
	if c.ritLive(idx) {
		return c.layout.ritShadowOffset() + uint64(idx)
	}
	return c.layout.ritPrimaryOffset() + uint64(idx)
}

func (c *Checkpoint) flipRIT(idx int) {
	c.shadowBitmap[idx/8] ^= 1 << uint(idx%8)
}

// writePersistFlag writes the unencrypted tri-state flag block. Left
// unencrypted per spec §6's "all non-flag blocks are... encrypted": it
// must be legible before any key material is otherwise consulted.
func (c *Checkpoint) writePersistFlag(s persistState) error {
	var buf [BlockSize]byte
	buf[0] = byte(s)
	return c.region.WriteBlock(0, buf[:])
}

func (c *Checkpoint) readPersistFlag() (persistState, error) {
	var buf [BlockSize]byte
	if err := c.region.ReadBlock(0, buf[:]); err != nil {
		return 0, err
	}
	return persistState(buf[0]), nil
}

func blobAAD(hba uint64) []byte { return hbaAAD(hba) }

func writeBlob(region blockRegion, key Key, startHBA uint64, maxBlocks int, data []byte) error {
	perBlock := blockPayloadSize - 8
	needed := 1
	if len(data) > 0 {
		needed = (len(data) + perBlock - 1) / perBlock
	}
	if needed > maxBlocks {
		return fmt.Errorf("jindisk: blob of %d bytes needs %d blocks, only %d reserved", len(data), needed, maxBlocks)
	}
	off := 0
	for i := 0; i < needed; i++ {
		payload := make([]byte, blockPayloadSize)
		if i == 0 {
			binary.BigEndian.PutUint64(payload[0:8], uint64(len(data)))
		}
		end := off + perBlock
		if end > len(data) {
			end = len(data)
		}
		copy(payload[8:], data[off:end])
		off = end
		hba := startHBA + uint64(i)
		block, err := sealWholeBlock(key, payload, blobAAD(hba))
		if err != nil {
			return err
		}
		if err := region.WriteBlock(hba, block); err != nil {
			return err
		}
	}
	return nil
}

func readBlob(region blockRegion, key Key, startHBA uint64) ([]byte, error) {
	var first [BlockSize]byte
	if err := region.ReadBlock(startHBA, first[:]); err != nil {
		return nil, err
	}
	plain, err := openWholeBlock(key, first[:], blobAAD(startHBA))
	if err != nil {
		return nil, err
	}
	totalLen := binary.BigEndian.Uint64(plain[0:8])
	perBlock := blockPayloadSize - 8
	needed := 1
	if totalLen > 0 {
		needed = int((totalLen + uint64(perBlock) - 1) / uint64(perBlock))
	}
	data := make([]byte, 0, totalLen)
	take := perBlock
	if uint64(take) > totalLen {
		take = int(totalLen)
	}
	data = append(data, plain[8:8+take]...)
	for i := 1; i < needed; i++ {
		hba := startHBA + uint64(i)
		var blk [BlockSize]byte
		if err := region.ReadBlock(hba, blk[:]); err != nil {
			return nil, err
		}
		p, err := openWholeBlock(key, blk[:], blobAAD(hba))
		if err != nil {
			return nil, err
		}
		remain := int(totalLen) - len(data)
		t := perBlock
		if t > remain {
			t = remain
		}
		data = append(data, p[8:8+t]...)
	}
	return data, nil
}

// Sync persists every checkpoint sub-region: persist-flag NotCommited
// first, all regions written (RIT's dirty blocks via shadow paging),
// then persist-flag Commited last (spec §4.13).
func (c *Checkpoint) Sync(catalog *BITC, dataSVT, indexSVT *SVT, dst *DST, rit *RIT, keys *KeyTable) error {
	if err := c.writePersistFlag(persistNotCommited); err != nil {
		return err
	}

	for _, idx := range rit.DirtyBlocks() {
		c.flipRIT(idx)
		block, err := sealWholeBlock(c.root, rit.EncodeBlock(idx), blobAAD(c.ritHBA(idx)))
		if err != nil {
			return err
		}
		if err := c.region.WriteBlock(c.ritHBA(idx), block); err != nil {
			return err
		}
	}
	rit.ClearDirty()

	if err := c.writeShadowBitmap(); err != nil {
		return err
	}
	if err := writeBlob(c.region, c.root, c.layout.bitcOffset(), c.layout.bitcBlocks, catalog.encode()); err != nil {
		return err
	}
	if err := writeBlob(c.region, c.root, c.layout.dataSVTOffset(), c.layout.dataSVTBlocks, dataSVT.encode()); err != nil {
		return err
	}
	if err := writeBlob(c.region, c.root, c.layout.indexSVTOffset(), c.layout.indexSVTBlocks, indexSVT.encode()); err != nil {
		return err
	}
	if err := writeBlob(c.region, c.root, c.layout.dstOffset(), c.layout.dstBlocks, dst.encode()); err != nil {
		return err
	}
	if err := writeBlob(c.region, c.root, c.layout.keyTableOffset(), c.layout.keyTableBlocks, keys.encode()); err != nil {
		return err
	}

	return c.writePersistFlag(persistCommited)
}

func (c *Checkpoint) writeShadowBitmap() error {
	block, err := sealWholeBlock(c.root, padTo(c.shadowBitmap, blockPayloadSize), blobAAD(1))
	if err != nil {
		return err
	}
	if err := c.region.WriteBlock(1, block); err != nil {
		return err
	}
	backup, err := sealWholeBlock(c.root, padTo(c.shadowBitmap, blockPayloadSize), blobAAD(2))
	if err != nil {
		return err
	}
	return c.region.WriteBlock(2, backup)
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Load reads the persist flag and, if Commited, every sub-region;
// returns fresh empty structures if the checkpoint was never synced
// (Initialized), and EINVAL if a prior sync crashed (NotCommited).
func (c *Checkpoint) Load(dataSegments, indexSegments, dataBlocks int) (*BITC, *SVT, *SVT, *DST, *RIT, *KeyTable, error) {
	state, err := c.readPersistFlag()
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	switch state {
	case persistInitialized:
		return newBITC(), newSVT(dataSegments), newSVT(indexSegments), newDST(dataSegments), newRIT(dataBlocks), newKeyTable(c.root), nil
	case persistNotCommited:
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("jindisk: checkpoint not commited: %w", errInvalidCheckpoint)
	case persistCommited:
		// fall through to load
	default:
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("jindisk: unknown persist state %d", state)
	}

	if err := c.loadShadowBitmap(); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	rit := newRIT(dataBlocks)
	for idx := 0; idx < c.layout.ritBlocks; idx++ {
		var blk [BlockSize]byte
		if err := c.region.ReadBlock(c.ritHBA(idx), blk[:]); err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		plain, err := openWholeBlock(c.root, blk[:], blobAAD(c.ritHBA(idx)))
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		rit.LoadBlock(idx, plain)
	}

	bitcBuf, err := readBlob(c.region, c.root, c.layout.bitcOffset())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	catalog, err := decodeBITC(bitcBuf)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	dataSVTBuf, err := readBlob(c.region, c.root, c.layout.dataSVTOffset())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dataSVT, err := decodeSVT(dataSVTBuf)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	indexSVTBuf, err := readBlob(c.region, c.root, c.layout.indexSVTOffset())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	indexSVT, err := decodeSVT(indexSVTBuf)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	dstBuf, err := readBlob(c.region, c.root, c.layout.dstOffset())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dst, err := decodeDST(dstBuf)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	keyTableBuf, err := readBlob(c.region, c.root, c.layout.keyTableOffset())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	keys := decodeKeyTable(c.root, keyTableBuf)

	return catalog, dataSVT, indexSVT, dst, rit, keys, nil
}

func (c *Checkpoint) loadShadowBitmap() error {
	var primary [BlockSize]byte
	if err := c.region.ReadBlock(1, primary[:]); err == nil {
		if plain, err := openWholeBlock(c.root, primary[:], blobAAD(1)); err == nil {
			copy(c.shadowBitmap, plain)
			return nil
		}
	}
	var backup [BlockSize]byte
	if err := c.region.ReadBlock(2, backup[:]); err != nil {
		return err
	}
	plain, err := openWholeBlock(c.root, backup[:], blobAAD(2))
	if err != nil {
		return fmt.Errorf("jindisk: shadow bitmap and its backup both unreadable: %w", err)
	}
	copy(c.shadowBitmap, plain)
	return nil
}
