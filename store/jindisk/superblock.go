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

// superblockMagic identifies a formatted JinDisk; loading a device whose
// first block doesn't start with this fails fast instead of misreading
// garbage as a layout descriptor.
const superblockMagic = 0x4a696e4469736b31 // "JinDisk1"

// Superblock is the layout descriptor written at HBA 0 (spec §6,
// "On-disk layout: | Superblock | Data region | Index region |
// Checkpoint region | Journal region |"). It's the one block on the
// device that isn't bound to a region-relative blockRegion, since it
// must be readable before any region offsets are known.
type Superblock struct {
	Magic            uint64
	DataBlocks       uint64
	IndexBlocks      uint64
	CheckpointBlocks uint64
	JournalBlocks    uint64
}

const superblockEncodedSize = 8 * 5

func (s Superblock) encode() []byte {
	buf := make([]byte, blockPayloadSize)
	binary.BigEndian.PutUint64(buf[0:], s.Magic)
	binary.BigEndian.PutUint64(buf[8:], s.DataBlocks)
	binary.BigEndian.PutUint64(buf[16:], s.IndexBlocks)
	binary.BigEndian.PutUint64(buf[24:], s.CheckpointBlocks)
	binary.BigEndian.PutUint64(buf[32:], s.JournalBlocks)
	return buf
}

func decodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < superblockEncodedSize {
		return Superblock{}, fmt.Errorf("jindisk: superblock buffer too short")
	}
	s := Superblock{
		Magic:            binary.BigEndian.Uint64(buf[0:]),
		DataBlocks:       binary.BigEndian.Uint64(buf[8:]),
		IndexBlocks:      binary.BigEndian.Uint64(buf[16:]),
		CheckpointBlocks: binary.BigEndian.Uint64(buf[24:]),
		JournalBlocks:    binary.BigEndian.Uint64(buf[32:]),
	}
	if s.Magic != superblockMagic {
		return Superblock{}, fmt.Errorf("jindisk: bad superblock magic %x", s.Magic)
	}
	return s, nil
}

// writeSuperblock seals and writes the superblock at absolute HBA 0.
func writeSuperblock(dev blockRegion, root Key, s Superblock) error {
	s.Magic = superblockMagic
	block, err := sealWholeBlock(root, s.encode(), nil)
	if err != nil {
		return err
	}
	return dev.WriteBlock(0, block)
}

// readSuperblock reads and opens the superblock at absolute HBA 0.
func readSuperblock(dev blockRegion, root Key) (Superblock, error) {
	var block [BlockSize]byte
	if err := dev.ReadBlock(0, block[:]); err != nil {
		return Superblock{}, err
	}
	plain, err := openWholeBlock(root, block[:], nil)
	if err != nil {
		return Superblock{}, fmt.Errorf("jindisk: superblock decrypt: %w", err)
	}
	return decodeSuperblock(plain)
}
