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
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is an in-RAM BlockDevice for tests; no file I/O, since the
// toolchain that would normally exercise these tests against a real disk
// isn't available here.
type memDevice struct {
	blocks [][]byte
}

func newMemDevice(totalBlocks uint64) *memDevice {
	d := &memDevice{blocks: make([][]byte, totalBlocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BlockSize)
	}
	return d
}

func (d *memDevice) ReadAt(hba uint64, buf []byte) error {
	if hba >= uint64(len(d.blocks)) {
		return fmt.Errorf("memDevice: hba %d out of range", hba)
	}
	copy(buf, d.blocks[hba])
	return nil
}

func (d *memDevice) WriteAt(hba uint64, buf []byte) error {
	if hba >= uint64(len(d.blocks)) {
		return fmt.Errorf("memDevice: hba %d out of range", hba)
	}
	copy(d.blocks[hba], buf)
	return nil
}

func (d *memDevice) Size() uint64 { return uint64(len(d.blocks)) }

func testKey() Key {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func fillPattern(seed byte) []byte {
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func newTestDisk(t *testing.T, segments uint64) (*JinDisk, *memDevice) {
	t.Helper()
	dev := newMemDevice(segments * SegmentBlocks)
	jd, err := Create(dev, testKey())
	require.NoError(t, err)
	return jd, dev
}

func TestCreateOpenRoundTrip(t *testing.T) {
	jd, dev := newTestDisk(t, 16)

	want := fillPattern(7)
	require.NoError(t, jd.Write(0, want))
	require.NoError(t, jd.Sync())

	reopened, err := Open(dev, testKey())
	require.NoError(t, err)

	got := make([]byte, BlockSize)
	require.NoError(t, reopened.Read(0, got))
	require.True(t, bytes.Equal(want, got))
}

func TestWriteReadWithoutSync(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	want := fillPattern(3)
	require.NoError(t, jd.Write(4096*5, want))

	got := make([]byte, BlockSize)
	require.NoError(t, jd.Read(4096*5, got))
	require.True(t, bytes.Equal(want, got))
}

func TestReadUnwrittenBlockIsZero(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	got := make([]byte, BlockSize)
	for i := range got {
		got[i] = 0xff
	}
	require.NoError(t, jd.Read(4096*3, got))
	require.True(t, bytes.Equal(make([]byte, BlockSize), got))
}

func TestMisalignedOffsetRejected(t *testing.T) {
	jd, _ := newTestDisk(t, 16)
	buf := make([]byte, BlockSize)
	require.Error(t, jd.Write(1, buf))
	require.Error(t, jd.Read(1, buf))
}

func TestMisalignedLengthRejected(t *testing.T) {
	jd, _ := newTestDisk(t, 16)
	buf := make([]byte, BlockSize-1)
	require.Error(t, jd.Write(0, buf))
}

func TestOutOfRangeRejected(t *testing.T) {
	jd, _ := newTestDisk(t, 16)
	buf := make([]byte, BlockSize)
	offset := jd.sb.DataBlocks * BlockSize
	require.Error(t, jd.Write(offset, buf))
}

// TestMinorCompaction fills the memtable to capacity through ordinary
// writes and confirms the records sealed into L0 remain readable.
func TestMinorCompaction(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	n := MaxMemtableCapacity
	for i := 0; i < n; i++ {
		require.NoError(t, jd.Write(uint64(i)*BlockSize, fillPattern(byte(i))))
	}
	require.NoError(t, jd.Sync())
	require.Equal(t, 0, jd.lsm.Memtable.Len())
	require.GreaterOrEqual(t, len(jd.lsm.Catalog.L0()), 1)

	for i := 0; i < n; i++ {
		got := make([]byte, BlockSize)
		require.NoError(t, jd.Read(uint64(i)*BlockSize, got))
		require.True(t, bytes.Equal(fillPattern(byte(i)), got), "lba %d mismatch", i)
	}
}

// TestMajorCompaction drives two successive full memtables through Sync,
// which should push L0 past MaxL0BITs and fold the older one into L1
// (spec's worked major-compaction scenario), while every written LBA
// stays readable and correct throughout.
func TestMajorCompaction(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	n := MaxMemtableCapacity
	for round := 0; round < 2; round++ {
		for i := 0; i < n; i++ {
			lba := uint64(i)
			require.NoError(t, jd.Write(lba*BlockSize, fillPattern(byte(round*50+i))))
		}
		require.NoError(t, jd.Sync())
	}

	require.LessOrEqual(t, len(jd.lsm.Catalog.L0()), MaxL0BITs)
	require.GreaterOrEqual(t, len(jd.lsm.Catalog.L1()), 1)

	for i := 0; i < n; i++ {
		got := make([]byte, BlockSize)
		require.NoError(t, jd.Read(uint64(i)*BlockSize, got))
		require.True(t, bytes.Equal(fillPattern(byte(50+i)), got), "lba %d should read the second round's value", i)
	}
}

// TestOverwriteWinsAcrossCompaction checks that a later write to an LBA
// already sealed into L0/L1 shadows the older value once both are
// findable through the LSM (memtable first, then highest-version L0/L1).
func TestOverwriteWinsAcrossCompaction(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	n := MaxMemtableCapacity
	for i := 0; i < n; i++ {
		require.NoError(t, jd.Write(uint64(i)*BlockSize, fillPattern(1)))
	}
	require.NoError(t, jd.Sync())

	require.NoError(t, jd.Write(0, fillPattern(99)))
	require.NoError(t, jd.Sync())

	got := make([]byte, BlockSize)
	require.NoError(t, jd.Read(0, got))
	require.True(t, bytes.Equal(fillPattern(99), got))
}

// TestRangeReadMix exercises both the single-block and batched-run read
// paths in one pass over a sparsely-written region.
func TestRangeReadMix(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	written := map[int]bool{}
	for _, i := range []int{0, 1, 2, 3, 10, 11, 40} {
		require.NoError(t, jd.Write(uint64(i)*BlockSize, fillPattern(byte(i+1))))
		written[i] = true
	}
	require.NoError(t, jd.Sync())

	buf := make([]byte, BlockSize*12)
	require.NoError(t, jd.Read(0, buf))
	for i := 0; i < 12; i++ {
		block := buf[i*BlockSize : (i+1)*BlockSize]
		if written[i] {
			require.True(t, bytes.Equal(fillPattern(byte(i+1)), block), "lba %d", i)
		} else {
			require.True(t, bytes.Equal(make([]byte, BlockSize), block), "lba %d should be zero", i)
		}
	}
}

// TestCrashBeforeSyncLosesUnsyncedWrites checks property P7's basic
// shape: reopening a store after writes with no intervening Sync should
// not surface any data the unsynced writes would have produced, since
// nothing was ever durably committed for them.
func TestCrashBeforeSyncLosesUnsyncedWrites(t *testing.T) {
	jd, dev := newTestDisk(t, 16)

	require.NoError(t, jd.Write(0, fillPattern(1)))
	require.NoError(t, jd.Sync())

	require.NoError(t, jd.Write(0, fillPattern(2)))
	// No Sync: simulate a crash by reopening straight from the device.

	reopened, err := Open(dev, testKey())
	require.NoError(t, err)
	got := make([]byte, BlockSize)
	require.NoError(t, reopened.Read(0, got))
	require.True(t, bytes.Equal(fillPattern(1), got))
}

// TestCleanerReclaimsSegment writes one new LBA per Sync so each Sync's
// FlushAll consumes exactly one fresh data segment; once free segments
// fall to the watermark, Sync's cleaner pass must reclaim one before the
// next round needs it, and every previously-written LBA must still read
// back correctly afterward (P8: cleaner makes forward progress without
// losing live data).
func TestCleanerReclaimsSegment(t *testing.T) {
	jd, _ := newTestDisk(t, 16)

	dataSegments := int(jd.sb.DataBlocks / SegmentBlocks)
	require.Greater(t, dataSegments, DefaultGCWatermark)

	const rounds = 40
	for i := 0; i < rounds; i++ {
		require.NoError(t, jd.Write(uint64(i)*BlockSize, fillPattern(byte(i+1))))
		require.NoError(t, jd.Sync())
		require.GreaterOrEqual(t, jd.dataSVT.FreeCount(), DefaultGCWatermark)
	}

	for i := 0; i < rounds; i++ {
		got := make([]byte, BlockSize)
		require.NoError(t, jd.Read(uint64(i)*BlockSize, got))
		require.True(t, bytes.Equal(fillPattern(byte(i+1)), got), "lba %d", i)
	}
}
