// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package register

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

const testMSR = 0xc0010064

func TestMSRSetBitsLowAtSingleTarget(t *testing.T) {
	fake := device.NewFake(2, 1)
	fake.SetMSR(1, testMSR, 0xdead_beef)

	reg, err := ReadMSR(fake, testMSR, 0b11)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	reg.SetBitsLowAt(0, 9, 7, 0x2a)
	assert.Equal(t, uint32(0x2a), reg.BitsLow(0, 9, 7))
	assert.Equal(t, uint64(0xdead_beef), reg.Value(1), "target 1 must be untouched")

	require.NoError(t, reg.Write())
	assert.Equal(t, uint64(0x2a)<<9, fake.MSR(0, testMSR))
	assert.Equal(t, uint64(0xdead_beef), fake.MSR(1, testMSR))
}

func TestMSRSetBitsTruncates(t *testing.T) {
	tt := []struct {
		base, length uint
		value        uint64
	}{
		{0, 6, 0x3f},
		{0, 6, 0x40},
		{6, 3, 0xff},
		{9, 7, 0x1234},
		{32, 3, 5},
		{63, 1, 3},
		{0, 64, 0xffff_ffff_ffff_ffff},
	}

	for _, tc := range tt {
		reg := NewMSR(device.NewFake(4, 1), testMSR, 0b1111)
		reg.SetBits(tc.base, tc.length, tc.value)
		want := tc.value
		if tc.length < 64 {
			want &= (uint64(1) << tc.length) - 1
		}
		for i := 0; i < reg.Len(); i++ {
			assert.Equal(t, want, reg.Bits(i, tc.base, tc.length), "target %d [%d+%d]", i, tc.base, tc.length)
		}
	}
}

func TestMSRSetBitsPreservesNeighbours(t *testing.T) {
	fake := device.NewFake(1, 1)
	fake.SetMSR(0, testMSR, 0xffff_ffff_ffff_ffff)

	reg, err := ReadMSR(fake, testMSR, 0b1)
	require.NoError(t, err)
	reg.SetBits(9, 7, 0)
	assert.Equal(t, uint64(0xffff_ffff_ffff_01ff), reg.Value(0))

	reg.SetBitsHigh(31, 1, 0)
	assert.Equal(t, uint64(0x7fff_ffff_ffff_01ff), reg.Value(0))
	assert.Equal(t, uint32(0x7fff_ffff), reg.BitsHigh(0, 0, 32))
	assert.Equal(t, uint32(0xffff_01ff), reg.BitsLow(0, 0, 32))
}

func TestMSROutOfRangeTarget(t *testing.T) {
	reg := NewMSR(device.NewFake(2, 1), testMSR, 0b11)
	reg.SetBits(0, 8, 0xaa)

	assert.Zero(t, reg.Bits(2, 0, 8))
	assert.Zero(t, reg.BitsLow(-1, 0, 8))
	assert.Zero(t, reg.BitsHigh(5, 0, 8))
	assert.Equal(t, -1, reg.IndexToAbsolute(2))

	reg.SetBitsAt(7, 0, 8, 0x55)
	assert.Equal(t, uint64(0xaa), reg.Value(0))
	assert.Equal(t, uint64(0xaa), reg.Value(1))
}

func TestMSRBitRangePanics(t *testing.T) {
	reg := NewMSR(device.NewFake(1, 1), testMSR, 0b1)
	assert.Panics(t, func() { reg.Bits(0, 60, 8) })
	assert.Panics(t, func() { reg.BitsLow(0, 30, 4) })
	assert.Panics(t, func() { reg.SetBitsHigh(0, 33, 1) })
	assert.Panics(t, func() { reg.SetBits(0, 0, 1) })
	assert.Panics(t, func() { reg.SetBitsAt(9, 64, 1, 1) })
	// a half-dword range is checked against 32 bits even on a missing target
	assert.Panics(t, func() { reg.SetBitsLowAt(9, 30, 4, 1) })
	assert.Panics(t, func() { reg.SetBitsHighAt(9, 0, 33, 1) })
	assert.NotPanics(t, func() { reg.SetBitsHighAt(9, 0, 32, 1) })
}

func TestCheckRange(t *testing.T) {
	assert.NotPanics(t, func() { checkRange(64, 0, 64) })
	assert.NotPanics(t, func() { checkRange(32, 31, 1) })
	assert.PanicsWithValue(t, "bit range [30, 34) exceeds 32-bit register", func() { checkRange(32, 30, 4) })
	assert.Panics(t, func() { checkRange(64, 8, 0) })
}

func TestReadMSRIsAllOrNothing(t *testing.T) {
	fake := device.NewFake(4, 1)
	fake.FailMSR(2, errors.New("gone"))

	reg, err := ReadMSR(fake, testMSR, 0b1111)
	assert.ErrorIs(t, err, device.ErrPrimitive)
	assert.Nil(t, reg)

	_, err = ReadMSR(fake, testMSR, 0)
	assert.ErrorIs(t, err, device.ErrInvalid)
}

func TestMSRWriteHasNoRollback(t *testing.T) {
	fake := device.NewFake(4, 1)
	reg, err := ReadMSR(fake, testMSR, 0b1111)
	require.NoError(t, err)

	fake.FailMSR(2, errors.New("gone"))
	reg.SetBits(0, 8, 0x11)
	err = reg.Write()
	assert.ErrorIs(t, err, device.ErrPrimitive)

	assert.Equal(t, uint64(0x11), fake.MSR(0, testMSR))
	assert.Equal(t, uint64(0x11), fake.MSR(1, testMSR))
	assert.Zero(t, fake.MSR(2, testMSR))
	assert.Zero(t, fake.MSR(3, testMSR))
}

func TestMSRStridedMaskOrder(t *testing.T) {
	fake := device.NewFake(8, 2)
	for cpu := 0; cpu < 8; cpu++ {
		fake.SetMSR(cpu, testMSR, uint64(cpu))
	}

	reg, err := ReadMSR(fake, testMSR, 0b0010_0010)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.IndexToAbsolute(0))
	assert.Equal(t, 5, reg.IndexToAbsolute(1))
	assert.Equal(t, uint64(1), reg.Value(0))
	assert.Equal(t, uint64(5), reg.Value(1))
}

// A read-modify-write is not atomic: a change made between read and write is overwritten.
func TestMSRReadModifyWriteRace(t *testing.T) {
	fake := device.NewFake(1, 1)
	reg, err := ReadMSR(fake, testMSR, 0b1)
	require.NoError(t, err)

	fake.SetMSR(0, testMSR, 1<<25)
	reg.SetBits(0, 3, 2)
	require.NoError(t, reg.Write())

	assert.Equal(t, uint64(2), fake.MSR(0, testMSR))
}
