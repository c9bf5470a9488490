// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package register

import (
	"fmt"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

const (
	msrWidth  = 64
	halfWidth = 32
)

// MSR is a 64-bit register image for every core in a mask, ordered by ascending core index
type MSR struct {
	prim   device.Primitives
	addr   uint32
	mask   device.CoreMask
	values []uint64
}

// ReadMSR reads addr on every core in mask. Either all values are read or an error is returned.
func ReadMSR(prim device.Primitives, addr uint32, mask device.CoreMask) (*MSR, error) {
	if mask == 0 {
		return nil, device.Invalidf("empty core mask for MSR 0x%x", addr)
	}
	values, err := prim.ReadMSR(addr, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to read MSR 0x%x: %w", addr, err)
	}
	if len(values) != mask.Count() {
		return nil, fmt.Errorf("MSR 0x%x: got %d values for %d cores", addr, len(values), mask.Count())
	}
	return &MSR{prim: prim, addr: addr, mask: mask, values: values}, nil
}

// NewMSR stages a zeroed image for a register that is fully overwritten
func NewMSR(prim device.Primitives, addr uint32, mask device.CoreMask) *MSR {
	return &MSR{prim: prim, addr: addr, mask: mask, values: make([]uint64, mask.Count())}
}

func (r *MSR) Address() uint32 {
	return r.addr
}

func (r *MSR) Mask() device.CoreMask {
	return r.mask
}

// Len returns the number of targets in the view
func (r *MSR) Len() int {
	return len(r.values)
}

// IndexToAbsolute returns the absolute core index of target i, or -1
func (r *MSR) IndexToAbsolute(i int) int {
	if i < 0 || i >= len(r.values) {
		return -1
	}
	return r.mask.Indices()[i]
}

// Value returns the raw value of target i; out-of-range targets read as 0
func (r *MSR) Value(i int) uint64 {
	if i < 0 || i >= len(r.values) {
		return 0
	}
	return r.values[i]
}

// Bits extracts length bits at base from target i
func (r *MSR) Bits(i int, base, length uint) uint64 {
	return extract(r.Value(i), msrWidth, base, length)
}

// BitsLow extracts a field from the low dword of target i
func (r *MSR) BitsLow(i int, base, length uint) uint32 {
	return uint32(extract(r.Value(i)&0xffffffff, halfWidth, base, length))
}

// BitsHigh extracts a field from the high dword of target i
func (r *MSR) BitsHigh(i int, base, length uint) uint32 {
	return uint32(extract(r.Value(i)>>32, halfWidth, base, length))
}

// SetBits patches the field on every target; value is truncated to length bits
func (r *MSR) SetBits(base, length uint, value uint64) {
	for i := range r.values {
		r.SetBitsAt(i, base, length, value)
	}
}

// SetBitsLow patches a low-dword field on every target
func (r *MSR) SetBitsLow(base, length uint, value uint32) {
	for i := range r.values {
		r.SetBitsLowAt(i, base, length, value)
	}
}

// SetBitsHigh patches a high-dword field on every target
func (r *MSR) SetBitsHigh(base, length uint, value uint32) {
	for i := range r.values {
		r.SetBitsHighAt(i, base, length, value)
	}
}

// SetBitsAt patches the field on target i only; out-of-range targets are ignored
func (r *MSR) SetBitsAt(i int, base, length uint, value uint64) {
	if i < 0 || i >= len(r.values) {
		checkRange(msrWidth, base, length)
		return
	}
	r.values[i] = deposit(r.values[i], msrWidth, base, length, value)
}

// SetBitsLowAt patches a low-dword field on target i only
func (r *MSR) SetBitsLowAt(i int, base, length uint, value uint32) {
	checkRange(halfWidth, base, length)
	r.SetBitsAt(i, base, length, uint64(value))
}

// SetBitsHighAt patches a high-dword field on target i only
func (r *MSR) SetBitsHighAt(i int, base, length uint, value uint32) {
	checkRange(halfWidth, base, length)
	r.SetBitsAt(i, base+halfWidth, length, uint64(value))
}

// Write stores every target image in the order it was read. A failure part way
// leaves earlier targets written.
func (r *MSR) Write() error {
	if err := r.prim.WriteMSR(r.addr, r.mask, r.values); err != nil {
		return fmt.Errorf("failed to write MSR 0x%x: %w", r.addr, err)
	}
	return nil
}
