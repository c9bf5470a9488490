// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package register

import (
	"fmt"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

const pciWidth = 32

// PCI is a 32-bit configuration register image for every node in a mask.
// Each entry keeps its absolute node index since the device number is node-relative.
type PCI struct {
	prim   device.Primitives
	addr   device.PCIAddress
	mask   device.NodeMask
	nodes  []int
	values []uint32
}

// ReadPCI reads addr on every node in mask. Either all values are read or an error is returned.
func ReadPCI(prim device.Primitives, addr device.PCIAddress, mask device.NodeMask) (*PCI, error) {
	if mask == 0 {
		return nil, device.Invalidf("empty node mask for F%dx%x", addr.Function, addr.Register)
	}
	values, err := prim.ReadPCI(addr, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to read F%dx%x: %w", addr.Function, addr.Register, err)
	}
	if len(values) != mask.Count() {
		return nil, fmt.Errorf("F%dx%x: got %d values for %d nodes", addr.Function, addr.Register, len(values), mask.Count())
	}
	return &PCI{prim: prim, addr: addr, mask: mask, nodes: mask.Indices(), values: values}, nil
}

// NewPCI stages a zeroed image for a register that is fully overwritten
func NewPCI(prim device.Primitives, addr device.PCIAddress, mask device.NodeMask) *PCI {
	return &PCI{prim: prim, addr: addr, mask: mask, nodes: mask.Indices(), values: make([]uint32, mask.Count())}
}

func (r *PCI) Address() device.PCIAddress {
	return r.addr
}

func (r *PCI) Mask() device.NodeMask {
	return r.mask
}

func (r *PCI) Len() int {
	return len(r.values)
}

// IndexToAbsolute returns the absolute node index of target i, or -1
func (r *PCI) IndexToAbsolute(i int) int {
	if i < 0 || i >= len(r.nodes) {
		return -1
	}
	return r.nodes[i]
}

// Value returns the raw value of target i; out-of-range targets read as 0
func (r *PCI) Value(i int) uint32 {
	if i < 0 || i >= len(r.values) {
		return 0
	}
	return r.values[i]
}

// Bits extracts length bits at base from target i
func (r *PCI) Bits(i int, base, length uint) uint32 {
	return uint32(extract(uint64(r.Value(i)), pciWidth, base, length))
}

// SetBits patches the field on every target; value is truncated to length bits
func (r *PCI) SetBits(base, length uint, value uint32) {
	for i := range r.values {
		r.SetBitsAt(i, base, length, value)
	}
}

// SetBitsAt patches the field on target i only; out-of-range targets are ignored
func (r *PCI) SetBitsAt(i int, base, length uint, value uint32) {
	if i < 0 || i >= len(r.values) {
		checkRange(pciWidth, base, length)
		return
	}
	r.values[i] = uint32(deposit(uint64(r.values[i]), pciWidth, base, length, uint64(value)))
}

// Write stores every target image in ascending node order without rollback
func (r *PCI) Write() error {
	if err := r.prim.WritePCI(r.addr, r.mask, r.values); err != nil {
		return fmt.Errorf("failed to write F%dx%x: %w", r.addr.Function, r.addr.Register, err)
	}
	return nil
}
