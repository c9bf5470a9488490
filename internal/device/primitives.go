// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

// NorthbridgeDevice is the PCI device number of node 0's northbridge; node n lives at NorthbridgeDevice+n
const NorthbridgeDevice = 0x18

// CPUIDRegs holds the four output registers of one CPUID leaf
type CPUIDRegs struct {
	EAX, EBX, ECX, EDX uint32
}

// PCIAddress names a PCI configuration register relative to node 0.
// The effective device number of a target is Device + absolute node index.
type PCIAddress struct {
	Device   uint32
	Function uint32
	Register uint32
}

// NB returns the northbridge register address for function fn
func NB(fn, reg uint32) PCIAddress {
	return PCIAddress{Device: NorthbridgeDevice, Function: fn, Register: reg}
}

// Primitives is the raw register access contract consumed by the register views.
//
// Reads are all-or-nothing: on error no values are returned. Writes are issued in
// ascending target order and are not rolled back when a later target fails.
// Values are ordered by ascending set-bit position of the mask.
type Primitives interface {
	// CPUID queries a CPUID leaf on the first available CPU
	CPUID(leaf uint32) (CPUIDRegs, error)

	// ReadMSR reads a 64-bit MSR on every core in mask
	ReadMSR(addr uint32, mask CoreMask) ([]uint64, error)

	// WriteMSR writes one value per core in mask
	WriteMSR(addr uint32, mask CoreMask, values []uint64) error

	// ReadPCI reads a 32-bit PCI configuration register on every node in mask
	ReadPCI(addr PCIAddress, mask NodeMask) ([]uint32, error)

	// WritePCI writes one value per node in mask
	WritePCI(addr PCIAddress, mask NodeMask, values []uint32) error
}
