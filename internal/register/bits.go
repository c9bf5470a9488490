// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package register provides batched views over one MSR or PCI configuration
// register across a set of targets.
//
// A view is created by one read, patched in memory with the bit-range setters
// and consumed by one write. Views are never reused across operations.
// Nothing guards the window between read and write against concurrent
// modification by firmware or other software.
package register

import "fmt"

// checkRange panics when length bits at base do not fit a register of width
// bits. Ranges only ever come from static tables.
func checkRange(width, base, length uint) {
	if length == 0 || base+length > width {
		panic(fmt.Sprintf("bit range [%d, %d) exceeds %d-bit register", base, base+length, width))
	}
}

// fieldMask returns the mask of length bits at base after checkRange
func fieldMask(width, base, length uint) uint64 {
	checkRange(width, base, length)
	if length == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << length) - 1) << base
}

func extract(v uint64, width, base, length uint) uint64 {
	return (v & fieldMask(width, base, length)) >> base
}

// deposit replaces the field with value truncated to length bits
func deposit(v uint64, width, base, length uint, value uint64) uint64 {
	m := fieldMask(width, base, length)
	return (v &^ m) | ((value << base) & m)
}
