// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "math/bits"

// MaxTargets is the widest topology a mask can describe
const MaxTargets = 64

// CoreMask selects cores by absolute index (node*coresPerNode + core)
type CoreMask uint64

// NodeMask selects nodes by absolute node index
type NodeMask uint64

// Count returns the number of selected cores
func (m CoreMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Indices returns the selected absolute core indices in ascending order
func (m CoreMask) Indices() []int {
	return indices(uint64(m))
}

// Has reports whether the absolute core index is selected
func (m CoreMask) Has(cpu int) bool {
	return cpu >= 0 && cpu < MaxTargets && m&(1<<uint(cpu)) != 0
}

// First returns the lowest selected core, or -1 for an empty mask
func (m CoreMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// Count returns the number of selected nodes
func (m NodeMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Indices returns the selected absolute node indices in ascending order
func (m NodeMask) Indices() []int {
	return indices(uint64(m))
}

// Has reports whether the absolute node index is selected
func (m NodeMask) Has(node int) bool {
	return node >= 0 && node < MaxTargets && m&(1<<uint(node)) != 0
}

// First returns the lowest selected node, or -1 for an empty mask
func (m NodeMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

func indices(m uint64) []int {
	ret := make([]int, 0, bits.OnesCount64(m))
	for m != 0 {
		i := bits.TrailingZeros64(m)
		ret = append(ret, i)
		m &^= 1 << uint(i)
	}
	return ret
}
