// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"math"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

type transform int

const (
	// raw value, no transformation
	transformRaw transform = iota
	// value = raw + offset
	transformOffset
	// value = offset + raw*scale
	transformAffine
	// value = table[raw]
	transformTable
)

// field is one bit range of a register together with the rule that turns
// the raw bits into a physical value
type field struct {
	name   string
	base   uint
	length uint
	kind   transform
	offset float64
	scale  float64
	table  []float64
}

func rawField(name string, base, length uint) field {
	return field{name: name, base: base, length: length}
}

func offsetField(name string, base, length uint, offset float64) field {
	return field{name: name, base: base, length: length, kind: transformOffset, offset: offset}
}

func affineField(name string, base, length uint, offset, scale float64) field {
	return field{name: name, base: base, length: length, kind: transformAffine, offset: offset, scale: scale}
}

func tableField(name string, base, length uint, table ...float64) field {
	return field{name: name, base: base, length: length, kind: transformTable, table: table}
}

// present reports whether the family defines this field
func (f field) present() bool {
	return f.length > 0
}

func (f field) max() uint32 {
	return uint32((uint64(1) << f.length) - 1)
}

func (f field) decode(raw uint32) float64 {
	switch f.kind {
	case transformOffset:
		return float64(raw) + f.offset
	case transformAffine:
		return f.offset + float64(raw)*f.scale
	case transformTable:
		if int(raw) < len(f.table) {
			return f.table[raw]
		}
		return 0
	default:
		return float64(raw)
	}
}

// encode is the inverse of decode; values that do not fit the field are rejected
func (f field) encode(v float64) (uint32, error) {
	var raw float64
	switch f.kind {
	case transformOffset:
		raw = v - f.offset
	case transformAffine:
		raw = (v - f.offset) / f.scale
	case transformTable:
		for i, t := range f.table {
			if t == v {
				return uint32(i), nil
			}
		}
		return 0, device.Invalidf("%s: %g is not an encodable value", f.name, v)
	default:
		raw = v
	}

	raw = math.Round(raw)
	if raw < 0 || raw > float64(f.max()) {
		return 0, device.Invalidf("%s: %g out of range [%g, %g]", f.name, v, f.decode(0), f.decode(f.max()))
	}
	return uint32(raw), nil
}
