// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"math"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

type divisorKind int

const (
	// divisor = 2^did
	divisorPowerOfTwo divisorKind = iota
	// divisor = table[did]
	divisorTable
	// did = integer<<2 | quarter, divisor = integer + quarter/4 + 1
	divisorQuarterStep
)

// frequencyCodec converts between (fid, did) and core frequency:
// freq = 100 * (fid + fidBase) / divisor(did) MHz
type frequencyCodec struct {
	fidBase uint32
	fidMax  uint32
	didMax  uint32
	divisor divisorKind
	table   []float64

	// globalFID is set when the FID is a single PLL setting shared by every
	// P-state, so only the divisor can be chosen per P-state
	globalFID bool
}

func (c frequencyCodec) divide(did uint32) float64 {
	switch c.divisor {
	case divisorTable:
		if int(did) < len(c.table) {
			return c.table[did]
		}
		return c.table[len(c.table)-1]
	case divisorQuarterStep:
		return float64(did>>2) + float64(did&0x3)/4 + 1
	default:
		return float64(uint64(1) << did)
	}
}

// toFreq returns the frequency in whole MHz
func (c frequencyCodec) toFreq(fid, did uint32) uint32 {
	return uint32(math.Round(100 * float64(fid+c.fidBase) / c.divide(did)))
}

// toFD picks the canonical (fid, did) for freq: the smallest divisor whose fid
// reproduces freq exactly. Without an exact pair the smallest divisor giving a
// non-negative fid is used, with fid clamped to its maximum, or fid 0 at the
// largest divisor when even that cannot reach freq.
//
// For a global FID codec pllFID is the fixed PLL fid and only the divisor is searched.
func (c frequencyCodec) toFD(freq uint32, pllFID uint32) (fid, did uint32, err error) {
	if freq == 0 {
		return 0, 0, device.Invalidf("frequency must be positive")
	}

	if c.globalFID {
		pll := 100 * float64(pllFID+c.fidBase)
		q := math.Round(4 * (pll/float64(freq) - 1))
		switch {
		case q < 0:
			q = 0
		case q > float64(c.didMax):
			q = float64(c.didMax)
		}
		return pllFID, uint32(q), nil
	}

	found := false
	var fallbackFID, fallbackDID uint32
	for did = 0; did <= c.didMax; did++ {
		f := math.Round(float64(freq)*c.divide(did)/100) - float64(c.fidBase)
		if f < 0 {
			continue
		}
		if f > float64(c.fidMax) {
			if !found {
				fallbackFID, fallbackDID, found = c.fidMax, did, true
			}
			continue
		}
		if c.toFreq(uint32(f), did) == freq {
			return uint32(f), did, nil
		}
		if !found {
			fallbackFID, fallbackDID, found = uint32(f), did, true
		}
	}
	if found {
		return fallbackFID, fallbackDID, nil
	}
	return 0, c.didMax, nil
}

// vidCodec converts between a voltage identifier and core voltage.
//
// Serial VID: vcore = ceiling - step*vid, with codes at or above offVID meaning 0 V.
// Parallel VID adds a second, finer slope above pviSplit and a fixed floor at
// and above pviFloorVID; codes below pviSplit decode rounded down to even.
type vidCodec struct {
	ceiling float64
	step    float64
	offVID  uint32
	pvi     bool
}

const (
	pviSplit     = 0x3f
	pviFloorVID  = 0x5d
	pviFloor     = 0.375
	pviHighBase  = 1.1625
	pviHighStep  = 0.00625
	vidTolerance = 1e-9
)

func (c vidCodec) toVcore(vid uint32) float64 {
	if c.pvi {
		switch {
		case vid >= pviFloorVID:
			return pviFloor
		case vid < pviSplit:
			vid &^= 1
			return roundVolts(c.ceiling - c.step*float64(vid))
		default:
			return roundVolts(pviHighBase - pviHighStep*float64(vid))
		}
	}
	if vid >= c.offVID {
		return 0
	}
	return roundVolts(c.ceiling - c.step*float64(vid))
}

func (c vidCodec) toVID(vcore float64) (uint32, error) {
	if vcore < 0 || vcore > c.ceiling+vidTolerance {
		return 0, device.Invalidf("vcore %.4fV out of range [0, %.4f]", vcore, c.ceiling)
	}

	if c.pvi {
		low := pviHighBase - pviHighStep*float64(pviFloorVID-1)
		switch {
		case vcore >= c.ceiling-c.step*float64(pviSplit-1)-vidTolerance:
			vid := uint32(math.Round((c.ceiling - vcore) / c.step))
			return vid &^ 1, nil
		case vcore >= low-vidTolerance:
			vid := uint32(math.Round((pviHighBase - vcore) / pviHighStep))
			if vid < pviSplit {
				vid = pviSplit
			}
			return vid, nil
		case math.Abs(vcore-pviFloor) < vidTolerance:
			return pviFloorVID, nil
		default:
			return 0, device.Invalidf("vcore %.4fV not encodable in parallel VID mode", vcore)
		}
	}

	vid := uint32(math.Round((c.ceiling - vcore) / c.step))
	if vid > c.offVID {
		vid = c.offVID
	}
	return vid, nil
}

// roundVolts drops floating point noise below 0.1mV
func roundVolts(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
