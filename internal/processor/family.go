// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import "github.com/sustainable-computing-io/pstatectl/internal/perfctr"

// register addresses shared by every supported family
const (
	msrHWCR        = 0xc0010015
	msrC1E         = 0xc0010055
	msrPStateLimit = 0xc0010061
	msrPStateCmd   = 0xc0010062
	msrPStateStat  = 0xc0010063
	msrPStateBase  = 0xc0010064
	msrCOFVIDStat  = 0xc0010071

	// function 3
	pciHTC         = 0x64
	pciPowerCtl    = 0xa0
	pciThermalCtl  = 0xa4
	pciClockPower  = 0xd4
	pciBoostConfig = 0x15c // function 4
)

type boostSupport int

const (
	boostNone boostSupport = iota
	// boost exists when CPUID 8000_0007 EDX reports core performance boost
	boostCPB
	boostAlways
)

// Family is the data that distinguishes one supported processor family from another
type Family struct {
	Name string
	Code uint32 // CPUID family, e.g. 0x10

	pstates  int
	fid      field
	did      field
	didMSD   field // integer part of a quarter-step divisor, did holds the quarter steps
	vid      field
	nbVID    field
	nbDID    field
	enabled  field
	freq     frequencyCodec
	voltage  vidCodec
	pviMode  bool   // F3xA0 PviMode selects the parallel VID codec
	vidFloor uint32 // MinVid code used when the status register reports 0; 0 means no limit
	counters perfctr.Layout
	boost    boostSupport
	c1e      bool
	dram     *dramTables
}

// PStates returns the number of hardware P-state rows
func (f *Family) PStates() int {
	return f.pstates
}

// Counters returns the performance counter layout
func (f *Family) Counters() perfctr.Layout {
	return f.counters
}

var (
	legacyCounters = perfctr.Layout{Slots: 4, CtlBase: 0xc0010000, CtrBase: 0xc0010004, Stride: 1}
	coreCounters   = perfctr.Layout{Slots: 6, CtlBase: 0xc0010200, CtrBase: 0xc0010201, Stride: 2}

	sviCodec = vidCodec{ceiling: 1.550, step: 0.0125, offVID: 0x7c}

	pstateEnabled = rawField("PstateEn", 63, 1)
	cpuVID        = rawField("CpuVid", 9, 7)
)

// K10 is family 10h
var K10 = &Family{
	Name:     "K10",
	Code:     0x10,
	pstates:  5,
	fid:      rawField("CpuFid", 0, 6),
	did:      rawField("CpuDid", 6, 3),
	vid:      cpuVID,
	nbVID:    rawField("NbVid", 25, 7),
	nbDID:    rawField("NbDid", 22, 1),
	enabled:  pstateEnabled,
	freq:     frequencyCodec{fidBase: 0x10, fidMax: 0x3f, didMax: 4},
	voltage:  sviCodec,
	pviMode:  true,
	counters: legacyCounters,
	boost:    boostCPB,
	c1e:      true,
	dram:     k10DRAM,
}

// Griffin is family 11h
var Griffin = &Family{
	Name:     "Griffin",
	Code:     0x11,
	pstates:  8,
	fid:      rawField("CpuFid", 0, 6),
	did:      rawField("CpuDid", 6, 3),
	vid:      cpuVID,
	enabled:  pstateEnabled,
	freq:     frequencyCodec{fidBase: 0x08, fidMax: 0x3f, didMax: 4},
	voltage:  sviCodec,
	counters: legacyCounters,
	dram:     griffinDRAM,
}

// Llano is family 12h
var Llano = &Family{
	Name:    "Llano",
	Code:    0x12,
	pstates: 8,
	fid:     rawField("CpuFid", 4, 5),
	did:     rawField("CpuDid", 0, 4),
	vid:     cpuVID,
	enabled: pstateEnabled,
	freq: frequencyCodec{
		fidBase: 0x10, fidMax: 0x1f, didMax: 8,
		divisor: divisorTable, table: []float64{1, 1.5, 2, 3, 4, 6, 8, 12, 16},
	},
	voltage:  sviCodec,
	vidFloor: 0x58,
	counters: legacyCounters,
	boost:    boostCPB,
}

// Brazos is family 14h. Every P-state shares the main PLL FID in F3xD4 and
// differs only in its divisor.
var Brazos = &Family{
	Name:    "Brazos",
	Code:    0x14,
	pstates: 8,
	did:     rawField("CpuDidLSD", 0, 4),
	didMSD:  rawField("CpuDidMSD", 4, 5),
	vid:     cpuVID,
	enabled: pstateEnabled,
	freq: frequencyCodec{
		fidBase: 0x10, fidMax: 0x3f, didMax: 0x1a<<2 | 0x3,
		divisor: divisorQuarterStep, globalFID: true,
	},
	voltage:  sviCodec,
	vidFloor: 0x58,
	counters: legacyCounters,
}

// Interlagos is family 15h models 00h-0Fh
var Interlagos = &Family{
	Name:     "Interlagos",
	Code:     0x15,
	pstates:  8,
	fid:      rawField("CpuFid", 0, 6),
	did:      rawField("CpuDid", 6, 3),
	vid:      cpuVID,
	enabled:  pstateEnabled,
	freq:     frequencyCodec{fidBase: 0x10, fidMax: 0x3f, didMax: 4},
	voltage:  sviCodec,
	counters: coreCounters,
	boost:    boostAlways,
	dram:     interlagosDRAM,
}

// Families lists every supported family
var Families = []*Family{K10, Griffin, Llano, Brazos, Interlagos}

// status and control register fields
var (
	curPStateLimit = rawField("CurPstateLimit", 0, 3)
	pstateMaxVal   = rawField("PstateMaxVal", 4, 3)
	pstateCmd      = rawField("PstateCmd", 0, 3)
	curPState      = rawField("CurPstate", 0, 3)

	startupPState = rawField("StartupPstate", 32, 3)
	maxVIDField   = rawField("MaxVid", 35, 7)
	minVIDField   = rawField("MinVid", 42, 7)
	maxCPUCOF     = affineField("MaxCpuCof", 49, 6, 0, 100)

	cpbDis       = rawField("CpbDis", 25, 1)
	c1eOnCmpHalt = rawField("C1eOnCmpHalt", 28, 1)

	htcEnable      = rawField("HtcEn", 0, 1)
	htcActive      = rawField("HtcAct", 4, 1)
	htcActiveSts   = rawField("HtcActSts", 5, 1)
	htcTempLimit   = affineField("HtcTmpLmt", 16, 7, 52, 0.5)
	htcHysteresis  = affineField("HtcHystLmt", 24, 4, 0, 0.5)
	htcPStateLimit = rawField("HtcPstateLimit", 28, 3)

	curTemp = affineField("CurTmp", 21, 11, 0, 0.125)

	psiVID     = rawField("PsiVid", 0, 7)
	psiVIDEn   = rawField("PsiVidEn", 7, 1)
	pviModeBit = rawField("PviMode", 8, 1)

	mainPLLFID = rawField("MainPllOpFreqId", 0, 6)

	boostSrc       = rawField("BoostSrc", 0, 2)
	numBoostStates = rawField("NumBoostStates", 2, 3)
	boostLock      = rawField("BoostLock", 31, 1)
)
