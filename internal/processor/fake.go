// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// NOTE: fake machines are for testing and development only

type fakePState struct {
	freq  uint32
	vcore float64
}

type fakePreset struct {
	model   uint32
	brand   string
	cpb     bool
	boost   int
	pllFID  uint32
	pstates []fakePState
	dram    map[uint32]uint32 // function 2 register -> value
}

var fakePresets = map[*Family]fakePreset{
	K10: {
		model: 0x0a, brand: "AMD Phenom(tm) II X6 1090T Processor", cpb: true, boost: 1,
		pstates: []fakePState{{3600, 1.475}, {3200, 1.400}, {2400, 1.250}, {1600, 1.100}, {800, 0.950}},
		dram:    map[uint32]uint32{0x94: 1 << 8, 0x88: 0x0012_2695, 0x8c: 0x0001_0900},
	},
	Griffin: {
		model: 0x03, brand: "AMD Turion(tm) X2 Ultra Dual-Core Mobile ZM-82",
		pstates: []fakePState{{2200, 1.150}, {1100, 1.000}, {550, 0.850}},
		dram:    map[uint32]uint32{0x88: 0x0022_1233, 0x8c: 0x0000_0100},
	},
	Llano: {
		model: 0x01, brand: "AMD A8-3500M APU with Radeon(tm) HD Graphics", cpb: true, boost: 1,
		pstates: []fakePState{{2400, 1.325}, {1500, 1.100}, {1300, 1.050}, {1100, 0.950}, {800, 0.875}},
	},
	Brazos: {
		model: 0x01, brand: "AMD E-350 Processor", pllFID: 0x10,
		pstates: []fakePState{{1600, 1.250}, {1280, 1.150}, {800, 0.950}},
	},
	Interlagos: {
		model: 0x01, brand: "AMD Opteron(TM) Processor 6272", boost: 2,
		pstates: []fakePState{{3000, 1.300}, {2600, 1.250}, {2100, 1.150}, {1900, 1.100}, {1700, 1.050}, {1400, 0.950}},
		dram:    map[uint32]uint32{0x200: 0x0f09_0909, 0x204: 0x0605_0421, 0x22c: 0x0a},
	},
}

// NewFakeMachine returns fake primitives populated like a machine of family.
// Performance counters count core clocks at the current P-state frequency
// under a load that differs per core.
func NewFakeMachine(f *Family, nodes, coresPerNode int) (*device.Fake, error) {
	preset, ok := fakePresets[f]
	if !ok {
		return nil, device.Unsupportedf("no fake preset for %s", f.Name)
	}
	topo, err := topology.New(nodes, coresPerNode)
	if err != nil {
		return nil, err
	}
	fake := device.NewFake(topo.Cores(), nodes)

	setFakeCPUID(fake, f, preset, coresPerNode)
	fake.SetPCI(0, 0, 0x60, uint32(nodes-1)<<4)

	// P-state table
	vids := make([]uint32, len(preset.pstates))
	for ps, pstate := range preset.pstates {
		fid, did, err := f.freq.toFD(pstate.freq, preset.pllFID)
		if err != nil {
			return nil, err
		}
		vid, err := sviCodec.toVID(pstate.vcore)
		if err != nil {
			return nil, err
		}
		vids[ps] = vid

		v := uint64(1) << f.enabled.base
		v |= uint64(vid) << f.vid.base
		if f.fid.present() {
			v |= uint64(fid) << f.fid.base
		}
		if f.didMSD.present() {
			v |= uint64(did>>2) << f.didMSD.base
			v |= uint64(did&0x3) << f.did.base
		} else {
			v |= uint64(did) << f.did.base
		}
		if f.nbVID.present() {
			v |= uint64(vid) << f.nbVID.base
		}
		fake.SetMSRAll(pstateMSR(ps), v)
	}

	software := len(preset.pstates) - preset.boost
	cofvid := uint64(preset.boost) << startupPState.base
	cofvid |= uint64(vids[0]) << maxVIDField.base
	fake.SetMSRAll(msrCOFVIDStat, cofvid)
	fake.SetMSRAll(msrPStateLimit, uint64(software-1)<<pstateMaxVal.base)

	// thermal: HTC enabled at 70C with 2C hysteresis, 45C now
	fake.SetPCIAll(3, pciHTC, 1|36<<htcTempLimit.base|4<<htcHysteresis.base|2<<htcPStateLimit.base)
	fake.SetPCIAll(3, pciThermalCtl, uint32(45/0.125)<<curTemp.base)
	fake.SetPCIAll(3, pciPowerCtl, 1<<psiVIDEn.base|0x30)
	if f.freq.globalFID {
		fake.SetPCIAll(3, pciClockPower, preset.pllFID)
	}
	if preset.boost > 0 {
		fake.SetPCIAll(4, pciBoostConfig, uint32(preset.boost)<<numBoostStates.base|boostSrcEnabled)
	}
	for reg, v := range preset.dram {
		fake.SetPCIAll(2, reg, v)
	}

	installCounters(fake, f, topo)
	return fake, nil
}

func setFakeCPUID(fake *device.Fake, f *Family, preset fakePreset, coresPerNode int) {
	vendor := []byte(vendorAMD)
	fake.SetCPUID(leafVendor, device.CPUIDRegs{
		EAX: leafSignature,
		EBX: binary.LittleEndian.Uint32(vendor[0:4]),
		EDX: binary.LittleEndian.Uint32(vendor[4:8]),
		ECX: binary.LittleEndian.Uint32(vendor[8:12]),
	})
	fake.SetCPUID(leafSignature, device.CPUIDRegs{EAX: Signature(f.Code, preset.model, 0)})

	brand := make([]byte, 48)
	copy(brand, preset.brand)
	for i := uint32(0); i < 3; i++ {
		b := brand[16*i:]
		fake.SetCPUID(leafBrand+i, device.CPUIDRegs{
			EAX: binary.LittleEndian.Uint32(b[0:]),
			EBX: binary.LittleEndian.Uint32(b[4:]),
			ECX: binary.LittleEndian.Uint32(b[8:]),
			EDX: binary.LittleEndian.Uint32(b[12:]),
		})
	}

	var edx uint32
	if preset.cpb {
		edx = cpbFlag
	}
	fake.SetCPUID(leafPowerMgmt, device.CPUIDRegs{EDX: edx})
	fake.SetCPUID(leafAddrSizes, device.CPUIDRegs{ECX: uint32(coresPerNode - 1)})
}

// Signature encodes a CPUID Fn0000_0001 EAX value
func Signature(family, model, stepping uint32) uint32 {
	ext := uint32(0)
	base := family
	if family >= 0xf {
		base, ext = 0xf, family-0xf
	}
	return ext<<extFamilyShift | (model>>4)<<16 | base<<8 | (model&0xf)<<4 | stepping&0xf
}

// installCounters makes every counter register advance by the core clocks elapsed
// since its previous read
func installCounters(fake *device.Fake, f *Family, topo topology.Topology) {
	var mu sync.Mutex
	last := make(map[int]time.Time)
	start := time.Now()

	hook := func(cpu int, current uint64) uint64 {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		prev, ok := last[cpu]
		last[cpu] = now
		if !ok {
			return current
		}

		row := int(fake.MSR(cpu, msrPStateStat)&0x7) + boostRows(fake, f, topo, cpu)
		v := fake.MSR(cpu, pstateMSR(row))
		fid := uint32(v>>f.fid.base) & f.fid.max()
		if f.freq.globalFID {
			fid = fake.PCI(0, 3, pciClockPower) & mainPLLFID.max()
		}
		did := uint32(v>>f.did.base) & f.did.max()
		if f.didMSD.present() {
			did = uint32(v>>f.didMSD.base)&f.didMSD.max()<<2 | did&0x3
		}
		mhz := float64(f.freq.toFreq(fid, did))

		// each core follows its own slow load wave
		t := now.Sub(start).Seconds()
		load := 0.5 + 0.5*math.Sin(t/5+float64(cpu))
		elapsed := float64(now.Sub(prev).Microseconds())
		return current + uint64(mhz*elapsed*load)
	}

	layout := f.counters
	for slot := 0; slot < layout.Slots; slot++ {
		fake.OnRead(layout.CtrBase+uint32(slot)*layout.Stride, hook)
	}
}

func boostRows(fake *device.Fake, f *Family, topo topology.Topology, cpu int) int {
	if f.boost == boostNone {
		return 0
	}
	_, node := topo.Locate(cpu)
	return int(fake.PCI(node, 4, pciBoostConfig)>>numBoostStates.base) & int(numBoostStates.max())
}
