// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"fmt"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// Memory types
const (
	DDR2 = "DDR2"
	DDR3 = "DDR3"
)

const (
	unitClocks = "clk"
	unitNanos  = "ns"
)

type timingField struct {
	field
	unit string
}

func clocks(name string, base, length uint, offset float64) timingField {
	return timingField{field: offsetField(name, base, length, offset), unit: unitClocks}
}

func nanos(name string, base, length uint, table ...float64) timingField {
	return timingField{field: tableField(name, base, length, table...), unit: unitNanos}
}

type timingRegister struct {
	reg    uint32
	fields []timingField
}

// dramTables decode the DRAM timing registers of function 2. There is no formula
// shared between families or memory types, only per-field offsets.
type dramTables struct {
	ddr2 []timingRegister
	ddr3 []timingRegister

	// DCT configuration high; Ddr3Mode selects the table. Zero means DDR3 only.
	modeReg uint32
	modeBit field

	// DCT1 registers live at dct1Offset from DCT0, or are selected through
	// DctCfgSel in F1x10C when dct1Offset is zero
	dct1Offset uint32
}

var ddr2Tables = []timingRegister{
	{reg: 0x88, fields: []timingField{
		clocks("Tcl", 0, 4, 2),
		clocks("Trcd", 4, 2, 3),
		clocks("Trp", 8, 2, 3),
		clocks("Trtp", 11, 1, 2),
		clocks("Tras", 12, 4, 3),
		clocks("Trc", 16, 4, 11),
		clocks("Twr", 20, 2, 3),
		clocks("Trrd", 22, 2, 2),
	}},
	{reg: 0x8c, fields: []timingField{
		clocks("Twtr", 8, 2, 1),
		clocks("Trwt", 10, 3, 2),
		nanos("Trfc0", 16, 3, 75, 105, 127.5, 195, 327.5),
		nanos("Trfc1", 19, 3, 75, 105, 127.5, 195, 327.5),
	}},
}

var k10DRAM = &dramTables{
	ddr2: ddr2Tables,
	ddr3: []timingRegister{
		{reg: 0x88, fields: []timingField{
			clocks("Tcl", 0, 4, 4),
			clocks("Trcd", 4, 3, 5),
			clocks("Trp", 7, 3, 5),
			clocks("Trtp", 10, 2, 4),
			clocks("Tras", 12, 4, 15),
			clocks("Trc", 16, 5, 11),
			clocks("Trrd", 22, 2, 4),
		}},
		{reg: 0x8c, fields: []timingField{
			clocks("Twtr", 8, 2, 4),
			clocks("Trwt", 10, 3, 2),
			nanos("Trfc0", 16, 3, 90, 110, 160, 300, 350),
			nanos("Trfc1", 19, 3, 90, 110, 160, 300, 350),
		}},
	},
	modeReg:    0x94,
	modeBit:    rawField("Ddr3Mode", 8, 1),
	dct1Offset: 0x100,
}

var griffinDRAM = &dramTables{
	ddr2:       ddr2Tables,
	dct1Offset: 0x100,
}

var interlagosDRAM = &dramTables{
	ddr3: []timingRegister{
		{reg: 0x200, fields: []timingField{
			clocks("Tcl", 0, 5, 0),
			clocks("Trcd", 8, 5, 0),
			clocks("Trp", 16, 5, 0),
			clocks("Tras", 24, 6, 0),
		}},
		{reg: 0x204, fields: []timingField{
			clocks("Trc", 0, 6, 0),
			clocks("Trtp", 8, 3, 0),
			clocks("Trrd", 16, 4, 0),
			clocks("Twtr", 24, 4, 0),
		}},
		{reg: 0x22c, fields: []timingField{
			clocks("Twr", 0, 5, 0),
		}},
	},
}

var dctCfgSel = rawField("DctCfgSel", 0, 1)

const pciDCTConfigSelect = 0x10c // function 1

// Timing is one decoded DRAM timing parameter
type Timing struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
	Unit  string  `yaml:"unit"`
}

// DRAMTimings are the decoded timings of one DRAM controller
type DRAMTimings struct {
	Node    int      `yaml:"node"`
	DCT     int      `yaml:"dct"`
	Type    string   `yaml:"type"`
	Timings []Timing `yaml:"timings"`
}

func (t *DRAMTimings) Get(name string) (Timing, bool) {
	for _, timing := range t.Timings {
		if timing.Name == name {
			return timing, true
		}
	}
	return Timing{}, false
}

// DRAMTimings decodes the timings of controller dct (0 or 1) on the first node of sel
func (p *Processor) DRAMTimings(sel topology.Selector, dct int) (*DRAMTimings, error) {
	tables := p.family.dram
	if tables == nil {
		return nil, device.Unsupportedf("%s has no DRAM timing decode", p.family.Name)
	}
	if dct < 0 || dct > 1 {
		return nil, device.Invalidf("DRAM controller %d out of range [0, 1]", dct)
	}
	nodes, err := p.firstNodeMask(sel)
	if err != nil {
		return nil, err
	}

	memType, regs := DDR3, tables.ddr3
	switch {
	case tables.ddr3 == nil:
		memType, regs = DDR2, tables.ddr2
	case tables.ddr2 != nil:
		mode, err := register.ReadPCI(p.prim, device.NB(2, tables.modeReg), nodes)
		if err != nil {
			return nil, err
		}
		if mode.Bits(0, tables.modeBit.base, tables.modeBit.length) == 0 {
			memType, regs = DDR2, tables.ddr2
		}
	}

	offset := uint32(0)
	if dct == 1 {
		if tables.dct1Offset != 0 {
			offset = tables.dct1Offset
		} else {
			restore, err := p.selectDCT(nodes, 1)
			if err != nil {
				return nil, err
			}
			defer restore()
		}
	}

	out := &DRAMTimings{Node: nodes.First(), DCT: dct, Type: memType}
	for _, tr := range regs {
		reg, err := register.ReadPCI(p.prim, device.NB(2, tr.reg+offset), nodes)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s timings: %w", memType, err)
		}
		for _, f := range tr.fields {
			raw := reg.Bits(0, f.base, f.length)
			out.Timings = append(out.Timings, Timing{Name: f.name, Value: f.decode(raw), Unit: f.unit})
		}
	}
	return out, nil
}

// selectDCT routes function 2 accesses to one controller and returns a func restoring the previous routing
func (p *Processor) selectDCT(nodes device.NodeMask, dct uint32) (func(), error) {
	sel, err := register.ReadPCI(p.prim, device.NB(1, pciDCTConfigSelect), nodes)
	if err != nil {
		return nil, err
	}
	prev := sel.Bits(0, dctCfgSel.base, dctCfgSel.length)
	sel.SetBits(dctCfgSel.base, dctCfgSel.length, dct)
	if err := sel.Write(); err != nil {
		return nil, err
	}
	return func() {
		sel.SetBits(dctCfgSel.base, dctCfgSel.length, prev)
		if err := sel.Write(); err != nil {
			p.logger.Warn("failed to restore DCT selection", "node", nodes.First(), "error", err)
		}
	}, nil
}
