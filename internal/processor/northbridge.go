// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// NBVID returns the northbridge VID of P-state ps
func (p *Processor) NBVID(sel topology.Selector, ps int) (uint32, error) {
	return p.getPStateField(sel, ps, p.family.nbVID)
}

// SetNBVID writes the northbridge VID of P-state ps
func (p *Processor) SetNBVID(sel topology.Selector, ps int, vid uint32) error {
	return p.setPStateFields(sel, ps, []field{p.family.nbVID}, []uint32{vid})
}

// NBDID returns the northbridge divisor of P-state ps
func (p *Processor) NBDID(sel topology.Selector, ps int) (uint32, error) {
	return p.getPStateField(sel, ps, p.family.nbDID)
}

// SetNBDID writes the northbridge divisor of P-state ps
func (p *Processor) SetNBDID(sel topology.Selector, ps int, did uint32) error {
	return p.setPStateFields(sel, ps, []field{p.family.nbDID}, []uint32{did})
}

// PSI is the power status indicator configuration of one node. Below PSI VID
// the voltage regulator may switch to a low-power mode.
type PSI struct {
	Enabled bool   `yaml:"enabled"`
	VID     uint32 `yaml:"vid"`
}

func (p *Processor) readPowerCtl(sel topology.Selector, first bool) (*register.PCI, error) {
	nodes, err := p.nodes(sel, first)
	if err != nil {
		return nil, err
	}
	return register.ReadPCI(p.prim, device.NB(3, pciPowerCtl), nodes)
}

// PSI returns the power status indicator of the first node of sel
func (p *Processor) PSI(sel topology.Selector) (PSI, error) {
	reg, err := p.readPowerCtl(sel, true)
	if err != nil {
		return PSI{}, err
	}
	return PSI{
		Enabled: reg.Bits(0, psiVIDEn.base, psiVIDEn.length) == 1,
		VID:     reg.Bits(0, psiVID.base, psiVID.length),
	}, nil
}

// SetPSIEnabled toggles the power status indicator on every node of sel
func (p *Processor) SetPSIEnabled(sel topology.Selector, on bool) error {
	reg, err := p.readPowerCtl(sel, false)
	if err != nil {
		return err
	}
	reg.SetBits(psiVIDEn.base, psiVIDEn.length, uint32(bit(on)))
	return reg.Write()
}

// SetPSIVID sets the PSI threshold VID on every node of sel
func (p *Processor) SetPSIVID(sel topology.Selector, vid uint32) error {
	if vid > psiVID.max() {
		return device.Invalidf("PSI VID 0x%x out of range [0, 0x%x]", vid, psiVID.max())
	}
	reg, err := p.readPowerCtl(sel, false)
	if err != nil {
		return err
	}
	reg.SetBits(psiVID.base, psiVID.length, vid)
	return reg.Write()
}
