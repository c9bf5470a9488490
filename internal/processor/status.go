// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"errors"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

func isUnsupported(err error) bool {
	return errors.Is(err, device.ErrUnsupported)
}

// VIDLimits bound the VID codes a P-state may use. MaxVID is the highest
// voltage and therefore the numerically lowest code.
type VIDLimits struct {
	MinVID uint32 `yaml:"minVID"`
	MaxVID uint32 `yaml:"maxVID"`
}

// readCOFVID reads the COFVID status of the first core of sel
func (p *Processor) readCOFVID(sel topology.Selector) (*register.MSR, error) {
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return nil, err
	}
	return register.ReadMSR(p.prim, msrCOFVIDStat, mask)
}

// VIDLimits returns the live VID limits of the first core of sel. A MinVid of 0
// means no limit, or the family's fixed floor where it has one.
func (p *Processor) VIDLimits(sel topology.Selector) (VIDLimits, error) {
	stat, err := p.readCOFVID(sel)
	if err != nil {
		return VIDLimits{}, err
	}
	limits := VIDLimits{
		MinVID: uint32(stat.Bits(0, minVIDField.base, minVIDField.length)),
		MaxVID: uint32(stat.Bits(0, maxVIDField.base, maxVIDField.length)),
	}
	if limits.MinVID == 0 {
		limits.MinVID = p.family.vidFloor
		if limits.MinVID == 0 {
			limits.MinVID = p.voltage.offVID - 1
		}
	}
	return limits, nil
}

// MinVID returns the VID code of the lowest permitted voltage
func (p *Processor) MinVID(sel topology.Selector) (uint32, error) {
	l, err := p.VIDLimits(sel)
	return l.MinVID, err
}

// MaxVID returns the VID code of the highest permitted voltage
func (p *Processor) MaxVID(sel topology.Selector) (uint32, error) {
	l, err := p.VIDLimits(sel)
	return l.MaxVID, err
}

// StartupPState returns the P-state the core came out of reset in
func (p *Processor) StartupPState(sel topology.Selector) (int, error) {
	stat, err := p.readCOFVID(sel)
	if err != nil {
		return 0, err
	}
	return int(stat.Bits(0, startupPState.base, startupPState.length)), nil
}

// MaxCPUFrequency returns the maximum core frequency in MHz; 0 means no limit
func (p *Processor) MaxCPUFrequency(sel topology.Selector) (uint32, error) {
	stat, err := p.readCOFVID(sel)
	if err != nil {
		return 0, err
	}
	return uint32(maxCPUCOF.decode(uint32(stat.Bits(0, maxCPUCOF.base, maxCPUCOF.length)))), nil
}

// Temperature returns the control temperature of the first node of sel in degrees Celsius
func (p *Processor) Temperature(sel topology.Selector) (float64, error) {
	nodes, err := p.firstNodeMask(sel)
	if err != nil {
		return 0, err
	}
	reg, err := register.ReadPCI(p.prim, device.NB(3, pciThermalCtl), nodes)
	if err != nil {
		return 0, err
	}
	return curTemp.decode(reg.Bits(0, curTemp.base, curTemp.length)), nil
}

// Temperatures returns the temperature of every node of sel, indexed by absolute node
func (p *Processor) Temperatures(sel topology.Selector) (map[int]float64, error) {
	nodes, err := p.nodeMask(sel)
	if err != nil {
		return nil, err
	}
	reg, err := register.ReadPCI(p.prim, device.NB(3, pciThermalCtl), nodes)
	if err != nil {
		return nil, err
	}
	out := make(map[int]float64, reg.Len())
	for i := 0; i < reg.Len(); i++ {
		out[reg.IndexToAbsolute(i)] = curTemp.decode(reg.Bits(i, curTemp.base, curTemp.length))
	}
	return out, nil
}

// C1EEnabled reports whether cores enter C1E on a halt of every core
func (p *Processor) C1EEnabled(sel topology.Selector) (bool, error) {
	if !p.family.c1e {
		return false, device.Unsupportedf("%s has no C1E control", p.family.Name)
	}
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return false, err
	}
	reg, err := register.ReadMSR(p.prim, msrC1E, mask)
	if err != nil {
		return false, err
	}
	return reg.Bits(0, c1eOnCmpHalt.base, c1eOnCmpHalt.length) == 1, nil
}

// SetC1EEnabled toggles C1E on every core of sel
func (p *Processor) SetC1EEnabled(sel topology.Selector, on bool) error {
	if !p.family.c1e {
		return device.Unsupportedf("%s has no C1E control", p.family.Name)
	}
	mask, err := p.coreMask(sel)
	if err != nil {
		return err
	}
	reg, err := register.ReadMSR(p.prim, msrC1E, mask)
	if err != nil {
		return err
	}
	reg.SetBits(c1eOnCmpHalt.base, c1eOnCmpHalt.length, bit(on))
	return reg.Write()
}

func bit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
