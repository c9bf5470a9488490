// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"fmt"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

const boostSrcEnabled = 0b01

// HasBoost reports whether the processor implements core performance boost
func (p *Processor) HasBoost() bool {
	switch p.family.boost {
	case boostAlways:
		return true
	case boostCPB:
		return p.id.CPB
	default:
		return false
	}
}

func (p *Processor) readBoost(sel topology.Selector, first bool) (*register.PCI, error) {
	if !p.HasBoost() {
		return nil, device.Unsupportedf("%s has no core performance boost", p.id)
	}
	nodes, err := p.nodes(sel, first)
	if err != nil {
		return nil, err
	}
	return register.ReadPCI(p.prim, device.NB(4, pciBoostConfig), nodes)
}

// BoostStates returns the number of boost P-states on the first node of sel.
// Boost states occupy the lowest hardware P-state rows.
func (p *Processor) BoostStates(sel topology.Selector) (int, error) {
	reg, err := p.readBoost(sel, true)
	if err != nil {
		return 0, err
	}
	return int(reg.Bits(0, numBoostStates.base, numBoostStates.length)), nil
}

// BoostLocked reports whether firmware locked the boost configuration
func (p *Processor) BoostLocked(sel topology.Selector) (bool, error) {
	reg, err := p.readBoost(sel, true)
	if err != nil {
		return false, err
	}
	return reg.Bits(0, boostLock.base, boostLock.length) == 1, nil
}

// BoostEnabled reports whether boost is enabled on the node and not disabled
// on the first core of sel
func (p *Processor) BoostEnabled(sel topology.Selector) (bool, error) {
	reg, err := p.readBoost(sel, true)
	if err != nil {
		return false, err
	}
	if reg.Bits(0, boostSrc.base, boostSrc.length) != boostSrcEnabled {
		return false, nil
	}
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return false, err
	}
	hwcr, err := register.ReadMSR(p.prim, msrHWCR, mask)
	if err != nil {
		return false, err
	}
	return hwcr.Bits(0, cpbDis.base, cpbDis.length) == 0, nil
}

// writableBoost reads the boost configuration and rejects it when any node of sel is locked
func (p *Processor) writableBoost(sel topology.Selector) (*register.PCI, error) {
	reg, err := p.readBoost(sel, false)
	if err != nil {
		return nil, err
	}
	for i := 0; i < reg.Len(); i++ {
		if reg.Bits(i, boostLock.base, boostLock.length) == 1 {
			return nil, fmt.Errorf("%w: boost configuration of node %d", device.ErrLocked, reg.IndexToAbsolute(i))
		}
	}
	return reg, nil
}

// SetBoostStates sets the number of boost P-states on every node of sel
func (p *Processor) SetBoostStates(sel topology.Selector, n int) error {
	if n < 0 || n >= p.family.pstates || uint32(n) > numBoostStates.max() {
		return device.Invalidf("boost states %d out of range [0, %d]", n, min(p.family.pstates-1, int(numBoostStates.max())))
	}
	reg, err := p.writableBoost(sel)
	if err != nil {
		return err
	}
	reg.SetBits(numBoostStates.base, numBoostStates.length, uint32(n))
	if err := reg.Write(); err != nil {
		return err
	}
	p.logger.Info("Boost states set", "states", n, "selection", sel.String())
	return nil
}

// SetBoostEnabled enables or disables boost on every node of sel and clears or
// sets the per-core boost disable of every core of sel
func (p *Processor) SetBoostEnabled(sel topology.Selector, on bool) error {
	mask, err := p.coreMask(sel)
	if err != nil {
		return err
	}
	reg, err := p.writableBoost(sel)
	if err != nil {
		return err
	}
	src := uint32(0)
	if on {
		src = boostSrcEnabled
	}
	reg.SetBits(boostSrc.base, boostSrc.length, src)
	if err := reg.Write(); err != nil {
		return err
	}

	hwcr, err := register.ReadMSR(p.prim, msrHWCR, mask)
	if err != nil {
		return err
	}
	hwcr.SetBits(cpbDis.base, cpbDis.length, bit(!on))
	if err := hwcr.Write(); err != nil {
		return err
	}
	p.logger.Info("Boost toggled", "enabled", on, "selection", sel.String())
	return nil
}
