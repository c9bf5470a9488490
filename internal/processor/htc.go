// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// HTC is the hardware thermal control state of one node
type HTC struct {
	Enabled     bool    `yaml:"enabled"`
	Active      bool    `yaml:"active"`
	ActiveSts   bool    `yaml:"activeSticky"`
	TempLimit   float64 `yaml:"tempLimit"`
	Hysteresis  float64 `yaml:"hysteresis"`
	PStateLimit int     `yaml:"pstateLimit"`
}

func (p *Processor) readHTC(sel topology.Selector, first bool) (*register.PCI, error) {
	nodes, err := p.nodes(sel, first)
	if err != nil {
		return nil, err
	}
	return register.ReadPCI(p.prim, device.NB(3, pciHTC), nodes)
}

// HTC returns the thermal control state of the first node of sel
func (p *Processor) HTC(sel topology.Selector) (HTC, error) {
	reg, err := p.readHTC(sel, true)
	if err != nil {
		return HTC{}, err
	}
	get := func(f field) uint32 {
		return reg.Bits(0, f.base, f.length)
	}
	return HTC{
		Enabled:     get(htcEnable) == 1,
		Active:      get(htcActive) == 1,
		ActiveSts:   get(htcActiveSts) == 1,
		TempLimit:   htcTempLimit.decode(get(htcTempLimit)),
		Hysteresis:  htcHysteresis.decode(get(htcHysteresis)),
		PStateLimit: int(get(htcPStateLimit)),
	}, nil
}

// HTCActive reports, per absolute node, whether HTC is throttling right now
func (p *Processor) HTCActive(sel topology.Selector) (map[int]bool, error) {
	reg, err := p.readHTC(sel, false)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, reg.Len())
	for i := 0; i < reg.Len(); i++ {
		out[reg.IndexToAbsolute(i)] = reg.Bits(i, htcActive.base, htcActive.length) == 1
	}
	return out, nil
}

func (p *Processor) setHTC(sel topology.Selector, f field, raw uint32) error {
	reg, err := p.readHTC(sel, false)
	if err != nil {
		return err
	}
	reg.SetBits(f.base, f.length, raw)
	if err := reg.Write(); err != nil {
		return err
	}
	p.logger.Debug("HTC updated", "field", f.name, "raw", raw, "selection", sel.String())
	return nil
}

// SetHTCEnabled toggles hardware thermal control on every node of sel
func (p *Processor) SetHTCEnabled(sel topology.Selector, on bool) error {
	return p.setHTC(sel, htcEnable, uint32(bit(on)))
}

// SetHTCTempLimit sets the throttling temperature in degrees Celsius, 52 to 115.5 in 0.5 steps
func (p *Processor) SetHTCTempLimit(sel topology.Selector, celsius float64) error {
	raw, err := htcTempLimit.encode(celsius)
	if err != nil {
		return err
	}
	return p.setHTC(sel, htcTempLimit, raw)
}

// SetHTCHysteresis sets the hysteresis in degrees Celsius, 0 to 7.5 in 0.5 steps
func (p *Processor) SetHTCHysteresis(sel topology.Selector, celsius float64) error {
	raw, err := htcHysteresis.encode(celsius)
	if err != nil {
		return err
	}
	return p.setHTC(sel, htcHysteresis, raw)
}

// SetHTCPStateLimit sets the P-state the cores are held at while HTC is active
func (p *Processor) SetHTCPStateLimit(sel topology.Selector, ps int) error {
	if err := p.checkPState(ps); err != nil {
		return err
	}
	if uint32(ps) > htcPStateLimit.max() {
		return device.Invalidf("HTC P-state limit %d out of range [0, %d]", ps, htcPStateLimit.max())
	}
	return p.setHTC(sel, htcPStateLimit, uint32(ps))
}
