// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/alecthomas/kingpin/v2"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

func (c *cli) runStatus(p *processor.Processor, sel topology.Selector) error {
	descs, err := perNode(p, sel, p.Describe)
	if err != nil {
		return err
	}
	return c.printYAML(descs)
}

type setCmd struct {
	cmd       *kingpin.CmdClause
	pstate    int
	frequency *optional[uint32]
	fid       *optional[uint32]
	did       *optional[uint32]
	vid       *optional[uint32]
	vcore     *optional[float64]
	nbVID     *optional[uint32]
	nbDID     *optional[uint32]
	toggle    *toggle
}

func registerSet(app *kingpin.Application) *setCmd {
	s := &setCmd{cmd: app.Command("set", "Program one hardware P-state; changes apply in flag order")}
	s.cmd.Flag("pstate", "Hardware P-state row, boost rows included").Short('p').Required().IntVar(&s.pstate)
	s.frequency = optUint32(s.cmd, "frequency", "Core frequency in MHz")
	s.fid = optUint32(s.cmd, "fid", "Raw frequency ID")
	s.did = optUint32(s.cmd, "did", "Raw divisor ID")
	s.vid = optUint32(s.cmd, "vid", "Raw voltage ID")
	s.vcore = optFloat(s.cmd, "vcore", "Core voltage in volts")
	s.nbVID = optUint32(s.cmd, "nb-vid", "Northbridge voltage ID")
	s.nbDID = optUint32(s.cmd, "nb-did", "Northbridge divisor ID")
	s.toggle = newToggle(s.cmd, "the P-state")
	return s
}

func (c *cli) runSet(p *processor.Processor, sel topology.Selector) error {
	s := c.set
	change, on, err := s.toggle.state()
	if err != nil {
		return err
	}
	if s.frequency.set && (s.fid.set || s.did.set) {
		return device.Invalidf("--frequency cannot be combined with --fid or --did")
	}
	if s.vcore.set && s.vid.set {
		return device.Invalidf("--vcore cannot be combined with --vid")
	}

	ps := s.pstate
	steps := []struct {
		given bool
		apply func() error
	}{
		{s.frequency.set, func() error { return p.SetFrequency(sel, ps, s.frequency.value) }},
		{s.fid.set, func() error { return p.SetFID(sel, ps, s.fid.value) }},
		{s.did.set, func() error { return p.SetDID(sel, ps, s.did.value) }},
		{s.vid.set, func() error { return p.SetVID(sel, ps, s.vid.value) }},
		{s.vcore.set, func() error { return p.SetVcore(sel, ps, s.vcore.value) }},
		{s.nbVID.set, func() error { return p.SetNBVID(sel, ps, s.nbVID.value) }},
		{s.nbDID.set, func() error { return p.SetNBDID(sel, ps, s.nbDID.value) }},
		{change && on, func() error { return p.EnablePState(sel, ps) }},
		{change && !on, func() error { return p.DisablePState(sel, ps) }},
	}

	applied := 0
	for _, step := range steps {
		if !step.given {
			continue
		}
		if err := step.apply(); err != nil {
			return err
		}
		applied++
	}
	if applied == 0 {
		return device.Invalidf("nothing to set for P-state %d", ps)
	}

	table, err := p.PStateTable(sel)
	if err != nil {
		return err
	}
	return c.printYAML(table[ps])
}

type forceCmd struct {
	cmd    *kingpin.CmdClause
	pstate int
}

func registerForce(app *kingpin.Application) *forceCmd {
	f := &forceCmd{cmd: app.Command("force", "Switch the selected cores to a software P-state now")}
	f.cmd.Arg("pstate", "Software P-state, 0 is the fastest non-boost state").Required().IntVar(&f.pstate)
	return f
}

func (c *cli) runForce(p *processor.Processor, sel topology.Selector) error {
	return p.ForcePState(sel, c.force.pstate)
}

type htcCmd struct {
	cmd         *kingpin.CmdClause
	toggle      *toggle
	limit       *optional[float64]
	hysteresis  *optional[float64]
	pstateLimit *optional[int]
}

func registerHTC(app *kingpin.Application) *htcCmd {
	h := &htcCmd{cmd: app.Command("htc", "Show or change hardware thermal control")}
	h.toggle = newToggle(h.cmd, "hardware thermal control")
	h.limit = optFloat(h.cmd, "limit", "Temperature limit in degrees Celsius")
	h.hysteresis = optFloat(h.cmd, "hysteresis", "Hysteresis in degrees Celsius")
	h.pstateLimit = optInt(h.cmd, "pstate-limit", "P-state entered while throttling")
	return h
}

func (c *cli) runHTC(p *processor.Processor, sel topology.Selector) error {
	h := c.htc
	change, on, err := h.toggle.state()
	if err != nil {
		return err
	}
	if h.limit.set {
		if err := p.SetHTCTempLimit(sel, h.limit.value); err != nil {
			return err
		}
	}
	if h.hysteresis.set {
		if err := p.SetHTCHysteresis(sel, h.hysteresis.value); err != nil {
			return err
		}
	}
	if h.pstateLimit.set {
		if err := p.SetHTCPStateLimit(sel, h.pstateLimit.value); err != nil {
			return err
		}
	}
	if change {
		if err := p.SetHTCEnabled(sel, on); err != nil {
			return err
		}
	}

	state, err := perNode(p, sel, p.HTC)
	if err != nil {
		return err
	}
	return c.printYAML(state)
}

type boostCmd struct {
	cmd    *kingpin.CmdClause
	toggle *toggle
	states *optional[int]
}

type boostState struct {
	States  int  `yaml:"states"`
	Enabled bool `yaml:"enabled"`
	Locked  bool `yaml:"locked"`
}

func registerBoost(app *kingpin.Application) *boostCmd {
	b := &boostCmd{cmd: app.Command("boost", "Show or change core performance boost")}
	b.toggle = newToggle(b.cmd, "boost")
	b.states = optInt(b.cmd, "states", "Number of boost P-states")
	return b
}

func (c *cli) runBoost(p *processor.Processor, sel topology.Selector) error {
	b := c.boost
	change, on, err := b.toggle.state()
	if err != nil {
		return err
	}
	if b.states.set {
		if err := p.SetBoostStates(sel, b.states.value); err != nil {
			return err
		}
	}
	if change {
		if err := p.SetBoostEnabled(sel, on); err != nil {
			return err
		}
	}

	state, err := perNode(p, sel, func(s topology.Selector) (boostState, error) {
		var st boostState
		var err error
		if st.States, err = p.BoostStates(s); err != nil {
			return st, err
		}
		if st.Enabled, err = p.BoostEnabled(s); err != nil {
			return st, err
		}
		st.Locked, err = p.BoostLocked(s)
		return st, err
	})
	if err != nil {
		return err
	}
	return c.printYAML(state)
}

type dramCmd struct {
	cmd *kingpin.CmdClause
	dct int
}

func registerDRAM(app *kingpin.Application) *dramCmd {
	d := &dramCmd{cmd: app.Command("dram", "Show the DRAM timings of one memory controller")}
	d.cmd.Flag("dct", "DRAM controller, 0 or 1").Default("0").IntVar(&d.dct)
	return d
}

func (c *cli) runDRAM(p *processor.Processor, sel topology.Selector) error {
	timings, err := perNode(p, sel, func(s topology.Selector) (*processor.DRAMTimings, error) {
		return p.DRAMTimings(s, c.dram.dct)
	})
	if err != nil {
		return err
	}
	return c.printYAML(timings)
}

type psiCmd struct {
	cmd    *kingpin.CmdClause
	toggle *toggle
	vid    *optional[uint32]
}

func registerPSI(app *kingpin.Application) *psiCmd {
	s := &psiCmd{cmd: app.Command("psi", "Show or change the power status indicator")}
	s.toggle = newToggle(s.cmd, "the power status indicator")
	s.vid = optUint32(s.cmd, "vid", "Voltage ID below which the regulator may enter its low-power mode")
	return s
}

func (c *cli) runPSI(p *processor.Processor, sel topology.Selector) error {
	s := c.psi
	change, on, err := s.toggle.state()
	if err != nil {
		return err
	}
	if s.vid.set {
		if err := p.SetPSIVID(sel, s.vid.value); err != nil {
			return err
		}
	}
	if change {
		if err := p.SetPSIEnabled(sel, on); err != nil {
			return err
		}
	}

	state, err := perNode(p, sel, p.PSI)
	if err != nil {
		return err
	}
	return c.printYAML(state)
}

type c1eCmd struct {
	cmd    *kingpin.CmdClause
	toggle *toggle
}

func registerC1E(app *kingpin.Application) *c1eCmd {
	e := &c1eCmd{cmd: app.Command("c1e", "Show or change C1E on the selected cores")}
	e.toggle = newToggle(e.cmd, "C1E")
	return e
}

func (c *cli) runC1E(p *processor.Processor, sel topology.Selector) error {
	change, on, err := c.c1e.toggle.state()
	if err != nil {
		return err
	}
	if change {
		if err := p.SetC1EEnabled(sel, on); err != nil {
			return err
		}
	}

	state, err := perNode(p, sel, p.C1EEnabled)
	if err != nil {
		return err
	}
	return c.printYAML(state)
}
