// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// PStateInfo is one decoded row of the P-state table
type PStateInfo struct {
	Index     int     `yaml:"index"`
	Boost     bool    `yaml:"boost"`
	Enabled   bool    `yaml:"enabled"`
	FID       uint32  `yaml:"fid"`
	DID       uint32  `yaml:"did"`
	VID       uint32  `yaml:"vid"`
	Frequency uint32  `yaml:"frequencyMHz"`
	Vcore     float64 `yaml:"vcore"`
	NBVID     *uint32 `yaml:"nbVID,omitempty"`
	NBDID     *uint32 `yaml:"nbDID,omitempty"`
}

// Description is the decoded state of one node, as seen from its first core
type Description struct {
	Family        string       `yaml:"family"`
	Processor     Identity     `yaml:"processor"`
	Topology      string       `yaml:"topology"`
	Node          int          `yaml:"node"`
	Core          int          `yaml:"core"`
	PStates       []PStateInfo `yaml:"pstates"`
	CurrentPState int          `yaml:"currentPState"`
	Limits        Limits       `yaml:"limits"`
	VIDLimits     VIDLimits    `yaml:"vidLimits"`
	StartupPState int          `yaml:"startupPState"`
	MaxFrequency  uint32       `yaml:"maxFrequencyMHz"`
	Temperature   float64      `yaml:"temperature"`
	HTC           HTC          `yaml:"htc"`
	PSI           PSI          `yaml:"psi"`
	BoostStates   *int         `yaml:"boostStates,omitempty"`
	BoostEnabled  *bool        `yaml:"boostEnabled,omitempty"`
	BoostLocked   *bool        `yaml:"boostLocked,omitempty"`
	C1E           *bool        `yaml:"c1e,omitempty"`
}

// Describe decodes the P-state table and status registers for the first core of sel
func (p *Processor) Describe(sel topology.Selector) (*Description, error) {
	if err := p.topo.Validate(sel); err != nil {
		return nil, err
	}
	first := p.topo.FirstCore(sel)

	d := &Description{
		Family:    p.family.Name,
		Processor: p.id,
		Topology:  p.topo.String(),
		Node:      first.Node,
		Core:      first.Core,
	}

	boost := 0
	if p.HasBoost() {
		n, err := p.BoostStates(first)
		if err != nil {
			return nil, err
		}
		enabled, err := p.BoostEnabled(first)
		if err != nil {
			return nil, err
		}
		locked, err := p.BoostLocked(first)
		if err != nil {
			return nil, err
		}
		boost = n
		d.BoostStates, d.BoostEnabled, d.BoostLocked = &n, &enabled, &locked
	}

	pstates, err := p.PStateTable(first)
	if err != nil {
		return nil, err
	}
	for i := range pstates {
		pstates[i].Boost = i < boost
	}
	d.PStates = pstates

	if d.CurrentPState, err = p.CurrentPState(first); err != nil {
		return nil, err
	}
	if d.Limits, err = p.PStateLimits(first); err != nil {
		return nil, err
	}
	if d.VIDLimits, err = p.VIDLimits(first); err != nil {
		return nil, err
	}
	if d.StartupPState, err = p.StartupPState(first); err != nil {
		return nil, err
	}
	if d.MaxFrequency, err = p.MaxCPUFrequency(first); err != nil {
		return nil, err
	}
	if d.Temperature, err = p.Temperature(first); err != nil {
		return nil, err
	}
	if d.HTC, err = p.HTC(first); err != nil {
		return nil, err
	}
	if d.PSI, err = p.PSI(first); err != nil {
		return nil, err
	}
	if p.family.c1e {
		c1e, err := p.C1EEnabled(first)
		if err != nil {
			return nil, err
		}
		d.C1E = &c1e
	}
	return d, nil
}

// PStateTable decodes every hardware P-state row of the first core of sel
func (p *Processor) PStateTable(sel topology.Selector) ([]PStateInfo, error) {
	f := p.family
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return nil, err
	}
	out := make([]PStateInfo, 0, f.pstates)
	for ps := 0; ps < f.pstates; ps++ {
		reg, err := p.readPState(mask, ps)
		if err != nil {
			return nil, err
		}
		get := func(fl field) uint32 {
			return uint32(reg.Bits(0, fl.base, fl.length))
		}

		info := PStateInfo{
			Index:   ps,
			Enabled: get(f.enabled) == 1,
			DID:     p.decodeDID(reg, 0),
			VID:     get(f.vid),
		}
		if f.freq.globalFID {
			info.FID = p.pllFID
		} else {
			info.FID = get(f.fid)
		}
		info.Frequency = p.ConvertFDToFreq(info.FID, info.DID)
		info.Vcore = p.ConvertVIDToVcore(info.VID)
		if f.nbVID.present() {
			v := get(f.nbVID)
			info.NBVID = &v
		}
		if f.nbDID.present() {
			v := get(f.nbDID)
			info.NBDID = &v
		}
		out = append(out, info)
	}
	return out, nil
}
