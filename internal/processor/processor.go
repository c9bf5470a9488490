// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor controls the P-state, thermal and northbridge registers of
// the supported AMD processor families.
//
// Every register-accessing operation takes an explicit topology.Selector.
// Getters over a selection covering several targets report the first target.
// Setters validate their arguments before touching hardware and perform a
// read-modify-write of every target in the selection.
package processor

import (
	"fmt"
	"log/slog"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/perfctr"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// Processor is one detected family bound to the register primitives of a machine
type Processor struct {
	logger *slog.Logger
	prim   device.Primitives
	topo   topology.Topology
	id     Identity
	family *Family

	voltage vidCodec
	pllFID  uint32
}

// Opts for a Processor
type Opts struct {
	logger *slog.Logger
	family *Family
}

// OptionFn configures Detect
type OptionFn func(*Opts)

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithFamily skips the detection chain and uses family
func WithFamily(f *Family) OptionFn {
	return func(o *Opts) {
		o.family = f
	}
}

// Detect identifies the processor and binds the matching family. Node-global
// settings that change how registers decode are read once from node 0.
func Detect(prim device.Primitives, topo topology.Topology, applyOpts ...OptionFn) (*Processor, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	id, err := Identify(prim)
	if err != nil {
		return nil, err
	}

	family := opts.family
	if family == nil {
		if family, err = Match(id); err != nil {
			return nil, err
		}
	}

	p := &Processor{
		logger:  opts.logger.With("service", "processor"),
		prim:    prim,
		topo:    topo,
		id:      id,
		family:  family,
		voltage: family.voltage,
	}

	if family.pviMode {
		ctl, err := register.ReadPCI(prim, device.NB(3, pciPowerCtl), 0b1)
		if err != nil {
			return nil, fmt.Errorf("failed to read VID interface mode: %w", err)
		}
		p.voltage.pvi = ctl.Bits(0, pviModeBit.base, pviModeBit.length) == 1
	}

	if family.freq.globalFID {
		clk, err := register.ReadPCI(prim, device.NB(3, pciClockPower), 0b1)
		if err != nil {
			return nil, fmt.Errorf("failed to read main PLL frequency: %w", err)
		}
		p.pllFID = clk.Bits(0, mainPLLFID.base, mainPLLFID.length)
	}

	p.logger.Info("Detected processor", "family", family.Name, "identity", id.String(),
		"topology", topo.String(), "pvi", p.voltage.pvi)
	return p, nil
}

func (p *Processor) Name() string {
	return p.family.Name
}

func (p *Processor) Family() *Family {
	return p.family
}

func (p *Processor) Identity() Identity {
	return p.id
}

func (p *Processor) Topology() topology.Topology {
	return p.topo
}

func (p *Processor) Primitives() device.Primitives {
	return p.prim
}

// CounterLayout returns the performance counter slots of the family
func (p *Processor) CounterLayout() perfctr.Layout {
	return p.family.counters
}

// PStates returns the number of hardware P-state rows, boost rows included
func (p *Processor) PStates() int {
	return p.family.pstates
}

// ConvertVIDToVcore decodes a VID into volts
func (p *Processor) ConvertVIDToVcore(vid uint32) float64 {
	return p.voltage.toVcore(vid)
}

// ConvertVcoreToVID encodes volts into a VID
func (p *Processor) ConvertVcoreToVID(vcore float64) (uint32, error) {
	return p.voltage.toVID(vcore)
}

// ConvertFDToFreq returns the frequency in MHz of a (fid, did) pair
func (p *Processor) ConvertFDToFreq(fid, did uint32) uint32 {
	return p.family.freq.toFreq(fid, did)
}

// ConvertFreqToFD returns the canonical (fid, did) pair for freq MHz
func (p *Processor) ConvertFreqToFD(freq uint32) (fid, did uint32, err error) {
	return p.family.freq.toFD(freq, p.pllFID)
}

func (p *Processor) checkPState(ps int) error {
	if ps < 0 || ps >= p.family.pstates {
		return device.Invalidf("P-state %d out of range [0, %d)", ps, p.family.pstates)
	}
	return nil
}

func pstateMSR(ps int) uint32 {
	return msrPStateBase + uint32(ps)
}

func (p *Processor) coreMask(sel topology.Selector) (device.CoreMask, error) {
	return p.topo.CoreMask(sel)
}

func (p *Processor) nodeMask(sel topology.Selector) (device.NodeMask, error) {
	return p.topo.NodeMask(sel)
}

// nodes returns the nodes of sel, or only the first one for a getter
func (p *Processor) nodes(sel topology.Selector, first bool) (device.NodeMask, error) {
	if first {
		return p.firstNodeMask(sel)
	}
	return p.nodeMask(sel)
}

// firstNodeMask returns the mask of the first node covered by sel
func (p *Processor) firstNodeMask(sel topology.Selector) (device.NodeMask, error) {
	mask, err := p.topo.NodeMask(sel)
	if err != nil {
		return 0, err
	}
	return device.NodeMask(uint64(1) << uint(mask.First())), nil
}

// firstCoreMask validates sel and returns the mask of its first core only.
// Getters read that core and take it as representative of the selection.
func (p *Processor) firstCoreMask(sel topology.Selector) (device.CoreMask, error) {
	if err := p.topo.Validate(sel); err != nil {
		return 0, err
	}
	return p.topo.CoreMask(p.topo.FirstCore(sel))
}

// readPState reads the P-state row ps on every core of mask
func (p *Processor) readPState(mask device.CoreMask, ps int) (*register.MSR, error) {
	if err := p.checkPState(ps); err != nil {
		return nil, err
	}
	return register.ReadMSR(p.prim, pstateMSR(ps), mask)
}

// readFirstPState reads the P-state row ps on the first core of sel
func (p *Processor) readFirstPState(sel topology.Selector, ps int) (*register.MSR, error) {
	if err := p.checkPState(ps); err != nil {
		return nil, err
	}
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return nil, err
	}
	return p.readPState(mask, ps)
}

// getPStateField reads one field of row ps from the first core of sel
func (p *Processor) getPStateField(sel topology.Selector, ps int, f field) (uint32, error) {
	if !f.present() {
		return 0, device.Unsupportedf("%s has no such P-state field", p.family.Name)
	}
	reg, err := p.readFirstPState(sel, ps)
	if err != nil {
		return 0, err
	}
	return uint32(reg.Bits(0, f.base, f.length)), nil
}

// setPStateFields validates every value, then read-modify-writes row ps on every core of sel
func (p *Processor) setPStateFields(sel topology.Selector, ps int, fields []field, values []uint32) error {
	if err := p.checkPState(ps); err != nil {
		return err
	}
	for i, f := range fields {
		if !f.present() {
			return device.Unsupportedf("%s has no %s field", p.family.Name, f.name)
		}
		if values[i] > f.max() {
			return device.Invalidf("%s %d out of range [0, %d]", f.name, values[i], f.max())
		}
	}

	mask, err := p.coreMask(sel)
	if err != nil {
		return err
	}
	reg, err := p.readPState(mask, ps)
	if err != nil {
		return err
	}
	for i, f := range fields {
		reg.SetBits(f.base, f.length, uint64(values[i]))
	}
	if err := reg.Write(); err != nil {
		return err
	}
	p.logger.Debug("P-state updated", "pstate", ps, "selection", sel.String(), "fields", fieldNames(fields), "values", values)
	return nil
}

func fieldNames(fields []field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// VID returns the voltage identifier of P-state ps
func (p *Processor) VID(sel topology.Selector, ps int) (uint32, error) {
	return p.getPStateField(sel, ps, p.family.vid)
}

// SetVID writes the voltage identifier of P-state ps
func (p *Processor) SetVID(sel topology.Selector, ps int, vid uint32) error {
	return p.setPStateFields(sel, ps, []field{p.family.vid}, []uint32{vid})
}

// FID returns the frequency identifier of P-state ps. On families with a global
// PLL every P-state reports the PLL FID.
func (p *Processor) FID(sel topology.Selector, ps int) (uint32, error) {
	if p.family.freq.globalFID {
		if err := p.checkPState(ps); err != nil {
			return 0, err
		}
		if _, err := p.coreMask(sel); err != nil {
			return 0, err
		}
		return p.pllFID, nil
	}
	return p.getPStateField(sel, ps, p.family.fid)
}

// SetFID writes the frequency identifier of P-state ps
func (p *Processor) SetFID(sel topology.Selector, ps int, fid uint32) error {
	if p.family.freq.globalFID {
		return device.Unsupportedf("%s P-states share the main PLL FID", p.family.Name)
	}
	if fid > p.family.freq.fidMax {
		return device.Invalidf("FID %d out of range [0, %d]", fid, p.family.freq.fidMax)
	}
	return p.setPStateFields(sel, ps, []field{p.family.fid}, []uint32{fid})
}

// DID returns the divisor identifier of P-state ps. Quarter-step divisors are
// returned as integer<<2 | quarter.
func (p *Processor) DID(sel topology.Selector, ps int) (uint32, error) {
	reg, err := p.readFirstPState(sel, ps)
	if err != nil {
		return 0, err
	}
	return p.decodeDID(reg, 0), nil
}

func (p *Processor) decodeDID(reg *register.MSR, i int) uint32 {
	f := p.family
	did := uint32(reg.Bits(i, f.did.base, f.did.length))
	if f.didMSD.present() {
		msd := uint32(reg.Bits(i, f.didMSD.base, f.didMSD.length))
		return msd<<2 | did&0x3
	}
	return did
}

// SetDID writes the divisor identifier of P-state ps
func (p *Processor) SetDID(sel topology.Selector, ps int, did uint32) error {
	f := p.family
	if did > f.freq.didMax {
		return device.Invalidf("DID %d out of range [0, %d]", did, f.freq.didMax)
	}
	if f.didMSD.present() {
		return p.setPStateFields(sel, ps, []field{f.didMSD, f.did}, []uint32{did >> 2, did & 0x3})
	}
	return p.setPStateFields(sel, ps, []field{f.did}, []uint32{did})
}

// Frequency returns the core frequency of P-state ps in MHz
func (p *Processor) Frequency(sel topology.Selector, ps int) (uint32, error) {
	fid, err := p.FID(sel, ps)
	if err != nil {
		return 0, err
	}
	did, err := p.DID(sel, ps)
	if err != nil {
		return 0, err
	}
	return p.ConvertFDToFreq(fid, did), nil
}

// SetFrequency programs the closest (fid, did) pair for freq MHz. FID and DID are
// written separately; a failure of the second write leaves the first in place.
func (p *Processor) SetFrequency(sel topology.Selector, ps int, freq uint32) error {
	if err := p.checkPState(ps); err != nil {
		return err
	}
	fid, did, err := p.ConvertFreqToFD(freq)
	if err != nil {
		return err
	}
	if !p.family.freq.globalFID {
		if err := p.SetFID(sel, ps, fid); err != nil {
			return err
		}
	}
	if err := p.SetDID(sel, ps, did); err != nil {
		return err
	}
	p.logger.Info("P-state frequency set", "pstate", ps, "selection", sel.String(),
		"requested", freq, "actual", p.ConvertFDToFreq(fid, did))
	return nil
}

// Vcore returns the core voltage of P-state ps
func (p *Processor) Vcore(sel topology.Selector, ps int) (float64, error) {
	vid, err := p.VID(sel, ps)
	if err != nil {
		return 0, err
	}
	return p.ConvertVIDToVcore(vid), nil
}

// SetVcore programs P-state ps to vcore, which must lie within the live VID limits
func (p *Processor) SetVcore(sel topology.Selector, ps int, vcore float64) error {
	if err := p.checkPState(ps); err != nil {
		return err
	}
	vid, err := p.ConvertVcoreToVID(vcore)
	if err != nil {
		return err
	}
	limits, err := p.VIDLimits(sel)
	if err != nil {
		return err
	}
	// higher voltage is a lower VID
	if vid < limits.MaxVID || vid > limits.MinVID {
		return device.Invalidf("vcore %.4fV (VID 0x%x) outside [%.4fV, %.4fV]", vcore, vid,
			p.ConvertVIDToVcore(limits.MinVID), p.ConvertVIDToVcore(limits.MaxVID))
	}
	return p.SetVID(sel, ps, vid)
}

// PStateEnabled reports whether row ps is enabled
func (p *Processor) PStateEnabled(sel topology.Selector, ps int) (bool, error) {
	v, err := p.getPStateField(sel, ps, p.family.enabled)
	return v == 1, err
}

// EnablePState sets the enable bit of row ps
func (p *Processor) EnablePState(sel topology.Selector, ps int) error {
	return p.setPStateFields(sel, ps, []field{p.family.enabled}, []uint32{1})
}

// DisablePState clears the enable bit of row ps
func (p *Processor) DisablePState(sel topology.Selector, ps int) error {
	return p.setPStateFields(sel, ps, []field{p.family.enabled}, []uint32{0})
}

// SoftwarePStates returns the number of P-states addressable by ForcePState,
// which excludes the boost rows
func (p *Processor) SoftwarePStates(sel topology.Selector) (int, error) {
	boost, err := p.BoostStates(sel)
	if err != nil && !isUnsupported(err) {
		return 0, err
	}
	return p.family.pstates - boost, nil
}

// ForcePState moves every core of sel to software P-state ps immediately,
// independent of the P-state enable bits
func (p *Processor) ForcePState(sel topology.Selector, ps int) error {
	if err := p.checkPState(ps); err != nil {
		return err
	}
	mask, err := p.coreMask(sel)
	if err != nil {
		return err
	}
	n, err := p.SoftwarePStates(sel)
	if err != nil {
		return err
	}
	if ps >= n {
		return device.Invalidf("P-state %d is at or above the boost offset, %d P-states are addressable", ps, n)
	}

	cmd, err := register.ReadMSR(p.prim, msrPStateCmd, mask)
	if err != nil {
		return err
	}
	cmd.SetBits(pstateCmd.base, pstateCmd.length, uint64(ps))
	if err := cmd.Write(); err != nil {
		return err
	}
	p.logger.Debug("P-state forced", "pstate", ps, "selection", sel.String())
	return nil
}

// CurrentPState returns the software P-state the first core of sel runs at
func (p *Processor) CurrentPState(sel topology.Selector) (int, error) {
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return 0, err
	}
	stat, err := register.ReadMSR(p.prim, msrPStateStat, mask)
	if err != nil {
		return 0, err
	}
	return int(stat.Bits(0, curPState.base, curPState.length)), nil
}

// CurrentPStates returns the software P-state of every core of sel, indexed by absolute core
func (p *Processor) CurrentPStates(sel topology.Selector) (map[int]int, error) {
	mask, err := p.coreMask(sel)
	if err != nil {
		return nil, err
	}
	stat, err := register.ReadMSR(p.prim, msrPStateStat, mask)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, stat.Len())
	for i := 0; i < stat.Len(); i++ {
		out[stat.IndexToAbsolute(i)] = int(stat.Bits(i, curPState.base, curPState.length))
	}
	return out, nil
}

// Limits is the P-state current limit register
type Limits struct {
	Current int `yaml:"current"` // fastest P-state currently allowed
	Max     int `yaml:"max"`     // highest P-state number the hardware accepts
}

// PStateLimits returns the current P-state limits of the first core of sel
func (p *Processor) PStateLimits(sel topology.Selector) (Limits, error) {
	mask, err := p.firstCoreMask(sel)
	if err != nil {
		return Limits{}, err
	}
	lim, err := register.ReadMSR(p.prim, msrPStateLimit, mask)
	if err != nil {
		return Limits{}, err
	}
	return Limits{
		Current: int(lim.Bits(0, curPStateLimit.base, curPStateLimit.length)),
		Max:     int(lim.Bits(0, pstateMaxVal.base, pstateMaxVal.length)),
	}, nil
}
