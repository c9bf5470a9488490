// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfctr manages one hardware performance counter slot across a set of cores.
//
// Counter hardware is shared with any other software on the machine. Allocation is
// check-then-program and not atomic; a consumer asking for an event that is already
// counted with identical parameters shares that slot instead of taking a new one.
package perfctr

import (
	"fmt"
	"log/slog"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/logger"
	"github.com/sustainable-computing-io/pstatectl/internal/register"
)

// CounterWidth is the number of implemented bits of a counter register
const CounterWidth = 48

const counterMask = (uint64(1) << CounterWidth) - 1

// PERF_CTL bit layout
const (
	ctlEventLow  = 0 // EventSelect[7:0]
	ctlUnitMask  = 8
	ctlUser      = 16
	ctlOS        = 17
	ctlEdge      = 18
	ctlInterrupt = 20
	ctlEnable    = 22
	ctlInvert    = 23
	ctlCntMask   = 24
	ctlEventHigh = 32 // EventSelect[11:8]
)

// Layout locates the counter slots of a processor family. Slot i is controlled by
// CtlBase+i*Stride and counts in CtrBase+i*Stride.
type Layout struct {
	Slots   int
	CtlBase uint32
	CtrBase uint32
	Stride  uint32
}

func (l Layout) ctl(slot int) uint32 {
	return l.CtlBase + uint32(slot)*l.Stride
}

func (l Layout) ctr(slot int) uint32 {
	return l.CtrBase + uint32(slot)*l.Stride
}

// Event is the set of parameters programmed into a slot
type Event struct {
	Select      uint16 // 12-bit event select
	UnitMask    uint8
	CounterMask uint8
	User        bool
	OS          bool
	Edge        bool
	Interrupt   bool
	Invert      bool
}

// Slot is one counter slot over a core mask
type Slot struct {
	logger *slog.Logger
	prim   device.Primitives
	layout Layout
	mask   device.CoreMask
	event  Event

	index    int
	enabled  bool
	snapshot []uint64
}

// Opts for a Slot
type Opts struct {
	logger *slog.Logger
}

// OptionFn configures a Slot
type OptionFn func(*Opts)

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the Slot
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// New creates an unallocated slot that will count ev on every core in mask
func New(prim device.Primitives, layout Layout, mask device.CoreMask, ev Event, applyOpts ...OptionFn) *Slot {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Slot{
		logger: opts.logger.With("service", "perfctr"),
		prim:   prim,
		layout: layout,
		mask:   mask,
		event:  ev,
		index:  -1,
	}
}

// Index returns the allocated slot index or -1
func (s *Slot) Index() int {
	return s.index
}

// Enabled reports the locally tracked enable state
func (s *Slot) Enabled() bool {
	return s.enabled
}

// Mask returns the cores the slot counts on
func (s *Slot) Mask() device.CoreMask {
	return s.mask
}

// FindFreeSlot selects the first slot whose enable bit is clear on every core
func (s *Slot) FindFreeSlot() (int, error) {
	for slot := 0; slot < s.layout.Slots; slot++ {
		ctl, err := register.ReadMSR(s.prim, s.layout.ctl(slot), s.mask)
		if err != nil {
			return -1, err
		}
		if !anyEnabled(ctl) {
			s.index = slot
			return slot, nil
		}
	}
	return -1, fmt.Errorf("%w: all %d slots busy", device.ErrNoSlot, s.layout.Slots)
}

// FindAvailableSlot selects the first slot that is either free on every core
// or already counting this event with identical parameters on every core
func (s *Slot) FindAvailableSlot() (int, error) {
	want := s.encode(true)
	for slot := 0; slot < s.layout.Slots; slot++ {
		ctl, err := register.ReadMSR(s.prim, s.layout.ctl(slot), s.mask)
		if err != nil {
			return -1, err
		}
		switch {
		case !anyEnabled(ctl):
		case allEqual(ctl, want):
			s.logger.Debug("sharing counter slot", "slot", slot, logger.Hex("event", uint64(s.event.Select)))
		default:
			continue
		}
		s.index = slot
		return slot, nil
	}
	return -1, fmt.Errorf("%w: all %d slots busy", device.ErrNoSlot, s.layout.Slots)
}

// Program writes the event parameters with the enable bit cleared
func (s *Slot) Program() error {
	if err := s.checkAllocated(); err != nil {
		return err
	}
	ctl := register.NewMSR(s.prim, s.layout.ctl(s.index), s.mask)
	ctl.SetBits(0, 64, s.encode(false))
	if err := ctl.Write(); err != nil {
		return err
	}
	s.enabled = false
	return nil
}

// Enable sets the enable bit on every core
func (s *Slot) Enable() error {
	return s.setEnabled(true)
}

// Disable clears the enable bit on every core
func (s *Slot) Disable() error {
	return s.setEnabled(false)
}

func (s *Slot) setEnabled(on bool) error {
	if err := s.checkAllocated(); err != nil {
		return err
	}
	ctl, err := register.ReadMSR(s.prim, s.layout.ctl(s.index), s.mask)
	if err != nil {
		return err
	}
	ctl.SetBits(ctlEnable, 1, boolBit(on))
	if err := ctl.Write(); err != nil {
		return err
	}
	s.enabled = on
	s.logger.Debug("counter slot toggled", "slot", s.index, "enabled", on)
	return nil
}

// TakeSnapshot reads and retains the counter value of every core
func (s *Slot) TakeSnapshot() error {
	if err := s.checkAllocated(); err != nil {
		return err
	}
	ctr, err := register.ReadMSR(s.prim, s.layout.ctr(s.index), s.mask)
	if err != nil {
		return err
	}
	snapshot := make([]uint64, ctr.Len())
	for i := range snapshot {
		snapshot[i] = ctr.Value(i) & counterMask
	}
	s.snapshot = snapshot
	return nil
}

// Counter returns the last snapshot of target i, or 0 when out of range
func (s *Slot) Counter(i int) uint64 {
	if i < 0 || i >= len(s.snapshot) {
		return 0
	}
	return s.snapshot[i]
}

// Delta returns cur-prev, accounting for one wrap of the counter
func Delta(prev, cur uint64) uint64 {
	return (cur - prev) & counterMask
}

func (s *Slot) checkAllocated() error {
	if s.index < 0 || s.index >= s.layout.Slots {
		return fmt.Errorf("%w: counter slot not allocated", device.ErrNoSlot)
	}
	return nil
}

func (s *Slot) encode(enabled bool) uint64 {
	ev := s.event
	v := uint64(ev.Select&0xff) << ctlEventLow
	v |= uint64(ev.Select>>8&0xf) << ctlEventHigh
	v |= uint64(ev.UnitMask) << ctlUnitMask
	v |= uint64(ev.CounterMask) << ctlCntMask
	v |= boolBit(ev.User) << ctlUser
	v |= boolBit(ev.OS) << ctlOS
	v |= boolBit(ev.Edge) << ctlEdge
	v |= boolBit(ev.Interrupt) << ctlInterrupt
	v |= boolBit(ev.Invert) << ctlInvert
	v |= boolBit(enabled) << ctlEnable
	return v
}

func anyEnabled(ctl *register.MSR) bool {
	for i := 0; i < ctl.Len(); i++ {
		if ctl.Bits(i, ctlEnable, 1) == 1 {
			return true
		}
	}
	return false
}

func allEqual(ctl *register.MSR, want uint64) bool {
	for i := 0; i < ctl.Len(); i++ {
		if ctl.Value(i) != want {
			return false
		}
	}
	return true
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
