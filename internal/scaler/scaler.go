// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/perfctr"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
	"k8s.io/utils/clock"
)

// Policy decides how far a raise moves
type Policy string

const (
	// PolicyStep moves one P-state per interval in either direction
	PolicyStep Policy = "step"
	// PolicyRocket jumps to P-state 0 on a raise and steps down one P-state on a reduce
	PolicyRocket Policy = "rocket"
)

// ParsePolicy parses a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyStep, PolicyRocket:
		return p, nil
	default:
		return "", device.Invalidf("unknown scaling policy %q", s)
	}
}

// cpuClocksNotHalted counts core clocks while the core is not halted
var cpuClocksNotHalted = perfctr.Event{Select: 0x76, User: true, OS: true}

// Controller is the P-state control the scaler drives
type Controller interface {
	Name() string
	Topology() topology.Topology
	Primitives() device.Primitives
	CounterLayout() perfctr.Layout
	PStates() int
	SoftwarePStates(sel topology.Selector) (int, error)
	Frequency(sel topology.Selector, ps int) (uint32, error)
	CurrentPStates(sel topology.Selector) (map[int]int, error)
	ForcePState(sel topology.Selector, ps int) error
}

// Scaler forces per-core P-state transitions from the measured non-halted clock rate.
//
// Every interval the rate of each core, in effective MHz, is compared against the
// raise and reduce bands of the P-state last requested for it.
type Scaler struct {
	logger *slog.Logger
	ctl    Controller
	clock  clock.Clock

	interval time.Duration
	policy   Policy
	upper    float64
	lower    float64

	topo  topology.Topology
	cores []topology.Selector
	slot  *perfctr.Slot

	prevCounters []uint64
	prevTime     time.Time

	// raise[ps][core] and reduce[ps][core] in MHz, indexed by software P-state
	raise  [][]float64
	reduce [][]float64

	mu        sync.RWMutex
	requested []int
}

var (
	_ service.Initializer = (*Scaler)(nil)
	_ service.Runner      = (*Scaler)(nil)
	_ service.Shutdowner  = (*Scaler)(nil)
)

// New creates a Scaler for every core of the machine
func New(ctl Controller, applyOpts ...OptionFn) *Scaler {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Scaler{
		logger:   opts.logger.With("service", "scaler"),
		ctl:      ctl,
		clock:    opts.clock,
		interval: opts.interval,
		policy:   opts.policy,
		upper:    opts.upper,
		lower:    opts.lower,
	}
}

func (s *Scaler) Name() string {
	return "scaler"
}

// Init acquires a counter slot, takes the baseline snapshot and builds the tables
func (s *Scaler) Init() error {
	if s.interval <= 0 {
		return device.Invalidf("sampling interval must be positive, got %v", s.interval)
	}
	if s.lower < 0 || s.upper > 100 || s.lower >= s.upper {
		return device.Invalidf("thresholds must satisfy 0 <= lower < upper <= 100, got %g/%g", s.lower, s.upper)
	}
	if _, err := ParsePolicy(string(s.policy)); err != nil {
		return err
	}

	s.topo = s.ctl.Topology()
	mask, err := s.topo.CoreMask(topology.Everything())
	if err != nil {
		return err
	}
	s.cores = make([]topology.Selector, 0, mask.Count())
	for _, abs := range mask.Indices() {
		core, node := s.topo.Locate(abs)
		s.cores = append(s.cores, topology.Core(core, node))
	}

	if err := s.createPerformanceTables(); err != nil {
		return fmt.Errorf("failed to create performance tables: %w", err)
	}
	if err := s.initializeCounters(mask); err != nil {
		return fmt.Errorf("failed to initialize counters: %w", err)
	}

	current, err := s.ctl.CurrentPStates(topology.Everything())
	if err != nil {
		return err
	}
	requested := make([]int, len(s.cores))
	for i, abs := range mask.Indices() {
		requested[i] = min(current[abs], len(s.raise)-1)
	}
	s.mu.Lock()
	s.requested = requested
	s.mu.Unlock()

	s.logger.Info("Scaler initialized", "policy", s.policy, "interval", s.interval,
		"upper", s.upper, "lower", s.lower, "cores", len(s.cores), "slot", s.slot.Index())
	return nil
}

func (s *Scaler) initializeCounters(mask device.CoreMask) error {
	s.slot = perfctr.New(s.ctl.Primitives(), s.ctl.CounterLayout(), mask, cpuClocksNotHalted,
		perfctr.WithLogger(s.logger))
	if _, err := s.slot.FindAvailableSlot(); err != nil {
		return err
	}
	if err := s.slot.Program(); err != nil {
		return err
	}
	if err := s.slot.Enable(); err != nil {
		return err
	}
	if err := s.slot.TakeSnapshot(); err != nil {
		return err
	}
	s.prevCounters = s.counters()
	s.prevTime = s.clock.Now()
	return nil
}

// createPerformanceTables builds the frequency bands of every software P-state.
// With f(i) the frequency of P-state i and i+1 the next slower one:
//
//	raise[i]  = f(i+1) + (f(i)-f(i+1))*upper%   reduce[i] likewise with lower%
//	raise[n-1] = f(n-1)*upper%                   reduce[n-1] = f(n-1)*lower%
func (s *Scaler) createPerformanceTables() error {
	n, err := s.ctl.SoftwarePStates(topology.Everything())
	if err != nil {
		return err
	}
	if n < 1 {
		return device.Invalidf("no software P-states")
	}
	boost := s.ctl.PStates() - n

	freqs := make([][]float64, n)
	for ps := 0; ps < n; ps++ {
		freqs[ps] = make([]float64, len(s.cores))
		for c, sel := range s.cores {
			f, err := s.ctl.Frequency(sel, ps+boost)
			if err != nil {
				return err
			}
			freqs[ps][c] = float64(f)
		}
	}
	s.raise, s.reduce = performanceTables(freqs, s.upper, s.lower)
	return nil
}

func performanceTables(freqs [][]float64, upper, lower float64) (raise, reduce [][]float64) {
	n := len(freqs)
	raise = make([][]float64, n)
	reduce = make([][]float64, n)
	for ps := 0; ps < n; ps++ {
		raise[ps] = make([]float64, len(freqs[ps]))
		reduce[ps] = make([]float64, len(freqs[ps]))
		for c, f := range freqs[ps] {
			if ps == n-1 {
				raise[ps][c] = f * upper / 100
				reduce[ps][c] = f * lower / 100
				continue
			}
			slower := freqs[ps+1][c]
			raise[ps][c] = slower + (f-slower)*upper/100
			reduce[ps][c] = slower + (f-slower)*lower/100
		}
	}
	return raise, reduce
}

// Run samples every interval until ctx is done. Cancellation is only observed
// between iterations.
func (s *Scaler) Run(ctx context.Context) error {
	if s.slot == nil {
		return fmt.Errorf("scaler not initialized")
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scaler loop terminated")
			return nil
		default:
		}

		s.clock.Sleep(s.interval)
		if err := s.iterate(); err != nil {
			s.logger.Error("Scaling iteration failed", "error", err)
		}
	}
}

// iterate takes one snapshot and applies the policy to every core
func (s *Scaler) iterate() error {
	if err := s.slot.TakeSnapshot(); err != nil {
		return err
	}
	now := s.clock.Now()
	counters := s.counters()
	elapsed := now.Sub(s.prevTime).Microseconds()
	prev := s.prevCounters
	s.prevCounters, s.prevTime = counters, now
	if elapsed <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for c, sel := range s.cores {
		delta := float64(perfctr.Delta(prev[c], counters[c])) / float64(elapsed)
		cur := s.requested[c]
		next := s.decide(c, cur, delta)
		if next == cur {
			continue
		}
		if err := s.ctl.ForcePState(sel, next); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("P-state requested", "core", sel.String(), "from", cur, "to", next, "mhz", delta)
		s.requested[c] = next
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d cores failed: %w", len(errs), len(s.cores), errs[0])
	}
	return nil
}

// decide returns the P-state core c should run at given its measured rate
func (s *Scaler) decide(c, cur int, mhz float64) int {
	last := len(s.raise) - 1
	switch {
	case cur > 0 && mhz > s.raise[cur][c]:
		if s.policy == PolicyRocket {
			return 0
		}
		return cur - 1
	case cur < last && mhz < s.reduce[cur][c]:
		return cur + 1
	default:
		return cur
	}
}

func (s *Scaler) counters() []uint64 {
	out := make([]uint64, len(s.cores))
	for i := range out {
		out[i] = s.slot.Counter(i)
	}
	return out
}

// Requested returns the last requested software P-state per absolute core index
func (s *Scaler) Requested() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]int, len(s.requested))
	for i, ps := range s.requested {
		sel := s.cores[i]
		out[sel.Node*s.topo.CoresPerNode+sel.Core] = ps
	}
	return out
}

// Shutdown disables the counter slot and releases the tables
func (s *Scaler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raise, s.reduce, s.prevCounters = nil, nil, nil
	if s.slot == nil || !s.slot.Enabled() {
		return nil
	}
	if err := s.slot.Disable(); err != nil {
		return fmt.Errorf("failed to disable counter slot %d: %w", s.slot.Index(), err)
	}
	s.logger.Info("Scaler shut down", "slot", s.slot.Index())
	return nil
}
