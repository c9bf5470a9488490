// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/perfctr"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
	testingclock "k8s.io/utils/clock/testing"
)

var testLayout = perfctr.Layout{Slots: 4, CtlBase: 0xc0010000, CtrBase: 0xc0010004, Stride: 1}

// stubController drives a fake register file with a fixed P-state table
type stubController struct {
	topo    topology.Topology
	fake    *device.Fake
	freqs   []uint32 // hardware rows, boost rows first
	boost   int
	current map[int]int

	forced   []forced
	forceErr error
	onForce  func()
}

type forced struct {
	sel topology.Selector
	ps  int
}

func newStub(t *testing.T, nodes, cores int, freqs []uint32, boost int) *stubController {
	t.Helper()
	topo, err := topology.New(nodes, cores)
	require.NoError(t, err)
	return &stubController{
		topo:    topo,
		fake:    device.NewFake(topo.Cores(), nodes),
		freqs:   freqs,
		boost:   boost,
		current: map[int]int{},
	}
}

func (s *stubController) Name() string                  { return "stub" }
func (s *stubController) Topology() topology.Topology   { return s.topo }
func (s *stubController) Primitives() device.Primitives { return s.fake }
func (s *stubController) CounterLayout() perfctr.Layout { return testLayout }
func (s *stubController) PStates() int                  { return len(s.freqs) }

func (s *stubController) SoftwarePStates(topology.Selector) (int, error) {
	return len(s.freqs) - s.boost, nil
}

func (s *stubController) Frequency(_ topology.Selector, ps int) (uint32, error) {
	if ps < 0 || ps >= len(s.freqs) {
		return 0, device.Invalidf("P-state %d", ps)
	}
	return s.freqs[ps], nil
}

func (s *stubController) CurrentPStates(topology.Selector) (map[int]int, error) {
	out := make(map[int]int, s.topo.Cores())
	for i := 0; i < s.topo.Cores(); i++ {
		out[i] = s.current[i]
	}
	return out, nil
}

func (s *stubController) ForcePState(sel topology.Selector, ps int) error {
	if s.onForce != nil {
		s.onForce()
	}
	if s.forceErr != nil {
		return s.forceErr
	}
	s.forced = append(s.forced, forced{sel: sel, ps: ps})
	return nil
}

// advance moves the clock by d and each core's counter by mhz[core]*d in microseconds
func advance(t *testing.T, stub *stubController, clk *testingclock.FakeClock, d time.Duration, mhz ...float64) {
	t.Helper()
	require.Len(t, mhz, stub.topo.Cores())
	clk.Step(d)
	for cpu, f := range mhz {
		cur := stub.fake.MSR(cpu, testLayout.CtrBase)
		stub.fake.SetMSR(cpu, testLayout.CtrBase, cur+uint64(f*float64(d.Microseconds())))
	}
}

func newScaler(t *testing.T, stub *stubController, opts ...OptionFn) (*Scaler, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	opts = append([]OptionFn{WithClock(clk)}, opts...)
	s := New(stub, opts...)
	require.NoError(t, s.Init())
	return s, clk
}

func TestPerformanceTables(t *testing.T) {
	raise, reduce := performanceTables([][]float64{{3000}, {1600}}, 70, 20)
	assert.InDelta(t, 2580, raise[0][0], 1e-9)
	assert.InDelta(t, 1880, reduce[0][0], 1e-9)
	assert.InDelta(t, 1120, raise[1][0], 1e-9)
	assert.InDelta(t, 320, reduce[1][0], 1e-9)
}

func TestInitBuildsTablesFromSoftwarePStates(t *testing.T) {
	// one boost row ahead of the software P-states
	stub := newStub(t, 1, 2, []uint32{3600, 3000, 1600}, 1)
	s, _ := newScaler(t, stub, WithThresholds(70, 20))

	raise, reduce := s.raise, s.reduce
	require.Len(t, raise, 2)
	for c := 0; c < 2; c++ {
		assert.InDelta(t, 2580, raise[0][c], 1e-9)
		assert.InDelta(t, 1880, reduce[0][c], 1e-9)
		assert.InDelta(t, 1120, raise[1][c], 1e-9)
	}
	assert.Equal(t, 0, s.slot.Index())
	assert.True(t, s.slot.Enabled())
}

func TestInitValidation(t *testing.T) {
	tt := []struct {
		name string
		opts []OptionFn
	}{
		{"zero interval", []OptionFn{WithInterval(0)}},
		{"inverted thresholds", []OptionFn{WithThresholds(20, 70)}},
		{"equal thresholds", []OptionFn{WithThresholds(50, 50)}},
		{"upper above 100", []OptionFn{WithThresholds(120, 10)}},
		{"negative lower", []OptionFn{WithThresholds(70, -1)}},
		{"unknown policy", []OptionFn{WithPolicy("warp")}},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
			s := New(stub, tc.opts...)
			err := s.Init()
			assert.ErrorIs(t, err, device.ErrInvalid)
			assert.Equal(t, 0, stub.fake.MSRWrites())
		})
	}
}

func TestInitNoFreeSlot(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	for slot := 0; slot < testLayout.Slots; slot++ {
		// enabled with a different event
		stub.fake.SetMSRAll(testLayout.CtlBase+uint32(slot), 1<<22|0xc0)
	}
	s := New(stub, WithClock(testingclock.NewFakeClock(time.Now())))
	assert.ErrorIs(t, s.Init(), device.ErrNoSlot)
}

func TestInitSeedsRequestedFromCurrent(t *testing.T) {
	stub := newStub(t, 1, 2, []uint32{3000, 2000, 1000}, 0)
	stub.current = map[int]int{0: 0, 1: 2}
	s, _ := newScaler(t, stub)
	assert.Equal(t, map[int]int{0: 0, 1: 2}, s.Requested())
}

func TestStepPolicy(t *testing.T) {
	stub := newStub(t, 1, 2, []uint32{3000, 2000, 1000}, 0)
	stub.current = map[int]int{0: 2, 1: 0}
	s, clk := newScaler(t, stub, WithPolicy(PolicyStep), WithThresholds(70, 30))

	// core 0 is busy at P2, core 1 is idle at P0
	advance(t, stub, clk, 100*time.Millisecond, 950, 100)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 1, 1: 1}, s.Requested())
	assert.Equal(t, []forced{
		{topology.Core(0, 0), 1},
		{topology.Core(1, 0), 1},
	}, stub.forced)

	// still busy: one more step up; core 1 keeps dropping
	advance(t, stub, clk, 100*time.Millisecond, 1990, 100)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 0, 1: 2}, s.Requested())
}

func TestRocketPolicy(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 2000, 1000}, 0)
	stub.current = map[int]int{0: 2}
	s, clk := newScaler(t, stub, WithPolicy(PolicyRocket), WithThresholds(70, 30))

	advance(t, stub, clk, 100*time.Millisecond, 950)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 0}, s.Requested())

	// reduce moves one P-state at a time even for rocket
	advance(t, stub, clk, 100*time.Millisecond, 50)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 1}, s.Requested())
}

func TestForceOnlyOnChange(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	s, clk := newScaler(t, stub, WithThresholds(70, 20))

	// inside the P0 band: 1880 <= 2000 <= 2580
	for i := 0; i < 3; i++ {
		advance(t, stub, clk, 100*time.Millisecond, 2000)
		require.NoError(t, s.iterate())
	}
	assert.Empty(t, stub.forced)
	assert.Equal(t, map[int]int{0: 0}, s.Requested())
}

func TestEdgesDoNotMove(t *testing.T) {
	stub := newStub(t, 1, 2, []uint32{3000, 1600}, 0)
	stub.current = map[int]int{0: 0, 1: 1}
	s, clk := newScaler(t, stub, WithThresholds(70, 20))

	// core 0 cannot go faster than P0, core 1 cannot go slower than the last P-state
	advance(t, stub, clk, 100*time.Millisecond, 3000, 0)
	require.NoError(t, s.iterate())
	assert.Empty(t, stub.forced)
}

func TestCounterWrap(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	stub.current = map[int]int{0: 1}
	stub.fake.SetMSR(0, testLayout.CtrBase, 1<<perfctr.CounterWidth-1000)
	s, clk := newScaler(t, stub, WithThresholds(70, 20))

	clk.Step(100 * time.Millisecond)
	// wraps past zero; 2000 MHz over 100ms
	stub.fake.SetMSR(0, testLayout.CtrBase, 200_000_000-1000)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 0}, s.Requested())
}

func TestIterateForceErrorKeepsRequested(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	stub.current = map[int]int{0: 1}
	stub.forceErr = &device.PrimitiveError{Op: "wrmsr", Address: 0xc0010062, Target: 0, Err: errors.New("eio")}
	s, clk := newScaler(t, stub, WithThresholds(70, 20))

	advance(t, stub, clk, 100*time.Millisecond, 2900)
	err := s.iterate()
	assert.ErrorIs(t, err, device.ErrPrimitive)
	assert.Equal(t, map[int]int{0: 1}, s.Requested())
}

func TestIterateSnapshotErrorKeepsBaseline(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	stub.current = map[int]int{0: 1}
	s, clk := newScaler(t, stub, WithThresholds(70, 20))

	stub.fake.FailMSR(0, errors.New("eio"))
	advance(t, stub, clk, 100*time.Millisecond, 2900)
	assert.ErrorIs(t, s.iterate(), device.ErrPrimitive)

	stub.fake.FailMSR(0, nil)
	require.NoError(t, s.iterate())
	assert.Equal(t, map[int]int{0: 0}, s.Requested())
}

func TestRunStopsOnCancel(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	s, _ := newScaler(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
	assert.Empty(t, stub.forced)
}

func TestRunIteratesUntilCancelled(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	stub.current = map[int]int{0: 1}
	s, _ := newScaler(t, stub, WithThresholds(70, 20))

	// the counter runs flat out, so the first iteration raises
	stub.fake.OnRead(testLayout.CtrBase, func(_ int, cur uint64) uint64 {
		return cur + 300_000_000
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub.onForce = cancel

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scaler did not stop after cancellation")
	}
	assert.Equal(t, map[int]int{0: 0}, s.Requested())
}

func TestRunRequiresInit(t *testing.T) {
	stub := newStub(t, 1, 1, []uint32{3000, 1600}, 0)
	s := New(stub)
	assert.Error(t, s.Run(context.Background()))
}

func TestShutdownDisablesSlot(t *testing.T) {
	stub := newStub(t, 1, 2, []uint32{3000, 1600}, 0)
	s, _ := newScaler(t, stub)

	const enable = uint64(1) << 22
	for cpu := 0; cpu < 2; cpu++ {
		assert.NotZero(t, stub.fake.MSR(cpu, testLayout.CtlBase)&enable)
	}
	require.NoError(t, s.Shutdown())
	for cpu := 0; cpu < 2; cpu++ {
		assert.Zero(t, stub.fake.MSR(cpu, testLayout.CtlBase)&enable)
	}
	assert.Nil(t, s.raise)

	// second shutdown is a no-op
	writes := stub.fake.MSRWrites()
	require.NoError(t, s.Shutdown())
	assert.Equal(t, writes, stub.fake.MSRWrites())
}

func TestScalerOnFakeMachine(t *testing.T) {
	fake, err := processor.NewFakeMachine(processor.K10, 1, 2)
	require.NoError(t, err)
	topo, err := topology.New(1, 2)
	require.NoError(t, err)
	p, err := processor.Detect(fake, topo)
	require.NoError(t, err)

	s := New(p, WithClock(testingclock.NewFakeClock(time.Now())))
	require.NoError(t, s.Init())
	defer func() { assert.NoError(t, s.Shutdown()) }()

	n, err := p.SoftwarePStates(topology.Everything())
	require.NoError(t, err)
	assert.Len(t, s.raise, n)
	for ps := 0; ps < n-1; ps++ {
		assert.Greater(t, s.raise[ps][0], s.reduce[ps][0])
		assert.Greater(t, s.raise[ps][0], s.raise[ps+1][0])
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("rocket")
	require.NoError(t, err)
	assert.Equal(t, PolicyRocket, p)

	_, err = ParsePolicy("turbo")
	assert.ErrorIs(t, err, device.ErrInvalid)
}
