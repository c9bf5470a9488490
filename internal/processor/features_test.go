// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

func TestHTC(t *testing.T) {
	p, fake := newProcessor(t, Interlagos, 2, 2)
	sel := topology.AllCores(1)

	htc, err := p.HTC(sel)
	require.NoError(t, err)
	assert.Equal(t, HTC{Enabled: true, TempLimit: 70, Hysteresis: 2, PStateLimit: 2}, htc)

	require.NoError(t, p.SetHTCTempLimit(sel, 80.5))
	require.NoError(t, p.SetHTCHysteresis(sel, 3.5))
	require.NoError(t, p.SetHTCPStateLimit(sel, 4))
	require.NoError(t, p.SetHTCEnabled(sel, false))

	htc, err = p.HTC(sel)
	require.NoError(t, err)
	assert.Equal(t, HTC{TempLimit: 80.5, Hysteresis: 3.5, PStateLimit: 4}, htc)
	assert.Equal(t, uint32(57), fake.PCI(1, 3, pciHTC)>>16&0x7f)

	htc, err = p.HTC(topology.AllCores(0))
	require.NoError(t, err)
	assert.Equal(t, 70.0, htc.TempLimit, "node 0 untouched")

	fake.SetPCI(1, 3, pciHTC, fake.PCI(1, 3, pciHTC)|1<<4)
	active, err := p.HTCActive(topology.Everything())
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: false, 1: true}, active)

	assert.ErrorIs(t, p.SetHTCPStateLimit(sel, 8), device.ErrInvalid)
}

func TestTemperature(t *testing.T) {
	p, fake := newProcessor(t, K10, 2, 1)
	fake.SetPCI(1, 3, pciThermalCtl, 500<<21)

	temp, err := p.Temperature(topology.Everything())
	require.NoError(t, err)
	assert.Equal(t, 45.0, temp)

	temps, err := p.Temperatures(topology.Everything())
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 45, 1: 62.5}, temps)

	fake.FailPCI(1, assert.AnError)
	_, err = p.Temperatures(topology.Everything())
	assert.ErrorIs(t, err, device.ErrPrimitive)
}

func TestBoost(t *testing.T) {
	t.Run("enable and disable", func(t *testing.T) {
		p, fake := newProcessor(t, K10, 1, 2)
		sel := topology.AllCores(0)
		require.True(t, p.HasBoost())

		n, err := p.BoostStates(sel)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		on, err := p.BoostEnabled(sel)
		require.NoError(t, err)
		assert.True(t, on)

		require.NoError(t, p.SetBoostEnabled(sel, false))
		on, err = p.BoostEnabled(sel)
		require.NoError(t, err)
		assert.False(t, on)
		assert.Equal(t, uint64(1)<<25, fake.MSR(1, msrHWCR))
		assert.Zero(t, fake.PCI(0, 4, pciBoostConfig)&0x3)

		require.NoError(t, p.SetBoostEnabled(sel, true))
		on, err = p.BoostEnabled(sel)
		require.NoError(t, err)
		assert.True(t, on)

		require.NoError(t, p.SetBoostStates(sel, 2))
		n, err = p.SoftwarePStates(sel)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("locked", func(t *testing.T) {
		p, fake := newProcessor(t, Interlagos, 2, 1)
		fake.SetPCI(1, 4, pciBoostConfig, fake.PCI(1, 4, pciBoostConfig)|1<<31)

		locked, err := p.BoostLocked(topology.Node(1))
		require.NoError(t, err)
		assert.True(t, locked)

		writes := fake.PCIWrites() + fake.MSRWrites()
		assert.ErrorIs(t, p.SetBoostStates(topology.Everything(), 1), device.ErrLocked)
		assert.ErrorIs(t, p.SetBoostEnabled(topology.Node(1), false), device.ErrLocked)
		assert.Equal(t, writes, fake.PCIWrites()+fake.MSRWrites())

		require.NoError(t, p.SetBoostStates(topology.Node(0), 1))
	})

	t.Run("unsupported", func(t *testing.T) {
		p, _ := newProcessor(t, Griffin, 1, 1)
		assert.False(t, p.HasBoost())
		_, err := p.BoostStates(topology.Everything())
		assert.ErrorIs(t, err, device.ErrUnsupported)
		assert.ErrorIs(t, p.SetBoostEnabled(topology.Everything(), true), device.ErrUnsupported)

		n, err := p.SoftwarePStates(topology.Everything())
		require.NoError(t, err)
		assert.Equal(t, 8, n)
	})

	t.Run("no core performance boost", func(t *testing.T) {
		fake, err := NewFakeMachine(K10, 1, 1)
		require.NoError(t, err)
		fake.SetCPUID(leafPowerMgmt, device.CPUIDRegs{})
		p, err := Detect(fake, topology.Topology{Nodes: 1, CoresPerNode: 1})
		require.NoError(t, err)
		assert.False(t, p.HasBoost())
	})
}

func TestDRAMTimings(t *testing.T) {
	t.Run("k10 ddr3", func(t *testing.T) {
		p, _ := newProcessor(t, K10, 1, 1)
		timings, err := p.DRAMTimings(topology.Everything(), 0)
		require.NoError(t, err)
		assert.Equal(t, DDR3, timings.Type)
		assert.Len(t, timings.Timings, 11)

		tcl, ok := timings.Get("Tcl")
		require.True(t, ok)
		assert.Equal(t, Timing{Name: "Tcl", Value: 9, Unit: unitClocks}, tcl)

		trfc, ok := timings.Get("Trfc0")
		require.True(t, ok)
		assert.Equal(t, 110.0, trfc.Value)
		assert.Equal(t, unitNanos, trfc.Unit)

		_, ok = timings.Get("Twr")
		assert.False(t, ok)
	})

	t.Run("k10 ddr2 second controller", func(t *testing.T) {
		p, fake := newProcessor(t, K10, 1, 1)
		fake.SetPCI(0, 2, 0x94, 0)
		fake.SetPCI(0, 2, 0x188, 0x3)

		timings, err := p.DRAMTimings(topology.Everything(), 1)
		require.NoError(t, err)
		assert.Equal(t, DDR2, timings.Type)
		assert.Equal(t, 1, timings.DCT)
		tcl, _ := timings.Get("Tcl")
		assert.Equal(t, 5.0, tcl.Value)
	})

	t.Run("griffin", func(t *testing.T) {
		p, _ := newProcessor(t, Griffin, 1, 1)
		timings, err := p.DRAMTimings(topology.Everything(), 0)
		require.NoError(t, err)
		assert.Equal(t, DDR2, timings.Type)
		tcl, _ := timings.Get("Tcl")
		assert.Equal(t, 5.0, tcl.Value)
	})

	t.Run("interlagos selects and restores the controller", func(t *testing.T) {
		p, fake := newProcessor(t, Interlagos, 2, 1)
		timings, err := p.DRAMTimings(topology.Node(1), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, timings.Node)
		tras, _ := timings.Get("Tras")
		assert.Equal(t, 15.0, tras.Value)

		writes := fake.PCIWrites()
		_, err = p.DRAMTimings(topology.Node(1), 1)
		require.NoError(t, err)
		assert.Equal(t, writes+2, fake.PCIWrites())
		assert.Zero(t, fake.PCI(1, 1, pciDCTConfigSelect))
	})

	t.Run("unsupported", func(t *testing.T) {
		for _, f := range []*Family{Llano, Brazos} {
			p, _ := newProcessor(t, f, 1, 1)
			_, err := p.DRAMTimings(topology.Everything(), 0)
			assert.ErrorIs(t, err, device.ErrUnsupported, f.Name)
		}
	})

	t.Run("controller out of range", func(t *testing.T) {
		p, _ := newProcessor(t, K10, 1, 1)
		_, err := p.DRAMTimings(topology.Everything(), 2)
		assert.ErrorIs(t, err, device.ErrInvalid)
	})
}

func TestPSIAndC1E(t *testing.T) {
	p, fake := newProcessor(t, K10, 1, 2)
	sel := topology.AllCores(0)

	psi, err := p.PSI(sel)
	require.NoError(t, err)
	assert.Equal(t, PSI{Enabled: true, VID: 0x30}, psi)

	require.NoError(t, p.SetPSIVID(sel, 0x40))
	require.NoError(t, p.SetPSIEnabled(sel, false))
	psi, err = p.PSI(sel)
	require.NoError(t, err)
	assert.Equal(t, PSI{VID: 0x40}, psi)

	require.NoError(t, p.SetC1EEnabled(sel, true))
	on, err := p.C1EEnabled(topology.Core(1, 0))
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, uint64(1)<<28, fake.MSR(0, msrC1E))

	g, _ := newProcessor(t, Griffin, 1, 1)
	_, err = g.C1EEnabled(topology.Everything())
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.ErrorIs(t, g.SetC1EEnabled(topology.Everything(), true), device.ErrUnsupported)
}

func TestDescribe(t *testing.T) {
	p, _ := newProcessor(t, K10, 2, 2)

	d, err := p.Describe(topology.AllCores(1))
	require.NoError(t, err)
	assert.Equal(t, "K10", d.Family)
	assert.Equal(t, 1, d.Node)
	assert.Equal(t, 0, d.Core)
	require.Len(t, d.PStates, 5)
	assert.True(t, d.PStates[0].Boost)
	assert.False(t, d.PStates[1].Boost)
	assert.Equal(t, uint32(3600), d.PStates[0].Frequency)
	require.NotNil(t, d.PStates[0].NBVID)
	require.NotNil(t, d.BoostStates)
	assert.Equal(t, 1, *d.BoostStates)
	require.NotNil(t, d.C1E)
	assert.False(t, *d.C1E)
	assert.Equal(t, 45.0, d.Temperature)
	assert.Equal(t, VIDLimits{MinVID: 0x7b, MaxVID: 6}, d.VIDLimits)

	g, _ := newProcessor(t, Griffin, 1, 1)
	d, err = g.Describe(topology.Everything())
	require.NoError(t, err)
	assert.Nil(t, d.BoostStates)
	assert.Nil(t, d.C1E)
	assert.Nil(t, d.PStates[0].NBVID)

	_, err = g.Describe(topology.Core(3, 0))
	assert.ErrorIs(t, err, device.ErrInvalid)
}
