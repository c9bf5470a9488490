// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
	"golang.org/x/sync/singleflight"
)

// HardwareStatus is the read-only view of the processor the collector exports
type HardwareStatus interface {
	Name() string
	Topology() topology.Topology
	CurrentPStates(sel topology.Selector) (map[int]int, error)
	PStateTable(sel topology.Selector) ([]processor.PStateInfo, error)
	Temperatures(sel topology.Selector) (map[int]float64, error)
	HTCActive(sel topology.Selector) (map[int]bool, error)
}

// RequestedPStates reports the P-state the scaler last requested per absolute core
type RequestedPStates interface {
	Requested() map[int]int
}

// sweep is one pass over the status registers of every node
type sweep struct {
	current     map[int]int
	tables      map[int][]processor.PStateInfo
	temperature map[int]float64
	htcActive   map[int]bool
}

// PStateCollector exports live P-state and thermal status. Concurrent scrapes
// share a single register sweep.
type PStateCollector struct {
	logger *slog.Logger
	hw     HardwareStatus
	scaler RequestedPStates

	group singleflight.Group
	mu    sync.Mutex // serializes emission of one sweep

	corePState  *prom.Desc
	frequency   *prom.Desc
	vcore       *prom.Desc
	enabled     *prom.Desc
	temperature *prom.Desc
	htcActive   *prom.Desc
	requested   *prom.Desc
}

// NewPStateCollector creates a collector over hw; scaler may be nil
func NewPStateCollector(hw HardwareStatus, scaler RequestedPStates, logger *slog.Logger) *PStateCollector {
	if logger == nil {
		logger = slog.Default()
	}
	constLabels := prom.Labels{"family": hw.Name()}
	return &PStateCollector{
		logger: logger.With("collector", "pstate"),
		hw:     hw,
		scaler: scaler,

		corePState: prom.NewDesc(
			prom.BuildFQName(namespace, "core", "pstate"),
			"Current software P-state of the core",
			[]string{"core", "node"}, constLabels,
		),
		frequency: prom.NewDesc(
			prom.BuildFQName(namespace, "pstate", "frequency_mhz"),
			"Core frequency programmed for the P-state row",
			[]string{"node", "pstate"}, constLabels,
		),
		vcore: prom.NewDesc(
			prom.BuildFQName(namespace, "pstate", "vcore_volts"),
			"Core voltage programmed for the P-state row",
			[]string{"node", "pstate"}, constLabels,
		),
		enabled: prom.NewDesc(
			prom.BuildFQName(namespace, "pstate", "enabled"),
			"1 if the P-state row is enabled",
			[]string{"node", "pstate"}, constLabels,
		),
		temperature: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "temperature_celsius"),
			"Control temperature of the node",
			[]string{"node"}, constLabels,
		),
		htcActive: prom.NewDesc(
			prom.BuildFQName(namespace, "htc", "active"),
			"1 if hardware thermal control is limiting the node",
			[]string{"node"}, constLabels,
		),
		requested: prom.NewDesc(
			prom.BuildFQName(namespace, "scaler", "requested_pstate"),
			"Software P-state last requested by the scaler",
			[]string{"core", "node"}, constLabels,
		),
	}
}

func (c *PStateCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.corePState
	ch <- c.frequency
	ch <- c.vcore
	ch <- c.enabled
	ch <- c.temperature
	ch <- c.htcActive
	if c.scaler != nil {
		ch <- c.requested
	}
}

func (c *PStateCollector) Collect(ch chan<- prom.Metric) {
	v, err, shared := c.group.Do("sweep", func() (any, error) {
		return c.sweep()
	})
	if err != nil {
		c.logger.Error("failed to read processor status", "error", err)
		return
	}
	if shared {
		c.logger.Debug("sharing status sweep with a concurrent scrape")
	}
	s := v.(*sweep)

	c.mu.Lock()
	defer c.mu.Unlock()

	topo := c.hw.Topology()
	for abs, ps := range s.current {
		core, node := topo.Locate(abs)
		ch <- prom.MustNewConstMetric(c.corePState, prom.GaugeValue, float64(ps), itoa(core), itoa(node))
	}

	for node, rows := range s.tables {
		for _, row := range rows {
			ps := itoa(row.Index)
			ch <- prom.MustNewConstMetric(c.frequency, prom.GaugeValue, float64(row.Frequency), itoa(node), ps)
			ch <- prom.MustNewConstMetric(c.vcore, prom.GaugeValue, row.Vcore, itoa(node), ps)
			ch <- prom.MustNewConstMetric(c.enabled, prom.GaugeValue, boolValue(row.Enabled), itoa(node), ps)
		}
	}

	for node, t := range s.temperature {
		ch <- prom.MustNewConstMetric(c.temperature, prom.GaugeValue, t, itoa(node))
	}
	for node, active := range s.htcActive {
		ch <- prom.MustNewConstMetric(c.htcActive, prom.GaugeValue, boolValue(active), itoa(node))
	}

	if c.scaler == nil {
		return
	}
	for abs, ps := range c.scaler.Requested() {
		core, node := topo.Locate(abs)
		ch <- prom.MustNewConstMetric(c.requested, prom.GaugeValue, float64(ps), itoa(core), itoa(node))
	}
}

func (c *PStateCollector) sweep() (*sweep, error) {
	all := topology.Everything()
	s := &sweep{tables: map[int][]processor.PStateInfo{}}

	var err error
	if s.current, err = c.hw.CurrentPStates(all); err != nil {
		return nil, err
	}
	for node := 0; node < c.hw.Topology().Nodes; node++ {
		rows, err := c.hw.PStateTable(topology.AllCores(node))
		if err != nil {
			return nil, err
		}
		s.tables[node] = rows
	}

	// thermal registers are optional
	if s.temperature, err = c.hw.Temperatures(all); err != nil && !errors.Is(err, device.ErrUnsupported) {
		return nil, err
	}
	if s.htcActive, err = c.hw.HTCActive(all); err != nil && !errors.Is(err, device.ErrUnsupported) {
		return nil, err
	}
	return s, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
