// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// Status is the processor state printed on every tick
type Status interface {
	Topology() topology.Topology
	PStates() int
	SoftwarePStates(sel topology.Selector) (int, error)
	CurrentPStates(sel topology.Selector) (map[int]int, error)
	PStateTable(sel topology.Selector) ([]processor.PStateInfo, error)
	Temperatures(sel topology.Selector) (map[int]float64, error)
}

// Requested reports the P-states the scaler last asked for
type Requested interface {
	Requested() map[int]int
}

// Exporter prints a per-core P-state table to a writer at a fixed interval
type Exporter struct {
	logger   *slog.Logger
	status   Status
	scaler   Requested
	out      io.Writer
	clock    clock.WithTicker
	ticker   clock.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.Writer
	clock    clock.WithTicker
	interval time.Duration
	scaler   Requested
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		clock:    clock.RealClock{},
		interval: 2 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithScaler adds a column with the P-state the scaler requested
func WithScaler(s Requested) OptionFn {
	return func(o *Opts) {
		o.scaler = s
	}
}

func NewExporter(status Status, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		status:   status,
		scaler:   opts.scaler,
		out:      opts.out,
		clock:    opts.clock,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid print interval %s", e.interval)
	}
	e.ticker = e.clock.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	if e.ticker == nil {
		return fmt.Errorf("stdout exporter is not initialized")
	}
	for {
		select {
		case <-e.ticker.C():
			rows, err := e.rows()
			if err != nil {
				// a failed read is reported and the next tick tries again
				e.logger.Error("Failed to read processor status", "error", err)
				continue
			}
			write(e.out, rows, e.scaler != nil)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

// coreRow is one printed line
type coreRow struct {
	node, core  int
	pstate      int
	frequency   uint32
	temperature float64
	hasTemp     bool
	requested   int
}

// rows reads every node once and expands it into one row per core
func (e *Exporter) rows() ([]coreRow, error) {
	topo := e.status.Topology()
	temps, err := e.status.Temperatures(topology.Everything())
	if err != nil && !errors.Is(err, device.ErrUnsupported) {
		return nil, err
	}
	var requested map[int]int
	if e.scaler != nil {
		requested = e.scaler.Requested()
	}

	rows := make([]coreRow, 0, topo.Cores())
	for node := 0; node < topo.Nodes; node++ {
		sel := topology.Node(node)
		table, err := e.status.PStateTable(sel)
		if err != nil {
			return nil, err
		}
		software, err := e.status.SoftwarePStates(sel)
		if err != nil {
			return nil, err
		}
		boost := e.status.PStates() - software

		current, err := e.status.CurrentPStates(sel)
		if err != nil {
			return nil, err
		}
		for core := 0; core < topo.CoresPerNode; core++ {
			abs := node*topo.CoresPerNode + core
			ps := current[abs]
			temp, hasTemp := temps[node]
			row := coreRow{node: node, core: core, pstate: ps, temperature: temp, hasTemp: hasTemp, requested: -1}
			if hw := ps + boost; hw < len(table) {
				row.frequency = table[hw].Frequency
			}
			if r, ok := requested[abs]; ok {
				row.requested = r
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func write(out io.Writer, rows []coreRow, withScaler bool) {
	header := []string{"Node", "Core", "P-state", "Freq(MHz)", "Temp(C)"}
	if withScaler {
		header = append(header, "Requested")
	}

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		temp := "n/a"
		if r.hasTemp {
			temp = strconv.FormatFloat(r.temperature, 'f', 1, 64)
		}
		line := []string{
			strconv.Itoa(r.node),
			strconv.Itoa(r.core),
			strconv.Itoa(r.pstate),
			strconv.FormatUint(uint64(r.frequency), 10),
			temp,
		}
		if withScaler {
			req := "-"
			if r.requested >= 0 {
				req = strconv.Itoa(r.requested)
			}
			line = append(line, req)
		}
		data = append(data, line)
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	_ = table.Bulk(data)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	return nil
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
