// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"github.com/sustainable-computing-io/pstatectl/config"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/logger"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
	"github.com/sustainable-computing-io/pstatectl/internal/version"
)

// machineOpener binds a processor to the register primitives selected by cfg.
// The returned services are shut down once the command is done.
type machineOpener func(cfg *config.Config, logger *slog.Logger) (*processor.Processor, []service.Service, error)

type cli struct {
	app    *kingpin.Application
	out    io.Writer
	errOut io.Writer
	open   machineOpener

	configFile   *string
	core         *string
	node         *string
	updateConfig config.ConfigUpdaterFn

	status  *kingpin.CmdClause
	set     *setCmd
	force   *forceCmd
	htc     *htcCmd
	boost   *boostCmd
	dram    *dramCmd
	psi     *psiCmd
	c1e     *c1eCmd
	daemon  *kingpin.CmdClause
	watch   *kingpin.CmdClause
	version *kingpin.CmdClause
}

func newCLI(out, errOut io.Writer) *cli {
	app := kingpin.New("pstatectl", "P-state, thermal and performance counter control for AMD processors.")
	app.UsageWriter(out)
	app.ErrorWriter(errOut)

	c := &cli{
		app:    app,
		out:    out,
		errOut: errOut,
		open:   openMachine,
	}

	c.configFile = app.Flag("config.file", "Path to YAML configuration file").String()
	// the selection is resolved once and used by whichever command runs
	c.core = app.Flag("core", `Core index within each selected node, or "all"`).Short('c').Default("all").String()
	c.node = app.Flag("node", `Node index, or "all"`).Short('n').Default("all").String()
	c.updateConfig = config.RegisterFlags(app)

	c.status = app.Command("status", "Show the P-state table and status registers of every selected node").Default()
	c.set = registerSet(app)
	c.force = registerForce(app)
	c.htc = registerHTC(app)
	c.boost = registerBoost(app)
	c.dram = registerDRAM(app)
	c.psi = registerPSI(app)
	c.c1e = registerC1E(app)
	c.daemon = app.Command("daemon", "Run the scaler and the enabled exporters until interrupted")
	c.watch = app.Command("watch", "Print the P-state of every core at the stdout exporter interval until interrupted")
	c.version = app.Command("version", "Print version information")
	return c
}

func (c *cli) run(ctx context.Context, args []string) error {
	cmd, err := c.app.Parse(args)
	if err != nil {
		return err
	}

	if cmd == c.version.FullCommand() {
		_, err := fmt.Fprintln(c.out, version.Info().String())
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, c.errOut)

	sel, err := topology.Parse(*c.core, *c.node)
	if err != nil {
		return err
	}

	p, closers, err := c.open(cfg, log)
	if err != nil {
		return err
	}
	defer service.Shutdown(log, closers)

	if err := p.Topology().Validate(sel); err != nil {
		return err
	}
	log.Debug("Running command", "command", cmd, "selection", sel.String(), "family", p.Name())

	switch cmd {
	case c.status.FullCommand():
		return c.runStatus(p, sel)
	case c.set.cmd.FullCommand():
		return c.runSet(p, sel)
	case c.force.cmd.FullCommand():
		return c.runForce(p, sel)
	case c.htc.cmd.FullCommand():
		return c.runHTC(p, sel)
	case c.boost.cmd.FullCommand():
		return c.runBoost(p, sel)
	case c.dram.cmd.FullCommand():
		return c.runDRAM(p, sel)
	case c.psi.cmd.FullCommand():
		return c.runPSI(p, sel)
	case c.c1e.cmd.FullCommand():
		return c.runC1E(p, sel)
	case c.daemon.FullCommand():
		return runDaemon(ctx, cfg, log, p)
	case c.watch.FullCommand():
		return runWatch(ctx, cfg, log, p, c.out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// loadConfig reads the optional config file and overlays the flags given on
// the command line
func (c *cli) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *c.configFile != "" {
		loaded, err := config.FromFile(*c.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = loaded
	}

	if err := c.updateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) printYAML(v any) error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// perNode calls get for every node of sel, keeping the core index of sel
func perNode[T any](p *processor.Processor, sel topology.Selector, get func(topology.Selector) (T, error)) (map[int]T, error) {
	nodes, err := p.Topology().NodeMask(sel)
	if err != nil {
		return nil, err
	}
	out := make(map[int]T, nodes.Count())
	for _, n := range nodes.Indices() {
		v, err := get(topology.Selector{Core: sel.Core, Node: n})
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

// optional is a flag value that remembers whether it was given
type optional[T any] struct {
	value T
	set   bool
}

func optInt(cmd *kingpin.CmdClause, name, help string) *optional[int] {
	o := &optional[int]{}
	cmd.Flag(name, help).IsSetByUser(&o.set).IntVar(&o.value)
	return o
}

func optUint32(cmd *kingpin.CmdClause, name, help string) *optional[uint32] {
	o := &optional[uint32]{}
	cmd.Flag(name, help).IsSetByUser(&o.set).Uint32Var(&o.value)
	return o
}

func optFloat(cmd *kingpin.CmdClause, name, help string) *optional[float64] {
	o := &optional[float64]{}
	cmd.Flag(name, help).IsSetByUser(&o.set).Float64Var(&o.value)
	return o
}

// toggle is an --enable / --disable pair
type toggle struct {
	enable  bool
	disable bool
}

func newToggle(cmd *kingpin.CmdClause, what string) *toggle {
	t := &toggle{}
	cmd.Flag("enable", "Enable "+what).BoolVar(&t.enable)
	cmd.Flag("disable", "Disable "+what).BoolVar(&t.disable)
	return t
}

// state reports whether a change was asked for and in which direction
func (t *toggle) state() (change, on bool, err error) {
	if t.enable && t.disable {
		return false, false, device.Invalidf("--enable and --disable are mutually exclusive")
	}
	return t.enable || t.disable, t.enable, nil
}
