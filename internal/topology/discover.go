// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/procfs"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

const (
	// CPUID Fn8000_0008 ECX[7:0] is the number of cores per node minus one
	leafAddressSizes = 0x80000008

	// D18F0x60 Node ID register, NodeCnt in bits 6:4
	nodeIDRegister = 0x60
)

type discoverOpts struct {
	logger     *slog.Logger
	procfsPath string
}

// DiscoverOptionFn configures Discover
type DiscoverOptionFn func(*discoverOpts)

// WithLogger sets the logger used during discovery
func WithLogger(logger *slog.Logger) DiscoverOptionFn {
	return func(o *discoverOpts) {
		o.logger = logger
	}
}

// WithProcFS sets the procfs mount used to cross-check the core count; empty disables the check
func WithProcFS(path string) DiscoverOptionFn {
	return func(o *discoverOpts) {
		o.procfsPath = path
	}
}

// Discover reads the node count from the northbridge of node 0 and the cores
// per node from CPUID
func Discover(prim device.Primitives, applyOpts ...DiscoverOptionFn) (Topology, error) {
	opts := discoverOpts{
		logger: slog.Default(),
	}
	for _, apply := range applyOpts {
		apply(&opts)
	}
	logger := opts.logger.With("service", "topology")

	regs, err := prim.CPUID(leafAddressSizes)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read core count: %w", err)
	}
	coresPerNode := int(regs.ECX&0xff) + 1

	values, err := prim.ReadPCI(device.NB(0, nodeIDRegister), 0b1)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read node count: %w", err)
	}
	nodes := int((values[0]>>4)&0x7) + 1

	topo, err := New(nodes, coresPerNode)
	if err != nil {
		return Topology{}, err
	}

	if opts.procfsPath != "" {
		crossCheck(logger, opts.procfsPath, topo)
	}

	logger.Info("Discovered topology", "nodes", topo.Nodes, "coresPerNode", topo.CoresPerNode)
	return topo, nil
}

// crossCheck compares the discovered core count with /proc/cpuinfo and only logs
// on disagreement; offline cores or SMT make a mismatch possible on healthy systems.
func crossCheck(logger *slog.Logger, procfsPath string, topo Topology) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		logger.Debug("skipping cpuinfo cross-check", "error", err)
		return
	}
	cpus, err := fs.CPUInfo()
	if err != nil {
		logger.Debug("skipping cpuinfo cross-check", "error", err)
		return
	}

	packages := map[string]bool{}
	for _, cpu := range cpus {
		packages[cpu.PhysicalID] = true
	}
	if len(cpus) != topo.Cores() {
		logger.Warn("cpuinfo disagrees with discovered topology",
			"cpuinfoCPUs", len(cpus), "packages", len(packages), "topologyCores", topo.Cores())
	}
}
