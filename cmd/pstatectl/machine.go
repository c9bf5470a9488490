// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/pstatectl/config"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// openMachine opens the host register devices, or builds an in-memory
// machine when dev.fake-hardware is enabled, then discovers the topology and
// detects the processor family
func openMachine(cfg *config.Config, logger *slog.Logger) (*processor.Processor, []service.Service, error) {
	var (
		prim     device.Primitives
		services []service.Service
		procfs   = cfg.Host.ProcFS
		detect   []processor.OptionFn
	)

	if fake := cfg.Dev.FakeHardware; ptr.Deref(fake.Enabled, false) {
		family, err := familyByName(fake.Family)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("Using fake hardware", "family", family.Name, "nodes", fake.Nodes, "coresPerNode", fake.Cores)
		f, err := processor.NewFakeMachine(family, fake.Nodes, fake.Cores)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build fake machine: %w", err)
		}
		prim = f
		// the fake machine has nothing to do with the host's cpuinfo
		procfs = ""
		detect = append(detect, processor.WithFamily(family))
	} else {
		host := device.NewHost(
			device.WithHostLogger(logger),
			device.WithMSRPath(cfg.Host.MSR),
			device.WithCPUIDPath(cfg.Host.CPUID),
			device.WithPCIPath(cfg.Host.PCI),
		)
		services = append(services, host)
		if err := service.Init(logger, services); err != nil {
			return nil, nil, err
		}
		prim = host
	}

	topo, err := topology.Discover(prim, topology.WithLogger(logger), topology.WithProcFS(procfs))
	if err != nil {
		service.Shutdown(logger, services)
		return nil, nil, err
	}

	p, err := processor.Detect(prim, topo, append(detect, processor.WithLogger(logger))...)
	if err != nil {
		service.Shutdown(logger, services)
		return nil, nil, err
	}
	return p, services, nil
}

func familyByName(name string) (*processor.Family, error) {
	for _, f := range processor.Families {
		if strings.EqualFold(f.Name, name) {
			return f, nil
		}
	}
	return nil, device.Invalidf("unknown processor family %q", name)
}
