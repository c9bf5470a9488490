// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology maps logical (core, node) selections onto the hardware
// bitmasks consumed by the register primitives.
package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

// All selects every core or every node. It is never a valid index.
const All = -1

// Topology is fixed at discovery and immutable afterwards
type Topology struct {
	Nodes        int
	CoresPerNode int
}

// New validates and returns a Topology. Machines with more cores than fit in a
// mask word are not supported.
func New(nodes, coresPerNode int) (Topology, error) {
	if nodes < 1 || coresPerNode < 1 {
		return Topology{}, device.Invalidf("topology needs at least one node and one core, got %d nodes x %d cores", nodes, coresPerNode)
	}
	if nodes*coresPerNode > device.MaxTargets {
		return Topology{}, device.Invalidf("%d nodes x %d cores exceeds %d targets", nodes, coresPerNode, device.MaxTargets)
	}
	return Topology{Nodes: nodes, CoresPerNode: coresPerNode}, nil
}

// Cores returns the total number of cores
func (t Topology) Cores() int {
	return t.Nodes * t.CoresPerNode
}

// Locate converts an absolute core index into (core, node)
func (t Topology) Locate(abs int) (core, node int) {
	return abs % t.CoresPerNode, abs / t.CoresPerNode
}

func (t Topology) String() string {
	return fmt.Sprintf("%d node(s) x %d core(s)", t.Nodes, t.CoresPerNode)
}

// Selector names a core and node, either of which may be All
type Selector struct {
	Core int
	Node int
}

// Core selects a single core of a single node
func Core(core, node int) Selector {
	return Selector{Core: core, Node: node}
}

// AllCores selects every core of one node
func AllCores(node int) Selector {
	return Selector{Core: All, Node: node}
}

// AllNodes selects the same core index on every node
func AllNodes(core int) Selector {
	return Selector{Core: core, Node: All}
}

// Everything selects every core of every node
func Everything() Selector {
	return Selector{Core: All, Node: All}
}

// Node selects a whole node; it is the same selection as AllCores
func Node(node int) Selector {
	return AllCores(node)
}

func (s Selector) String() string {
	return fmt.Sprintf("core=%s node=%s", indexString(s.Core), indexString(s.Node))
}

func indexString(i int) string {
	if i == All {
		return "all"
	}
	return strconv.Itoa(i)
}

// ParseIndex parses "all" or a non-negative integer
func ParseIndex(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "all" || s == "" {
		return All, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, device.Invalidf("index must be \"all\" or a non-negative integer, got %q", s)
	}
	return i, nil
}

// Parse builds a Selector from textual core and node indices
func Parse(core, node string) (Selector, error) {
	c, err := ParseIndex(core)
	if err != nil {
		return Selector{}, fmt.Errorf("core: %w", err)
	}
	n, err := ParseIndex(node)
	if err != nil {
		return Selector{}, fmt.Errorf("node: %w", err)
	}
	return Selector{Core: c, Node: n}, nil
}

// Validate rejects out-of-range indices
func (t Topology) Validate(s Selector) error {
	if s.Core != All && (s.Core < 0 || s.Core >= t.CoresPerNode) {
		return device.Invalidf("core %d out of range [0, %d)", s.Core, t.CoresPerNode)
	}
	if s.Node != All && (s.Node < 0 || s.Node >= t.Nodes) {
		return device.Invalidf("node %d out of range [0, %d)", s.Node, t.Nodes)
	}
	return nil
}

// CoreMask computes the core bitmask of a selection. Bit node*CoresPerNode+core
// represents one core.
func (t Topology) CoreMask(s Selector) (device.CoreMask, error) {
	if err := t.Validate(s); err != nil {
		return 0, err
	}

	nodeRun := run(t.CoresPerNode)
	switch {
	case s.Core != All && s.Node != All:
		return device.CoreMask(uint64(1) << uint(s.Node*t.CoresPerNode+s.Core)), nil

	case s.Core == All && s.Node != All:
		return device.CoreMask(nodeRun << uint(s.Node*t.CoresPerNode)), nil

	case s.Core != All && s.Node == All:
		var m uint64
		for node := 0; node < t.Nodes; node++ {
			m |= uint64(1) << uint(node*t.CoresPerNode+s.Core)
		}
		return device.CoreMask(m), nil

	default:
		return device.CoreMask(run(t.Cores())), nil
	}
}

// NodeMask computes the node bitmask of a selection; the core index is validated but ignored
func (t Topology) NodeMask(s Selector) (device.NodeMask, error) {
	if err := t.Validate(s); err != nil {
		return 0, err
	}
	if s.Node == All {
		return device.NodeMask(run(t.Nodes)), nil
	}
	return device.NodeMask(uint64(1) << uint(s.Node)), nil
}

// FirstCore returns the selector of the first core covered by s
func (t Topology) FirstCore(s Selector) Selector {
	c, n := s.Core, s.Node
	if c == All {
		c = 0
	}
	if n == All {
		n = 0
	}
	return Core(c, n)
}

// run returns n contiguous low bits
func run(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}
