// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/sustainable-computing-io/pstatectl/internal/device"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
)

// DescribeNodeParams defines parameters for the describe_node tool
type DescribeNodeParams struct {
	Node int `json:"node" jsonschema:"Node index, starting at 0"`
}

// ListCorePStatesParams defines parameters for the list_core_pstates tool
type ListCorePStatesParams struct {
	Node *int `json:"node,omitempty" jsonschema:"Only list the cores of this node"`
}

// ThermalStatusParams defines parameters for the get_thermal_status tool
type ThermalStatusParams struct{}

// CorePState is the state of one core in list_core_pstates
type CorePState struct {
	Node      int
	Core      int
	PState    int // software P-state
	Frequency uint32
	Requested *int
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) handleDescribeNode(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[DescribeNodeParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling describe_node request", "node", params.Arguments.Node)

	desc, err := s.status.Describe(topology.Node(params.Arguments.Node))
	if err != nil {
		return nil, fmt.Errorf("failed to describe node %d: %w", params.Arguments.Node, err)
	}
	out, err := yaml.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return textResult(string(out)), nil
}

func (s *Server) handleListCorePStates(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ListCorePStatesParams]) (*mcp.CallToolResultFor[any], error) {
	sel := topology.Everything()
	if n := params.Arguments.Node; n != nil {
		sel = topology.Node(*n)
	}
	s.logger.Debug("Handling list_core_pstates request", "selection", sel.String())

	cores, err := s.corePStates(sel)
	if err != nil {
		return nil, err
	}
	return textResult(formatCorePStates(s.status.Name(), cores)), nil
}

func (s *Server) handleThermalStatus(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ThermalStatusParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling get_thermal_status request")

	sel := topology.Everything()
	temps, err := s.status.Temperatures(sel)
	if err != nil && !errors.Is(err, device.ErrUnsupported) {
		return nil, err
	}
	active, err := s.status.HTCActive(sel)
	if err != nil {
		return nil, err
	}

	nodes := make([]int, 0, len(active))
	for n := range active {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)

	var b strings.Builder
	for _, n := range nodes {
		temp := "n/a"
		if t, ok := temps[n]; ok {
			temp = fmt.Sprintf("%.1f C", t)
		}
		throttling := "no"
		if active[n] {
			throttling = "yes"
		}
		fmt.Fprintf(&b, "node %d: temperature %s, thermal throttling: %s\n", n, temp, throttling)
	}
	return textResult(b.String()), nil
}

// corePStates resolves the current P-state of every core of sel to a frequency
func (s *Server) corePStates(sel topology.Selector) ([]CorePState, error) {
	topo := s.status.Topology()
	nodes, err := topo.NodeMask(sel)
	if err != nil {
		return nil, err
	}
	var requested map[int]int
	if s.scaler != nil {
		requested = s.scaler.Requested()
	}

	var cores []CorePState
	for _, node := range nodes.Indices() {
		nodeSel := topology.Node(node)
		table, err := s.status.PStateTable(nodeSel)
		if err != nil {
			return nil, err
		}
		software, err := s.status.SoftwarePStates(nodeSel)
		if err != nil {
			return nil, err
		}
		boost := s.status.PStates() - software

		current, err := s.status.CurrentPStates(nodeSel)
		if err != nil {
			return nil, err
		}
		for core := 0; core < topo.CoresPerNode; core++ {
			abs := node*topo.CoresPerNode + core
			cs := CorePState{Node: node, Core: core, PState: current[abs]}
			if hw := cs.PState + boost; hw < len(table) {
				cs.Frequency = table[hw].Frequency
			}
			if r, ok := requested[abs]; ok {
				cs.Requested = &r
			}
			cores = append(cores, cs)
		}
	}
	return cores, nil
}

func formatCorePStates(family string, cores []CorePState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %d cores\n\n", family, len(cores))
	for _, c := range cores {
		fmt.Fprintf(&b, "node %d core %d: P%d at %d MHz", c.Node, c.Core, c.PState, c.Frequency)
		if c.Requested != nil {
			fmt.Fprintf(&b, " (scaler requested P%d)", *c.Requested)
		}
		b.WriteString("\n")
	}
	return b.String()
}
