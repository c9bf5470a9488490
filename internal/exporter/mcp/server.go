// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/topology"
	"github.com/sustainable-computing-io/pstatectl/internal/version"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	APIRegistry = interface {
		Register(endpoint, summary, description string, handler http.Handler) error
	}
)

// Status is the read-only processor view the tools query
type Status interface {
	Name() string
	Topology() topology.Topology
	PStates() int
	SoftwarePStates(sel topology.Selector) (int, error)
	CurrentPStates(sel topology.Selector) (map[int]int, error)
	PStateTable(sel topology.Selector) ([]processor.PStateInfo, error)
	Temperatures(sel topology.Selector) (map[int]float64, error)
	HTCActive(sel topology.Selector) (map[int]bool, error)
	Describe(sel topology.Selector) (*processor.Description, error)
}

// Requested reports the P-states the scaler last asked for
type Requested interface {
	Requested() map[int]int
}

// Server answers Model Context Protocol tool calls about the processor state.
// Tools only read registers.
type Server struct {
	logger      *slog.Logger
	status      Status
	scaler      Requested
	server      *mcp.Server
	apiRegistry APIRegistry

	useHTTP   bool
	httpPath  string
	transport string // "stdio", "sse", "streamable"
}

var (
	_ Initializer = (*Server)(nil)
	_ Runner      = (*Server)(nil)
)

// Option defines functional options for MCP server configuration
type Option func(*Server)

// WithSSETransport serves the tools over Server-Sent Events on path
func WithSSETransport(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.useHTTP = true
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = "sse"
	}
}

// WithStreamableHTTP serves the tools over streamable HTTP on path
func WithStreamableHTTP(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.useHTTP = true
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = "streamable"
	}
}

// WithScaler lets list_core_pstates report the scaler's requests
func WithScaler(r Requested) Option {
	return func(s *Server) {
		s.scaler = r
	}
}

// NewServer creates a new MCP server instance; without an HTTP option it talks over stdio
func NewServer(status Status, logger *slog.Logger, options ...Option) *Server {
	ver := version.Info().Version
	if ver == "" {
		ver = "devel"
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "pstatectl",
		Version: ver,
	}, nil)

	server := &Server{
		logger:    logger.With("service", "mcp"),
		status:    status,
		server:    mcpServer,
		httpPath:  "/mcp",
		transport: "stdio",
	}
	for _, option := range options {
		option(server)
	}

	server.registerTools()
	return server
}

func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "describe_node",
		Description: "Decode the P-state table and the thermal, PSI and boost state of one node",
	}, s.handleDescribeNode)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_core_pstates",
		Description: "List the current P-state and frequency of every core",
	}, s.handleListCorePStates)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_thermal_status",
		Description: "Report the temperature and hardware thermal control state of every node",
	}, s.handleThermalStatus)
}

func (s *Server) Init() error {
	s.logger.Info("Initializing MCP server",
		"transport", s.transport,
		"http_enabled", s.useHTTP,
		"http_path", s.httpPath)

	if !s.useHTTP || s.apiRegistry == nil {
		return nil
	}

	getServer := func(*http.Request) *mcp.Server { return s.server }
	var handler http.Handler
	switch s.transport {
	case "streamable":
		handler = mcp.NewStreamableHTTPHandler(getServer, nil)
	default:
		handler = mcp.NewSSEHandler(getServer)
	}

	if err := s.apiRegistry.Register(s.httpPath, "MCP Server",
		"Model Context Protocol server for querying P-states and thermal state", handler); err != nil {
		return err
	}
	s.logger.Info("Registered MCP HTTP handler", "path", s.httpPath, "transport", s.transport)
	return nil
}

// Name implements the Service interface
func (s *Server) Name() string {
	return "mcp"
}

// Run serves stdio until ctx is done. HTTP transports are served by the API
// server, so Run only waits.
func (s *Server) Run(ctx context.Context) error {
	if s.useHTTP {
		s.logger.Info("MCP server running via HTTP transport", "path", s.httpPath)
		<-ctx.Done()
		return nil
	}

	s.logger.Info("MCP server starting with stdio transport")
	return s.server.Run(ctx, mcp.NewStdioTransport())
}
