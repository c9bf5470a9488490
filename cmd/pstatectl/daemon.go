// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/pstatectl/config"
	"github.com/sustainable-computing-io/pstatectl/internal/exporter/mcp"
	"github.com/sustainable-computing-io/pstatectl/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/pstatectl/internal/exporter/stdout"
	"github.com/sustainable-computing-io/pstatectl/internal/processor"
	"github.com/sustainable-computing-io/pstatectl/internal/scaler"
	"github.com/sustainable-computing-io/pstatectl/internal/server"
	"github.com/sustainable-computing-io/pstatectl/internal/service"
	"github.com/sustainable-computing-io/pstatectl/internal/version"
)

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, p *processor.Processor) error {
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg, p)
	if err != nil {
		return err
	}
	return runServices(ctx, logger, services)
}

// runWatch prints the P-state table until interrupted
func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, p *processor.Processor, out io.Writer) error {
	return runServices(ctx, logger, []service.Service{
		stdout.NewExporter(p,
			stdout.WithLogger(logger),
			stdout.WithOutput(out),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		),
	})
}

func runServices(ctx context.Context, logger *slog.Logger, services []service.Service) error {
	services = append(services, service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM))

	if err := service.Init(logger, services); err != nil {
		return err
	}

	logger.Info("Starting services")
	// a canceled ctx is a requested stop, not a failure
	if err := service.Run(ctx, logger, services); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pstatectl terminated with an error: %w", err)
	}
	logger.Info("Graceful shutdown completed")
	return nil
}

// createServices builds the scaler and the exporters enabled in cfg. The API
// server is only created when an exporter serves HTTP.
func createServices(logger *slog.Logger, cfg *config.Config, p *processor.Processor) ([]service.Service, error) {
	logger.Debug("Creating all services")
	var services []service.Service

	var sc *scaler.Scaler
	if ptr.Deref(cfg.Scaler.Enabled, false) {
		policy, err := scaler.ParsePolicy(cfg.Scaler.Policy)
		if err != nil {
			return nil, err
		}
		sc = scaler.New(p,
			scaler.WithLogger(logger),
			scaler.WithInterval(cfg.Scaler.Interval),
			scaler.WithPolicy(policy),
			scaler.WithThresholds(cfg.Scaler.Upper, cfg.Scaler.Lower),
		)
		services = append(services, sc)
	}

	promEnabled := ptr.Deref(cfg.Exporter.Prometheus.Enabled, false)
	mcpEnabled := ptr.Deref(cfg.Exporter.MCP.Enabled, false)
	mcpHTTP := mcpEnabled && cfg.Exporter.MCP.Transport != "stdio"

	var apiServer *server.APIServer
	if promEnabled || mcpHTTP {
		apiServer = server.NewAPIServer(
			server.WithLogger(logger),
			server.WithListenAddress(cfg.Web.ListenAddresses),
			server.WithWebConfig(cfg.Web.Config),
		)
		services = append(services, apiServer)
	}

	if promEnabled {
		opts := []prometheus.OptionFn{
			prometheus.WithLogger(logger),
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		}
		if sc != nil {
			opts = append(opts, prometheus.WithScaler(sc))
		}
		collectors, err := prometheus.CreateCollectors(p, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create collectors: %w", err)
		}
		opts = append(opts, prometheus.WithCollectors(collectors))
		services = append(services, prometheus.NewExporter(apiServer, opts...))
	}

	if mcpEnabled {
		var opts []mcp.Option
		switch cfg.Exporter.MCP.Transport {
		case "sse":
			opts = append(opts, mcp.WithSSETransport(apiServer, cfg.Exporter.MCP.Path))
		case "streamable":
			opts = append(opts, mcp.WithStreamableHTTP(apiServer, cfg.Exporter.MCP.Path))
		}
		if sc != nil {
			opts = append(opts, mcp.WithScaler(sc))
		}
		services = append(services, mcp.NewServer(p, logger, opts...))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		opts := []stdout.OptionFn{
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		}
		if sc != nil {
			opts = append(opts, stdout.WithScaler(sc))
		}
		services = append(services, stdout.NewExporter(p, opts...))
	}

	if len(services) == 0 {
		return nil, fmt.Errorf("nothing to run: the scaler and every exporter are disabled")
	}
	return services, nil
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("pstatectl version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	logger.Debug("Effective configuration\n" + cfg.String())
}
