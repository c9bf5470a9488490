// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// Host device locations; the device templates take a CPU id, the PCI
	// template takes a device and a function number
	Host struct {
		ProcFS string `yaml:"procfs"`
		MSR    string `yaml:"msr"`
		CPUID  string `yaml:"cpuid"`
		PCI    string `yaml:"pci"`
	}

	Scaler struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		Policy   string        `yaml:"policy"`
		Upper    float64       `yaml:"upperThreshold"` // percent
		Lower    float64       `yaml:"lowerThreshold"` // percent
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	// MCP serves read-only Model Context Protocol tools
	MCP struct {
		Enabled   *bool  `yaml:"enabled"`
		Transport string `yaml:"transport"` // stdio, sse or streamable
		Path      string `yaml:"path"`      // HTTP path for sse and streamable
	}

	Exporter struct {
		Prometheus PrometheusExporter `yaml:"prometheus"`
		Stdout     StdoutExporter     `yaml:"stdout"`
		MCP        MCP                `yaml:"mcp"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeHardware struct {
			Enabled *bool  `yaml:"enabled"`
			Family  string `yaml:"family"`
			Nodes   int    `yaml:"nodes"`
			Cores   int    `yaml:"coresPerNode"`
		} `yaml:"fake-hardware"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Scaler   Scaler   `yaml:"scaler"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	DefaultListenAddress = ":9879"

	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"
	HostMSRFlag    = "host.msr"
	HostCPUIDFlag  = "host.cpuid"
	HostPCIFlag    = "host.pci"

	ScalerEnabledFlag  = "scaler"
	ScalerIntervalFlag = "scaler.interval"
	ScalerPolicyFlag   = "scaler.policy"
	ScalerUpperFlag    = "scaler.upper-threshold"
	ScalerLowerFlag    = "scaler.lower-threshold"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterStdoutIntervalFlag    = "exporter.stdout.interval"
	ExporterMCPEnabledFlag        = "exporter.mcp"
	ExporterMCPTransportFlag      = "exporter.mcp.transport"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	// not flags
	DevFakeHardwareFamily = "dev.fake-hardware.family"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// fakeFamilies are the family names a fake machine can be built for
var fakeFamilies = []string{"k10", "griffin", "llano", "brazos", "interlagos"}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
			MSR:    "/dev/cpu/%d/msr",
			CPUID:  "/dev/cpu/%d/cpuid",
			PCI:    "/sys/bus/pci/devices/0000:00:%02x.%d/config",
		},
		Scaler: Scaler{
			Enabled:  ptr.To(false),
			Interval: 100 * time.Millisecond,
			Policy:   "step",
			Upper:    70,
			Lower:    30,
		},
		Exporter: Exporter{
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
			},
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 2 * time.Second,
			},
			MCP: MCP{
				Enabled:   ptr.To(false),
				Transport: "streamable",
				Path:      "/mcp",
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
	}

	cfg.Dev.FakeHardware.Enabled = ptr.To(false)
	cfg.Dev.FakeHardware.Family = "k10"
	cfg.Dev.FakeHardware.Nodes = 1
	cfg.Dev.FakeHardware.Cores = 4
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader, skips ...SkipValidation) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(skips...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string, skips ...SkipValidation) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		// ignored on purpose
		_ = file.Close()
	}()

	return Load(file, skips...)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// host
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").String()
	hostMSR := app.Flag(HostMSRFlag, "MSR device path template, %d is the CPU id").Default("/dev/cpu/%d/msr").String()
	hostCPUID := app.Flag(HostCPUIDFlag, "CPUID device path template, %d is the CPU id").Default("/dev/cpu/%d/cpuid").String()
	hostPCI := app.Flag(HostPCIFlag, "PCI configuration space path template, device then function").
		Default("/sys/bus/pci/devices/0000:00:%02x.%d/config").String()

	// scaler
	scalerEnabled := app.Flag(ScalerEnabledFlag, "Run the adaptive P-state scaler").Default("false").Bool()
	scalerInterval := app.Flag(ScalerIntervalFlag, "Scaler sampling interval").Default("100ms").Duration()
	scalerPolicy := app.Flag(ScalerPolicyFlag, "Scaler policy: step or rocket").Default("step").Enum("step", "rocket")
	scalerUpper := app.Flag(ScalerUpperFlag, "Raise threshold in percent of the band to the next slower P-state").Default("70").Float64()
	scalerLower := app.Flag(ScalerLowerFlag, "Reduce threshold in percent of the band to the next slower P-state").Default("30").Float64()

	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings()

	// exporters
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Print a per-core P-state table to stdout").Default("false").Bool()
	stdoutExporterInterval := app.Flag(ExporterStdoutIntervalFlag, "Interval between stdout tables").Default("2s").Duration()
	mcpEnabled := app.Flag(ExporterMCPEnabledFlag, "Serve read-only MCP tools").Default("false").Bool()
	mcpTransport := app.Flag(ExporterMCPTransportFlag, "MCP transport: stdio, sse or streamable").
		Default("streamable").Enum("stdio", "sse", "streamable")

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}
		if flagsSet[HostMSRFlag] {
			cfg.Host.MSR = *hostMSR
		}
		if flagsSet[HostCPUIDFlag] {
			cfg.Host.CPUID = *hostCPUID
		}
		if flagsSet[HostPCIFlag] {
			cfg.Host.PCI = *hostPCI
		}

		// scaler settings
		if flagsSet[ScalerEnabledFlag] {
			cfg.Scaler.Enabled = scalerEnabled
		}
		if flagsSet[ScalerIntervalFlag] {
			cfg.Scaler.Interval = *scalerInterval
		}
		if flagsSet[ScalerPolicyFlag] {
			cfg.Scaler.Policy = *scalerPolicy
		}
		if flagsSet[ScalerUpperFlag] {
			cfg.Scaler.Upper = *scalerUpper
		}
		if flagsSet[ScalerLowerFlag] {
			cfg.Scaler.Lower = *scalerLower
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutExporterInterval
		}
		if flagsSet[ExporterMCPEnabledFlag] {
			cfg.Exporter.MCP.Enabled = mcpEnabled
		}
		if flagsSet[ExporterMCPTransportFlag] {
			cfg.Exporter.MCP.Transport = *mcpTransport
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.MSR = strings.TrimSpace(c.Host.MSR)
	c.Host.CPUID = strings.TrimSpace(c.Host.CPUID)
	c.Host.PCI = strings.TrimSpace(c.Host.PCI)
	c.Scaler.Policy = strings.ToLower(strings.TrimSpace(c.Scaler.Policy))
	c.Exporter.MCP.Transport = strings.ToLower(strings.TrimSpace(c.Exporter.MCP.Transport))
	c.Exporter.MCP.Path = strings.TrimSpace(c.Exporter.MCP.Path)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	c.Dev.FakeHardware.Family = strings.ToLower(strings.TrimSpace(c.Dev.FakeHardware.Family))
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // device path templates
		if strings.Count(c.Host.MSR, "%") != 1 {
			errs = append(errs, fmt.Sprintf("invalid msr path template %q: needs exactly one verb for the cpu id", c.Host.MSR))
		}
		if strings.Count(c.Host.CPUID, "%") != 1 {
			errs = append(errs, fmt.Sprintf("invalid cpuid path template %q: needs exactly one verb for the cpu id", c.Host.CPUID))
		}
		if strings.Count(c.Host.PCI, "%") != 2 {
			errs = append(errs, fmt.Sprintf("invalid pci path template %q: needs a device and a function verb", c.Host.PCI))
		}
	}
	{ // host paths; the fake machine never touches the host
		_, skip := validationSkipped[SkipHostValidation]
		if !skip && !ptr.Deref(c.Dev.FakeHardware.Enabled, false) {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Scaler
		if c.Scaler.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid scaler interval: %s must be positive", c.Scaler.Interval))
		}
		if c.Scaler.Policy != "step" && c.Scaler.Policy != "rocket" {
			errs = append(errs, fmt.Sprintf("invalid scaler policy: %s", c.Scaler.Policy))
		}
		if c.Scaler.Lower < 0 || c.Scaler.Upper > 100 || c.Scaler.Lower >= c.Scaler.Upper {
			errs = append(errs, fmt.Sprintf("invalid scaler thresholds: need 0 <= lower < upper <= 100, got %g/%g",
				c.Scaler.Lower, c.Scaler.Upper))
		}
	}
	{ // stdout exporter
		if c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout exporter interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
	}
	{ // mcp
		switch c.Exporter.MCP.Transport {
		case "stdio", "sse", "streamable":
		default:
			errs = append(errs, fmt.Sprintf("invalid mcp transport: %s", c.Exporter.MCP.Transport))
		}
		if c.Exporter.MCP.Transport != "stdio" && !strings.HasPrefix(c.Exporter.MCP.Path, "/") {
			errs = append(errs, fmt.Sprintf("invalid mcp path %q: must start with /", c.Exporter.MCP.Path))
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // fake hardware
		if ptr.Deref(c.Dev.FakeHardware.Enabled, false) {
			if !contains(fakeFamilies, c.Dev.FakeHardware.Family) {
				errs = append(errs, fmt.Sprintf("invalid %s: %q, want one of %s",
					DevFakeHardwareFamily, c.Dev.FakeHardware.Family, strings.Join(fakeFamilies, ", ")))
			}
			if c.Dev.FakeHardware.Nodes < 1 || c.Dev.FakeHardware.Cores < 1 {
				errs = append(errs, "fake hardware needs at least one node and one core")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: yaml marshal of this struct should not fail; fall back to the flag view if it does
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{HostMSRFlag, c.Host.MSR},
		{HostCPUIDFlag, c.Host.CPUID},
		{HostPCIFlag, c.Host.PCI},
		{ScalerEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Scaler.Enabled, false))},
		{ScalerIntervalFlag, c.Scaler.Interval.String()},
		{ScalerPolicyFlag, c.Scaler.Policy},
		{ScalerUpperFlag, strconv.FormatFloat(c.Scaler.Upper, 'g', -1, 64)},
		{ScalerLowerFlag, strconv.FormatFloat(c.Scaler.Lower, 'g', -1, 64)},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutIntervalFlag, c.Exporter.Stdout.Interval.String()},
		{ExporterMCPEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.Enabled, false))},
		{ExporterMCPTransportFlag, c.Exporter.MCP.Transport},
		{WebListenAddressFlag, strings.Join(c.Web.ListenAddresses, ", ")},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
