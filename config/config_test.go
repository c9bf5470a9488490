// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// readableDir returns a non-empty temporary directory
func readableDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte("processor\t: 0\n"), 0o600))
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "/dev/cpu/%d/msr", cfg.Host.MSR)
	assert.Equal(t, "/dev/cpu/%d/cpuid", cfg.Host.CPUID)
	assert.False(t, *cfg.Scaler.Enabled)
	assert.Equal(t, 100*time.Millisecond, cfg.Scaler.Interval)
	assert.Equal(t, "step", cfg.Scaler.Policy)
	assert.Equal(t, []string{DefaultListenAddress}, cfg.Web.ListenAddresses)
	assert.False(t, *cfg.Dev.FakeHardware.Enabled)
	assert.False(t, *cfg.Exporter.Stdout.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Exporter.Stdout.Interval)
	assert.False(t, *cfg.Exporter.MCP.Enabled)
	assert.Equal(t, "streamable", cfg.Exporter.MCP.Transport)
	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestLoadFromYAML(t *testing.T) {
	yamlData := `
log:
  level: debug
  format: json
scaler:
  enabled: true
  interval: 250ms
  policy: Rocket
  upperThreshold: 80
  lowerThreshold: 20
`
	cfg, err := Load(strings.NewReader(yamlData), SkipHostValidation)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, *cfg.Scaler.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Scaler.Interval)
	assert.Equal(t, "rocket", cfg.Scaler.Policy, "policy is normalized")
	assert.Equal(t, 80.0, cfg.Scaler.Upper)
	assert.Equal(t, 20.0, cfg.Scaler.Lower)
}

func TestLoadEmptyFromYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(``), SkipHostValidation)
	require.NoError(t, err)

	defaultCfg := DefaultConfig()
	assert.Equal(t, defaultCfg.Log, cfg.Log)
	assert.Equal(t, defaultCfg.Host, cfg.Host)
	assert.Equal(t, defaultCfg.Scaler, cfg.Scaler)
}

func TestLoadInvalidConfigFromYAML(t *testing.T) {
	yamlData := `
log:
  level: FATAL
  format: json
`
	cfg, err := Load(strings.NewReader(yamlData), SkipHostValidation)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Nil(t, cfg)
}

func TestCommandLinePrecedence(t *testing.T) {
	yamlData := `
scaler:
  enabled: false
  policy: step
exporter:
  prometheus:
    enabled: false
`
	cfg, err := Load(strings.NewReader(yamlData), SkipHostValidation)
	require.NoError(t, err)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)

	_, err = app.Parse([]string{
		"--scaler",
		"--scaler.policy=rocket",
		"--scaler.interval=1s",
		"--exporter.stdout",
		"--exporter.stdout.interval=500ms",
		"--host.procfs=" + readableDir(t),
	})
	require.NoError(t, err)

	require.NoError(t, updateConfig(cfg))

	assert.True(t, *cfg.Scaler.Enabled, "scaler should be enabled from flag")
	assert.Equal(t, "rocket", cfg.Scaler.Policy)
	assert.Equal(t, time.Second, cfg.Scaler.Interval)
	assert.False(t, *cfg.Exporter.Prometheus.Enabled, "prometheus exporter should remain disabled from yaml")
	assert.Equal(t, 70.0, cfg.Scaler.Upper, "unset flags keep file values")
	assert.True(t, *cfg.Exporter.Stdout.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Exporter.Stdout.Interval)
}

func TestFromRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := FromFile(path, SkipHostValidation)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestInvalidYAML(t *testing.T) {
	yamlData := `
log:
  level: FATAL
invalid yaml
`
	_, err := Load(strings.NewReader(yamlData))
	assert.Error(t, err, "Loading invalid YAML should return an error")
}

func TestInvalidFile(t *testing.T) {
	_, err := FromFile("non_existent_file.yaml")
	assert.Error(t, err, "Loading from non-existent file should return an error")
}

// ErrorReader is a mock io.Reader that always returns an error
type ErrorReader struct{}

func (r *ErrorReader) Read(p []byte) (n int, err error) {
	return 0, os.ErrInvalid
}

func TestReadError(t *testing.T) {
	_, err := Load(&ErrorReader{})
	assert.Error(t, err, "Read error should propagate")
}

func TestInvalidConfigurationValues(t *testing.T) {
	tt := []struct {
		name   string
		mutate func(*Config)
		error  string
	}{{
		name:   "default config",
		mutate: func(*Config) {},
	}, {
		name:   "invalid log format",
		mutate: func(c *Config) { c.Log.Format = "xml" },
		error:  "invalid log format: xml",
	}, {
		name:   "msr template without verb",
		mutate: func(c *Config) { c.Host.MSR = "/dev/cpu/0/msr" },
		error:  "invalid msr path template",
	}, {
		name:   "pci template missing function",
		mutate: func(c *Config) { c.Host.PCI = "/sys/bus/pci/devices/0000:00:%02x.3/config" },
		error:  "invalid pci path template",
	}, {
		name:   "zero scaler interval",
		mutate: func(c *Config) { c.Scaler.Interval = 0 },
		error:  "invalid scaler interval",
	}, {
		name:   "unknown scaler policy",
		mutate: func(c *Config) { c.Scaler.Policy = "ondemand" },
		error:  "invalid scaler policy: ondemand",
	}, {
		name:   "inverted thresholds",
		mutate: func(c *Config) { c.Scaler.Upper, c.Scaler.Lower = 20, 70 },
		error:  "invalid scaler thresholds",
	}, {
		name:   "threshold above 100",
		mutate: func(c *Config) { c.Scaler.Upper = 150 },
		error:  "invalid scaler thresholds",
	}, {
		name:   "zero stdout interval",
		mutate: func(c *Config) { c.Exporter.Stdout.Interval = 0 },
		error:  "invalid stdout exporter interval",
	}, {
		name:   "unknown mcp transport",
		mutate: func(c *Config) { c.Exporter.MCP.Transport = "websocket" },
		error:  "invalid mcp transport: websocket",
	}, {
		name:   "relative mcp path",
		mutate: func(c *Config) { c.Exporter.MCP.Path = "mcp" },
		error:  "invalid mcp path",
	}, {
		name:   "no listen address",
		mutate: func(c *Config) { c.Web.ListenAddresses = nil },
		error:  "at least one web listen address must be specified",
	}, {
		name:   "bad port",
		mutate: func(c *Config) { c.Web.ListenAddresses = []string{":99999"} },
		error:  "port must be between 1 and 65535",
	}, {
		name:   "unreadable web config",
		mutate: func(c *Config) { c.Web.Config = "/does/not/exist.yml" },
		error:  "invalid web config file",
	}, {
		name: "unknown fake family",
		mutate: func(c *Config) {
			c.Dev.FakeHardware.Enabled = ptr.To(true)
			c.Dev.FakeHardware.Family = "zen"
		},
		error: "invalid dev.fake-hardware.family",
	}, {
		name: "fake hardware without cores",
		mutate: func(c *Config) {
			c.Dev.FakeHardware.Enabled = ptr.To(true)
			c.Dev.FakeHardware.Cores = 0
		},
		error: "fake hardware needs at least one node and one core",
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate(SkipHostValidation)
			if tc.error == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.error)
		})
	}
}

func TestHostValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host.ProcFS = filepath.Join(t.TempDir(), "missing")
	assert.ErrorContains(t, cfg.Validate(), "invalid procfs path")
	assert.NoError(t, cfg.Validate(SkipHostValidation))

	// a fake machine never reads the host
	cfg.Dev.FakeHardware.Enabled = ptr.To(true)
	assert.NoError(t, cfg.Validate())
}

func TestFlagValidation(t *testing.T) {
	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)

	_, err := app.Parse([]string{"--scaler.upper-threshold=10", "--scaler.lower-threshold=40"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host.ProcFS = readableDir(t)
	assert.ErrorContains(t, updateConfig(cfg), "invalid scaler thresholds")
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scaler.Policy = "rocket"

	str := cfg.String()
	assert.Contains(t, str, "log:")
	assert.Contains(t, str, "level: info")
	assert.Contains(t, str, "policy: rocket")
	assert.Contains(t, str, "fake-hardware:")

	var back Config
	require.NoError(t, yaml.Unmarshal([]byte(str), &back))
	assert.Equal(t, cfg.Scaler, back.Scaler)

	manual := cfg.manualString()
	assert.Contains(t, manual, "log.level: info")
	assert.Contains(t, manual, "scaler.policy: rocket")
	assert.Contains(t, manual, "host.msr: /dev/cpu/%d/msr")
}
