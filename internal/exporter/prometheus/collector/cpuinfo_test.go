// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProcFS is a mock implementation of the procFS interface for testing.
type mockProcFS struct {
	cpuInfoFunc func() ([]procfs.CPUInfo, error)
}

func (m *mockProcFS) CPUInfo() ([]procfs.CPUInfo, error) {
	return m.cpuInfoFunc()
}

// sampleCPUInfo returns a sample CPUInfo slice for testing.
func sampleCPUInfo() []procfs.CPUInfo {
	return []procfs.CPUInfo{
		{
			Processor:  0,
			VendorID:   "AuthenticAMD",
			CPUFamily:  "16",
			Model:      "10",
			Stepping:   "0",
			ModelName:  "AMD Phenom(tm) II X6 1090T Processor",
			PhysicalID: "0",
			CoreID:     "0",
			CPUMHz:     3200,
		},
		{
			Processor:  1,
			VendorID:   "AuthenticAMD",
			CPUFamily:  "16",
			Model:      "10",
			Stepping:   "0",
			ModelName:  "AMD Phenom(tm) II X6 1090T Processor",
			PhysicalID: "0",
			CoreID:     "1",
			CPUMHz:     800,
		},
	}
}

func sampleCollector() *cpuInfoCollector {
	return newCPUInfoCollectorWithFS(&mockProcFS{
		cpuInfoFunc: func() ([]procfs.CPUInfo, error) {
			return sampleCPUInfo(), nil
		},
	}, slog.Default())
}

func TestNewCPUInfoCollector(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte("processor\t: 0\nvendor_id\t: AuthenticAMD\n\n"), 0o600))

	collector, err := NewCPUInfoCollector(dir, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, collector.fs)

	infos, err := collector.fs.CPUInfo()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "AuthenticAMD", infos[0].VendorID)
}

func TestNewCPUInfoCollectorWithFS(t *testing.T) {
	collector := sampleCollector()
	assert.Contains(t, collector.desc.String(), "pstatectl_node_cpu_info")
	assert.Contains(t, collector.desc.String(),
		"variableLabels: {processor,vendor_id,model_name,cpu_family,model,stepping,physical_id,core_id}")
	assert.Contains(t, collector.mhz.String(), "pstatectl_node_cpu_frequency_mhz")
}

func TestCPUInfoCollector_Describe(t *testing.T) {
	collector := sampleCollector()

	ch := make(chan *prometheus.Desc, 2)
	collector.Describe(ch)
	close(ch)

	assert.Equal(t, collector.desc, <-ch)
	assert.Equal(t, collector.mhz, <-ch)
}

func TestCPUInfoCollector_Collect_Success(t *testing.T) {
	collector := sampleCollector()

	ch := make(chan prometheus.Metric, 10)
	collector.Collect(ch)
	close(ch)

	infos, mhz := 0, map[string]float64{}
	for m := range ch {
		dtoMetric := &dto.Metric{}
		require.NoError(t, m.Write(dtoMetric))
		require.NotNil(t, dtoMetric.Gauge)

		labels := map[string]string{}
		for _, l := range dtoMetric.Label {
			labels[l.GetName()] = l.GetValue()
		}
		switch m.Desc() {
		case collector.desc:
			infos++
			assert.Equal(t, 1.0, dtoMetric.Gauge.GetValue())
			assert.Equal(t, "16", labels["cpu_family"])
			assert.Equal(t, "AuthenticAMD", labels["vendor_id"])
		case collector.mhz:
			mhz[labels["processor"]] = dtoMetric.Gauge.GetValue()
		}
	}
	assert.Equal(t, 2, infos)
	assert.Equal(t, map[string]float64{"0": 3200, "1": 800}, mhz)
}

func TestCPUInfoCollector_Collect_Error(t *testing.T) {
	collector := newCPUInfoCollectorWithFS(&mockProcFS{
		cpuInfoFunc: func() ([]procfs.CPUInfo, error) {
			return nil, errors.New("failed to read CPU info")
		},
	}, slog.Default())

	ch := make(chan prometheus.Metric, 10)
	collector.Collect(ch)
	close(ch)

	assert.Len(t, ch, 0, "expected no metrics on error")
}

func TestCPUInfoCollector_Collect_Concurrency(t *testing.T) {
	collector := sampleCollector()

	const numGoroutines = 10
	perCollect := 2 * len(sampleCPUInfo())
	var wg sync.WaitGroup
	ch := make(chan prometheus.Metric, numGoroutines*perCollect)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.Collect(ch)
		}()
	}

	wg.Wait()
	close(ch)

	assert.Len(t, ch, numGoroutines*perCollect, "expected metrics from all goroutines")
}
