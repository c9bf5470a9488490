// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// procFS is an interface for CPUInfo.
type procFS interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

type realProcFS struct {
	fs procfs.FS
}

func (r *realProcFS) CPUInfo() ([]procfs.CPUInfo, error) {
	return r.fs.CPUInfo()
}

func newProcFS(mountPoint string) (procFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &realProcFS{fs: fs}, nil
}

// cpuInfoCollector exports the identity of every logical CPU and the clock
// the kernel last observed on it, for comparison with the forced P-states.
type cpuInfoCollector struct {
	sync.Mutex

	logger *slog.Logger
	fs     procFS
	desc   *prom.Desc
	mhz    *prom.Desc
}

// NewCPUInfoCollector creates a CPUInfoCollector using a procfs mount path.
func NewCPUInfoCollector(procPath string, logger *slog.Logger) (*cpuInfoCollector, error) {
	fs, err := newProcFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollectorWithFS(fs, logger), nil
}

// newCPUInfoCollectorWithFS injects a procFS interface
func newCPUInfoCollectorWithFS(fs procFS, logger *slog.Logger) *cpuInfoCollector {
	return &cpuInfoCollector{
		logger: logger.With("collector", "cpu_info"),
		fs:     fs,
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "cpu_info"),
			"CPU information from procfs",
			[]string{"processor", "vendor_id", "model_name", "cpu_family", "model", "stepping", "physical_id", "core_id"},
			nil,
		),
		mhz: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "cpu_frequency_mhz"),
			"Core clock reported by the kernel in /proc/cpuinfo",
			[]string{"processor"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
	ch <- c.mhz
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	cpuInfos, err := c.fs.CPUInfo()
	if err != nil {
		c.logger.Warn("failed to read cpuinfo", "error", err)
		return
	}
	for _, ci := range cpuInfos {
		processor := strconv.FormatUint(uint64(ci.Processor), 10)
		ch <- prom.MustNewConstMetric(
			c.desc,
			prom.GaugeValue,
			1,
			processor,
			ci.VendorID,
			ci.ModelName,
			ci.CPUFamily,
			ci.Model,
			ci.Stepping,
			ci.PhysicalID,
			ci.CoreID,
		)
		if ci.CPUMHz > 0 {
			ch <- prom.MustNewConstMetric(c.mhz, prom.GaugeValue, ci.CPUMHz, processor)
		}
	}
}
