// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

const (
	DefaultMSRPath   = "/dev/cpu/%d/msr"
	DefaultCPUIDPath = "/dev/cpu/%d/cpuid"
	DefaultPCIPath   = "/sys/bus/pci/devices/0000:00:%02x.%d/config"
)

// Host implements Primitives on Linux using the msr and cpuid character devices
// and the sysfs PCI configuration space files
type Host struct {
	logger    *slog.Logger
	msrPath   string // e.g. /dev/cpu/%d/msr
	cpuidPath string // e.g. /dev/cpu/%d/cpuid
	pciPath   string // e.g. /sys/bus/pci/devices/0000:00:%02x.%d/config
	vendorOK  func() bool

	mu       sync.Mutex
	msrFiles map[int]*os.File // CPU ID -> MSR file handle
	readOnly map[int]bool     // CPUs whose MSR file could only be opened for reading
	cpuidCPU int
	cpus     []int
}

var _ Primitives = (*Host)(nil)

// HostOptionFn configures a Host
type HostOptionFn func(*Host)

// WithHostLogger sets the logger for the Host
func WithHostLogger(logger *slog.Logger) HostOptionFn {
	return func(h *Host) {
		h.logger = logger.With("service", "host-primitives")
	}
}

// WithMSRPath sets the MSR device path template
func WithMSRPath(path string) HostOptionFn {
	return func(h *Host) {
		h.msrPath = path
	}
}

// WithCPUIDPath sets the CPUID device path template
func WithCPUIDPath(path string) HostOptionFn {
	return func(h *Host) {
		h.cpuidPath = path
	}
}

// WithPCIPath sets the PCI configuration file path template (device, function)
func WithPCIPath(path string) HostOptionFn {
	return func(h *Host) {
		h.pciPath = path
	}
}

func isAMD() bool {
	return cpuid.CPU.VendorID == cpuid.AMD
}

// NewHost creates a Host; call Init before any register access
func NewHost(opts ...HostOptionFn) *Host {
	h := &Host{
		logger:    slog.Default().With("service", "host-primitives"),
		msrPath:   DefaultMSRPath,
		cpuidPath: DefaultCPUIDPath,
		pciPath:   DefaultPCIPath,
		vendorOK:  isAMD,
		msrFiles:  make(map[int]*os.File),
		readOnly:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Name() string {
	return "host"
}

// Available checks that this is an AMD machine with at least one usable MSR device
func (h *Host) Available() bool {
	if !h.vendorOK() {
		h.logger.Debug("host primitives not available: not an AMD processor",
			"vendor", cpuid.CPU.VendorString, "brand", cpuid.CPU.BrandName)
		return false
	}

	cpus, err := h.findAvailableCPUs()
	if err != nil {
		h.logger.Debug("host primitives not available: failed to scan for CPUs", "error", err)
		return false
	}
	if len(cpus) == 0 {
		h.logger.Debug("host primitives not available: no CPUs with MSR access found")
		return false
	}
	return true
}

// Init opens the MSR device of every available CPU
func (h *Host) Init() error {
	if !h.Available() {
		return fmt.Errorf("MSR interface not available")
	}

	cpus, err := h.findAvailableCPUs()
	if err != nil {
		return fmt.Errorf("failed to find available CPUs: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cpu := range cpus {
		path := fmt.Sprintf(h.msrPath, cpu)
		file, err := os.OpenFile(path, os.O_RDWR, 0)
		if errors.Is(err, os.ErrPermission) {
			file, err = os.OpenFile(path, os.O_RDONLY, 0)
			h.readOnly[cpu] = true
		}
		if err != nil {
			h.closeLocked()
			return fmt.Errorf("failed to open MSR file %s: %w", path, err)
		}
		h.msrFiles[cpu] = file
	}
	h.cpus = cpus
	h.cpuidCPU = cpus[0]

	if len(h.readOnly) > 0 {
		h.logger.Warn("MSR devices opened read-only; register writes will fail", "cpus", len(h.readOnly))
	}
	h.logger.Info("host primitives initialized", "cpus", len(cpus), "brand", cpuid.CPU.BrandName)
	return nil
}

// CPUs returns the CPU ids with an open MSR device
func (h *Host) CPUs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := make([]int, len(h.cpus))
	copy(ret, h.cpus)
	return ret
}

// Shutdown releases the MSR devices; it lets a Host take part in service.Init
func (h *Host) Shutdown() error {
	return h.Close()
}

// Close closes all MSR files
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *Host) closeLocked() error {
	var lastErr error
	for cpu, file := range h.msrFiles {
		if err := file.Close(); err != nil {
			lastErr = err
			h.logger.Warn("Failed to close MSR file", "cpu", cpu, "error", err)
		}
	}
	h.msrFiles = make(map[int]*os.File)
	h.readOnly = make(map[int]bool)
	h.cpus = nil
	return lastErr
}

// findAvailableCPUs lists the CPUs that have an MSR device file, sorted
func (h *Host) findAvailableCPUs() ([]int, error) {
	// e.g. "/dev/cpu/%d/msr" -> "/dev/cpu"
	cpuDir := filepath.Dir(filepath.Dir(h.msrPath))
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read CPU directory %s: %w", cpuDir, err)
	}

	var cpus []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cpu, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if cpu >= MaxTargets {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf(h.msrPath, cpu)); err == nil {
			cpus = append(cpus, cpu)
		}
	}
	sort.Ints(cpus)
	return cpus, nil
}
