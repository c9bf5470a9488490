// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"sync"
)

// NOTE: Fake is not intended to be used in production and is for testing and development only

type pciKey struct {
	node     int
	function uint32
	register uint32
}

// ReadHook is called for every fake MSR read; its result becomes the stored value.
// It runs without the fake's lock held and may call the fake's accessors.
type ReadHook func(cpu int, current uint64) uint64

// Fake implements Primitives on in-memory register files
type Fake struct {
	mu sync.Mutex

	cpus  int
	nodes int

	msr   map[uint32]map[int]uint64
	pci   map[pciKey]uint32
	cpuid map[uint32]CPUIDRegs
	hooks map[uint32]ReadHook

	failMSR   map[int]error
	failPCI   map[int]error
	failCPUID error

	msrWrites int
	pciWrites int
}

var _ Primitives = (*Fake)(nil)

// NewFake creates fake hardware with the given number of cores and nodes.
// Accesses to targets beyond those counts fail like a missing device.
func NewFake(cpus, nodes int) *Fake {
	return &Fake{
		cpus:    cpus,
		nodes:   nodes,
		msr:     make(map[uint32]map[int]uint64),
		pci:     make(map[pciKey]uint32),
		cpuid:   make(map[uint32]CPUIDRegs),
		hooks:   make(map[uint32]ReadHook),
		failMSR: make(map[int]error),
		failPCI: make(map[int]error),
	}
}

func (f *Fake) Name() string {
	return "fake"
}

// SetMSR sets the value of addr on one cpu
func (f *Fake) SetMSR(cpu int, addr uint32, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setMSRLocked(cpu, addr, value)
}

// SetMSRAll sets the value of addr on every cpu
func (f *Fake) SetMSRAll(addr uint32, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cpu := 0; cpu < f.cpus; cpu++ {
		f.setMSRLocked(cpu, addr, value)
	}
}

func (f *Fake) setMSRLocked(cpu int, addr uint32, value uint64) {
	regs, ok := f.msr[addr]
	if !ok {
		regs = make(map[int]uint64)
		f.msr[addr] = regs
	}
	regs[cpu] = value
}

// MSR returns the stored value of addr on cpu without running read hooks
func (f *Fake) MSR(cpu int, addr uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msr[addr][cpu]
}

// SetPCI sets a configuration dword of one node
func (f *Fake) SetPCI(node int, fn, reg uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pci[pciKey{node: node, function: fn, register: reg}] = value
}

// SetPCIAll sets a configuration dword on every node
func (f *Fake) SetPCIAll(fn, reg uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for node := 0; node < f.nodes; node++ {
		f.pci[pciKey{node: node, function: fn, register: reg}] = value
	}
}

// PCI returns the stored configuration dword of one node
func (f *Fake) PCI(node int, fn, reg uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pci[pciKey{node: node, function: fn, register: reg}]
}

// SetCPUID sets the output of a CPUID leaf
func (f *Fake) SetCPUID(leaf uint32, regs CPUIDRegs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpuid[leaf] = regs
}

// OnRead installs a hook run on every read of addr
func (f *Fake) OnRead(addr uint32, hook ReadHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[addr] = hook
}

// FailMSR makes every MSR access on cpu fail with err; nil clears the failure
func (f *Fake) FailMSR(cpu int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failMSR, cpu)
		return
	}
	f.failMSR[cpu] = err
}

// FailPCI makes every PCI access on node fail with err; nil clears the failure
func (f *Fake) FailPCI(node int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failPCI, node)
		return
	}
	f.failPCI[node] = err
}

// FailCPUID makes every CPUID query fail with err; nil clears the failure
func (f *Fake) FailCPUID(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCPUID = err
}

// MSRWrites returns the number of per-core MSR writes performed
func (f *Fake) MSRWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msrWrites
}

// PCIWrites returns the number of per-node PCI writes performed
func (f *Fake) PCIWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pciWrites
}

func (f *Fake) CPUID(leaf uint32) (CPUIDRegs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCPUID != nil {
		return CPUIDRegs{}, &PrimitiveError{Op: "cpuid", Address: leaf, Target: -1, Err: f.failCPUID}
	}
	return f.cpuid[leaf], nil
}

func (f *Fake) checkCPU(cpu int) error {
	if cpu >= f.cpus {
		return fmt.Errorf("no MSR device for cpu %d: %w", cpu, os.ErrNotExist)
	}
	return f.failMSR[cpu]
}

func (f *Fake) checkNode(node int) error {
	if node >= f.nodes {
		return fmt.Errorf("no northbridge for node %d: %w", node, os.ErrNotExist)
	}
	return f.failPCI[node]
}

func (f *Fake) ReadMSR(addr uint32, mask CoreMask) ([]uint64, error) {
	f.mu.Lock()
	values := make([]uint64, 0, mask.Count())
	for _, cpu := range mask.Indices() {
		if err := f.checkCPU(cpu); err != nil {
			f.mu.Unlock()
			return nil, &PrimitiveError{Op: "rdmsr", Address: addr, Target: cpu, Err: err}
		}
		values = append(values, f.msr[addr][cpu])
	}
	hook := f.hooks[addr]
	f.mu.Unlock()

	if hook == nil {
		return values, nil
	}

	// hooks run unlocked so they may inspect other registers of the fake
	cpus := mask.Indices()
	for i, cpu := range cpus {
		values[i] = hook(cpu, values[i])
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cpu := range cpus {
		f.setMSRLocked(cpu, addr, values[i])
	}
	return values, nil
}

func (f *Fake) WriteMSR(addr uint32, mask CoreMask, values []uint64) error {
	if len(values) != mask.Count() {
		return Invalidf("wrmsr 0x%x: %d values for %d cores", addr, len(values), mask.Count())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, cpu := range mask.Indices() {
		if err := f.checkCPU(cpu); err != nil {
			return &PrimitiveError{Op: "wrmsr", Address: addr, Target: cpu, Err: err}
		}
		f.setMSRLocked(cpu, addr, values[i])
		f.msrWrites++
	}
	return nil
}

func (f *Fake) ReadPCI(addr PCIAddress, mask NodeMask) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values := make([]uint32, 0, mask.Count())
	for _, node := range mask.Indices() {
		if err := f.checkNode(node); err != nil {
			return nil, &PrimitiveError{Op: "pciread", Address: addr.Register, Target: node, Err: err}
		}
		values = append(values, f.pci[pciKey{node: node, function: addr.Function, register: addr.Register}])
	}
	return values, nil
}

func (f *Fake) WritePCI(addr PCIAddress, mask NodeMask, values []uint32) error {
	if len(values) != mask.Count() {
		return Invalidf("pciwrite 0x%x: %d values for %d nodes", addr.Register, len(values), mask.Count())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, node := range mask.Indices() {
		if err := f.checkNode(node); err != nil {
			return &PrimitiveError{Op: "pciwrite", Address: addr.Register, Target: node, Err: err}
		}
		f.pci[pciKey{node: node, function: addr.Function, register: addr.Register}] = values[i]
		f.pciWrites++
	}
	return nil
}
