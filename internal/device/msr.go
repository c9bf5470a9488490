// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sustainable-computing-io/pstatectl/internal/logger"
	"golang.org/x/sys/unix"
)

const msrSize = 8

// ReadMSR reads addr on every core in mask, in ascending core order.
// Any failure discards the values read so far.
func (h *Host) ReadMSR(addr uint32, mask CoreMask) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	values := make([]uint64, 0, mask.Count())
	for _, cpu := range mask.Indices() {
		file, err := h.msrFile(cpu)
		if err != nil {
			return nil, &PrimitiveError{Op: "rdmsr", Address: addr, Target: cpu, Err: err}
		}
		v, err := preadMSR(file, addr)
		if err != nil {
			return nil, &PrimitiveError{Op: "rdmsr", Address: addr, Target: cpu, Err: err}
		}
		values = append(values, v)
	}
	return values, nil
}

// WriteMSR writes values[i] to the i-th core of mask. Cores written before a
// failure keep their new value.
func (h *Host) WriteMSR(addr uint32, mask CoreMask, values []uint64) error {
	if len(values) != mask.Count() {
		return Invalidf("wrmsr 0x%x: %d values for %d cores", addr, len(values), mask.Count())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, cpu := range mask.Indices() {
		file, err := h.msrFile(cpu)
		if err != nil {
			return &PrimitiveError{Op: "wrmsr", Address: addr, Target: cpu, Err: err}
		}
		if h.readOnly[cpu] {
			return &PrimitiveError{Op: "wrmsr", Address: addr, Target: cpu, Err: os.ErrPermission}
		}
		if err := pwriteMSR(file, addr, values[i]); err != nil {
			return &PrimitiveError{Op: "wrmsr", Address: addr, Target: cpu, Err: err}
		}
		h.logger.Debug("wrmsr", "cpu", cpu, logger.Hex("msr", uint64(addr)), logger.Hex("value", values[i]))
	}
	return nil
}

func (h *Host) msrFile(cpu int) (*os.File, error) {
	file, ok := h.msrFiles[cpu]
	if !ok {
		return nil, fmt.Errorf("no MSR device open for cpu %d: %w", cpu, os.ErrNotExist)
	}
	return file, nil
}

// preadMSR reads the 64-bit register at offset addr of an msr device file
func preadMSR(file *os.File, addr uint32) (uint64, error) {
	buf := make([]byte, msrSize)
	n, err := unix.Pread(int(file.Fd()), buf, int64(addr))
	if err != nil {
		return 0, err
	}
	if n != msrSize {
		return 0, fmt.Errorf("short read: %d bytes", n)
	}
	// x86 is little endian
	return binary.LittleEndian.Uint64(buf), nil
}

func pwriteMSR(file *os.File, addr uint32, value uint64) error {
	buf := make([]byte, msrSize)
	binary.LittleEndian.PutUint64(buf, value)
	n, err := unix.Pwrite(int(file.Fd()), buf, int64(addr))
	if err != nil {
		return err
	}
	if n != msrSize {
		return fmt.Errorf("short write: %d bytes", n)
	}
	return nil
}
