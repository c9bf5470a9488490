// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const cpuidSize = 16

// CPUID queries leaf (subleaf 0) through the cpuid device of the first available CPU
func (h *Host) CPUID(leaf uint32) (CPUIDRegs, error) {
	h.mu.Lock()
	cpu := h.cpuidCPU
	h.mu.Unlock()

	path := fmt.Sprintf(h.cpuidPath, cpu)
	file, err := os.Open(path)
	if err != nil {
		return CPUIDRegs{}, &PrimitiveError{Op: "cpuid", Address: leaf, Target: -1, Err: err}
	}
	defer func() {
		// ignored on purpose
		_ = file.Close()
	}()

	// the cpuid driver takes the leaf in the low and the subleaf in the high 32 bits of the offset
	buf := make([]byte, cpuidSize)
	n, err := unix.Pread(int(file.Fd()), buf, int64(leaf))
	if err != nil {
		return CPUIDRegs{}, &PrimitiveError{Op: "cpuid", Address: leaf, Target: -1, Err: err}
	}
	if n != cpuidSize {
		return CPUIDRegs{}, &PrimitiveError{Op: "cpuid", Address: leaf, Target: -1, Err: fmt.Errorf("short read: %d bytes", n)}
	}

	return CPUIDRegs{
		EAX: binary.LittleEndian.Uint32(buf[0:4]),
		EBX: binary.LittleEndian.Uint32(buf[4:8]),
		ECX: binary.LittleEndian.Uint32(buf[8:12]),
		EDX: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}
