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

const pciRegSize = 4

// ReadPCI reads a configuration dword on every node in mask. The device number
// of each target is addr.Device plus its absolute node index.
func (h *Host) ReadPCI(addr PCIAddress, mask NodeMask) ([]uint32, error) {
	values := make([]uint32, 0, mask.Count())
	for _, node := range mask.Indices() {
		v, err := h.pciAccess(addr, node, func(fd int, buf []byte) (int, error) {
			return unix.Pread(fd, buf, int64(addr.Register))
		}, os.O_RDONLY, nil)
		if err != nil {
			return nil, &PrimitiveError{Op: "pciread", Address: addr.Register, Target: node, Err: err}
		}
		values = append(values, v)
	}
	return values, nil
}

// WritePCI writes values[i] to the i-th node of mask, without rollback
func (h *Host) WritePCI(addr PCIAddress, mask NodeMask, values []uint32) error {
	if len(values) != mask.Count() {
		return Invalidf("pciwrite 0x%x: %d values for %d nodes", addr.Register, len(values), mask.Count())
	}
	for i, node := range mask.Indices() {
		buf := make([]byte, pciRegSize)
		binary.LittleEndian.PutUint32(buf, values[i])
		_, err := h.pciAccess(addr, node, func(fd int, _ []byte) (int, error) {
			return unix.Pwrite(fd, buf, int64(addr.Register))
		}, os.O_WRONLY, buf)
		if err != nil {
			return &PrimitiveError{Op: "pciwrite", Address: addr.Register, Target: node, Err: err}
		}
		h.logger.Debug("pciwrite", "node", node, "function", addr.Function,
			logger.Hex("register", uint64(addr.Register)), logger.Hex("value", uint64(values[i])))
	}
	return nil
}

func (h *Host) pciAccess(addr PCIAddress, node int, op func(fd int, buf []byte) (int, error), flag int, out []byte) (uint32, error) {
	path := fmt.Sprintf(h.pciPath, addr.Device+uint32(node), addr.Function)
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return 0, err
	}
	defer func() {
		// ignored on purpose
		_ = file.Close()
	}()

	buf := out
	if buf == nil {
		buf = make([]byte, pciRegSize)
	}
	n, err := op(int(file.Fd()), buf)
	if err != nil {
		return 0, err
	}
	if n != pciRegSize {
		return 0, fmt.Errorf("short access: %d bytes", n)
	}
	return binary.LittleEndian.Uint32(buf), nil
}
