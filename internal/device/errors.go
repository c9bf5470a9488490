// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
)

var (
	// ErrPrimitive is matched by every *PrimitiveError; the OS or driver call failed.
	ErrPrimitive = errors.New("register primitive failed")

	// ErrInvalid reports a value or index outside its legal range. Nothing was written.
	ErrInvalid = errors.New("invalid argument")

	// ErrUnsupported reports a capability the processor family does not have.
	ErrUnsupported = errors.New("unsupported by processor family")

	// ErrNoSlot reports that no free or shareable performance counter slot exists.
	ErrNoSlot = errors.New("no performance counter slot available")

	// ErrLocked reports an attempt to modify a parameter that firmware has locked.
	ErrLocked = errors.New("parameter locked by firmware")
)

// PrimitiveError describes a failed raw register access
type PrimitiveError struct {
	Op      string // rdmsr, wrmsr, cpuid, pciread, pciwrite
	Address uint32 // register address, CPUID leaf or PCI register offset
	Target  int    // absolute cpu or node index, -1 when not applicable
	Err     error
}

func (e *PrimitiveError) Error() string {
	if e.Target < 0 {
		return fmt.Sprintf("%s 0x%x: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("%s 0x%x on target %d: %v", e.Op, e.Address, e.Target, e.Err)
}

func (e *PrimitiveError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPrimitive) true for any PrimitiveError
func (e *PrimitiveError) Is(target error) bool {
	return target == ErrPrimitive
}

// Invalidf returns an error wrapping ErrInvalid
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Unsupportedf returns an error wrapping ErrUnsupported
func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
