// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sustainable-computing-io/pstatectl/internal/device"
)

// CPUID leaves
const (
	leafVendor     = 0x0
	leafSignature  = 0x1
	leafExtSig     = 0x80000001
	leafBrand      = 0x80000002 // through 0x80000004
	leafPowerMgmt  = 0x80000007
	leafAddrSizes  = 0x80000008
	vendorAMD      = "AuthenticAMD"
	cpbFlag        = 1 << 9 // 8000_0007 EDX
	extFamilyShift = 20
)

// Identity is what CPUID reports about the processor
type Identity struct {
	Vendor      string `yaml:"vendor"`
	MaxLeaf     uint32 `yaml:"maxLeaf"`
	Family      uint32 `yaml:"family"`
	ExtFamily   uint32 `yaml:"extFamily"`
	Model       uint32 `yaml:"model"`
	Stepping    uint32 `yaml:"stepping"`
	PackageType uint32 `yaml:"packageType"`
	BrandName   string `yaml:"brandName"`
	Cores       int    `yaml:"cores"`
	CPB         bool   `yaml:"cpb"`
}

// Identify reads the processor identity through CPUID
func Identify(prim device.Primitives) (Identity, error) {
	var id Identity

	regs, err := prim.CPUID(leafVendor)
	if err != nil {
		return id, fmt.Errorf("failed to read vendor: %w", err)
	}
	id.MaxLeaf = regs.EAX
	id.Vendor = regString(regs.EBX, regs.EDX, regs.ECX)

	regs, err = prim.CPUID(leafSignature)
	if err != nil {
		return id, fmt.Errorf("failed to read signature: %w", err)
	}
	baseFamily := (regs.EAX >> 8) & 0xf
	baseModel := (regs.EAX >> 4) & 0xf
	id.Stepping = regs.EAX & 0xf
	id.ExtFamily = (regs.EAX >> extFamilyShift) & 0xff
	id.Family = baseFamily
	id.Model = baseModel
	if baseFamily == 0xf {
		id.Family += id.ExtFamily
		id.Model |= ((regs.EAX >> 16) & 0xf) << 4
	}

	regs, err = prim.CPUID(leafExtSig)
	if err != nil {
		return id, fmt.Errorf("failed to read package type: %w", err)
	}
	id.PackageType = regs.EBX >> 28

	var brand []uint32
	for leaf := uint32(leafBrand); leaf < leafBrand+3; leaf++ {
		regs, err = prim.CPUID(leaf)
		if err != nil {
			return id, fmt.Errorf("failed to read brand string: %w", err)
		}
		brand = append(brand, regs.EAX, regs.EBX, regs.ECX, regs.EDX)
	}
	id.BrandName = regString(brand...)
	if id.BrandName == "" && cpuid.CPU.VendorID == cpuid.AMD && uint32(cpuid.CPU.Family) == id.Family {
		id.BrandName = cpuid.CPU.BrandName
	}

	regs, err = prim.CPUID(leafPowerMgmt)
	if err != nil {
		return id, fmt.Errorf("failed to read power management features: %w", err)
	}
	id.CPB = regs.EDX&cpbFlag != 0

	regs, err = prim.CPUID(leafAddrSizes)
	if err != nil {
		return id, fmt.Errorf("failed to read core count: %w", err)
	}
	id.Cores = int(regs.ECX&0xff) + 1

	return id, nil
}

func (id Identity) String() string {
	name := id.BrandName
	if name == "" {
		name = id.Vendor
	}
	return fmt.Sprintf("%s (family %xh model %xh stepping %d)", name, id.Family, id.Model, id.Stepping)
}

// regString decodes little endian ASCII packed into registers
func regString(regs ...uint32) string {
	buf := make([]byte, 4*len(regs))
	for i, r := range regs {
		binary.LittleEndian.PutUint32(buf[4*i:], r)
	}
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

type detector struct {
	family *Family
	match  func(Identity) bool
}

func amd(id Identity) bool {
	return id.Vendor == vendorAMD && id.MaxLeaf >= leafSignature
}

// detectors are tried in order; the first match wins
var detectors = []detector{
	{K10, func(id Identity) bool { return amd(id) && id.ExtFamily == 0x1 }},
	{Griffin, func(id Identity) bool { return amd(id) && id.ExtFamily == 0x2 }},
	{Llano, func(id Identity) bool { return amd(id) && id.ExtFamily == 0x3 }},
	{Brazos, func(id Identity) bool { return amd(id) && id.ExtFamily == 0x5 && id.Cores <= 2 }},
	{Interlagos, func(id Identity) bool { return amd(id) && id.ExtFamily == 0x6 && id.Model < 0x10 }},
}

// Match returns the family of an identity
func Match(id Identity) (*Family, error) {
	for _, d := range detectors {
		if d.match(id) {
			return d.family, nil
		}
	}
	return nil, device.Unsupportedf("no support for %s", id)
}
