// Copyright 2026 The RVVM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package asid packs the processor's current address-space state
// into the 64-bit "simulated ASID" key (spec §3) that the TLB and the
// virtual-to-PMP alias both use to validate cached mappings without
// re-walking the page tables.
package asid

import (
	"rvvm.dev/rvvm/pkg/bitfield"
	"rvvm.dev/rvvm/pkg/priv"
)

// Field layout (spec §3): ASID_HS:16, ASID_VS:16, VMID:16, MXR_HS:1,
// SUM_HS:1, MXR_VS:1, SUM_VS:1, S1:1, S2:1, remaining bits reserved
// zero.
var (
	fieldASIDHS = bitfield.Field{Shift: 0, Width: 16}
	fieldASIDVS = bitfield.Field{Shift: 16, Width: 16}
	fieldVMID   = bitfield.Field{Shift: 32, Width: 16}
	bitMXRHS    = uint(48)
	bitSUMHS    = uint(49)
	bitMXRVS    = uint(50)
	bitSUMVS    = uint(51)
	bitS1       = uint(52)
	bitS2       = uint(53)
)

// Key is the unpacked form of the simulated ASID.
type Key struct {
	ASIDHS uint16
	ASIDVS uint16
	VMID   uint16
	MXRHS  bool
	SUMHS  bool
	MXRVS  bool
	SUMVS  bool
	S1     bool
	S2     bool
}

// Pack encodes k as the 64-bit simulated ASID.
func (k Key) Pack() uint64 {
	v := uint64(0)
	v = fieldASIDHS.Set(v, uint64(k.ASIDHS))
	v = fieldASIDVS.Set(v, uint64(k.ASIDVS))
	v = fieldVMID.Set(v, uint64(k.VMID))
	v = bitfield.SetBit(v, bitMXRHS, k.MXRHS)
	v = bitfield.SetBit(v, bitSUMHS, k.SUMHS)
	v = bitfield.SetBit(v, bitMXRVS, k.MXRVS)
	v = bitfield.SetBit(v, bitSUMVS, k.SUMVS)
	v = bitfield.SetBit(v, bitS1, k.S1)
	v = bitfield.SetBit(v, bitS2, k.S2)
	return v
}

// Unpack decodes a packed simulated ASID.
func Unpack(v uint64) Key {
	return Key{
		ASIDHS: uint16(fieldASIDHS.Get(v)),
		ASIDVS: uint16(fieldASIDVS.Get(v)),
		VMID:   uint16(fieldVMID.Get(v)),
		MXRHS:  bitfield.GetBit(v, bitMXRHS),
		SUMHS:  bitfield.GetBit(v, bitSUMHS),
		MXRVS:  bitfield.GetBit(v, bitMXRVS),
		SUMVS:  bitfield.GetBit(v, bitSUMVS),
		S1:     bitfield.GetBit(v, bitS1),
		S2:     bitfield.GetBit(v, bitS2),
	}
}

// MaskParams describes the caller-side state needed to derive which
// fields of the simulated ASID participate in a TLB entry's equality
// check (spec §3's mask rules).
type MaskParams struct {
	// Global is the entry's G bit: when set, ASID_HS/ASID_VS never
	// participate (matching is unconditional).
	Global bool
	// Regime is the TLB (HS, VS1 or VS2) the entry lives in.
	Regime priv.Regime
	// UserAccessible is the entry's U bit.
	UserAccessible bool
	// CallerSupervisor reports whether the caller is in supervisor
	// mode (as opposed to user mode) for the purpose of the SUM rule.
	CallerSupervisor bool
	// Virtualized reports whether the caller is currently executing
	// under the hypervisor extension (V=1).
	Virtualized bool
}

// Mask returns the bitmask of fields (same layout as Pack/Unpack)
// that participate in comparing two simulated ASID keys for a TLB
// entry with the given properties.
func Mask(p MaskParams) uint64 {
	var m uint64
	m = bitfield.SetBit(m, bitMXRHS, true) // always participates

	if !p.Global {
		switch p.Regime {
		case priv.VS1:
			m |= fieldASIDVS.Mask() << fieldASIDVS.Shift
		default:
			m |= fieldASIDHS.Mask() << fieldASIDHS.Shift
		}
	}

	// Stage-2 entries ignore SUM; they are always treated as user mode.
	if p.UserAccessible && p.CallerSupervisor && p.Regime != priv.VS2 {
		switch p.Regime {
		case priv.VS1:
			m = bitfield.SetBit(m, bitSUMVS, true)
		default:
			m = bitfield.SetBit(m, bitSUMHS, true)
		}
	}

	if p.Virtualized {
		m |= fieldVMID.Mask() << fieldVMID.Shift
		m = bitfield.SetBit(m, bitMXRVS, true)
		m = bitfield.SetBit(m, bitS1, true)
		m = bitfield.SetBit(m, bitS2, true)
	}

	return m
}

// Match reports whether entryKey and liveKey agree on every bit set
// in mask.
func Match(mask, entryKey, liveKey uint64) bool {
	return (entryKey & mask) == (liveKey & mask)
}
