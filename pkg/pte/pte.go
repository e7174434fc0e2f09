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

// Package pte decodes and encodes RISC-V virtual addresses and page
// table entries for the Sv32, Sv39 and Sv48 formats (and their x4
// stage-2 counterparts, which reuse the stage-1 codec once the guest
// physical extra bits are split off by the caller). Bit positions are
// accessed through explicit shift/mask helpers (pkg/bitfield) rather
// than host struct layout, per spec §9.
package pte

import (
	"rvvm.dev/rvvm/pkg/bitfield"
	"rvvm.dev/rvvm/pkg/priv"
)

// Flag bit offsets, identical across Sv32/Sv39/Sv48 (RISC-V privileged
// architecture, "Sv32/39/48 Page Table Entry" layout).
const (
	bitV = 0
	bitR = 1
	bitW = 2
	bitX = 3
	bitU = 4
	bitG = 5
	bitA = 6
	bitD = 7
)

var ppnShift = bitfield.Field{Shift: 10, Width: 54} // widened by caller-specific PPNWidth

// Layout parameterizes a walker's VPN-bit-width W, level count L and
// entry width B (spec §4.1).
type Layout struct {
	Name       string
	EntryBytes uint // B: 4 for Sv32, 8 for Sv39/Sv48
	VPNWidth   uint
	Levels     int
	PPNWidth   uint // bits of physical page number held in a leaf/pointer PTE
	// VABits is the number of significant (non-sign-extension) bits
	// of the virtual address; 0 for Sv32, which has no sign check.
	VABits uint
}

const PageShift = 12
const PageSize = 1 << PageShift

var (
	Sv32 = Layout{Name: "Sv32", EntryBytes: 4, VPNWidth: 10, Levels: 2, PPNWidth: 22, VABits: 0}
	Sv39 = Layout{Name: "Sv39", EntryBytes: 8, VPNWidth: 9, Levels: 3, PPNWidth: 44, VABits: 39}
	Sv48 = Layout{Name: "Sv48", EntryBytes: 8, VPNWidth: 9, Levels: 4, PPNWidth: 44, VABits: 48}
)

// VPN extracts VPN[level] from va.
func (l Layout) VPN(va uint64, level int) uint64 {
	shift := uint(PageShift) + uint(level)*uint(l.VPNWidth)
	mask := uint64(1)<<l.VPNWidth - 1
	return (va >> shift) & mask
}

// SignExtendOK reports whether va's bits above VABits-1 are a correct
// sign extension of bit VABits-1 (spec §4.1 step 1). Always true for
// Sv32 (VABits == 0 means "no check").
func (l Layout) SignExtendOK(va uint64) bool {
	if l.VABits == 0 {
		return true
	}
	return bitfield.AllOnes(va, l.VABits, 64)
}

// PageOffsetMask is the mask of the base-page offset bits.
func PageOffsetMask() uint64 { return PageSize - 1 }

// Entry is a decoded page table entry.
type Entry struct {
	V, R, W, X, U, G, A, D bool
	PPN                    uint64
}

// Decode unpacks raw (already read at the entry's native width) into
// an Entry using ppnWidth bits of physical page number.
func Decode(raw uint64, ppnWidth uint) Entry {
	return Entry{
		V:   bitfield.GetBit(raw, bitV),
		R:   bitfield.GetBit(raw, bitR),
		W:   bitfield.GetBit(raw, bitW),
		X:   bitfield.GetBit(raw, bitX),
		U:   bitfield.GetBit(raw, bitU),
		G:   bitfield.GetBit(raw, bitG),
		A:   bitfield.GetBit(raw, bitA),
		D:   bitfield.GetBit(raw, bitD),
		PPN: (raw >> ppnShift.Shift) & (uint64(1)<<ppnWidth - 1),
	}
}

// Encode packs e back into raw PTE bits.
func (e Entry) Encode() uint64 {
	v := uint64(0)
	v = bitfield.SetBit(v, bitV, e.V)
	v = bitfield.SetBit(v, bitR, e.R)
	v = bitfield.SetBit(v, bitW, e.W)
	v = bitfield.SetBit(v, bitX, e.X)
	v = bitfield.SetBit(v, bitU, e.U)
	v = bitfield.SetBit(v, bitG, e.G)
	v = bitfield.SetBit(v, bitA, e.A)
	v = bitfield.SetBit(v, bitD, e.D)
	v |= e.PPN << ppnShift.Shift
	return v
}

// IsLeaf reports whether any of R/W/X is set (spec §4.1 step 4).
func (e Entry) IsLeaf() bool { return e.R || e.W || e.X }

// Privilege returns the entry's RWX privilege set.
func (e Entry) Privilege() priv.Set {
	var p priv.Set
	if e.R {
		p |= priv.R
	}
	if e.W {
		p |= priv.W
	}
	if e.X {
		p |= priv.X
	}
	return p
}
