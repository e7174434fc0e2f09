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

// Package tlb implements one translation-lookaside-buffer store per
// translation regime (HS, VS1, VS2): a range-lookup structure over
// cached entries plus a free list of reusable entry slots (spec
// §3/§4.4).
package tlb

import (
	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/rangeset"
)

// Mapped is a bitmask over base privilege modes (User/Supervisor/
// Machine) in which an entry is currently aliased into a virtual
// domain (spec §3, "Mapped mask").
type Mapped uint8

const (
	MappedUser       Mapped = 1 << priv.User
	MappedSupervisor Mapped = 1 << priv.Supervisor
	MappedMachine    Mapped = 1 << priv.Machine
)

func maskFor(m priv.Mode) Mapped { return Mapped(1 << m) }

// Unaliaser tears down a host-side alias previously installed for an
// entry's virtual range under a given base privilege mode. It mirrors
// vm.AliasInstaller's Unalias method; declared separately here (rather
// than imported) so pkg/tlb does not depend on pkg/vm.
type Unaliaser interface {
	Unalias(mode priv.Mode, lowVA, highVA uint64)
}

// Entry is one cached translation (spec §3, "TLB Entry").
type Entry struct {
	LowVA, HighVA uint64
	PA            uint64

	Regime priv.Regime

	Priv priv.Set
	U    bool
	G    bool
	A    bool
	D    bool

	// SimASID is the packed simulated-ASID key (pkg/asid.Key.Pack)
	// recorded when the entry was mapped.
	SimASID uint64
	// Mask is the comparison mask (pkg/asid.Mask) that selects which
	// bits of SimASID must agree with the caller's live key.
	Mask uint64

	// Mapped records which base privilege modes currently have a
	// host-side alias installed for this entry.
	Mapped Mapped

	// Artifact marks an entry created by a non-architectural probe
	// (e.g. a debugger read). Artifact entries never count as
	// Mapped and are deleted the next time they are encountered by
	// find, rather than surviving as a cache hit (spec §3/§4.4).
	Artifact bool

	node *rangeset.Node[*Entry]
	next *Entry // free-list link; unused while the entry is live
}

// Size returns highVA - lowVA + 1, the entry's (power-of-two) range size.
func (e *Entry) Size() uint64 { return e.HighVA - e.LowVA + 1 }

// MatchMode selects ANY (delete unconditionally) or ASID (delete only
// non-global entries whose key matches) invalidation (spec §4.4).
type MatchMode int

const (
	Any MatchMode = iota
	ByASID
)

// TLB is the per-regime store: an overlap-tolerant range structure
// plus an intrusive free list, exactly as spec §3/§9 describe --
// "simple intrusive singly-linked list inside the entry storage
// pool; entries on the free list must not appear in the range
// structure."
type TLB struct {
	Regime priv.Regime
	lut    *rangeset.Table[*Entry]
	free   *Entry

	// Unaliaser is optional; nil skips alias teardown entirely, which
	// is the expected wiring for a TLB with no host-side alias
	// collaborator.
	Unaliaser Unaliaser
}

// New constructs an empty TLB for the given regime.
func New(regime priv.Regime) *TLB {
	return &TLB{Regime: regime, lut: rangeset.New[*Entry]()}
}

// allocate pulls a reusable entry from the free list, or allocates a
// fresh one if the free list is empty. The TLB never refuses an
// insert -- capacity is soft, matching the reference model's
// unbounded vmirtlbNewEntry.
func (t *TLB) allocate() *Entry {
	if t.free != nil {
		e := t.free
		t.free = e.next
		*e = Entry{}
		return e
	}
	return &Entry{}
}

// release returns e to the free list. e must already be unlinked
// from the range structure.
func (t *TLB) release(e *Entry) {
	e.node = nil
	e.next = t.free
	t.free = e
}

// Insert allocates (or reuses) a slot, populates it from fields, and
// links it into the range structure. The returned *Entry is owned by
// the TLB until Delete or an invalidation removes it.
func (t *TLB) Insert(fields Entry) *Entry {
	e := t.allocate()
	node := fields
	*e = node
	e.node = t.lut.Insert(e.LowVA, e.HighVA, e)
	return e
}

// Delete unlinks e from the range structure, tears down any host-side
// alias recorded in e.Mapped via the TLB's Unaliaser (spec §4.4:
// "Deletion also tears down any host-side alias created for the
// entry... before returning memory to the free list"), and returns e
// to the free list.
func (t *TLB) Delete(e *Entry) {
	if e.node != nil {
		t.lut.Remove(e.node)
	}
	for _, m := range [...]priv.Mode{priv.User, priv.Supervisor, priv.Machine} {
		if e.Mapped&maskFor(m) == 0 {
			continue
		}
		if t.Unaliaser != nil {
			t.Unaliaser.Unalias(m, e.LowVA, e.HighVA)
		}
		e.ClearMapped(m)
	}
	t.release(e)
}

// Find looks up the entry covering VA whose simulated-ASID key
// matches liveKey under the entry's own mask. Artifact entries
// encountered along the way are deleted in place and skipped, never
// returned as a hit (spec §4.4).
func (t *TLB) Find(va, liveKey uint64) *Entry {
	for _, n := range t.lut.Find(va) {
		e := n.Value()
		if e.Artifact {
			t.Delete(e)
			continue
		}
		if (e.SimASID & e.Mask) == (liveKey & e.Mask) {
			return e
		}
	}
	return nil
}

// InvalidateRange deletes every overlapping entry in [lowVA, highVA]
// satisfying mode's predicate (spec §4.4). For ByASID, an entry is
// deleted only if it is non-global and its ASID (and, when it
// carries one, VMID) matches asid/vmid.
func (t *TLB) InvalidateRange(lowVA, highVA uint64, mode MatchMode, asid, vmid uint16, matchVMID bool) {
	for _, n := range t.lut.Overlapping(lowVA, highVA) {
		e := n.Value()
		if mode == Any || t.matchesASID(e, asid, vmid, matchVMID) {
			t.Delete(e)
		}
	}
}

// matchesASID implements the ByASID predicate: the entry must be
// non-global, and its packed key's ASID field (selected by the TLB's
// regime) and, if requested, VMID field must equal the caller's.
func (t *TLB) matchesASID(e *Entry, asid, vmid uint16, matchVMID bool) bool {
	if e.G {
		return false
	}
	entryASID, entryVMID := splitASIDVMID(e.SimASID, t.Regime)
	if entryASID != asid {
		return false
	}
	if matchVMID && entryVMID != vmid {
		return false
	}
	return true
}

// splitASIDVMID extracts the ASID field relevant to regime (ASID_HS
// for HS/VS2, ASID_VS for VS1) and the VMID field from a packed
// simulated-ASID key, without importing pkg/asid to avoid a cycle;
// the field layout mirrors pkg/asid's Pack/Unpack exactly.
func splitASIDVMID(key uint64, regime priv.Regime) (asid, vmid uint16) {
	vmid = uint16(key >> 32 & 0xffff)
	if regime == priv.VS1 {
		return uint16(key >> 16 & 0xffff), vmid
	}
	return uint16(key & 0xffff), vmid
}

// InvalidateAll deletes every entry in the TLB.
func (t *TLB) InvalidateAll() {
	for _, n := range t.lut.All() {
		t.Delete(n.Value())
	}
}

// SetMapped records that the entry now has a host-side alias
// installed for base privilege mode m.
func (e *Entry) SetMapped(m priv.Mode) { e.Mapped |= maskFor(m) }

// ClearMapped records that the entry's host-side alias for base
// privilege mode m was torn down.
func (e *Entry) ClearMapped(m priv.Mode) { e.Mapped &^= maskFor(m) }

// IsMapped reports whether the entry currently has any alias installed.
func (e *Entry) IsMapped() bool { return e.Mapped != 0 }

// Len returns the number of live (non-free) entries in the TLB.
func (t *TLB) Len() int { return t.lut.Len() }

// All returns every live entry, ascending by VA, for debug dumps
// (spec §6, dumpTLB/dumpVS1TLB/dumpVS2TLB).
func (t *TLB) All() []*Entry {
	nodes := t.lut.All()
	out := make([]*Entry, len(nodes))
	for i, n := range nodes {
		out[i] = n.Value()
	}
	return out
}
