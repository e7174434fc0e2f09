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

package vm

import (
	"testing"

	"rvvm.dev/rvvm/pkg/asid"
	"rvvm.dev/rvvm/pkg/pmp"
	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/pte"
	"rvvm.dev/rvvm/pkg/walker"
)

type fakeMem struct{ entries map[uint64]uint64 }

func newFakeMem() *fakeMem { return &fakeMem{entries: map[uint64]uint64{}} }
func (m *fakeMem) ReadPTE(addr uint64, _ uint) (uint64, bool) {
	return m.entries[addr], true
}
func (m *fakeMem) WritePTE(addr uint64, _ uint, v uint64) bool {
	m.entries[addr] = v
	return true
}

type fakeAlias struct {
	calls        int
	lastASIDMask uint64
	lastSimASID  uint64
	unaliasCalls int
}

func (f *fakeAlias) Alias(mode priv.Mode, lowPA, highPA, lowVA uint64, p priv.Set, asidMask, simASID uint64) {
	f.calls++
	f.lastASIDMask = asidMask
	f.lastSimASID = simASID
}
func (f *fakeAlias) Unalias(mode priv.Mode, lowVA, highVA uint64) { f.unaliasCalls++ }

func openPMP() *pmp.Engine {
	e := pmp.New(1, 0, 0)
	// A single TOR region covering physical addresses
	// [0, 0xFFFFFFFB] with RWX, unlocked.
	e.WriteCfg(0, pmp.Config{Priv: priv.RWX, Mode: pmp.TOR}.Encode(), nil)
	e.WriteAddr(0, 0x3FFFFFFF, nil) // addr<<2 == 0xFFFFFFFC
	return e
}

func sv39Chain(mem *fakeMem, root uint64, leaf uint64) {
	mem.entries[root] = pte.Entry{V: true, PPN: (root + 0x1000) >> pte.PageShift}.Encode()
	mem.entries[root+0x1000] = pte.Entry{V: true, PPN: (root + 0x2000) >> pte.PageShift}.Encode()
	mem.entries[root+0x2000] = leaf
}

func TestMachineMissHit(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	alias := &fakeAlias{}
	m := New(openPMP(), mem, alias)
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})

	fault := m.Miss(Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	})
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if alias.calls != 1 {
		t.Fatalf("alias.calls = %d, want 1", alias.calls)
	}
	if m.HS.Len() != 1 {
		t.Fatalf("HS TLB Len() = %d, want 1", m.HS.Len())
	}
}

func TestMachineMissReusesTLBEntry(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	m := New(openPMP(), mem, &fakeAlias{})
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})

	acc := Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	}
	if fault := m.Miss(acc); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	// Remove the chain's entries so a second walk would fail; the
	// second Miss should still succeed by hitting the cached entry.
	mem.entries = map[uint64]uint64{}
	if fault := m.Miss(acc); fault != nil {
		t.Fatalf("expected cache hit, got fault: %v", fault)
	}
	if m.HS.Len() != 1 {
		t.Fatalf("expected exactly one cached entry, got %d", m.HS.Len())
	}
}

func TestMachineMissPMPDenial(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	m := New(pmp.New(0, 0, 0), mem, &fakeAlias{}) // no PMP regions -> S/U always denied
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})

	fault := m.Miss(Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	})
	if fault == nil {
		t.Fatalf("expected a PMP denial fault")
	}
}

type fakePMA struct {
	allow bool
	calls int
}

func (f *fakePMA) CheckPMA(mode priv.Mode, lowPA, highPA uint64, required priv.Set) bool {
	f.calls++
	return f.allow
}

func TestMachineMissPMADenial(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	m := New(openPMP(), mem, &fakeAlias{})
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})
	pma := &fakePMA{allow: false}
	m.PMA = pma

	fault := m.Miss(Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	})
	if fault == nil {
		t.Fatalf("expected a PMA denial fault")
	}
	if pma.calls != 1 {
		t.Fatalf("pma.calls = %d, want 1", pma.calls)
	}
}

func TestMachineMissPMAAllowed(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	m := New(openPMP(), mem, &fakeAlias{})
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})
	pma := &fakePMA{allow: true}
	m.PMA = pma

	fault := m.Miss(Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	})
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if pma.calls != 1 {
		t.Fatalf("pma.calls = %d, want 1", pma.calls)
	}
}

func TestMachineInvalidateAll(t *testing.T) {
	mem := newFakeMem()
	sv39Chain(mem, 0x80000000, 0x000000DF)

	alias := &fakeAlias{}
	m := New(openPMP(), mem, alias)
	m.SetWalker(priv.HS, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})

	acc := Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, MaskParams: asid.MaskParams{Regime: priv.HS},
	}
	m.Miss(acc)
	m.InvalidateAll(priv.HS)
	if m.HS.Len() != 0 {
		t.Fatalf("HS TLB Len() = %d, want 0 after InvalidateAll", m.HS.Len())
	}
	// The mapped entry's host-side alias must be torn down as part of
	// invalidation, not just dropped from the TLB (spec §4.4/§4.6).
	if alias.unaliasCalls != 1 {
		t.Fatalf("alias.unaliasCalls = %d, want 1 after InvalidateAll", alias.unaliasCalls)
	}
}

func TestMachineTwoStageComposition(t *testing.T) {
	mem := newFakeMem()
	// Stage 1: GVA 0 -> GPA 0x1000, 4 KiB.
	sv39Chain(mem, 0x80000000, pte.Entry{V: true, R: true, U: true, A: true, D: true, PPN: 0x1000 >> pte.PageShift}.Encode())
	// Stage 2: GPA 0x1000 -> SPA 0x90001000, 4 KiB. GPA 0x1000 has
	// VPN[0] = 1, so its leaf sits in slot 1 of the last-level table.
	sv39Chain(mem, 0xA0000000, 0)
	mem.entries[0xA0002000+8] = pte.Entry{V: true, R: true, U: true, A: true, D: true, PPN: 0x90001000 >> pte.PageShift}.Encode()

	alias := &fakeAlias{}
	m := New(openPMP(), mem, alias)
	m.SetWalker(priv.VS1, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true})
	m.SetWalker(priv.VS2, false, walker.Config{Layout: pte.Sv39, ASIDImplemented: true, Stage2: true})

	fault := m.Miss(Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: 0x80000000, Stage2Root: 0xA0000000, Stage2Active: true,
		Key: 0xAAAA, KeyS2: 0xBBBB,
		MaskParams:   asid.MaskParams{Regime: priv.VS1, Virtualized: true},
		MaskParamsS2: asid.MaskParams{Regime: priv.VS2, Virtualized: true},
	})
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if m.VS1.Len() != 1 || m.VS2.Len() != 1 {
		t.Fatalf("expected one entry in each of VS1/VS2, got %d/%d", m.VS1.Len(), m.VS2.Len())
	}

	vs1 := m.VS1.All()[0]
	vs2 := m.VS2.All()[0]

	// spec §4.5's merge rule: the installed alias's ASID key comes
	// from entry1 (VS1), and its ASID mask is the OR of both stages'
	// masks, matching mapTLBEntry.
	if alias.lastSimASID != vs1.SimASID {
		t.Fatalf("alias installed with SimASID %#x, want entry1's %#x", alias.lastSimASID, vs1.SimASID)
	}
	if want := vs1.Mask | vs2.Mask; alias.lastASIDMask != want {
		t.Fatalf("alias installed with ASID mask %#x, want OR of both stages %#x", alias.lastASIDMask, want)
	}

	// Only entry1 (VS1) is marked mapped; entry2 (VS2) does not
	// individually own the installed alias.
	if !vs1.IsMapped() {
		t.Fatalf("expected the VS1 (entry1) entry to be marked Mapped")
	}
	if vs2.IsMapped() {
		t.Fatalf("expected the VS2 (entry2) entry NOT to be marked Mapped")
	}
}
