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

// Package walker implements the page-table walk algorithm shared by
// Sv32, Sv39 and Sv48 (spec §4.1) and their x4 hypervisor stage-2
// counterparts, plus the permission check (spec §4.2) that gates a
// successful walk's result against the caller's mode and requested
// access.
package walker

import (
	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/pte"
	"rvvm.dev/rvvm/pkg/vmerr"
)

// Memory is the PTW's sole collaborator: page-table entry reads and
// writes through the supervisor-mode PTW domain (spec §4.1 step 3/9).
// A/D write-back is skipped entirely for artifact accesses before
// WritePTE is ever called, so implementations need not special-case
// artifact traffic themselves.
type Memory interface {
	// ReadPTE reads an entryBytes-wide page table entry at addr. ok
	// is false on a bus error (arms vmerr.Read).
	ReadPTE(addr uint64, entryBytes uint) (raw uint64, ok bool)
	// WritePTE writes value back to addr. ok is false on a bus error
	// (arms vmerr.Write).
	WritePTE(addr uint64, entryBytes uint, value uint64) (ok bool)
}

// Config parameterizes one walker instance: its page-table layout
// and the implementation choices that affect every walk through it.
type Config struct {
	Layout pte.Layout
	// HWUpdateA/HWUpdateD report whether this implementation updates
	// A/D bits in hardware (spec §4.1 step 8) rather than faulting.
	HWUpdateA bool
	HWUpdateD bool
	// ASIDImplemented being false forces every leaf's effective G to
	// true (spec §4.1 step 6: "G forced on if stage 2 or ASID not
	// implemented").
	ASIDImplemented bool
	// Stage2 marks this as a VS2 (guest-physical) walker; within Walk
	// its only effect is to force G. The orchestrator, not this
	// package, does the VS2 vs non-VS2 exception-kind mapping via
	// vmerr.Classify.
	Stage2 bool
}

// Request describes one translation attempt.
type Request struct {
	Mode     priv.Mode
	Required priv.Set
	VA       uint64
	RootPA   uint64
	Artifact bool

	// MXR/SUM are the effective status bits for this access (spec
	// §4.2 step 2); the caller (orchestrator) computes their
	// regime-dependent composition before calling Walk.
	MXR bool
	SUM bool
	// PrivVersion111Plus reports whether the minimum implemented
	// privileged-ISA version is >= 1.11 (spec §4.2 step 5).
	PrivVersion111Plus bool
}

// Result is a populated TLB-entry candidate (spec §4.1 step 6).
type Result struct {
	LowVA, HighVA uint64
	PA            uint64
	Priv          priv.Set
	U, G, A, D    bool
}

// Walk runs the full single-stage algorithm of spec §4.1 against mem
// using cfg's layout, returning either a populated Result or a
// sentinel *vmerr.Fault.
func Walk(cfg Config, req Request, mem Memory) (Result, *vmerr.Fault) {
	l := cfg.Layout

	if !l.SignExtendOK(req.VA) {
		return Result{}, vmerr.VAEXTEND
	}

	i := l.Levels - 1
	a := req.RootPA

	var entry pte.Entry
	var leafLevel int

	for {
		addr := a + l.VPN(req.VA, i)*uint64(l.EntryBytes)
		raw, ok := mem.ReadPTE(addr, l.EntryBytes)
		if !ok {
			return Result{}, vmerr.Read
		}

		entry = pte.Decode(raw, l.PPNWidth)

		if !entry.V {
			return Result{}, vmerr.V0
		}
		if !entry.R && entry.W {
			return Result{}, vmerr.R0W1
		}
		if entry.IsLeaf() {
			leafLevel = i
			break
		}

		a = entry.PPN << pte.PageShift
		i--
		if i < 0 {
			return Result{}, vmerr.LEAF
		}
	}

	size := uint64(1) << (uint(leafLevel)*l.VPNWidth + pte.PageShift)
	if entry.PPN<<pte.PageShift&(size-1) != 0 {
		return Result{}, vmerr.ALIGN
	}

	lowVA := req.VA &^ (size - 1)
	result := Result{
		LowVA:  lowVA,
		HighVA: lowVA + size - 1,
		PA:     entry.PPN << pte.PageShift,
		Priv:   entry.Privilege(),
		U:      entry.U,
		G:      entry.G || cfg.Stage2 || !cfg.ASIDImplemented,
		A:      entry.A,
		D:      entry.D,
	}

	if !CheckPermission(req.Mode, result, req) {
		return Result{}, vmerr.PRIV
	}

	updated := false
	if !result.A {
		if !cfg.HWUpdateA {
			return Result{}, vmerr.A0
		}
		result.A = true
		entry.A = true
		updated = true
	}
	if req.Required.Has(priv.W) && !result.D {
		if !cfg.HWUpdateD {
			return Result{}, vmerr.D0
		}
		result.D = true
		entry.D = true
		updated = true
	}

	if updated && !req.Artifact {
		addr := a + l.VPN(req.VA, leafLevel)*uint64(l.EntryBytes)
		if !mem.WritePTE(addr, l.EntryBytes, entry.Encode()) {
			return Result{}, vmerr.Write
		}
	}

	return result, nil
}

// CheckPermission implements spec §4.2 against an already-decoded
// walk result.
func CheckPermission(mode priv.Mode, r Result, req Request) bool {
	p := r.Priv

	if p.Has(priv.X) && req.MXR {
		p |= priv.R
	}

	switch mode {
	case priv.User:
		if !r.U {
			return false
		}
	default: // Supervisor or Machine reaching a page table at all implies S here
		if r.U {
			if !req.SUM {
				return false
			}
			if req.PrivVersion111Plus {
				p &^= priv.X
			}
		}
	}

	return p.Has(req.Required)
}
