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

// Package vmerr holds the standardized fault definitions raised by the
// page-table walker, TLB and PMP engine. Faults are compared by
// pointer identity rather than by string, the way pkg/errors/linuxerr
// compares *errors.Error values.
package vmerr

import "rvvm.dev/rvvm/pkg/priv"

// Severity classifies a fault the way spec §4.1 does: most translation
// faults are normal OS behavior (page faults that a supervisor handles
// routinely); bus errors and PMP/PMA denials are genuinely unexpected.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
)

// Fault is a walker/TLB/PMP error code.
type Fault struct {
	name     string
	severity Severity
	// busError is set for READ/WRITE: these map to an access fault
	// regardless of regime, never to a (guest) page fault.
	busError bool
}

func (f *Fault) Error() string      { return f.name }
func (f *Fault) Severity() Severity { return f.severity }
func (f *Fault) IsBusError() bool   { return f.busError }

func newFault(name string, sev Severity) *Fault {
	return &Fault{name: name, severity: sev}
}

func newBusFault(name string) *Fault {
	return &Fault{name: name, severity: SeverityWarn, busError: true}
}

// Walker error codes, spec §4.1 step-by-step and §7.
var (
	VAEXTEND = newFault("VAEXTEND", SeverityWarn) // VA does not sign-extend correctly
	V0       = newFault("V0", SeverityInfo)        // PTE.V == 0
	R0W1     = newFault("R0W1", SeverityWarn)      // reserved R=0,W=1 encoding
	LEAF     = newFault("LEAF", SeverityWarn)      // walked past level 0 without a leaf
	ALIGN    = newFault("ALIGN", SeverityWarn)     // misaligned superpage
	PRIV     = newFault("PRIV", SeverityInfo)      // permission check failed
	A0       = newFault("A0", SeverityInfo)        // PTE.A == 0, no hardware A-update
	D0       = newFault("D0", SeverityInfo)        // PTE.D == 0 on a store, no hardware D-update
	Read     = newBusFault("READ")                 // bus error reading a PTE
	Write    = newBusFault("WRITE")                // bus error writing a PTE back

	// PMPDenied and PMADenied are armed by the PMP/PMA refinement stage
	// (spec §4.7, §7); they always resolve to an access fault on the
	// original access, never to a page fault.
	PMPDenied = newBusFault("AFault_PMP")
	PMADenied = newBusFault("AFault_PMA")
)

// ExceptionKind is the concrete exception variant reported to the
// surrounding processor's takeMemoryException collaborator.
type ExceptionKind int

const (
	LoadPageFault ExceptionKind = iota
	StoreAMOPageFault
	InstructionPageFault
	LoadGuestPageFault
	StoreAMOGuestPageFault
	InstructionGuestPageFault
	LoadAccessFault
	StoreAMOAccessFault
	InstructionAccessFault
)

func (k ExceptionKind) String() string {
	switch k {
	case LoadPageFault:
		return "LoadPageFault"
	case StoreAMOPageFault:
		return "StoreAMOPageFault"
	case InstructionPageFault:
		return "InstructionPageFault"
	case LoadGuestPageFault:
		return "LoadGuestPageFault"
	case StoreAMOGuestPageFault:
		return "StoreAMOGuestPageFault"
	case InstructionGuestPageFault:
		return "InstructionGuestPageFault"
	case LoadAccessFault:
		return "LoadAccessFault"
	case StoreAMOAccessFault:
		return "StoreAMOAccessFault"
	default:
		return "InstructionAccessFault"
	}
}

// Classify maps a Fault plus the access Kind it occurred on, and
// whether the failing walker was a stage-2 (VS2) walk, to the
// concrete ExceptionKind (spec §7).
func Classify(f *Fault, kind priv.Kind, stage2 bool) ExceptionKind {
	if f.busError {
		switch kind {
		case priv.Store:
			return StoreAMOAccessFault
		case priv.Instruction:
			return InstructionAccessFault
		default:
			return LoadAccessFault
		}
	}
	if stage2 {
		switch kind {
		case priv.Store:
			return StoreAMOGuestPageFault
		case priv.Instruction:
			return InstructionGuestPageFault
		default:
			return LoadGuestPageFault
		}
	}
	switch kind {
	case priv.Store:
		return StoreAMOPageFault
	case priv.Instruction:
		return InstructionPageFault
	default:
		return LoadPageFault
	}
}
