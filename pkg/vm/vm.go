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

// Package vm is the translation orchestrator (spec §4.5): on a miss
// it selects the active TLB, runs the appropriate walker, composes
// stage-1 and stage-2 results when the hypervisor extension is
// active, installs the resulting mapping through an injected alias
// installer, and runs PMP refinement over the physical span. It also
// owns save/restore of TLB state (spec §6). The PMP CSR operations are
// not wrapped here; callers reach them through the exported
// Machine.PMP engine.
//
// The surrounding CSR register file and host memory domain runtime
// are explicitly out of scope (spec §1); both are represented here
// as small collaborator interfaces the embedding simulator supplies.
package vm

import (
	"io"

	"github.com/sirupsen/logrus"

	"rvvm.dev/rvvm/pkg/asid"
	"rvvm.dev/rvvm/pkg/pmp"
	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/tlb"
	"rvvm.dev/rvvm/pkg/vmerr"
	"rvvm.dev/rvvm/pkg/vmmetric"
	"rvvm.dev/rvvm/pkg/walker"
)

// AliasInstaller is the host memory domain collaborator that installs
// and removes virtual-to-physical aliases (spec §4.6,
// aliasMemoryVM/unaliasMemoryVM).
type AliasInstaller interface {
	Alias(mode priv.Mode, lowPA, highPA, lowVA uint64, p priv.Set, asidMask, simASID uint64)
	Unalias(mode priv.Mode, lowVA, highVA uint64)
}

// ASIDPublisher receives the processor's current simulated ASID so
// the host memory domain runtime can key its own caches by it (spec
// §6's vmSetASID, grounded on riscvVMSetASID's vmirtSetProcessorASID
// call).
type ASIDPublisher interface {
	SetASID(key uint64)
}

// DomainSelector reselects the current data-access memory domain (spec
// §6's vmRefreshMPRVDomain, grounded on
// getVirtDomainCorD/getPhysDomainCorD plus
// vmirtSetProcessorDataDomain). vmEnabled reports whether the
// resolved mode has virtual memory translation active at all.
type DomainSelector interface {
	SelectDataDomain(mode priv.Mode, virtual, vmEnabled bool)
}

// PMAChecker is the external physical-memory-attribute extension hook
// (spec §1's "external-extension callbacks... for PMA hooks", spec
// §4.5's "PMP refinement → PMA hook" data flow). Miss runs it over the
// same resolved physical span as PMP refinement and treats a false
// return exactly like a PMP denial (spec §6: "PMA denial: delegated to
// extension hook; same outcome shape as PMP denial").
type PMAChecker interface {
	CheckPMA(mode priv.Mode, lowPA, highPA uint64, required priv.Set) bool
}

// ExceptionSink is the surrounding processor's exception entry point
// (spec §6's consumed takeMemoryException(kind, VA)). Miss classifies
// every fault through vmerr.Classify before delivering it here.
type ExceptionSink interface {
	TakeException(kind vmerr.ExceptionKind, va uint64)
}

// Access describes one translation request (spec §6's vmMiss).
type Access struct {
	Mode     priv.Mode
	Required priv.Set
	VA       uint64
	Bytes    uint64
	Artifact bool

	// Stage1Root/Stage2Root are the regime's current root table
	// physical addresses (satp/vsatp/hgatp.PPN<<PAGE_SHIFT), supplied
	// by the caller since CSR access is out of scope here.
	Stage1Root   uint64
	Stage2Root   uint64
	Stage2Active bool

	MXR                bool
	SUM                bool
	PrivVersion111Plus bool

	// Key/KeyS2 are the caller's current packed simulated-ASID keys
	// for the stage-1 and (if active) stage-2 regimes.
	Key   uint64
	KeyS2 uint64
	// MaskParams/MaskParamsS2 describe how to derive a fresh entry's
	// comparison mask (pkg/asid.Mask) once its G/U bits are known.
	MaskParams   asid.MaskParams
	MaskParamsS2 asid.MaskParams
}

// Machine ties together the three TLBs, the PMP engine and a set of
// per-mode walkers into the single access path spec §2 describes.
type Machine struct {
	HS, VS1, VS2 *tlb.TLB
	PMP          *pmp.Engine

	Walkers map[walkerKey]walker.Config
	Memory  walker.Memory
	Alias   AliasInstaller

	// PMA is optional; nil skips the PMA hook entirely, which is the
	// expected wiring for an embedder with no physical-attribute map
	// (spec §1: PMA hooks are referenced only through their interface).
	PMA PMAChecker

	// ASIDSink/Domains are optional; nil leaves vmSetASID/
	// vmRefreshMPRVDomain as no-ops, which is the expected wiring for
	// an embedder that manages its own CSR-driven domain selection.
	ASIDSink   ASIDPublisher
	Domains    DomainSelector
	Exceptions ExceptionSink

	Log     logrus.FieldLogger
	Metrics *vmmetric.Registry
}

type walkerKey struct {
	regime priv.Regime
	x4     bool
}

// New constructs a Machine with empty TLBs for all three regimes. Each
// TLB's Unaliaser is wired to alias (when non-nil) so that any
// invalidation path (Miss's dirty-bit re-walk, InvalidateAll/Range,
// Restore) tears down the corresponding host-side alias through
// tlb.TLB.Delete, rather than leaving it live after eviction.
func New(pmpEngine *pmp.Engine, mem walker.Memory, alias AliasInstaller) *Machine {
	hs, vs1, vs2 := tlb.New(priv.HS), tlb.New(priv.VS1), tlb.New(priv.VS2)
	if alias != nil {
		hs.Unaliaser, vs1.Unaliaser, vs2.Unaliaser = alias, alias, alias
	}
	return &Machine{
		HS:      hs,
		VS1:     vs1,
		VS2:     vs2,
		PMP:     pmpEngine,
		Walkers: map[walkerKey]walker.Config{},
		Memory:  mem,
		Alias:   alias,
		Log:     logrus.StandardLogger(),
		Metrics: vmmetric.NewRegistry(),
	}
}

// SetWalker registers the Config used for regime/x4 combination.
func (m *Machine) SetWalker(regime priv.Regime, x4 bool, cfg walker.Config) {
	m.Walkers[walkerKey{regime, x4}] = cfg
}

func (m *Machine) tlbFor(regime priv.Regime) *tlb.TLB {
	switch regime {
	case priv.VS1:
		return m.VS1
	case priv.VS2:
		return m.VS2
	default:
		return m.HS
	}
}

// reportFault logs f and, via vmerr.Classify, delivers the
// corresponding ExceptionKind to the injected ExceptionSink (spec
// §6's takeMemoryException(kind, VA)).
func (m *Machine) reportFault(f *vmerr.Fault, va uint64, regime priv.Regime, required priv.Set, stage2 bool) {
	kind := vmerr.Classify(f, priv.KindOf(required), stage2)

	fields := logrus.Fields{"va": va, "regime": regime.String(), "fault": f.Error(), "exception": kind.String()}
	if f.Severity() == vmerr.SeverityInfo {
		m.Log.WithFields(fields).Debug("translation fault")
	} else {
		m.Log.WithFields(fields).Warn("translation fault")
	}

	if m.Exceptions != nil {
		m.Exceptions.TakeException(kind, va)
	}
}

// walkOneStage looks up the TLB for regime, runs the configured
// walker on a miss, and returns the populated entry (inserting it
// into the TLB) or the fault that occurred.
func (m *Machine) walkOneStage(regime priv.Regime, x4 bool, va, rootPA uint64, acc Access, mp asid.MaskParams, liveKey uint64) (*tlb.Entry, *vmerr.Fault) {
	t := m.tlbFor(regime)

	if e := t.Find(va, liveKey); e != nil {
		m.Metrics.TLBHit(regime)
		if acc.Required.Has(priv.W) && !e.D {
			t.Delete(e)
		} else {
			return e, nil
		}
	}
	m.Metrics.TLBMiss(regime)

	cfg, ok := m.Walkers[walkerKey{regime, x4}]
	if !ok {
		return nil, vmerr.V0
	}

	req := walker.Request{
		Mode: acc.Mode, Required: acc.Required, VA: va, RootPA: rootPA,
		Artifact: acc.Artifact, MXR: acc.MXR, SUM: acc.SUM,
		PrivVersion111Plus: acc.PrivVersion111Plus,
	}

	res, fault := walker.Walk(cfg, req, m.Memory)
	if fault != nil {
		m.Metrics.Walk(regime, false)
		return nil, fault
	}
	m.Metrics.Walk(regime, true)

	mp.Global = res.G
	mp.UserAccessible = res.U
	mask := asid.Mask(mp)

	entry := t.Insert(tlb.Entry{
		LowVA: res.LowVA, HighVA: res.HighVA, PA: res.PA,
		Regime: regime, Priv: res.Priv, U: res.U, G: res.G, A: res.A, D: res.D,
		SimASID: liveKey, Mask: mask, Artifact: acc.Artifact,
	})
	return entry, nil
}

// Miss implements spec §4.5's translation orchestrator for a virtual
// access: it walks (or reuses) a stage-1 entry, composes a stage-2
// walk when the hypervisor extension is active, installs the
// resulting alias, and runs PMP refinement over the physical span.
func (m *Machine) Miss(acc Access) *vmerr.Fault {
	regime := priv.HS
	if acc.Stage2Active {
		regime = priv.VS1
	}

	lowVA := acc.VA
	highVA := acc.VA + acc.Bytes - 1

	for lowVA <= highVA {
		e1, fault := m.walkOneStage(regime, false, lowVA, acc.Stage1Root, acc, acc.MaskParams, acc.Key)
		if fault != nil {
			if !acc.Artifact {
				m.reportFault(fault, lowVA, regime, acc.Required, false)
			}
			return fault
		}

		// entry1 owns the installed alias's ASID key and mapped-mask
		// bookkeeping for the whole access, matching mapTLBEntry's
		// "ASID = getEntrySimASID(entry1)" / "entry1->mapped |= ..."
		// -- entry2 contributes only its own ASID mask, ORed in, and
		// is never itself marked mapped (spec §4.5).
		entry1 := e1
		lowPA := e1.PA + (lowVA - e1.LowVA)
		effHigh := e1.HighVA
		effPriv := e1.Priv
		aliasMask := e1.Mask

		if acc.Stage2Active {
			gpa := lowVA + e1.PA - e1.LowVA
			e2, fault := m.walkOneStage(priv.VS2, false, gpa, acc.Stage2Root, acc, acc.MaskParamsS2, acc.KeyS2)
			if fault != nil {
				if !acc.Artifact {
					m.reportFault(fault, lowVA, priv.VS2, acc.Required, true)
				}
				return fault
			}
			lowPA = e2.PA + (gpa - e2.LowVA)
			// tighten the merged range to whichever stage maps the
			// smaller window, matching spec §4.5's "take the tighter
			// bounds" merge rule.
			s1RemainingHigh := lowVA + (e1.HighVA - lowVA)
			s2RemainingHigh := lowVA + (e2.HighVA - gpa)
			if s2RemainingHigh < s1RemainingHigh {
				effHigh = s2RemainingHigh
			} else {
				effHigh = s1RemainingHigh
			}
			effPriv &= e2.Priv
			aliasMask |= e2.Mask
		}

		if effHigh > highVA {
			effHigh = highVA
		}
		highPA := lowPA + (effHigh - lowVA)

		if m.Alias != nil && !acc.Artifact {
			m.Alias.Alias(acc.Mode, lowPA, highPA, lowVA, effPriv, aliasMask, entry1.SimASID)
			entry1.SetMapped(acc.Mode)
		}

		if lowPA > highPA {
			break
		}
		_, _, pmpPriv := m.PMP.Check(acc.Mode, lowPA)
		if !pmpPriv.Has(acc.Required) {
			m.Metrics.PMPDenied()
			if !acc.Artifact {
				m.reportFault(vmerr.PMPDenied, lowVA, regime, acc.Required, false)
			}
			return vmerr.PMPDenied
		}

		if m.PMA != nil && !m.PMA.CheckPMA(acc.Mode, lowPA, highPA, acc.Required) {
			m.Metrics.PMADenied()
			if !acc.Artifact {
				m.reportFault(vmerr.PMADenied, lowVA, regime, acc.Required, false)
			}
			return vmerr.PMADenied
		}

		lowVA = effHigh + 1
	}

	return nil
}

// SetASID publishes key to the injected ASIDPublisher, if any (spec
// §6, vmSetASID).
func (m *Machine) SetASID(key uint64) {
	if m.ASIDSink != nil {
		m.ASIDSink.SetASID(key)
	}
}

// MPRVState is the CSR-derived state RefreshMPRVDomain needs; the
// caller reads mstatus/mstatush/mode itself since CSR access is out
// of scope here (spec §1). MPRV must already reflect dcsr.mprven
// gating in debug mode, per spec §6's note that MPRV is effective in
// debug mode only when that bit is set.
type MPRVState struct {
	Mode    priv.Mode
	Virtual bool

	MPRV       bool
	MPP        priv.Mode
	HasMPPMode bool // false if MPP names an unimplemented mode
	MinMode    priv.Mode
	MPV        bool

	SatpVM  bool // satp.MODE != 0 (Bare)
	HgatpVM bool // hgatp.MODE != 0 (Bare)
}

// RefreshMPRVDomain reselects the data-access domain after an
// mstatus.MPRV/MPP change (spec §6, vmRefreshMPRVDomain, grounded on
// riscvVMRefreshMPRVDomain).
func (m *Machine) RefreshMPRVDomain(st MPRVState) {
	mode := st.Mode
	virtual := st.Virtual

	if st.MPRV {
		mpp := st.MPP
		if !st.HasMPPMode {
			mpp = st.MinMode
		}
		if mpp > mode {
			m.Log.WithFields(logrus.Fields{"mode": mode.String(), "mpp": mpp.String()}).
				Warn("suspicious execution with mstatus.MPRV=1 and a higher mstatus.MPP mode")
		}
		virtual = mpp != priv.Machine && st.MPV
		mode = mpp
	}

	vmEnabled := mode != priv.Machine && (st.SatpVM || (virtual && st.HgatpVM))

	if m.Domains != nil {
		m.Domains.SelectDataDomain(mode, virtual, vmEnabled)
	}
}

// InvalidateAll drops every entry from the stage-1 TLB active for
// the given regime (spec §6, vmInvalidateAll).
func (m *Machine) InvalidateAll(regime priv.Regime) {
	m.tlbFor(regime).InvalidateAll()
}

// InvalidateAllASID drops every non-global entry whose ASID matches
// (spec §6, vmInvalidateAllASID).
func (m *Machine) InvalidateAllASID(regime priv.Regime, asidVal uint16) {
	t := m.tlbFor(regime)
	t.InvalidateRange(0, ^uint64(0), tlb.ByASID, asidVal, 0, false)
}

// InvalidateVA drops every entry overlapping VA (spec §6, vmInvalidateVA).
func (m *Machine) InvalidateVA(regime priv.Regime, va uint64) {
	m.tlbFor(regime).InvalidateRange(va, va, tlb.Any, 0, 0, false)
}

// InvalidateVAASID drops non-global entries overlapping VA whose ASID
// matches (spec §6, vmInvalidateVAASID).
func (m *Machine) InvalidateVAASID(regime priv.Regime, va uint64, asidVal uint16) {
	m.tlbFor(regime).InvalidateRange(va, va, tlb.ByASID, asidVal, 0, false)
}

// DumpTLB writes a human-readable listing of regime's live entries
// (spec §6, dumpTLB/dumpVS1TLB/dumpVS2TLB).
func (m *Machine) DumpTLB(w io.Writer, regime priv.Regime) {
	dumpTLB(w, regime, m.tlbFor(regime))
}
