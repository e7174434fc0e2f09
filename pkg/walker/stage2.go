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

package walker

import (
	"rvvm.dev/rvvm/pkg/pte"
	"rvvm.dev/rvvm/pkg/vmerr"
)

// X4Config wraps a stage-1 Config for use as a Sv32x4/Sv39x4/Sv48x4
// guest-physical walker: the top "extra bits" of the incoming address
// above the stage-1 VA width are a root-table offset rather than part
// of the walked address (spec §4.1, "Sv32x4 / Sv39x4 / Sv48x4").
type X4Config struct {
	Stage1 Config
	// BaseBits is the stage-1 layout's address width: 32 for Sv32x4,
	// Stage1.Layout.VABits for Sv39x4/Sv48x4.
	BaseBits uint
	// EnforceCap and MaxExtraBits implement the asymmetry the
	// reference model actually has: Sv39x4/Sv48x4 explicitly reject
	// more than MaxExtraBits extra bits with VAEXTEND, while Sv32x4
	// performs no such check at all and simply accepts whatever
	// extra bits are present. This is a deliberately preserved
	// property of the reference walker, not a bug -- see DESIGN.md.
	EnforceCap   bool
	MaxExtraBits uint
}

// WalkStage2 runs a guest-physical-address walk: it splits req.VA
// into the extra bits (used as a root-table offset of extraBits x
// 4 KiB added to req.RootPA) and the inner address passed to the
// corresponding stage-1 walker, then reinstates the extra bits into
// the resulting range on success.
func WalkStage2(cfg X4Config, req Request, mem Memory) (Result, *vmerr.Fault) {
	extra := req.VA >> cfg.BaseBits

	if cfg.EnforceCap && extra >= uint64(1)<<cfg.MaxExtraBits {
		return Result{}, vmerr.VAEXTEND
	}

	innerMask := uint64(1)<<cfg.BaseBits - 1
	inner := req
	inner.VA = req.VA & innerMask
	inner.RootPA = req.RootPA + extra*pte.PageSize

	res, fault := Walk(cfg.Stage1, inner, mem)
	if fault != nil {
		return Result{}, fault
	}

	extraShifted := extra << cfg.BaseBits
	res.LowVA |= extraShifted
	res.HighVA |= extraShifted
	return res, nil
}
