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

package pmp

import (
	"testing"

	"rvvm.dev/rvvm/pkg/priv"
)

// TestNAPOTGrain3RegionGeometry works through a grain-3 NAPOT region
// by hand, using the original reference model's exact arithmetic
// rather than the narrative numbers given for this scenario: with
// G=3, writing pmpaddr=0x0F forces the bottom two bits to zero at
// write time (stored value 0x0C), and the grain-masked read-back
// sets them back to ones (0x0F). The NAPOT decode of that effective
// address produces the region [0x00, 0x7F], not [0x00, 0x1F] -- see
// DESIGN.md for the derivation and why the reference model's own
// arithmetic, not the narrative text, is authoritative here.
func TestNAPOTGrain3RegionGeometry(t *testing.T) {
	e := New(1, 3, 0)
	e.WriteCfg(0, DecodeConfig(0).withMode(NAPOT).Encode(), nil)
	e.WriteAddr(0, 0x0F, nil)

	if got := e.ReadAddr(0); got != 0x0F {
		t.Fatalf("ReadAddr = %#x, want 0x0f", got)
	}
	low, high := e.Bounds(0)
	if low != 0x00 || high != 0x7F {
		t.Fatalf("Bounds = [%#x,%#x], want [0x00,0x7f]", low, high)
	}
}

func TestNA4RegionIsFourBytes(t *testing.T) {
	e := New(1, 0, 0)
	e.WriteCfg(0, DecodeConfig(0).withMode(NA4).Encode(), nil)
	e.WriteAddr(0, 0x10, nil) // addr<<2 == 0x40

	low, high := e.Bounds(0)
	if low != 0x40 || high != 0x43 {
		t.Fatalf("Bounds = [%#x,%#x], want [0x40,0x43]", low, high)
	}
}

func TestTORRegionSpansFromPreviousEntry(t *testing.T) {
	e := New(2, 0, 0)
	e.WriteCfg(0, DecodeConfig(0).withMode(TOR).Encode(), nil)
	e.WriteAddr(0, 0x10, nil) // region 0: [0, 0x3f]
	e.WriteCfg(1, DecodeConfig(0).withMode(TOR).Encode(), nil)
	e.WriteAddr(1, 0x20, nil) // region 1: [0x40, 0x7f]

	lo0, hi0 := e.Bounds(0)
	if lo0 != 0 || hi0 != 0x3f {
		t.Fatalf("region 0 bounds = [%#x,%#x], want [0,0x3f]", lo0, hi0)
	}
	lo1, hi1 := e.Bounds(1)
	if lo1 != 0x40 || hi1 != 0x7f {
		t.Fatalf("region 1 bounds = [%#x,%#x], want [0x40,0x7f]", lo1, hi1)
	}
}

func TestWriteCfgRejectedWhenLocked(t *testing.T) {
	e := New(1, 0, 0)
	e.WriteCfg(0, DecodeConfig(0).withMode(NA4).withLock(true).Encode(), nil)
	e.WriteCfg(0, DecodeConfig(0).withMode(TOR).Encode(), nil)

	if e.regions[0].Cfg.Mode != NA4 {
		t.Fatalf("locked config byte was overwritten")
	}
}

func TestWriteAddrRejectedWhenNextRegionLockedTOR(t *testing.T) {
	e := New(2, 0, 0)
	e.WriteCfg(1, DecodeConfig(0).withMode(TOR).withLock(true).Encode(), nil)

	e.WriteAddr(0, 0x123, nil)
	if e.regions[0].Addr != 0 {
		t.Fatalf("address write to region guarded by locked TOR successor should be rejected")
	}
}

func TestNA4UnselectableWhenGrainSet(t *testing.T) {
	e := New(1, 1, 0)
	e.WriteCfg(0, DecodeConfig(0).withMode(TOR).Encode(), nil)
	e.WriteCfg(0, DecodeConfig(0).withMode(NA4).Encode(), nil) // should be coerced back to TOR

	if e.regions[0].Cfg.Mode != TOR {
		t.Fatalf("mode = %s, want NA4 to be rejected in favor of existing TOR when grain>0", e.regions[0].Cfg.Mode)
	}
}

func TestCheckMachineModeUnlockedRegionGetsFullAccess(t *testing.T) {
	e := New(1, 0, 0)
	e.WriteCfg(0, DecodeConfig(uint8(priv.R)).withMode(NA4).Encode(), nil)
	e.WriteAddr(0, 0x10, nil)

	_, _, eff := e.Check(priv.Machine, 0x40)
	if eff != priv.RWX {
		t.Fatalf("M-mode eff = %s, want rwx for unlocked region", eff)
	}
}

func TestCheckSupervisorModeUsesRegionPrivilege(t *testing.T) {
	e := New(1, 0, 0)
	e.WriteCfg(0, DecodeConfig(uint8(priv.R)).withMode(NA4).Encode(), nil)
	e.WriteAddr(0, 0x10, nil)

	_, _, eff := e.Check(priv.Supervisor, 0x40)
	if eff != priv.R {
		t.Fatalf("S-mode eff = %s, want r", eff)
	}
}

func TestCheckNoRegionsMachineFullSupervisorNone(t *testing.T) {
	e := New(0, 0, 0)
	_, _, effM := e.Check(priv.Machine, 0x1000)
	_, _, effS := e.Check(priv.Supervisor, 0x1000)
	if effM != priv.RWX {
		t.Fatalf("M-mode with no regions = %s, want rwx", effM)
	}
	if effS != priv.None {
		t.Fatalf("S-mode with no regions = %s, want none", effS)
	}
}

func TestInvalidateScopeLockedRegionIncludesMachine(t *testing.T) {
	e := New(1, 0, 0)
	e.WriteCfg(0, DecodeConfig(uint8(priv.RWX)).withMode(NA4).withLock(true).Encode(), nil)
	e.WriteAddr(0, 0x10, nil)

	scope := e.Invalidate(0)
	if !scope.Supervisor || !scope.Machine {
		t.Fatalf("scope = %+v, want both true for a locked region", scope)
	}
}

func TestInvalidateScopeUnlockedRegionExcludesMachine(t *testing.T) {
	e := New(2, 0, 0)
	e.WriteCfg(0, DecodeConfig(uint8(priv.RWX)).withMode(NA4).Encode(), nil)
	e.WriteAddr(0, 0x10, nil)

	scope := e.Invalidate(0)
	if !scope.Supervisor || scope.Machine {
		t.Fatalf("scope = %+v, want Supervisor only for an unlocked region with no locked lower-priority entries", scope)
	}
}

func TestInvalidateScopeUnlockedRegionWithLockedLowerPriorityIncludesMachine(t *testing.T) {
	e := New(2, 0, 0)
	e.WriteCfg(0, DecodeConfig(uint8(priv.RWX)).withMode(NA4).Encode(), nil)
	e.WriteAddr(0, 0x10, nil)
	e.WriteCfg(1, DecodeConfig(uint8(priv.RWX)).withMode(NA4).withLock(true).Encode(), nil)
	e.WriteAddr(1, 0x20, nil)

	scope := e.Invalidate(0)
	if !scope.Machine {
		t.Fatalf("scope = %+v, want Machine true: region 1 is locked and lower priority", scope)
	}
}

func (c Config) withMode(m Mode) Config { c.Mode = m; return c }
func (c Config) withLock(l bool) Config { c.Locked = l; return c }
