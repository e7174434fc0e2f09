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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"rvvm.dev/rvvm/pkg/asid"
	"rvvm.dev/rvvm/pkg/pmp"
	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/pte"
	"rvvm.dev/rvvm/pkg/vm"
	"rvvm.dev/rvvm/pkg/vmconfig"
	"rvvm.dev/rvvm/pkg/walker"
)

// dumpCommand implements subcommands.Command for "dump": it
// constructs a Machine from a TOML config, runs one scripted Sv39
// translation (the scenario from spec §8) through it, then prints
// the resulting TLB/PMP state plus a metrics snapshot. It supplies
// its own trivial in-memory stand-ins for the PTW memory and alias
// installer collaborators the core explicitly leaves external.
type dumpCommand struct {
	configPath string
}

func (*dumpCommand) Name() string     { return "dump" }
func (*dumpCommand) Synopsis() string { return "run a scripted translation and dump TLB/PMP state" }
func (*dumpCommand) Usage() string {
	return "dump [-config=<path>] - run a scripted Sv39 translation and print the resulting state\n"
}

func (c *dumpCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a vmconfig TOML file (defaults to vmconfig.Default())")
}

func (c *dumpCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := vmconfig.Default()
	if c.configPath != "" {
		loaded, err := vmconfig.Load(c.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rvvmctl: loading config: %v\n", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	mem := newFixtureMemory()
	alias := &loggingAliasInstaller{}

	pmpEngine := pmp.New(cfg.PMPRegions, cfg.PMPGrain, 0)
	if pmpEngine.NumRegions() > 0 {
		// Region 0 grants full access everywhere so the scripted
		// translation below demonstrates a successful walk rather
		// than the PMP's default deny-by-absence behavior.
		pmpEngine.WriteCfg(0, pmp.Config{Priv: priv.RWX, Mode: pmp.TOR}.Encode(), nil)
		pmpEngine.WriteAddr(0, ^uint64(0)>>2, nil)
	}
	m := vm.New(pmpEngine, mem, alias)
	m.SetWalker(priv.HS, false, walker.Config{
		Layout: pte.Sv39, HWUpdateA: cfg.HWUpdateA, HWUpdateD: cfg.HWUpdateD, ASIDImplemented: cfg.ASIDBits > 0,
	})

	const root = 0x80000000
	mem.set(root, pte.Entry{V: true, PPN: 0x81000 >> pte.PageShift}.Encode())
	mem.set(0x81000, pte.Entry{V: true, PPN: 0x82000 >> pte.PageShift}.Encode())
	mem.set(0x82000, 0x000000DF)

	fault := m.Miss(vm.Access{
		Mode: priv.User, Required: priv.R, VA: 0, Bytes: pte.PageSize,
		Stage1Root: root, MaskParams: asid.MaskParams{Regime: priv.HS},
	})
	if fault != nil {
		fmt.Printf("translation faulted: %v\n", fault)
	} else {
		fmt.Println("translation succeeded")
	}

	m.DumpTLB(os.Stdout, priv.HS)
	for i := 0; i < pmpEngine.NumRegions(); i++ {
		rc := pmp.DecodeConfig(pmpEngine.ReadCfg(i))
		fmt.Printf("pmp%d: mode=%s priv=%s locked=%t addr=%#x\n", i, rc.Mode, rc.Priv, rc.Locked, pmpEngine.ReadAddr(i))
	}
	m.Metrics.WriteTo(os.Stdout)

	return subcommands.ExitSuccess
}

type fixtureMemory struct{ entries map[uint64]uint64 }

func newFixtureMemory() *fixtureMemory { return &fixtureMemory{entries: map[uint64]uint64{}} }

func (m *fixtureMemory) set(addr, v uint64) { m.entries[addr] = v }

func (m *fixtureMemory) ReadPTE(addr uint64, _ uint) (uint64, bool) {
	return m.entries[addr], true
}

func (m *fixtureMemory) WritePTE(addr uint64, _ uint, v uint64) bool {
	m.entries[addr] = v
	return true
}

type loggingAliasInstaller struct{}

func (*loggingAliasInstaller) Alias(mode priv.Mode, lowPA, highPA, lowVA uint64, p priv.Set, asidMask, simASID uint64) {
	fmt.Printf("alias: mode=%s [%#x,%#x]->va=%#x priv=%s\n", mode, lowPA, highPA, lowVA, p)
}

func (*loggingAliasInstaller) Unalias(mode priv.Mode, lowVA, highVA uint64) {
	fmt.Printf("unalias: mode=%s [%#x,%#x]\n", mode, lowVA, highVA)
}
