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

// Package vmconfig loads the construction-time parameters of a
// virtual memory subsystem (region count, PMP grain, ASID width,
// hardware A/D update support, minimum privileged-ISA version and
// base page size) from a TOML file, the way
// cmd/gvisor-containerd-shim/config.go's loadConfig does with
// toml.DecodeFile.
package vmconfig

import "github.com/BurntSushi/toml"

// Config is the full set of build-time parameters. vm.New does not
// take it; the caller threads its fields into pmp.New and the
// per-regime walker.Config values (as cmd/rvvmctl's dump command does).
type Config struct {
	PMPRegions int  `toml:"pmp_regions"`
	PMPGrain   uint `toml:"pmp_grain"`

	ASIDBits uint `toml:"asid_bits"`
	VMIDBits uint `toml:"vmid_bits"`

	HWUpdateA bool `toml:"hw_update_a"`
	HWUpdateD bool `toml:"hw_update_d"`

	// PrivVersion is the minimum implemented privileged-ISA version,
	// e.g. "1.11" or "1.12" (spec §4.2 step 5's >= 1.11 comparison).
	PrivVersion string `toml:"priv_version"`

	// BasePageSize is the base translation granule in bytes; 4096 on
	// every mode this module implements.
	BasePageSize int `toml:"base_page_size"`
}

// Default returns the conventional RV64/Sv39 configuration: 16 PMP
// regions, grain 0, 16-bit ASID, 14-bit VMID, hardware A/D updates enabled,
// privileged-ISA 1.12, 4 KiB base pages.
func Default() Config {
	return Config{
		PMPRegions:   16,
		PMPGrain:     0,
		ASIDBits:     16,
		VMIDBits:     14,
		HWUpdateA:    true,
		HWUpdateD:    true,
		PrivVersion:  "1.12",
		BasePageSize: 4096,
	}
}

// Load decodes a TOML file at path into a Config seeded with Default
// values, so an incomplete file still yields sane defaults for any
// field it omits.
func Load(path string) (Config, error) {
	c := Default()
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

// AtLeast111 reports whether c.PrivVersion is >= "1.11" under the
// ordering rule spec §6 calls for ("an enum whose ordering permits
// >= 1.11 comparison"): major.minor string comparison is sufficient
// because every privileged-ISA version in use ("1.10", "1.11",
// "1.12") shares the same digit width in each component.
func (c Config) AtLeast111() bool {
	return c.PrivVersion >= "1.11"
}
