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

// Package vmmetric is a small Prometheus-exposition-format counter
// registry for the virtual memory subsystem: TLB hits/misses per
// regime, page-table walks per regime, and PMP/PMA denials.
//
// This hand-rolls the exposition format directly rather than
// depending on github.com/prometheus/client_golang, following
// pkg/prometheus's own approach: a self-contained exposition writer
// with no dependency on the third-party Prometheus client libraries
// (those appear elsewhere in this stack only on the test-side metric
// parser, never in production export code). See DESIGN.md.
package vmmetric

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"rvvm.dev/rvvm/pkg/priv"
)

// Registry holds a fixed set of named counters, keyed by translation
// regime where applicable.
type Registry struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: map[string]uint64{}}
}

func (r *Registry) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

// TLBHit records a TLB hit for regime.
func (r *Registry) TLBHit(regime priv.Regime) { r.inc("tlb_hit_" + regime.String()) }

// TLBMiss records a TLB miss for regime.
func (r *Registry) TLBMiss(regime priv.Regime) { r.inc("tlb_miss_" + regime.String()) }

// Walk records a page-table walk for regime, split by outcome.
func (r *Registry) Walk(regime priv.Regime, ok bool) {
	if ok {
		r.inc("walk_ok_" + regime.String())
	} else {
		r.inc("walk_fault_" + regime.String())
	}
}

// ADUpgrade records a hardware accessed/dirty bit upgrade.
func (r *Registry) ADUpgrade(regime priv.Regime, dirty bool) {
	if dirty {
		r.inc("ad_upgrade_dirty_" + regime.String())
	} else {
		r.inc("ad_upgrade_accessed_" + regime.String())
	}
}

// PMPDenied records a PMP access-fault denial.
func (r *Registry) PMPDenied() { r.inc("pmp_denied") }

// PMADenied records a PMA hook denial.
func (r *Registry) PMADenied() { r.inc("pma_denied") }

// Snapshot returns a stable copy of every counter's current value.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// WriteTo writes every counter in Prometheus text exposition format,
// each preceded by its own HELP/TYPE comment pair, in a stable
// (sorted) name order so repeated exports diff cleanly.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var written int64
	for _, name := range names {
		full := "rvvm_" + name
		n, err := fmt.Fprintf(w,
			"# HELP %s counter maintained by the rvvm virtual memory subsystem\n# TYPE %s counter\n%s %d\n",
			full, full, full, snap[name],
		)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
