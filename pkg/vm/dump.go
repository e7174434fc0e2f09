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
	"fmt"
	"io"

	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/tlb"
)

// dumpTLB prints one line per live entry: VA/PA range, RWX/U/G/A/D
// bits, and ASID (suppressed when the entry is global), matching the
// reference model's dumpTLBEntry text layout.
func dumpTLB(w io.Writer, regime priv.Regime, t *tlb.TLB) {
	fmt.Fprintf(w, "# %s TLB (%d entries)\n", regime, t.Len())
	for _, e := range t.All() {
		line := fmt.Sprintf(
			"%#016x-%#016x -> %#016x %s%s%s%s%s%s",
			e.LowVA, e.HighVA, e.PA,
			rwxChar(e.Priv), uChar(e.U), gChar(e.G), aChar(e.A), dChar(e.D),
			mappedSuffix(e),
		)
		if !e.G {
			line += fmt.Sprintf(" asid=%#x", e.SimASID&0xffffffff)
		}
		fmt.Fprintln(w, line)
	}
}

func rwxChar(p priv.Set) string { return p.String() }
func uChar(u bool) string {
	if u {
		return "u"
	}
	return "-"
}
func gChar(g bool) string {
	if g {
		return "g"
	}
	return "-"
}
func aChar(a bool) string {
	if a {
		return "a"
	}
	return "-"
}
func dChar(d bool) string {
	if d {
		return "d"
	}
	return "-"
}
func mappedSuffix(e *tlb.Entry) string {
	if e.IsMapped() {
		return " mapped"
	}
	return ""
}
