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
	"encoding/binary"
	"fmt"
	"io"

	"rvvm.dev/rvvm/pkg/priv"
	"rvvm.dev/rvvm/pkg/tlb"
)

// tlbEntryRecordBytes is the fixed wire size of one TLB_ENTRY record's
// payload, laid out field-by-field with encoding/binary the way the
// teacher's own wire headers are (pkg/tcpip/header's fixed-width
// packet structs), rather than through a general reflective encoder.
const tlbEntryRecordBytes = 8*4 + 1 + 8 + 8 + 1

// Save streams every non-artifact entry of regime's TLB to w as a
// sequence of TLB_ENTRY records, terminated by a zero-length record
// (spec §6's persisted state format). Entries are written with their
// mapped/back-reference state cleared, mirroring saveTLBEntry's
// stripping of `mapped`/`lutEntry` before the record is emitted.
func (m *Machine) Save(w io.Writer, regime priv.Regime) error {
	t := m.tlbFor(regime)
	for _, e := range t.All() {
		if e.Artifact {
			continue
		}
		if err := writeTLBEntryRecord(w, e); err != nil {
			return err
		}
	}
	return writeRecordHeader(w, 0)
}

// Restore clears regime's TLB (an ANY-mode invalidation over the full
// address range, matching restoreVM's invalidateTLBEntriesRange call
// before replay) and then reinserts every TLB_ENTRY record read from
// r until the zero-length terminator.
func (m *Machine) Restore(r io.Reader, regime priv.Regime) error {
	t := m.tlbFor(regime)
	t.InvalidateAll()

	for {
		n, err := readRecordHeader(r)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if n != tlbEntryRecordBytes {
			return fmt.Errorf("vm: unexpected TLB_ENTRY record size %d", n)
		}
		entry, err := readTLBEntryPayload(r)
		if err != nil {
			return err
		}
		t.Insert(entry)
	}
}

func writeRecordHeader(w io.Writer, size uint32) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], size)
	_, err := w.Write(hdr[:])
	return err
}

func readRecordHeader(r io.Reader) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

func writeTLBEntryRecord(w io.Writer, e *tlb.Entry) error {
	if err := writeRecordHeader(w, tlbEntryRecordBytes); err != nil {
		return err
	}

	var buf [tlbEntryRecordBytes]byte
	o := 0
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[o:], v)
		o += 8
	}
	putU64(e.LowVA)
	putU64(e.HighVA)
	putU64(e.PA)
	putU64(e.SimASID)
	buf[o] = byte(e.Regime)
	o++
	putU64(uint64(e.Priv))
	putU64(e.Mask)
	buf[o] = packFlags(e.U, e.G, e.A, e.D)
	o++

	_, err := w.Write(buf[:])
	return err
}

func readTLBEntryPayload(r io.Reader) (tlb.Entry, error) {
	var buf [tlbEntryRecordBytes]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return tlb.Entry{}, err
	}

	o := 0
	getU64 := func() uint64 {
		v := binary.BigEndian.Uint64(buf[o:])
		o += 8
		return v
	}

	e := tlb.Entry{}
	e.LowVA = getU64()
	e.HighVA = getU64()
	e.PA = getU64()
	e.SimASID = getU64()
	e.Regime = priv.Regime(buf[o])
	o++
	e.Priv = priv.Set(getU64())
	e.Mask = getU64()
	e.U, e.G, e.A, e.D = unpackFlags(buf[o])

	return e, nil
}

func packFlags(u, g, a, d bool) byte {
	var b byte
	if u {
		b |= 1 << 0
	}
	if g {
		b |= 1 << 1
	}
	if a {
		b |= 1 << 2
	}
	if d {
		b |= 1 << 3
	}
	return b
}

func unpackFlags(b byte) (u, g, a, d bool) {
	return b&(1<<0) != 0, b&(1<<1) != 0, b&(1<<2) != 0, b&(1<<3) != 0
}
