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

// Package rangeset is the fast range-lookup structure backing each
// TLB (spec §4.4, §9): an ordered collection of possibly-overlapping
// [Low, High] intervals, each carrying an opaque payload, supporting
// overlap queries without requiring any particular tree shape.
//
// Unlike the generated segment.Set trees elsewhere in this stack
// (pkg/sentry/pgalloc's evictable_range_set.go), entries here are
// allowed to overlap;
// different TLB entries with distinct ASID/VMID keys may legitimately
// cover the same virtual range — so this is kept as a thin ordering
// layer over github.com/google/btree rather than a gap-tracking
// segment set: items are ordered by Low, and overlap queries scan
// forward from the smallest item with an early exit once an item's
// Low exceeds the query's High, since no later item (by ascending
// Low) can overlap either.
package rangeset

import "github.com/google/btree"

// degree is the btree branching factor; small tables (a handful to a
// few hundred live TLB entries) don't benefit from tuning this.
const degree = 16

// Node is an opaque handle to a stored interval. The TLB entry keeps
// one of these as its back-reference to the range structure (spec §9:
// "store an opaque handle; do not attempt circular ownership").
type Node[V any] struct {
	low, high uint64
	seq       uint64
	value     V
}

// Less implements btree.Item, ordering first by Low, then by
// insertion sequence to keep equal-Low entries stable and distinct.
func (n *Node[V]) Less(than btree.Item) bool {
	o := than.(*Node[V])
	if n.low != o.low {
		return n.low < o.low
	}
	return n.seq < o.seq
}

// Range returns the node's inclusive bounds.
func (n *Node[V]) Range() (low, high uint64) { return n.low, n.high }

// Value returns the node's payload.
func (n *Node[V]) Value() V { return n.value }

// overlaps reports whether [n.low,n.high] intersects [low,high].
func (n *Node[V]) overlaps(low, high uint64) bool {
	return n.low <= high && n.high >= low
}

// Table is a collection of intervals ordered by low bound.
type Table[V any] struct {
	tree *btree.BTree
	next uint64
}

// New returns an empty Table.
func New[V any]() *Table[V] {
	return &Table[V]{tree: btree.New(degree)}
}

// Insert adds [low, high] with the given payload and returns its
// handle. Precondition: low <= high (the caller, tlb.TLB, enforces
// the page-alignment and power-of-two-size invariants).
func (t *Table[V]) Insert(low, high uint64, value V) *Node[V] {
	n := &Node[V]{low: low, high: high, seq: t.next, value: value}
	t.next++
	t.tree.ReplaceOrInsert(n)
	return n
}

// Remove unlinks n from the table. n must have come from this table
// and not have been removed already.
func (t *Table[V]) Remove(n *Node[V]) {
	t.tree.Delete(n)
}

// Len returns the number of live intervals.
func (t *Table[V]) Len() int { return t.tree.Len() }

// Find returns every node whose range contains point, in ascending
// Low order. Used for the single-point TLB lookup (spec §4.4's
// find(VA)), which may need to consider several overlapping entries
// (distinct ASID/VMID keys) before one matches the caller's live key.
func (t *Table[V]) Find(point uint64) []*Node[V] {
	return t.Overlapping(point, point)
}

// Overlapping returns every node overlapping [low, high], in
// ascending Low order.
func (t *Table[V]) Overlapping(low, high uint64) []*Node[V] {
	var out []*Node[V]
	t.tree.Ascend(func(i btree.Item) bool {
		n := i.(*Node[V])
		if n.low > high {
			return false
		}
		if n.overlaps(low, high) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// All returns every live node in ascending Low order, for debug dumps.
func (t *Table[V]) All() []*Node[V] {
	out := make([]*Node[V], 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*Node[V]))
		return true
	})
	return out
}
