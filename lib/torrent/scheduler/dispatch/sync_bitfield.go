// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package dispatch

import (
	"bytes"
	"sync"

	"github.com/willf/bitset"
)

// syncBitfield guards a remote peer's piece set.
type syncBitfield struct {
	sync.RWMutex
	b *bitset.BitSet
}

func newSyncBitfield(b *bitset.BitSet) *syncBitfield {
	return &syncBitfield{
		b: b.Clone(),
	}
}

func (s *syncBitfield) Copy() *bitset.BitSet {
	s.RLock()
	defer s.RUnlock()

	return s.b.Clone()
}

func (s *syncBitfield) Len() uint {
	s.RLock()
	defer s.RUnlock()

	return s.b.Len()
}

func (s *syncBitfield) Has(i uint) bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.Test(i)
}

func (s *syncBitfield) Complete() bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.All()
}

func (s *syncBitfield) Count() uint {
	s.RLock()
	defer s.RUnlock()

	return s.b.Count()
}

func (s *syncBitfield) Set(i uint, v bool) {
	s.Lock()
	defer s.Unlock()

	s.b.SetTo(i, v)
}

// Replace swaps in a whole new bitfield, returning the previous one.
func (s *syncBitfield) Replace(b *bitset.BitSet) *bitset.BitSet {
	s.Lock()
	defer s.Unlock()

	old := s.b
	s.b = b.Clone()
	return old
}

// GetAllSet returns the indices of all set bits.
func (s *syncBitfield) GetAllSet() []uint {
	s.RLock()
	defer s.RUnlock()

	all := make([]uint, 0, s.b.Count())
	for i, ok := s.b.NextSet(0); ok; i, ok = s.b.NextSet(i + 1) {
		all = append(all, i)
	}
	return all
}

// Intersects returns true if any set bit of s is also set in other.
func (s *syncBitfield) Intersects(other *bitset.BitSet) bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.IntersectionCardinality(other) > 0
}

func (s *syncBitfield) String() string {
	s.RLock()
	defer s.RUnlock()

	var buf bytes.Buffer
	for i := uint(0); i < s.b.Len(); i++ {
		if s.b.Test(i) {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}
