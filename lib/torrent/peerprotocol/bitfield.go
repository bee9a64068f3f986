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
package peerprotocol

import (
	"fmt"

	"github.com/willf/bitset"
)

// BitfieldLengthError indicates a bitfield message whose byte length does
// not match the torrent's piece count.
type BitfieldLengthError struct {
	Expected int
	Got      int
}

func (e *BitfieldLengthError) Error() string {
	return fmt.Sprintf("bitfield of wrong length: expected %d bytes, got %d", e.Expected, e.Got)
}

// BitfieldByteLen returns the wire length of a bitfield for numPieces.
func BitfieldByteLen(numPieces int) int {
	return (numPieces + 7) / 8
}

// BitfieldBytes packs b into wire form: one bit per piece, MSB first within
// each byte (BEP-3).
func BitfieldBytes(b *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, BitfieldByteLen(numPieces))
	for i, ok := b.NextSet(0); ok && int(i) < numPieces; i, ok = b.NextSet(i + 1) {
		out[i/8] |= 0x80 >> (i % 8)
	}
	return out
}

// BitfieldFromBytes unpacks a wire bitfield. The byte length must match the
// torrent's piece count exactly.
func BitfieldFromBytes(data []byte, numPieces int) (*bitset.BitSet, error) {
	if len(data) != BitfieldByteLen(numPieces) {
		return nil, &BitfieldLengthError{Expected: BitfieldByteLen(numPieces), Got: len(data)}
	}
	b := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		if data[i/8]&(0x80>>(i%8)) != 0 {
			b.Set(uint(i))
		}
	}
	return b, nil
}
