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

// Package peerprotocol implements the BitTorrent v1 wire format: the fixed
// 68 byte handshake, length-prefixed messages, and the BEP-10 extension
// sub-protocol with ut_metadata and ut_pex.
package peerprotocol

import (
	"fmt"

	"github.com/lodeswarm/lodeswarm/core"
)

// Pstr is the v1 protocol identifier.
const Pstr = "BitTorrent protocol"

// HandshakeLen is the exact length of a serialized handshake.
const HandshakeLen = 1 + len(Pstr) + 8 + 20 + 20

// extensionReservedByte / extensionReservedBit flag LTEP support: bit 20
// counted from the most significant bit of the first reserved byte.
const (
	extensionReservedByte = 5
	extensionReservedBit  = 0x10
)

// Handshake is the fixed prelude exchanged on every connection.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// NewHandshake creates an outgoing handshake advertising LTEP support.
func NewHandshake(h core.InfoHash, peerID core.PeerID) *Handshake {
	hs := &Handshake{InfoHash: h, PeerID: peerID}
	hs.Reserved[extensionReservedByte] |= extensionReservedBit
	return hs
}

// SupportsExtended returns true if the LTEP reserved bit is set.
func (h *Handshake) SupportsExtended() bool {
	return h.Reserved[extensionReservedByte]&extensionReservedBit != 0
}

// Serialize returns the 68 byte wire form of h.
func (h *Handshake) Serialize() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, byte(len(Pstr)))
	b = append(b, Pstr...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash.Bytes()...)
	b = append(b, h.PeerID.Bytes()...)
	return b
}

// ParseHandshake parses exactly HandshakeLen bytes. Any reserved bits other
// than the LTEP bit are preserved but otherwise ignored.
func ParseHandshake(data []byte) (*Handshake, error) {
	if len(data) < HandshakeLen {
		return nil, &NeedMoreDataError{Needed: HandshakeLen - len(data)}
	}
	if data[0] != byte(len(Pstr)) || string(data[1:1+len(Pstr)]) != Pstr {
		return nil, fmt.Errorf("unrecognized protocol identifier")
	}
	h := &Handshake{}
	off := 1 + len(Pstr)
	copy(h.Reserved[:], data[off:off+8])
	off += 8
	copy(h.InfoHash[:], data[off:off+20])
	off += 20
	copy(h.PeerID[:], data[off:off+20])
	return h, nil
}
