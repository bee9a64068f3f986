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
	"encoding/binary"
	"fmt"
	"net"

	"github.com/lodeswarm/lodeswarm/lib/bencode"
)

// ExtendedHandshakeID is the sub-protocol id of the extended handshake
// itself (BEP-10).
const ExtendedHandshakeID uint8 = 0

// Extension names.
const (
	ExtensionMetadata = "ut_metadata"
	ExtensionPex      = "ut_pex"
)

// Locally reserved sub-protocol ids. Incoming extended messages carry these
// ids; outgoing ones use the ids the remote peer declared in its handshake.
const (
	LocalMetadataID uint8 = 1
	LocalPexID      uint8 = 2
)

// MetadataPieceLen is the fixed metadata exchange piece length: every piece
// of the info dict is this long except the last.
const MetadataPieceLen = 16384

// ExtendedHandshake is the bencoded payload of sub-protocol id 0.
type ExtendedHandshake struct {
	// M maps extension names to the sender's chosen sub-protocol ids.
	M map[string]int64 `bencode:"m"`

	Port         int64  `bencode:"p,omitempty"`
	Version      string `bencode:"v,omitempty"`
	YourIP       []byte `bencode:"yourip,omitempty"`
	RequestQueue int64  `bencode:"reqq,omitempty"`
	MetadataSize int64  `bencode:"metadata_size,omitempty"`
}

// NewExtendedHandshake returns the local extended handshake. metadataSize
// is 0 when the info dict is not yet known.
func NewExtendedHandshake(port int, metadataSize int64) *ExtendedHandshake {
	return &ExtendedHandshake{
		M: map[string]int64{
			ExtensionMetadata: int64(LocalMetadataID),
			ExtensionPex:      int64(LocalPexID),
		},
		Port:         int64(port),
		Version:      "lodeswarm",
		RequestQueue: 250,
		MetadataSize: metadataSize,
	}
}

// Message frames the handshake as an extended message.
func (h *ExtendedHandshake) Message() (Extended, error) {
	payload, err := bencode.Marshal(h)
	if err != nil {
		return Extended{}, fmt.Errorf("bencode: %s", err)
	}
	return Extended{ID: ExtendedHandshakeID, Payload: payload}, nil
}

// Serialize frames the handshake as a wire-ready extended message.
func (h *ExtendedHandshake) Serialize() ([]byte, error) {
	msg, err := h.Message()
	if err != nil {
		return nil, err
	}
	return msg.Serialize(), nil
}

// ParseExtendedHandshake parses the payload of sub-protocol id 0.
func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	h := &ExtendedHandshake{}
	if err := bencode.Unmarshal(payload, h); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return h, nil
}

// MessageID returns the remote peer's sub-protocol id for the named
// extension, or false if the peer does not support it.
func (h *ExtendedHandshake) MessageID(extension string) (uint8, bool) {
	id, ok := h.M[extension]
	if !ok || id <= 0 || id > 255 {
		return 0, false
	}
	return uint8(id), true
}

// Metadata exchange message types (BEP-9).
const (
	MetadataRequest int64 = 0
	MetadataData    int64 = 1
	MetadataReject  int64 = 2
)

// MetadataMessage is the bencoded header of a ut_metadata message. Data
// messages are followed by the raw piece bytes.
type MetadataMessage struct {
	Type      int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// MetadataMsg frames a ut_metadata message under the remote peer's id with
// optional trailing piece bytes.
func MetadataMsg(remoteID uint8, msg MetadataMessage, trailer []byte) (Extended, error) {
	payload, err := bencode.Marshal(&msg)
	if err != nil {
		return Extended{}, fmt.Errorf("bencode: %s", err)
	}
	payload = append(payload, trailer...)
	return Extended{ID: remoteID, Payload: payload}, nil
}

// SerializeMetadata is MetadataMsg in wire-ready form.
func SerializeMetadata(remoteID uint8, msg MetadataMessage, trailer []byte) ([]byte, error) {
	m, err := MetadataMsg(remoteID, msg, trailer)
	if err != nil {
		return nil, err
	}
	return m.Serialize(), nil
}

// ParseMetadata parses a ut_metadata payload, returning the header and the
// raw piece bytes trailing it (empty except for data messages).
func ParseMetadata(payload []byte) (MetadataMessage, []byte, error) {
	var msg MetadataMessage
	trailer, err := bencode.UnmarshalFirst(payload, &msg)
	if err != nil {
		return MetadataMessage{}, nil, fmt.Errorf("bencode: %s", err)
	}
	return msg, trailer, nil
}

// NumMetadataPieces returns the number of ut_metadata pieces for an info
// dict of the given size.
func NumMetadataPieces(metadataSize int64) int {
	return int((metadataSize + MetadataPieceLen - 1) / MetadataPieceLen)
}

// MetadataPieceBounds returns the byte range of metadata piece i.
func MetadataPieceBounds(metadataSize int64, i int) (start, end int64, err error) {
	if i < 0 || i >= NumMetadataPieces(metadataSize) {
		return 0, 0, fmt.Errorf("metadata piece %d out of range", i)
	}
	start = int64(i) * MetadataPieceLen
	end = start + MetadataPieceLen
	if end > metadataSize {
		end = metadataSize
	}
	return start, end, nil
}

// PexMessage is the bencoded payload of a ut_pex message, carrying compact
// ipv4 peer lists (BEP-11).
type PexMessage struct {
	Added   []byte `bencode:"added,omitempty"`
	Dropped []byte `bencode:"dropped,omitempty"`
}

// ParsePex parses a ut_pex payload.
func ParsePex(payload []byte) (PexMessage, error) {
	var msg PexMessage
	if err := bencode.Unmarshal(payload, &msg); err != nil {
		return PexMessage{}, fmt.Errorf("bencode: %s", err)
	}
	return msg, nil
}

// PexMsg frames a pex message under the remote peer's id.
func PexMsg(remoteID uint8, msg PexMessage) (Extended, error) {
	payload, err := bencode.Marshal(&msg)
	if err != nil {
		return Extended{}, fmt.Errorf("bencode: %s", err)
	}
	return Extended{ID: remoteID, Payload: payload}, nil
}

// CompactPeers packs ipv4 addresses into 6 byte wire entries. Non-ipv4
// addresses are skipped.
func CompactPeers(addrs []*net.TCPAddr) []byte {
	out := make([]byte, 0, 6*len(addrs))
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, ip4...)
		out = binary.BigEndian.AppendUint16(out, uint16(a.Port))
	}
	return out
}

// ParseCompactPeers unpacks 6 byte wire entries into addresses.
func ParseCompactPeers(data []byte) ([]*net.TCPAddr, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of 6", len(data))
	}
	addrs := make([]*net.TCPAddr, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IPv4(data[i], data[i+1], data[i+2], data[i+3]),
			Port: int(binary.BigEndian.Uint16(data[i+4 : i+6])),
		})
	}
	return addrs, nil
}
