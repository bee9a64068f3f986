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
)

// Message ids.
const (
	idChoke         = 0
	idUnchoke       = 1
	idInterested    = 2
	idNotInterested = 3
	idHave          = 4
	idBitfield      = 5
	idRequest       = 6
	idPiece         = 7
	idCancel        = 8
	idExtended      = 20
)

const (
	prefixLen = 4
	headerLen = prefixLen + 1

	havePayloadLen    = 4
	requestPayloadLen = 12
	pieceHeaderLen    = headerLen + 8
)

// NeedMoreDataError indicates the input does not yet contain a complete
// message; at least Needed additional bytes are required.
type NeedMoreDataError struct {
	Needed int
}

func (e *NeedMoreDataError) Error() string {
	return fmt.Sprintf("need at least %d more bytes", e.Needed)
}

// LengthPrefixError indicates a length prefix incompatible with the message
// id that follows it.
type LengthPrefixError struct {
	ID       uint8
	Expected uint32
	Got      uint32
}

func (e *LengthPrefixError) Error() string {
	return fmt.Sprintf(
		"incorrect length prefix for message id %d: expected %d, got %d", e.ID, e.Expected, e.Got)
}

// UnsupportedIDError indicates an unknown message id.
type UnsupportedIDError struct {
	ID uint8
}

func (e *UnsupportedIDError) Error() string {
	return fmt.Sprintf("unsupported message id %d", e.ID)
}

// Message is a decoded peer wire message.
type Message interface {
	// Serialize returns the full framed wire form, length prefix included.
	Serialize() []byte

	String() string
}

// KeepAlive is the zero length-prefix message.
type KeepAlive struct{}

// Choke tells the peer it will not be served requests.
type Choke struct{}

// Unchoke tells the peer its requests will be served.
type Unchoke struct{}

// Interested tells the peer we want pieces from it.
type Interested struct{}

// NotInterested tells the peer we want nothing from it.
type NotInterested struct{}

// Have announces a verified piece.
type Have struct {
	Index uint32
}

// Bitfield carries the sender's piece set, packed MSB first.
type Bitfield struct {
	Bits []byte
}

// Request asks for a block of a piece.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Piece carries a block of a piece. Block aliases the decode input.
type Piece struct {
	Index uint32
	Begin uint32
	Block []byte
}

// Cancel revokes a prior request.
type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Extended is a BEP-10 message: a sub-protocol id followed by a bencoded
// payload, possibly with raw trailing bytes.
type Extended struct {
	ID      uint8
	Payload []byte
}

func frame(id uint8, payloadLen int) []byte {
	b := make([]byte, headerLen, headerLen+payloadLen)
	binary.BigEndian.PutUint32(b, uint32(payloadLen)+1)
	b[4] = id
	return b
}

// Serialize implements Message.
func (m KeepAlive) Serialize() []byte { return []byte{0, 0, 0, 0} }

// Serialize implements Message.
func (m Choke) Serialize() []byte { return frame(idChoke, 0) }

// Serialize implements Message.
func (m Unchoke) Serialize() []byte { return frame(idUnchoke, 0) }

// Serialize implements Message.
func (m Interested) Serialize() []byte { return frame(idInterested, 0) }

// Serialize implements Message.
func (m NotInterested) Serialize() []byte { return frame(idNotInterested, 0) }

// Serialize implements Message.
func (m Have) Serialize() []byte {
	b := frame(idHave, havePayloadLen)
	return binary.BigEndian.AppendUint32(b, m.Index)
}

// Serialize implements Message.
func (m Bitfield) Serialize() []byte {
	b := frame(idBitfield, len(m.Bits))
	return append(b, m.Bits...)
}

// Serialize implements Message.
func (m Request) Serialize() []byte {
	b := frame(idRequest, requestPayloadLen)
	b = binary.BigEndian.AppendUint32(b, m.Index)
	b = binary.BigEndian.AppendUint32(b, m.Begin)
	return binary.BigEndian.AppendUint32(b, m.Length)
}

// Serialize implements Message.
func (m Piece) Serialize() []byte {
	b := PieceHeader(m.Index, m.Begin, len(m.Block))
	return append(b, m.Block...)
}

// Serialize implements Message.
func (m Cancel) Serialize() []byte {
	b := frame(idCancel, requestPayloadLen)
	b = binary.BigEndian.AppendUint32(b, m.Index)
	b = binary.BigEndian.AppendUint32(b, m.Begin)
	return binary.BigEndian.AppendUint32(b, m.Length)
}

// Serialize implements Message.
func (m Extended) Serialize() []byte {
	b := frame(idExtended, 1+len(m.Payload))
	b = append(b, m.ID)
	return append(b, m.Payload...)
}

func (m KeepAlive) String() string     { return "keepalive" }
func (m Choke) String() string         { return "choke" }
func (m Unchoke) String() string       { return "unchoke" }
func (m Interested) String() string    { return "interested" }
func (m NotInterested) String() string { return "not_interested" }

func (m Have) String() string { return fmt.Sprintf("have(%d)", m.Index) }

func (m Bitfield) String() string { return fmt.Sprintf("bitfield(%d bytes)", len(m.Bits)) }

func (m Request) String() string {
	return fmt.Sprintf("request(index=%d, begin=%d, length=%d)", m.Index, m.Begin, m.Length)
}

func (m Piece) String() string {
	return fmt.Sprintf("piece(index=%d, begin=%d, length=%d)", m.Index, m.Begin, len(m.Block))
}

func (m Cancel) String() string {
	return fmt.Sprintf("cancel(index=%d, begin=%d, length=%d)", m.Index, m.Begin, m.Length)
}

func (m Extended) String() string {
	return fmt.Sprintf("extended(id=%d, %d bytes)", m.ID, len(m.Payload))
}

// PieceHeader serializes the framing of a piece message without its block,
// so the upload path can write the header and stream the block behind it
// without an intermediate copy.
func PieceHeader(index, begin uint32, blockLen int) []byte {
	b := make([]byte, pieceHeaderLen, pieceHeaderLen+blockLen)
	binary.BigEndian.PutUint32(b, uint32(9+blockLen))
	b[4] = idPiece
	binary.BigEndian.PutUint32(b[5:], index)
	binary.BigEndian.PutUint32(b[9:], begin)
	return b
}

// Decode decodes the first message in data, returning the message and the
// number of bytes consumed. Piece blocks, bitfield bits and extended
// payloads alias data and must be consumed or copied before the buffer is
// reused.
func Decode(data []byte) (Message, int, error) {
	if len(data) < prefixLen {
		return nil, 0, &NeedMoreDataError{Needed: prefixLen - len(data)}
	}
	n := binary.BigEndian.Uint32(data)
	if n == 0 {
		return KeepAlive{}, prefixLen, nil
	}
	total := prefixLen + int(n)
	if len(data) < total {
		return nil, 0, &NeedMoreDataError{Needed: total - len(data)}
	}
	id := data[4]
	payload := data[headerLen:total]

	fixed := func(expected uint32) error {
		if n != expected {
			return &LengthPrefixError{ID: id, Expected: expected, Got: n}
		}
		return nil
	}

	switch id {
	case idChoke:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return Choke{}, total, nil
	case idUnchoke:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return Unchoke{}, total, nil
	case idInterested:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return Interested{}, total, nil
	case idNotInterested:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return NotInterested{}, total, nil
	case idHave:
		if err := fixed(1 + havePayloadLen); err != nil {
			return nil, 0, err
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, total, nil
	case idBitfield:
		return Bitfield{Bits: payload}, total, nil
	case idRequest, idCancel:
		if err := fixed(1 + requestPayloadLen); err != nil {
			return nil, 0, err
		}
		index := binary.BigEndian.Uint32(payload)
		begin := binary.BigEndian.Uint32(payload[4:])
		length := binary.BigEndian.Uint32(payload[8:])
		if id == idRequest {
			return Request{index, begin, length}, total, nil
		}
		return Cancel{index, begin, length}, total, nil
	case idPiece:
		if n < 9 {
			return nil, 0, &LengthPrefixError{ID: id, Expected: 9, Got: n}
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload),
			Begin: binary.BigEndian.Uint32(payload[4:]),
			Block: payload[8:],
		}, total, nil
	case idExtended:
		if n < 2 {
			return nil, 0, &LengthPrefixError{ID: id, Expected: 2, Got: n}
		}
		return Extended{ID: payload[0], Payload: payload[1:]}, total, nil
	default:
		return nil, 0, &UnsupportedIDError{ID: id}
	}
}
