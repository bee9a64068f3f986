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
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	hs := NewExtendedHandshake(6881, 45000)
	wire, err := hs.Serialize()
	require.NoError(err)

	msg, _, err := Decode(wire)
	require.NoError(err)
	ext := msg.(Extended)
	require.Equal(ExtendedHandshakeID, ext.ID)

	parsed, err := ParseExtendedHandshake(ext.Payload)
	require.NoError(err)
	require.Equal(int64(6881), parsed.Port)
	require.Equal(int64(45000), parsed.MetadataSize)

	id, ok := parsed.MessageID(ExtensionMetadata)
	require.True(ok)
	require.Equal(LocalMetadataID, id)

	id, ok = parsed.MessageID(ExtensionPex)
	require.True(ok)
	require.Equal(LocalPexID, id)

	_, ok = parsed.MessageID("ut_unknown")
	require.False(ok)
}

func TestMetadataMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	piece := bytes.Repeat([]byte{0xcd}, 1000)
	wire, err := SerializeMetadata(3, MetadataMessage{
		Type:      MetadataData,
		Piece:     2,
		TotalSize: 2*MetadataPieceLen + 1000,
	}, piece)
	require.NoError(err)

	msg, _, err := Decode(wire)
	require.NoError(err)
	ext := msg.(Extended)
	require.Equal(uint8(3), ext.ID)

	header, trailer, err := ParseMetadata(ext.Payload)
	require.NoError(err)
	require.Equal(MetadataData, header.Type)
	require.Equal(int64(2), header.Piece)
	require.Equal(int64(2*MetadataPieceLen+1000), header.TotalSize)
	require.Equal(piece, trailer)
}

func TestMetadataPieceBounds(t *testing.T) {
	require := require.New(t)

	size := int64(2*MetadataPieceLen + 1000)
	require.Equal(3, NumMetadataPieces(size))

	start, end, err := MetadataPieceBounds(size, 0)
	require.NoError(err)
	require.Equal(int64(0), start)
	require.Equal(int64(MetadataPieceLen), end)

	start, end, err = MetadataPieceBounds(size, 2)
	require.NoError(err)
	require.Equal(int64(2*MetadataPieceLen), start)
	require.Equal(size, end)

	_, _, err = MetadataPieceBounds(size, 3)
	require.Error(err)
}

func TestCompactPeersRoundTrip(t *testing.T) {
	require := require.New(t)

	addrs := []*net.TCPAddr{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(192, 168, 1, 2), Port: 51413},
	}
	packed := CompactPeers(addrs)
	require.Len(packed, 12)

	parsed, err := ParseCompactPeers(packed)
	require.NoError(err)
	require.Len(parsed, 2)
	for i := range addrs {
		require.Equal(addrs[i].String(), parsed[i].String())
	}

	_, err = ParseCompactPeers(packed[:5])
	require.Error(err)
}

func TestBitfieldConversion(t *testing.T) {
	require := require.New(t)

	b, err := BitfieldFromBytes([]byte{0xa0, 0x40}, 11)
	require.NoError(err)
	require.True(b.Test(0))
	require.False(b.Test(1))
	require.True(b.Test(2))
	require.True(b.Test(9))
	require.Equal(uint(3), b.Count())

	require.Equal([]byte{0xa0, 0x40}, BitfieldBytes(b, 11))

	_, err = BitfieldFromBytes([]byte{0xa0}, 11)
	lerr, ok := err.(*BitfieldLengthError)
	require.True(ok)
	require.Equal(2, lerr.Expected)
}
