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
	"testing"

	"github.com/lodeswarm/lodeswarm/core"

	"github.com/stretchr/testify/require"
)

func TestHandshakeWireFormat(t *testing.T) {
	require := require.New(t)

	var id [20]byte
	for i := range id {
		id[i] = byte(i + 1)
	}
	hs := &Handshake{
		Reserved: [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0},
		InfoHash: core.InfoHash(id),
		PeerID:   core.PeerID(id),
	}

	wire := hs.Serialize()
	require.Len(wire, 68)
	require.Equal(byte(19), wire[0])
	require.Equal("BitTorrent protocol", string(wire[1:20]))

	parsed, err := ParseHandshake(wire)
	require.NoError(err)
	require.Equal(hs, parsed)
	require.True(parsed.SupportsExtended())
}

func TestNewHandshakeAdvertisesExtended(t *testing.T) {
	require := require.New(t)

	hs := NewHandshake(core.InfoHashFixture(), core.PeerIDFixture())
	require.True(hs.SupportsExtended())

	parsed, err := ParseHandshake(hs.Serialize())
	require.NoError(err)
	require.True(parsed.SupportsExtended())
}

func TestParseHandshakeErrors(t *testing.T) {
	require := require.New(t)

	hs := NewHandshake(core.InfoHashFixture(), core.PeerIDFixture())
	wire := hs.Serialize()

	// Truncated.
	_, err := ParseHandshake(wire[:40])
	nerr, ok := err.(*NeedMoreDataError)
	require.True(ok)
	require.Equal(28, nerr.Needed)

	// Wrong protocol identifier.
	bad := append([]byte{}, wire...)
	bad[1] = 'X'
	_, err = ParseHandshake(bad)
	require.Error(err)
}

func TestHandshakeWithoutExtendedBit(t *testing.T) {
	require := require.New(t)

	hs := &Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}
	parsed, err := ParseHandshake(hs.Serialize())
	require.NoError(err)
	require.False(parsed.SupportsExtended())
}
