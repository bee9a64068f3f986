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
package conn

import (
	"net"
	"testing"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

type fakeTorrentAccess struct {
	infoHash  core.InfoHash
	numPieces int
	bits      []byte
}

func (t *fakeTorrentAccess) ReadChunk(c core.ChunkInfo, out []byte) error { return nil }
func (t *fakeTorrentAccess) InfoHash() core.InfoHash                     { return t.infoHash }
func (t *fakeTorrentAccess) NumPieces() int                              { return t.numPieces }
func (t *fakeTorrentAccess) BitfieldBytes() []byte                       { return t.bits }
func (t *fakeTorrentAccess) MetadataSize() int64                         { return 0 }

func handshakerFixture(t *testing.T) *Handshaker {
	t.Helper()
	h, err := NewHandshaker(
		Config{},
		tally.NoopScope,
		clock.New(),
		core.PeerIDFixture(),
		6881,
		noopEvents{},
		zap.NewNop().Sugar())
	require.NoError(t, err)
	return h
}

func TestHandshakerEstablishesConnection(t *testing.T) {
	require := require.New(t)

	infoHash := core.InfoHashFixture()
	access := &fakeTorrentAccess{infoHash: infoHash, numPieces: 8, bits: []byte{0xff}}

	dialer := handshakerFixture(t)
	acceptor := handshakerFixture(t)

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(err)
	defer lis.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		nc, err := lis.Accept()
		if err != nil {
			return
		}
		pc, err := acceptor.Accept(nc)
		if err != nil {
			return
		}
		c, err := acceptor.Establish(pc, access)
		if err != nil {
			return
		}
		c.Start()
		accepted <- c
	}()

	outgoing, err := dialer.Initialize(lis.Addr().String(), access)
	require.NoError(err)
	outgoing.Start()
	defer outgoing.Close()

	select {
	case incoming := <-accepted:
		defer incoming.Close()
		require.True(incoming.OpenedByRemote())
		require.False(outgoing.OpenedByRemote())
		require.Equal(infoHash, incoming.InfoHash())
		require.Equal(infoHash, outgoing.InfoHash())

		// Both ends advertised LTEP, so an extended handshake leads, then
		// the bitfield.
		msg := <-outgoing.Receiver()
		ext, ok := msg.(peerprotocol.Extended)
		require.True(ok)
		require.Equal(peerprotocol.ExtendedHandshakeID, ext.ID)

		msg = <-outgoing.Receiver()
		require.Equal(peerprotocol.Bitfield{Bits: []byte{0xff}}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming conn")
	}
}

func TestHandshakerRejectsInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	dialer := handshakerFixture(t)
	acceptor := handshakerFixture(t)

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(err)
	defer lis.Close()

	go func() {
		nc, err := lis.Accept()
		if err != nil {
			return
		}
		pc, err := acceptor.Accept(nc)
		if err != nil {
			return
		}
		// The acceptor only serves a different torrent.
		other := &fakeTorrentAccess{infoHash: core.InfoHashFixture(), numPieces: 8}
		if _, err := acceptor.Establish(pc, other); err != nil {
			pc.Close()
		}
	}()

	access := &fakeTorrentAccess{infoHash: core.InfoHashFixture(), numPieces: 8}
	_, err = dialer.Initialize(lis.Addr().String(), access)
	require.Error(err)
}

func TestHandshakerAcceptRejectsGarbage(t *testing.T) {
	require := require.New(t)

	acceptor := handshakerFixture(t)

	local, remote := net.Pipe()
	defer local.Close()

	go func() {
		bad := make([]byte, peerprotocol.HandshakeLen)
		copy(bad, "not a torrent handshake")
		remote.Write(bad)
	}()

	_, err := acceptor.Accept(local)
	require.Error(err)
}
