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
	"sync"
	"testing"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/conn"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage/filestorage"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
)

const pieceLength = 32768

type fakeMessages struct {
	mu       sync.Mutex
	sent     []conn.WriterRequest
	receiver chan peerprotocol.Message
	closed   bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{receiver: make(chan peerprotocol.Message, 64)}
}

func (m *fakeMessages) Send(req conn.WriterRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return conn.ErrConnClosed
	}
	m.sent = append(m.sent, req)
	return nil
}

func (m *fakeMessages) Receiver() <-chan peerprotocol.Message { return m.receiver }

func (m *fakeMessages) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.receiver)
	}
}

func (m *fakeMessages) sentRequests() []conn.WriterRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conn.WriterRequest{}, m.sent...)
}

type fakeEvents struct {
	mu         sync.Mutex
	complete   bool
	removed    []string
	discovered []string
	fatal      error
}

func (e *fakeEvents) DispatcherComplete(*Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.complete = true
}

func (e *fakeEvents) PeerRemoved(addr string, h core.InfoHash, openedByRemote bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, addr)
}

func (e *fakeEvents) PeersDiscovered(h core.InfoHash, addrs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discovered = append(e.discovered, addrs...)
}

func (e *fakeEvents) TorrentFatal(h core.InfoHash, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fatal = err
}

type dispatcherFixture struct {
	d      *Dispatcher
	mi     *core.MetaInfo
	blob   []byte
	events *fakeEvents
	clk    *clock.Mock
}

func newDispatcherFixture(t *testing.T, size int64) *dispatcherFixture {
	t.Helper()
	mi, blob := core.MetaInfoFixture(size, pieceLength)
	fs, err := filestorage.New(filestorage.Config{OutputDir: t.TempDir()}, mi)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	events := &fakeEvents{}
	clk := clock.NewMock()
	d, err := New(
		Config{},
		tally.NoopScope,
		clk,
		events,
		core.PeerIDFixture(),
		mi,
		storage.NewFileOps(mi, fs),
		bitset.New(uint(mi.NumPieces())),
		zap.NewNop().Sugar())
	require.NoError(t, err)
	return &dispatcherFixture{d, mi, blob, events, clk}
}

// addFakePeer inserts a peer without starting its goroutines so tests can
// drive dispatch synchronously.
func (f *dispatcherFixture) addFakePeer(t *testing.T, addr string) (*peer, *fakeMessages) {
	t.Helper()
	m := newFakeMessages()
	p, err := f.d.addPeer(addr, core.PeerIDFixture(), m, false)
	require.NoError(t, err)
	return p, m
}

// deliverPiece reserves the piece for the peer and dispatches all of its
// chunks from blob.
func (f *dispatcherFixture) deliverPiece(t *testing.T, p *peer, piece int) error {
	t.Helper()
	l := f.mi.Lengths()
	for _, c := range l.ChunkInfos(piece) {
		p.addInflight(c)
		off := l.ChunkAbsoluteOffset(c)
		msg := peerprotocol.Piece{
			Index: uint32(piece),
			Begin: c.OffsetInPiece,
			Block: f.blob[off : off+int64(c.Size)],
		}
		if err := f.d.dispatch(p, msg); err != nil {
			return err
		}
	}
	return nil
}

func TestDispatcherDownloadsAndVerifiesPiece(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength*2)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")
	other, otherMsgs := f.addFakePeer(t, "10.0.0.2:6881")
	_ = other

	// Peer announces both pieces; availability counters update.
	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0xc0}}))

	r := f.d.acquirePiece(p)
	require.Equal(0, r.Piece)

	require.NoError(f.deliverPiece(t, p, 0))

	require.True(f.d.HNS().HaveBytes == pieceLength)
	require.False(f.d.Complete())

	// The other peer, which lacks piece 0, got exactly one have broadcast.
	var haves int
	for _, req := range otherMsgs.sentRequests() {
		if mr, ok := req.(conn.MessageRequest); ok {
			if _, ok := mr.Msg.(peerprotocol.Have); ok {
				haves++
			}
		}
	}
	require.Equal(1, haves)
}

func TestDispatcherCompletesTorrent(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength+5000)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")
	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0xc0}}))

	for piece := 0; piece < f.mi.NumPieces(); piece++ {
		r := f.d.acquirePiece(p)
		require.Equal(piece, r.Piece)
		require.NoError(f.deliverPiece(t, p, piece))
	}

	require.True(f.d.Complete())
	require.Equal(int64(0), f.d.HNS().NeededBytes)
}

func TestDispatcherHashFailureRecyclesPiece(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength*2)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")
	watcher, watcherMsgs := f.addFakePeer(t, "10.0.0.2:6881")
	_ = watcher

	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0xc0}}))
	r := f.d.acquirePiece(p)
	require.Equal(0, r.Piece)

	l := f.mi.Lengths()
	chunks := l.ChunkInfos(0)

	// First chunk intact.
	p.addInflight(chunks[0])
	require.NoError(f.d.dispatch(p, peerprotocol.Piece{
		Index: 0, Begin: 0, Block: f.blob[:16384],
	}))

	// Final chunk corrupted: the closing dispatch must fail, the piece must
	// recycle, and no have may be broadcast.
	bad := append([]byte{}, f.blob[16384:32768]...)
	bad[0] ^= 0xff
	p.addInflight(chunks[1])
	err := f.d.dispatch(p, peerprotocol.Piece{Index: 0, Begin: 16384, Block: bad})
	require.Error(err)

	require.False(f.d.Complete())
	f.d.mu.Lock()
	require.True(f.d.pieces.Chunks().IsPieceQueued(0))
	require.False(f.d.pieces.Chunks().IsPieceHave(0))
	require.False(f.d.pieces.IsInflight(0))
	f.d.mu.Unlock()

	for _, req := range watcherMsgs.sentRequests() {
		if mr, ok := req.(conn.MessageRequest); ok {
			_, isHave := mr.Msg.(peerprotocol.Have)
			require.False(isHave)
		}
	}
}

func TestDispatcherDropsChunksOfStolenPieces(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")
	thief, _ := f.addFakePeer(t, "10.0.0.2:6881")

	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0x80}}))
	require.NoError(f.d.dispatch(thief, peerprotocol.Bitfield{Bits: []byte{0x80}}))

	r := f.d.acquirePiece(p)
	require.Equal(0, r.Piece)

	// The thief takes the piece over.
	f.d.mu.Lock()
	thief.pstats.addPieceCompleted(1)
	f.d.mu.Unlock()
	f.clk.Add(1 << 40)
	require.Equal(
		"10.0.0.1:6881",
		string(f.d.acquirePiece(thief).FromPeer))

	// The original peer's chunk arrives late and is dropped silently.
	c := f.mi.Lengths().ChunkInfos(0)[0]
	p.addInflight(c)
	require.NoError(f.d.dispatch(p, peerprotocol.Piece{
		Index: 0, Begin: 0, Block: f.blob[:16384],
	}))

	f.d.mu.Lock()
	owner, ok := f.d.pieces.Owner(0)
	f.d.mu.Unlock()
	require.True(ok)
	require.Equal("10.0.0.2:6881", string(owner))
}

func TestDispatcherRejectsUnrequestedChunk(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")

	err := f.d.dispatch(p, peerprotocol.Piece{Index: 0, Begin: 0, Block: f.blob[:16384]})
	require.Equal(errChunkNotRequested, err)
}

func TestDispatcherServesRequests(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, m := f.addFakePeer(t, "10.0.0.1:6881")
	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0x80}}))

	// Download the piece first.
	r := f.d.acquirePiece(p)
	require.Equal(0, r.Piece)
	require.NoError(f.deliverPiece(t, p, 0))

	require.NoError(f.d.dispatch(p, peerprotocol.Request{Index: 0, Begin: 0, Length: 16384}))

	reqs := m.sentRequests()
	var served bool
	for _, req := range reqs {
		if rc, ok := req.(conn.ReadChunkRequest); ok {
			require.Equal(0, rc.Chunk.Piece)
			require.Equal(uint32(0), rc.Chunk.OffsetInPiece)
			served = true
		}
	}
	require.True(served)
}

func TestDispatcherRejectsRequestForMissingPiece(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")

	err := f.d.dispatch(p, peerprotocol.Request{Index: 0, Begin: 0, Length: 16384})
	require.Equal(errPieceNotVerified, err)
}

func TestDispatcherServesMetadataRequests(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, m := f.addFakePeer(t, "10.0.0.1:6881")

	// The peer declares its ut_metadata id.
	hs := &peerprotocol.ExtendedHandshake{M: map[string]int64{peerprotocol.ExtensionMetadata: 7}}
	ext, err := hs.Message()
	require.NoError(err)
	require.NoError(f.d.dispatch(p, ext))

	reqPayload, err := peerprotocol.SerializeMetadata(peerprotocol.LocalMetadataID,
		peerprotocol.MetadataMessage{Type: peerprotocol.MetadataRequest, Piece: 0}, nil)
	require.NoError(err)
	decoded, _, err := peerprotocol.Decode(reqPayload)
	require.NoError(err)
	require.NoError(f.d.dispatch(p, decoded))

	reqs := m.sentRequests()
	require.Len(reqs, 1)
	sent := reqs[0].(conn.MessageRequest).Msg.(peerprotocol.Extended)
	require.Equal(uint8(7), sent.ID)

	header, trailer, err := peerprotocol.ParseMetadata(sent.Payload)
	require.NoError(err)
	require.Equal(peerprotocol.MetadataData, header.Type)
	require.Equal(f.d.MetadataSize(), header.TotalSize)
	require.Equal(f.mi.RawInfoBytes(), trailer)
}

func TestDispatcherHandlesPexDiscoveries(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")

	pex, err := peerprotocol.PexMsg(peerprotocol.LocalPexID, peerprotocol.PexMessage{
		Added: []byte{10, 0, 0, 5, 0x1a, 0xe1},
	})
	require.NoError(err)
	require.NoError(f.d.dispatch(p, pex))

	// PeersDiscovered fires asynchronously.
	require.Eventually(func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.discovered) == 1 && f.events.discovered[0] == "10.0.0.5:6881"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherPauseRequeuesInflight(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength*2)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")
	require.NoError(f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0xc0}}))

	// Piece 0 verifies; piece 1 is reserved but never completed.
	r := f.d.acquirePiece(p)
	require.Equal(0, r.Piece)
	require.NoError(f.deliverPiece(t, p, 0))
	r = f.d.acquirePiece(p)
	require.Equal(1, r.Piece)

	have := f.d.Pause()
	require.True(have.Test(0))
	require.False(have.Test(1))
}

func TestDispatcherBitfieldWrongLengthDropsPeer(t *testing.T) {
	require := require.New(t)

	f := newDispatcherFixture(t, pieceLength*2)
	p, _ := f.addFakePeer(t, "10.0.0.1:6881")

	err := f.d.dispatch(p, peerprotocol.Bitfield{Bits: []byte{0, 0, 0}})
	require.Error(err)
}
