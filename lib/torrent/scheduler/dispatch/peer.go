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
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/conn"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// requestPermitCap bounds the request permit pool so a misbehaving peer
// cannot grow it without bound.
const requestPermitCap = 1024

// Messages defines the subset of conn.Conn methods which the dispatcher
// requires to communicate with a remote peer.
type Messages interface {
	Send(req conn.WriterRequest) error
	Receiver() <-chan peerprotocol.Message
	Close()
}

// peer consolidates bookkeeping for one live remote peer.
type peer struct {
	addr string
	id   core.PeerID

	// Tracks the pieces which the remote peer has.
	bitfield *syncBitfield

	messages Messages

	clk clock.Clock

	createdAt      time.Time
	openedByRemote bool

	// permits throttles outstanding chunk requests: empty until the first
	// unchoke, one permit returned per received chunk.
	permits chan struct{}

	// unchokeNotify wakes the request loop when the remote peer unchokes
	// us; availabilityNotify when its piece set grows.
	unchokeNotify      chan struct{}
	availabilityNotify chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	mu               sync.Mutex // Protects the following fields:
	iAmChoked        bool
	peerChoked       bool
	iAmInterested    bool
	peerInterested   bool
	bitfieldReceived bool
	inflight         map[core.ChunkInfo]bool
	extendedIDs      map[string]uint8

	pstats *peerStats
}

func newPeer(
	addr string,
	id core.PeerID,
	numPieces int,
	messages Messages,
	clk clock.Clock,
	openedByRemote bool) *peer {

	return &peer{
		addr:               addr,
		id:                 id,
		bitfield:           newSyncBitfield(bitset.New(uint(numPieces))),
		messages:           messages,
		clk:                clk,
		createdAt:          clk.Now(),
		openedByRemote:     openedByRemote,
		permits:            make(chan struct{}, requestPermitCap),
		unchokeNotify:      make(chan struct{}, 1),
		availabilityNotify: make(chan struct{}, 1),
		done:               make(chan struct{}),
		iAmChoked:          true,
		peerChoked:         true,
		inflight:           make(map[core.ChunkInfo]bool),
		extendedIDs:        make(map[string]uint8),
		pstats:             &peerStats{},
	}
}

func (p *peer) String() string {
	return p.addr
}

func (p *peer) close() {
	p.doneOnce.Do(func() { close(p.done) })
	p.messages.Close()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// addPermits grows the request permit pool by n, capped at the pool size.
func (p *peer) addPermits(n int) {
	for i := 0; i < n; i++ {
		select {
		case p.permits <- struct{}{}:
		default:
			return
		}
	}
}

// acquirePermit blocks until a request permit or peer shutdown.
func (p *peer) acquirePermit() bool {
	select {
	case <-p.permits:
		return true
	case <-p.done:
		return false
	}
}

func (p *peer) setIAmChoked(choked bool) {
	p.mu.Lock()
	p.iAmChoked = choked
	p.mu.Unlock()
	if !choked {
		signal(p.unchokeNotify)
	}
}

func (p *peer) getIAmChoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iAmChoked
}

func (p *peer) setPeerInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerInterested = interested
}

func (p *peer) getPeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

func (p *peer) setPeerChoked(choked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerChoked = choked
}

func (p *peer) getPeerChoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoked
}

// setIAmInterested records the flip, returning true if the state changed.
func (p *peer) setIAmInterested(interested bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.iAmInterested == interested {
		return false
	}
	p.iAmInterested = interested
	return true
}

// markBitfieldReceived returns false if a bitfield message arrived before.
func (p *peer) markBitfieldReceived() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bitfieldReceived {
		return false
	}
	p.bitfieldReceived = true
	return true
}

// addInflight records an outstanding chunk request.
func (p *peer) addInflight(c core.ChunkInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[c] = true
}

// takeInflight removes the outstanding request, returning false if it was
// never issued.
func (p *peer) takeInflight(c core.ChunkInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inflight[c] {
		return false
	}
	delete(p.inflight, c)
	return true
}

func (p *peer) clearInflight() []core.ChunkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	chunks := make([]core.ChunkInfo, 0, len(p.inflight))
	for c := range p.inflight {
		chunks = append(chunks, c)
	}
	p.inflight = make(map[core.ChunkInfo]bool)
	return chunks
}

// setExtendedIDs records the ids the remote peer declared in its extended
// handshake.
func (p *peer) setExtendedIDs(ids map[string]uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extendedIDs = ids
}

// extendedID returns the remote peer's sub-protocol id for the extension.
func (p *peer) extendedID(extension string) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.extendedIDs[extension]
	return id, ok
}

// peerStats wraps stats collected for a given peer. All methods are
// thread-safe.
type peerStats struct {
	mu sync.Mutex

	chunksReceived   int
	chunksSent       int
	bytesDownloaded  int64
	bytesUploaded    int64
	piecesCompleted  int
	totalPieceTime   time.Duration
	hashFailures     int
	requestsReceived int
}

func (s *peerStats) addChunkReceived(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksReceived++
	s.bytesDownloaded += n
}

func (s *peerStats) addChunkSent(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksSent++
	s.bytesUploaded += n
}

func (s *peerStats) addRequestReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsReceived++
}

func (s *peerStats) addPieceCompleted(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.piecesCompleted++
	s.totalPieceTime += elapsed
}

func (s *peerStats) addHashFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashFailures++
}

// avgPieceTime returns the peer's average piece download time, or zero if
// no piece has completed yet.
func (s *peerStats) avgPieceTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.piecesCompleted == 0 {
		return 0
	}
	return s.totalPieceTime / time.Duration(s.piecesCompleted)
}

func (s *peerStats) snapshot() PeerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PeerStats{
		ChunksReceived:  s.chunksReceived,
		ChunksSent:      s.chunksSent,
		BytesDownloaded: s.bytesDownloaded,
		BytesUploaded:   s.bytesUploaded,
		PiecesCompleted: s.piecesCompleted,
		HashFailures:    s.hashFailures,
	}
}

// PeerStats is a read-only snapshot of one peer's counters.
type PeerStats struct {
	Addr            string
	PeerID          core.PeerID
	ChunksReceived  int
	ChunksSent      int
	BytesDownloaded int64
	BytesUploaded   int64
	PiecesCompleted int
	HashFailures    int
}
