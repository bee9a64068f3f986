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

// Package piecetracker wraps chunktracker with in-flight piece ownership.
// A piece is in exactly one state at any time: verified (HAVE), queued,
// in-flight with a single owner peer, or not needed.
//
// Tracker is NOT thread-safe. Synchronization must be provided by the
// client.
package piecetracker

import (
	"time"

	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch/chunktracker"
	"github.com/lodeswarm/lodeswarm/utils/heap"

	"github.com/andres-erbsen/clock"
)

// PeerHandle identifies a peer for piece bookkeeping. It is the peer's
// socket address; for incoming peers, the observed remote address.
type PeerHandle string

// InflightPiece tracks a piece currently being downloaded.
type InflightPiece struct {
	Peer      PeerHandle
	StartedAt time.Time
}

// Steal thresholds: a piece may be stolen when its current download has
// taken at least threshold times the stealing peer's average piece time.
// The generous threshold is tried before reserving from the queue, the
// aggressive one only when nothing is left to reserve.
const (
	generousStealThreshold   = 10.0
	aggressiveStealThreshold = 3.0
)

// AcquireOutcome enumerates the results of AcquirePiece.
type AcquireOutcome int

const (
	// NoneAvailable means no piece could be reserved or stolen.
	NoneAvailable AcquireOutcome = iota

	// Reserved means a piece was taken from the queue.
	Reserved

	// Stolen means an in-flight piece changed owner to the requester.
	Stolen
)

// AcquireResult is the result of AcquirePiece. Piece is meaningful unless
// the outcome is NoneAvailable; FromPeer only when Stolen.
type AcquireResult struct {
	Outcome  AcquireOutcome
	Piece    int
	FromPeer PeerHandle
}

// AcquireRequest carries the parameters of a piece acquisition.
type AcquireRequest struct {
	// Peer is the requesting peer.
	Peer PeerHandle

	// PeerAvgPieceTime is the requester's average piece download time; zero
	// disables stealing.
	PeerAvgPieceTime time.Duration

	// PriorityPieces are checked before the queue, e.g. for streaming.
	PriorityPieces []int

	// FilePriorities orders the queue iteration by file.
	FilePriorities []int

	// PieceAvailability returns how many connected peers have the piece.
	// When set, queued pieces are reserved rarest first; when nil the
	// queue's natural order is used.
	PieceAvailability func(piece int) int

	// PeerHasPiece reports whether the requester can download the piece.
	PeerHasPiece func(piece int) bool

	// CanSteal reports whether the piece may change owner right now, e.g.
	// no writer is active on it.
	CanSteal func(piece int) bool
}

// Tracker coordinates piece download state.
type Tracker struct {
	chunks   *chunktracker.Tracker
	inflight map[int]InflightPiece
	clk      clock.Clock
}

// New creates a Tracker wrapping the given chunktracker.
func New(chunks *chunktracker.Tracker, clk clock.Clock) *Tracker {
	return &Tracker{
		chunks:   chunks,
		inflight: make(map[int]InflightPiece),
		clk:      clk,
	}
}

// Chunks returns the underlying chunk tracker.
func (t *Tracker) Chunks() *chunktracker.Tracker {
	return t.chunks
}

// IntoChunks consumes the Tracker, requeuing every in-flight piece so a
// resume will re-download it. The Tracker must not be used afterwards.
func (t *Tracker) IntoChunks() *chunktracker.Tracker {
	for piece := range t.inflight {
		t.chunks.MarkPieceBrokenIfNotHave(piece)
	}
	t.inflight = nil
	return t.chunks
}

// AcquirePiece attempts to hand the requesting peer a piece to download.
// The strategy, in order: steal from a very slow peer, reserve a priority
// piece, reserve from the queue (rarest first when availability is known),
// steal from a moderately slow peer.
func (t *Tracker) AcquirePiece(req AcquireRequest) AcquireResult {
	if r, ok := t.trySteal(req, generousStealThreshold); ok {
		return r
	}

	for _, piece := range req.PriorityPieces {
		if t.chunks.IsPieceHave(piece) {
			continue
		}
		if _, ok := t.inflight[piece]; ok {
			continue
		}
		if !t.chunks.IsPieceQueued(piece) || !req.PeerHasPiece(piece) {
			continue
		}
		return t.reserve(piece, req.Peer)
	}

	if piece, ok := t.pickQueuedPiece(req); ok {
		return t.reserve(piece, req.Peer)
	}

	if r, ok := t.trySteal(req, aggressiveStealThreshold); ok {
		return r
	}

	return AcquireResult{Outcome: NoneAvailable}
}

// pickQueuedPiece selects the next queued piece the peer can serve. With
// availability counts the candidates are ranked rarest first, ties broken
// by queue order; without them the queue order stands.
func (t *Tracker) pickQueuedPiece(req AcquireRequest) (int, bool) {
	if req.PieceAvailability == nil {
		for _, piece := range t.chunks.IterQueuedPieces(req.FilePriorities) {
			if req.PeerHasPiece(piece) {
				return piece, true
			}
		}
		return 0, false
	}

	candidates := heap.NewPriorityQueue()
	for rank, piece := range t.chunks.IterQueuedPieces(req.FilePriorities) {
		if !req.PeerHasPiece(piece) {
			continue
		}
		candidates.Push(&heap.Item{
			Value:    piece,
			Priority: req.PieceAvailability(piece)*t.chunks.Lengths().NumPieces() + rank,
		})
	}
	item, err := candidates.Pop()
	if err != nil {
		return 0, false
	}
	return item.Value.(int), true
}

func (t *Tracker) reserve(piece int, peer PeerHandle) AcquireResult {
	t.chunks.ReserveNeededPiece(piece)
	t.inflight[piece] = InflightPiece{Peer: peer, StartedAt: t.clk.Now()}
	return AcquireResult{Outcome: Reserved, Piece: piece}
}

func (t *Tracker) trySteal(req AcquireRequest, threshold float64) (AcquireResult, bool) {
	if req.PeerAvgPieceTime <= 0 {
		return AcquireResult{}, false
	}
	minElapsed := time.Duration(float64(req.PeerAvgPieceTime) * threshold)
	now := t.clk.Now()

	// Pick the slowest eligible piece: owned by another peer, held at least
	// minElapsed, and present in the requester's bitfield.
	best := -1
	var bestElapsed time.Duration
	for piece, info := range t.inflight {
		if info.Peer == req.Peer || !req.PeerHasPiece(piece) {
			continue
		}
		elapsed := now.Sub(info.StartedAt)
		if elapsed < minElapsed {
			continue
		}
		if best == -1 || elapsed > bestElapsed {
			best = piece
			bestElapsed = elapsed
		}
	}
	if best == -1 {
		return AcquireResult{}, false
	}
	if req.CanSteal != nil && !req.CanSteal(best) {
		return AcquireResult{}, false
	}

	info := t.inflight[best]
	from := info.Peer
	info.Peer = req.Peer
	info.StartedAt = now
	t.inflight[best] = info

	return AcquireResult{Outcome: Stolen, Piece: best, FromPeer: from}, true
}

// TakeInflight removes the in-flight entry for the piece, returning the
// elapsed download duration. The caller performs hash verification and then
// calls MarkPieceHashOK or MarkPieceHashFailed.
func (t *Tracker) TakeInflight(piece int) (time.Duration, bool) {
	info, ok := t.inflight[piece]
	if !ok {
		return 0, false
	}
	delete(t.inflight, piece)
	return t.clk.Now().Sub(info.StartedAt), true
}

// MarkPieceHashOK marks the piece verified after a successful hash check.
func (t *Tracker) MarkPieceHashOK(piece int) {
	t.chunks.MarkPieceDownloaded(piece)
}

// MarkPieceHashFailed requeues the piece after a failed hash check.
func (t *Tracker) MarkPieceHashFailed(piece int) {
	t.chunks.MarkPieceBrokenIfNotHave(piece)
}

// Owner returns the current owner of an in-flight piece.
func (t *Tracker) Owner(piece int) (PeerHandle, bool) {
	info, ok := t.inflight[piece]
	return info.Peer, ok
}

// IsInflight returns true if the piece is currently being downloaded.
func (t *Tracker) IsInflight(piece int) bool {
	_, ok := t.inflight[piece]
	return ok
}

// InflightCount returns the number of in-flight pieces.
func (t *Tracker) InflightCount() int {
	return len(t.inflight)
}

// ReleasePiecesOwnedBy requeues every in-flight piece owned by the peer,
// returning how many were released. Called when a peer dies.
func (t *Tracker) ReleasePiecesOwnedBy(peer PeerHandle) int {
	var released int
	for piece, info := range t.inflight {
		if info.Peer != peer {
			continue
		}
		delete(t.inflight, piece)
		t.chunks.MarkPieceBrokenIfNotHave(piece)
		released++
	}
	return released
}
