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

// Package chunktracker tracks per-piece and per-chunk download state for a
// torrent: which pieces are verified, which are selected, which are queued
// for download, and which chunks of partially downloaded pieces have been
// written.
//
// Tracker is NOT thread-safe. Synchronization must be provided by the
// client.
package chunktracker

import (
	"fmt"

	"github.com/lodeswarm/lodeswarm/core"

	"github.com/willf/bitset"
)

// MarkResult is the outcome of marking a chunk downloaded.
type MarkResult int

const (
	// PreviouslyCompleted denotes a chunk of a piece whose chunks were all
	// already marked.
	PreviouslyCompleted MarkResult = iota

	// NotCompleted denotes a chunk whose piece still has unmarked chunks.
	NotCompleted

	// Completed denotes the chunk which completed its piece.
	Completed
)

// HaveNeededSelected are the byte counters kept in sync with the piece
// bitfields on every transition. NeededBytes == 0 defines "finished".
type HaveNeededSelected struct {
	// HaveBytes counts downloaded and verified bytes.
	HaveBytes int64

	// NeededBytes counts bytes still to download for selected to become a
	// subset of have.
	NeededBytes int64

	// SelectedBytes counts the bytes of all selected pieces.
	SelectedBytes int64
}

// Progress returns the number of selected bytes already verified.
func (h HaveNeededSelected) Progress() int64 {
	return h.SelectedBytes - h.NeededBytes
}

// Finished returns true when nothing selected remains to download.
func (h HaveNeededSelected) Finished() bool {
	return h.NeededBytes == 0
}

// Tracker tracks a torrent's piece and chunk download state.
type Tracker struct {
	lengths   *core.Lengths
	fileInfos []core.FileInfo

	// queued forms the basis of the download queue: set for pieces which
	// are selected, not verified, and not reserved by any peer.
	queued *bitset.BitSet

	// chunkStatus has one bit per chunk slot across the whole torrent; a
	// set bit means the chunk was written to storage (not yet verified).
	chunkStatus *bitset.BitSet

	// have marks pieces fully downloaded and hash-verified.
	have *bitset.BitSet

	// selected marks the pieces the user wants. Changes only through
	// UpdateOnlyFiles.
	selected *bitset.BitSet

	perFileBytes []int64

	hns HaveNeededSelected
}

// New creates a Tracker. have holds the pieces already verified on disk;
// selected holds the pieces the user wants.
func New(lengths *core.Lengths, fileInfos []core.FileInfo, have, selected *bitset.BitSet) (*Tracker, error) {
	numPieces := uint(lengths.NumPieces())
	if have.Len() < numPieces || selected.Len() < numPieces {
		return nil, fmt.Errorf(
			"bitfield lengths (%d, %d) shorter than piece count %d", have.Len(), selected.Len(), numPieces)
	}

	t := &Tracker{
		lengths:      lengths,
		fileInfos:    fileInfos,
		queued:       selected.Difference(have),
		chunkStatus:  bitset.New(uint(lengths.NumChunks())),
		have:         have.Clone(),
		selected:     selected.Clone(),
		perFileBytes: make([]int64, len(fileInfos)),
	}
	for i := 0; i < lengths.NumPieces(); i++ {
		if t.have.Test(uint(i)) {
			t.fillChunkRange(i, true)
		}
	}
	t.recalculatePerFileBytes()
	t.hns = t.calcHNS()
	return t, nil
}

func (t *Tracker) fillChunkRange(i int, v bool) {
	start, end := t.lengths.ChunkRange(i)
	for c := start; c < end; c++ {
		t.chunkStatus.SetTo(uint(c), v)
	}
}

func (t *Tracker) pieceChunksAll(i int) bool {
	start, end := t.lengths.ChunkRange(i)
	for c := start; c < end; c++ {
		if !t.chunkStatus.Test(uint(c)) {
			return false
		}
	}
	return true
}

func (t *Tracker) recalculatePerFileBytes() {
	for fileID, fi := range t.fileInfos {
		var sum int64
		for p := fi.PieceStart; p < fi.PieceEnd; p++ {
			if t.have.Test(uint(p)) {
				sum += t.lengths.SizeOfPieceInFile(p, fi.OffsetInTorrent, fi.Length)
			}
		}
		t.perFileBytes[fileID] = sum
	}
}

func (t *Tracker) calcHNS() HaveNeededSelected {
	var hns HaveNeededSelected
	for i := 0; i < t.lengths.NumPieces(); i++ {
		length := t.lengths.PieceLength(i)
		isHave := t.have.Test(uint(i))
		isSelected := t.selected.Test(uint(i))
		if isHave {
			hns.HaveBytes += length
		}
		if isSelected {
			hns.SelectedBytes += length
			if !isHave {
				hns.NeededBytes += length
			}
		}
	}
	return hns
}

// Lengths returns the torrent's piece arithmetic.
func (t *Tracker) Lengths() *core.Lengths {
	return t.lengths
}

// HNS returns the byte counters.
func (t *Tracker) HNS() HaveNeededSelected {
	return t.hns
}

// Finished returns true when every selected piece is verified.
func (t *Tracker) Finished() bool {
	return t.hns.Finished()
}

// RemainingBytes returns the bytes still needed.
func (t *Tracker) RemainingBytes() int64 {
	return t.hns.NeededBytes
}

// HavePieces returns a copy of the verified piece set.
func (t *Tracker) HavePieces() *bitset.BitSet {
	return t.have.Clone()
}

// SelectedPieces returns a copy of the selected piece set.
func (t *Tracker) SelectedPieces() *bitset.BitSet {
	return t.selected.Clone()
}

// IsPieceHave returns true if piece i is verified.
func (t *Tracker) IsPieceHave(i int) bool {
	return t.have.Test(uint(i))
}

// IsPieceQueued returns true if piece i is available for reservation.
func (t *Tracker) IsPieceQueued(i int) bool {
	return t.queued.Test(uint(i))
}

// IsChunkReadyToUpload returns true if the chunk belongs to a verified
// piece.
func (t *Tracker) IsChunkReadyToUpload(c core.ChunkInfo) bool {
	return t.lengths.ValidPieceIndex(c.Piece) && t.have.Test(uint(c.Piece))
}

// ReserveNeededPiece removes piece i from the queue. Must only be called on
// a queued piece.
func (t *Tracker) ReserveNeededPiece(i int) {
	t.queued.Clear(uint(i))
}

// IterQueuedPieces returns the queued pieces in the order dictated by file
// priorities, skipping files whose verified bytes already equal their
// length. An empty priority list means natural file order.
func (t *Tracker) IterQueuedPieces(filePriorities []int) []int {
	if len(filePriorities) == 0 {
		filePriorities = make([]int, len(t.fileInfos))
		for i := range filePriorities {
			filePriorities[i] = i
		}
	}
	seen := bitset.New(uint(t.lengths.NumPieces()))
	var pieces []int
	for _, fileID := range filePriorities {
		if fileID < 0 || fileID >= len(t.fileInfos) {
			continue
		}
		fi := t.fileInfos[fileID]
		if t.perFileBytes[fileID] == fi.Length {
			continue
		}
		for p := fi.PieceStart; p < fi.PieceEnd; p++ {
			if t.queued.Test(uint(p)) && !seen.Test(uint(p)) {
				seen.Set(uint(p))
				pieces = append(pieces, p)
			}
		}
	}
	return pieces
}

// MarkChunkDownloaded validates the geometry of a received block and marks
// its chunk written. Returns Completed exactly once per piece download: the
// first time every chunk of the piece is marked.
func (t *Tracker) MarkChunkDownloaded(piece int, begin, size uint32) (core.ChunkInfo, MarkResult, error) {
	c, err := t.lengths.ChunkInfoFromReceivedData(piece, begin, size)
	if err != nil {
		return core.ChunkInfo{}, NotCompleted, err
	}
	if t.pieceChunksAll(piece) {
		return c, PreviouslyCompleted, nil
	}
	start, _ := t.lengths.ChunkRange(piece)
	t.chunkStatus.Set(uint(start + c.Chunk))
	if t.pieceChunksAll(piece) {
		return c, Completed, nil
	}
	return c, NotCompleted, nil
}

// MarkChunkRequestCancelled requeues piece i if it still has unwritten
// chunks, so requesters re-check each chunk of the piece.
func (t *Tracker) MarkChunkRequestCancelled(i int) {
	if !t.lengths.ValidPieceIndex(i) || t.have.Test(uint(i)) {
		return
	}
	if !t.pieceChunksAll(i) {
		t.queued.Set(uint(i))
	}
}

// MarkPieceBrokenIfNotHave recycles piece i: its chunk bits are zeroed and
// it re-enters the queue. Used when a peer dies or a hash check fails. A
// verified piece is left untouched.
func (t *Tracker) MarkPieceBrokenIfNotHave(i int) {
	if !t.lengths.ValidPieceIndex(i) || t.have.Test(uint(i)) {
		return
	}
	t.queued.Set(uint(i))
	t.fillChunkRange(i, false)
}

// MarkPieceDownloaded marks piece i verified and updates the counters.
func (t *Tracker) MarkPieceDownloaded(i int) {
	if !t.lengths.ValidPieceIndex(i) || t.have.Test(uint(i)) {
		return
	}
	t.have.Set(uint(i))
	length := t.lengths.PieceLength(i)
	t.hns.HaveBytes += length
	if t.selected.Test(uint(i)) {
		t.hns.NeededBytes -= length
	}
}

// UpdateFileHaveOnPieceCompleted adds the overlap of the completed piece to
// the file's verified byte counter and returns the file's remaining bytes.
func (t *Tracker) UpdateFileHaveOnPieceCompleted(piece, fileID int) int64 {
	fi := t.fileInfos[fileID]
	t.perFileBytes[fileID] += t.lengths.SizeOfPieceInFile(piece, fi.OffsetInTorrent, fi.Length)
	remaining := fi.Length - t.perFileBytes[fileID]
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// PerFileHaveBytes returns the per-file verified byte counters.
func (t *Tracker) PerFileHaveBytes() []int64 {
	return t.perFileBytes
}

// IsFileFinished returns true if every piece overlapping the file is
// verified.
func (t *Tracker) IsFileFinished(fileID int) bool {
	fi := t.fileInfos[fileID]
	for p := fi.PieceStart; p < fi.PieceEnd; p++ {
		if !t.have.Test(uint(p)) {
			return false
		}
	}
	return true
}

// UpdateOnlyFiles recomputes the selected set from the given file ids and
// returns the new counters. Newly selected unverified pieces are requeued;
// newly unselected pieces with no verified data leave the queue.
func (t *Tracker) UpdateOnlyFiles(selectedFiles map[int]bool) HaveNeededSelected {
	numPieces := t.lengths.NumPieces()
	newSelected := bitset.New(uint(numPieces))
	for fileID, fi := range t.fileInfos {
		if !selectedFiles[fileID] || fi.Length == 0 {
			continue
		}
		for p := fi.PieceStart; p < fi.PieceEnd; p++ {
			newSelected.Set(uint(p))
		}
	}

	for i := 0; i < numPieces; i++ {
		isSelected := newSelected.Test(uint(i))
		isHave := t.have.Test(uint(i))
		t.selected.SetTo(uint(i), isSelected)
		switch {
		case isSelected && !isHave:
			t.MarkPieceBrokenIfNotHave(i)
		case !isSelected && !isHave:
			t.queued.Clear(uint(i))
		}
	}

	t.hns = t.calcHNS()
	return t.hns
}
