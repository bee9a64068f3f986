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
package chunktracker

import (
	"testing"

	"github.com/lodeswarm/lodeswarm/core"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

const pieceLength = 32768

func newTracker(t *testing.T, mi *core.MetaInfo) *Tracker {
	t.Helper()
	n := uint(mi.NumPieces())
	all := bitset.New(n).Complement()
	tracker, err := New(mi.Lengths(), mi.FileInfos(), bitset.New(n), all)
	require.NoError(t, err)
	return tracker
}

// verifyHNS recomputes the counters from the bitfields and compares.
func verifyHNS(t *testing.T, tracker *Tracker) {
	t.Helper()
	var have, selected, needed int64
	haveBits := tracker.HavePieces()
	selectedBits := tracker.SelectedPieces()
	for i := 0; i < tracker.Lengths().NumPieces(); i++ {
		length := tracker.Lengths().PieceLength(i)
		if haveBits.Test(uint(i)) {
			have += length
		}
		if selectedBits.Test(uint(i)) {
			selected += length
			if !haveBits.Test(uint(i)) {
				needed += length
			}
		}
	}
	hns := tracker.HNS()
	require.Equal(t, have, hns.HaveBytes)
	require.Equal(t, selected, hns.SelectedBytes)
	require.Equal(t, needed, hns.NeededBytes)
}

func TestTrackerChunkCompletionFlow(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MetaInfoFixture(pieceLength*2+5000, pieceLength)
	tracker := newTracker(t, mi)
	verifyHNS(t, tracker)

	tracker.ReserveNeededPiece(0)
	require.False(tracker.IsPieceQueued(0))

	_, result, err := tracker.MarkChunkDownloaded(0, 0, 16384)
	require.NoError(err)
	require.Equal(NotCompleted, result)

	_, result, err = tracker.MarkChunkDownloaded(0, 16384, 16384)
	require.NoError(err)
	require.Equal(Completed, result)

	// Marking again reports the piece as previously completed.
	_, result, err = tracker.MarkChunkDownloaded(0, 0, 16384)
	require.NoError(err)
	require.Equal(PreviouslyCompleted, result)

	tracker.MarkPieceDownloaded(0)
	require.True(tracker.IsPieceHave(0))
	verifyHNS(t, tracker)
	require.Equal(int64(pieceLength), tracker.HNS().HaveBytes)
}

func TestTrackerMarkChunkDownloadedRejectsBadGeometry(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MetaInfoFixture(pieceLength*2, pieceLength)
	tracker := newTracker(t, mi)

	_, _, err := tracker.MarkChunkDownloaded(5, 0, 16384)
	require.Error(err)

	_, _, err = tracker.MarkChunkDownloaded(0, 100, 16384)
	require.Error(err)

	_, _, err = tracker.MarkChunkDownloaded(0, 0, 16000)
	require.Error(err)
}

func TestTrackerMarkPieceBrokenRecyclesChunks(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MetaInfoFixture(pieceLength*2, pieceLength)
	tracker := newTracker(t, mi)

	tracker.ReserveNeededPiece(0)
	_, _, err := tracker.MarkChunkDownloaded(0, 0, 16384)
	require.NoError(err)

	tracker.MarkPieceBrokenIfNotHave(0)
	require.True(tracker.IsPieceQueued(0))
	require.False(tracker.IsPieceHave(0))

	// The chunk bits were zeroed: completing the piece requires both chunks
	// again.
	_, result, err := tracker.MarkChunkDownloaded(0, 0, 16384)
	require.NoError(err)
	require.Equal(NotCompleted, result)
	verifyHNS(t, tracker)
}

func TestTrackerMarkPieceBrokenLeavesVerifiedPieces(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MetaInfoFixture(pieceLength*2, pieceLength)
	tracker := newTracker(t, mi)

	tracker.ReserveNeededPiece(0)
	tracker.MarkChunkDownloaded(0, 0, 16384)
	tracker.MarkChunkDownloaded(0, 16384, 16384)
	tracker.MarkPieceDownloaded(0)

	tracker.MarkPieceBrokenIfNotHave(0)
	require.True(tracker.IsPieceHave(0))
	require.False(tracker.IsPieceQueued(0))
}

func TestTrackerPieceStatePartition(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MetaInfoFixture(pieceLength*4, pieceLength)
	tracker := newTracker(t, mi)

	// 0: have, 1: reserved (in-flight), 2: queued, rest queued.
	tracker.ReserveNeededPiece(0)
	tracker.MarkChunkDownloaded(0, 0, 16384)
	tracker.MarkChunkDownloaded(0, 16384, 16384)
	tracker.MarkPieceDownloaded(0)
	tracker.ReserveNeededPiece(1)

	// Every piece is in exactly one of have / queued / reserved.
	inflight := map[int]bool{1: true}
	for i := 0; i < mi.NumPieces(); i++ {
		states := 0
		if tracker.IsPieceHave(i) {
			states++
		}
		if tracker.IsPieceQueued(i) {
			states++
		}
		if inflight[i] {
			states++
		}
		require.Equal(1, states, "piece %d", i)
	}
}

func TestTrackerFilePrioritySelection(t *testing.T) {
	require := require.New(t)

	// Files of sizes P, 1, 0, P where P = 2 * pieceLength + 1 (5 pieces).
	const p = pieceLength*2 + 1
	mi, _ := core.MultiFileMetaInfoFixture(pieceLength, p, 1, 0, p)
	tracker := newTracker(t, mi)

	// File 3 first: its pieces (2, 3, 4) lead the order.
	pieces := tracker.IterQueuedPieces([]int{3, 0})
	require.Equal([]int{2, 3, 4, 0, 1}, pieces)
}

func TestTrackerUpdateOnlyFilesSelection(t *testing.T) {
	require := require.New(t)

	// Files of sizes P, 1, 0, P where P = 2 * pieceLength + 1.
	const p = pieceLength*2 + 1
	mi, _ := core.MultiFileMetaInfoFixture(pieceLength, p, 1, 0, p)
	tracker := newTracker(t, mi)

	// Select only the last file: it spans pieces 2..4, whose lengths are
	// pieceLength, pieceLength and 3.
	hns := tracker.UpdateOnlyFiles(map[int]bool{3: true})
	require.Equal(int64(2*pieceLength+3), hns.SelectedBytes)
	require.Equal(int64(2*pieceLength+3), hns.NeededBytes)
	verifyHNS(t, tracker)

	require.False(tracker.IsPieceQueued(0))
	require.False(tracker.IsPieceQueued(1))
	require.True(tracker.IsPieceQueued(2))
	require.True(tracker.IsPieceQueued(3))
	require.True(tracker.IsPieceQueued(4))
}

func TestTrackerUpdateFileHaveOnPieceCompleted(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MultiFileMetaInfoFixture(pieceLength, 20000, 50000)
	tracker := newTracker(t, mi)

	// Piece 0 covers all of file 0 (20000 bytes) plus 12768 bytes of file 1.
	tracker.ReserveNeededPiece(0)
	tracker.MarkChunkDownloaded(0, 0, 16384)
	tracker.MarkChunkDownloaded(0, 16384, 16384)
	tracker.MarkPieceDownloaded(0)

	require.Equal(int64(0), tracker.UpdateFileHaveOnPieceCompleted(0, 0))
	require.True(tracker.IsFileFinished(0))
	require.Equal(int64(50000-12768), tracker.UpdateFileHaveOnPieceCompleted(0, 1))
	require.False(tracker.IsFileFinished(1))
}
