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
package core

import (
	"errors"
	"fmt"
)

// DefaultChunkLength is the transfer unit: every chunk is this long except
// the final chunk of a piece whose length is not a multiple of it.
const DefaultChunkLength uint32 = 16384

// Lengths maps between piece indexes, chunk indexes and absolute byte
// offsets of a torrent. All methods are pure and allocation free.
type Lengths struct {
	totalLength     int64
	pieceLength     uint32
	chunkLength     uint32
	numPieces       int
	lastPieceLength uint32
	chunksPerPiece  int
}

// NewLengths creates a Lengths for a torrent of totalLength bytes split into
// pieces of pieceLength bytes, transferred in chunks of DefaultChunkLength.
func NewLengths(totalLength int64, pieceLength uint32) (*Lengths, error) {
	return NewLengthsWithChunk(totalLength, pieceLength, DefaultChunkLength)
}

// NewLengthsWithChunk is NewLengths with an explicit chunk length.
func NewLengthsWithChunk(totalLength int64, pieceLength, chunkLength uint32) (*Lengths, error) {
	if totalLength <= 0 {
		return nil, errors.New("total length must be positive")
	}
	if pieceLength == 0 {
		return nil, errors.New("piece length must be positive")
	}
	if chunkLength == 0 {
		return nil, errors.New("chunk length must be positive")
	}
	numPieces := int((totalLength + int64(pieceLength) - 1) / int64(pieceLength))
	lastPieceLength := uint32(totalLength - int64(pieceLength)*int64(numPieces-1))
	return &Lengths{
		totalLength:     totalLength,
		pieceLength:     pieceLength,
		chunkLength:     chunkLength,
		numPieces:       numPieces,
		lastPieceLength: lastPieceLength,
		chunksPerPiece:  int((pieceLength + chunkLength - 1) / chunkLength),
	}, nil
}

// TotalLength returns the total torrent length in bytes.
func (l *Lengths) TotalLength() int64 {
	return l.totalLength
}

// NumPieces returns the number of pieces in the torrent.
func (l *Lengths) NumPieces() int {
	return l.numPieces
}

// DefaultPieceLength returns the length of every piece but the last.
func (l *Lengths) DefaultPieceLength() int64 {
	return int64(l.pieceLength)
}

// ChunkLength returns the transfer chunk length.
func (l *Lengths) ChunkLength() uint32 {
	return l.chunkLength
}

// ValidPieceIndex returns true if i addresses a piece of the torrent.
func (l *Lengths) ValidPieceIndex(i int) bool {
	return i >= 0 && i < l.numPieces
}

// PieceLength returns the length of piece i. The last piece may be shorter
// than the rest. Returns 0 for out-of-range indexes.
func (l *Lengths) PieceLength(i int) int64 {
	if !l.ValidPieceIndex(i) {
		return 0
	}
	if i == l.numPieces-1 {
		return int64(l.lastPieceLength)
	}
	return int64(l.pieceLength)
}

// PieceOffset returns the absolute byte offset at which piece i starts.
func (l *Lengths) PieceOffset(i int) int64 {
	return int64(l.pieceLength) * int64(i)
}

// DefaultChunksPerPiece returns the number of chunks in every piece but
// possibly the last.
func (l *Lengths) DefaultChunksPerPiece() int {
	return l.chunksPerPiece
}

// ChunksPerPiece returns the number of chunks in piece i.
func (l *Lengths) ChunksPerPiece(i int) int {
	plen := l.PieceLength(i)
	if plen == 0 {
		return 0
	}
	return int((plen + int64(l.chunkLength) - 1) / int64(l.chunkLength))
}

// NumChunks returns the total number of chunks across the torrent, counting
// the full chunksPerPiece slots for every piece so that chunk bit indexes
// are uniform: chunk c of piece p lives at bit p*DefaultChunksPerPiece()+c.
func (l *Lengths) NumChunks() int {
	return l.numPieces * l.chunksPerPiece
}

// ChunkRange returns the [start, end) bit range of piece i's chunks within
// a torrent-wide chunk bitfield.
func (l *Lengths) ChunkRange(i int) (start, end int) {
	start = i * l.chunksPerPiece
	return start, start + l.ChunksPerPiece(i)
}

// ChunkInfo identifies a single chunk of a piece.
type ChunkInfo struct {
	Piece         int
	Chunk         int
	OffsetInPiece uint32
	Size          uint32
}

func (c ChunkInfo) String() string {
	return fmt.Sprintf("chunk(piece=%d, chunk=%d, offset=%d, size=%d)",
		c.Piece, c.Chunk, c.OffsetInPiece, c.Size)
}

// ChunkInfos returns piece i's chunks in transfer order.
func (l *Lengths) ChunkInfos(i int) []ChunkInfo {
	n := l.ChunksPerPiece(i)
	plen := l.PieceLength(i)
	chunks := make([]ChunkInfo, 0, n)
	for c := 0; c < n; c++ {
		offset := uint32(c) * l.chunkLength
		size := l.chunkLength
		if int64(offset)+int64(size) > plen {
			size = uint32(plen - int64(offset))
		}
		chunks = append(chunks, ChunkInfo{
			Piece:         i,
			Chunk:         c,
			OffsetInPiece: offset,
			Size:          size,
		})
	}
	return chunks
}

// ChunkInfoFromReceivedData validates the geometry of a received block
// against piece i: begin must be chunk aligned and begin+size must stay
// within the piece.
func (l *Lengths) ChunkInfoFromReceivedData(i int, begin, size uint32) (ChunkInfo, error) {
	if !l.ValidPieceIndex(i) {
		return ChunkInfo{}, fmt.Errorf("piece %d out of range (%d pieces)", i, l.numPieces)
	}
	if begin%l.chunkLength != 0 {
		return ChunkInfo{}, fmt.Errorf("offset %d is not a multiple of chunk length %d", begin, l.chunkLength)
	}
	plen := l.PieceLength(i)
	if size == 0 || int64(begin)+int64(size) > plen {
		return ChunkInfo{}, fmt.Errorf(
			"block [%d, %d) does not fit piece %d of length %d", begin, begin+size, i, plen)
	}
	chunk := int(begin / l.chunkLength)
	expected := l.chunkLength
	if int64(begin)+int64(expected) > plen {
		expected = uint32(plen - int64(begin))
	}
	if size != expected {
		return ChunkInfo{}, fmt.Errorf(
			"block size %d does not match chunk %d of piece %d (expected %d)", size, chunk, i, expected)
	}
	return ChunkInfo{
		Piece:         i,
		Chunk:         chunk,
		OffsetInPiece: begin,
		Size:          size,
	}, nil
}

// ChunkAbsoluteOffset returns the absolute byte offset of the chunk within
// the torrent.
func (l *Lengths) ChunkAbsoluteOffset(c ChunkInfo) int64 {
	return l.PieceOffset(c.Piece) + int64(c.OffsetInPiece)
}

// PieceForOffset returns the piece covering absolute byte offset off and the
// offset within that piece. ok is false if off is out of range.
func (l *Lengths) PieceForOffset(off int64) (piece int, offsetInPiece int64, ok bool) {
	if off < 0 || off >= l.totalLength {
		return 0, 0, false
	}
	return int(off / int64(l.pieceLength)), off % int64(l.pieceLength), true
}

// SizeOfPieceInFile returns the number of bytes piece i shares with a file
// occupying [fileOffset, fileOffset+fileLength) of the torrent byte space.
func (l *Lengths) SizeOfPieceInFile(i int, fileOffset, fileLength int64) int64 {
	pieceStart := l.PieceOffset(i)
	pieceEnd := pieceStart + l.PieceLength(i)
	fileEnd := fileOffset + fileLength
	start := pieceStart
	if fileOffset > start {
		start = fileOffset
	}
	end := pieceEnd
	if fileEnd < end {
		end = fileEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}
