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

// Package storage abstracts the set of files backing a torrent and the
// piece-level operations built on top of them: positional chunk I/O, piece
// hashing, and the initial on-disk scan.
package storage

import "errors"

// ErrFileBroken describes a file that failed a read during the initial scan.
// InitialCheck does not return it: the scan skips such a file for the rest of
// the scan and leaves the pieces covering it unset.
var ErrFileBroken = errors.New("file is broken")

// FileStore provides positional I/O over the files of a single torrent,
// addressed by index into the torrent's file list. Implementations must
// support concurrent calls on distinct byte ranges.
//
// Reads from padding files are zero-filled without touching disk; writes to
// padding files are silently dropped.
type FileStore interface {
	// PreadExact reads exactly len(buf) bytes at offset of the given file,
	// or fails.
	PreadExact(fileID int, offset int64, buf []byte) error

	// PwriteAll writes all given slices contiguously at offset of the given
	// file, returning the number of bytes written.
	PwriteAll(fileID int, offset int64, bufs [][]byte) (int64, error)

	// EnsureFileLength preallocates the file to the given length.
	EnsureFileLength(fileID int, length int64) error

	// RemoveFile deletes the file from disk.
	RemoveFile(fileID int) error

	// FlushPiece flushes buffered state for the piece. A hook for caching
	// middleware; the plain filesystem implementation is a no-op.
	FlushPiece(piece int) error

	// DiscardPiece drops buffered state for the piece without writing it.
	DiscardPiece(piece int) error

	// OnPieceCompleted signals that the piece was verified and will not be
	// written again.
	OnPieceCompleted(piece int) error

	// SaveHaveBitfield persists the verified-piece bitfield so a restart
	// can resume without a full rescan.
	SaveHaveBitfield(bits []byte) error

	// LoadHaveBitfield returns the last persisted bitfield, or ok == false
	// if none exists.
	LoadHaveBitfield() (bits []byte, ok bool, err error)

	// Close releases all file handles. The store must not be used after
	// Close.
	Close() error
}
