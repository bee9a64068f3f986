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
package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/utils/memsize"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

const hashBufSize = int(64 * memsize.KB)

// FileOps performs piece and chunk level I/O for one torrent by mapping the
// linear torrent byte space onto the torrent's files.
type FileOps struct {
	mi *core.MetaInfo
	fs FileStore
}

// NewFileOps creates a FileOps for the given torrent over the given store.
func NewFileOps(mi *core.MetaInfo, fs FileStore) *FileOps {
	return &FileOps{mi: mi, fs: fs}
}

// Store returns the underlying FileStore.
func (o *FileOps) Store() FileStore {
	return o.fs
}

// Preallocate extends every file to its final length.
func (o *FileOps) Preallocate() error {
	for fileID, fi := range o.mi.FileInfos() {
		if err := o.fs.EnsureFileLength(fileID, fi.Length); err != nil {
			return fmt.Errorf("ensure file %d length: %s", fileID, err)
		}
	}
	return nil
}

// fileReadError tags a read failure with the file it occurred in, so the
// initial scan can poison just that file.
type fileReadError struct {
	fileID int
	err    error
}

func (e *fileReadError) Error() string {
	return fmt.Sprintf("read file %d: %s", e.fileID, e.err)
}

// forEachIntersection invokes fn for every file overlapping the absolute
// byte range [start, start+length), in torrent byte order. Zero-length
// files never intersect anything.
func (o *FileOps) forEachIntersection(
	start, length int64, fn func(fileID int, fileOff, n int64) error) error {

	end := start + length
	for fileID, fi := range o.mi.FileInfos() {
		if fi.Length == 0 {
			continue
		}
		fstart := fi.OffsetInTorrent
		fend := fstart + fi.Length
		if fstart >= end {
			break
		}
		if fend <= start {
			continue
		}
		s := start
		if fstart > s {
			s = fstart
		}
		e := end
		if fend < e {
			e = fend
		}
		if err := fn(fileID, s-fstart, e-s); err != nil {
			return err
		}
	}
	return nil
}

// ReadChunk reads the chunk into out, which must be exactly c.Size long.
func (o *FileOps) ReadChunk(c core.ChunkInfo, out []byte) error {
	if len(out) != int(c.Size) {
		return fmt.Errorf("output buffer length %d does not match chunk size %d", len(out), c.Size)
	}
	var filled int64
	err := o.forEachIntersection(
		o.mi.Lengths().ChunkAbsoluteOffset(c), int64(c.Size),
		func(fileID int, fileOff, n int64) error {
			if err := o.fs.PreadExact(fileID, fileOff, out[filled:filled+n]); err != nil {
				return err
			}
			filled += n
			return nil
		})
	if err != nil {
		return err
	}
	if filled != int64(c.Size) {
		return fmt.Errorf("chunk %s extends past the torrent's files", c)
	}
	return nil
}

// WriteChunk writes a received block, which must be exactly c.Size long, to
// the files it intersects.
func (o *FileOps) WriteChunk(c core.ChunkInfo, block []byte) error {
	if len(block) != int(c.Size) {
		return fmt.Errorf("block length %d does not match chunk size %d", len(block), c.Size)
	}
	var consumed int64
	return o.forEachIntersection(
		o.mi.Lengths().ChunkAbsoluteOffset(c), int64(c.Size),
		func(fileID int, fileOff, n int64) error {
			if _, err := o.fs.PwriteAll(fileID, fileOff, [][]byte{block[consumed : consumed+n]}); err != nil {
				return err
			}
			consumed += n
			return nil
		})
}

func (o *FileOps) hashPiece(i int, buf []byte) ([core.PieceHashLen]byte, error) {
	var sum [core.PieceHashLen]byte
	h := sha1.New()
	err := o.forEachIntersection(
		o.mi.Lengths().PieceOffset(i), o.mi.PieceLength(i),
		func(fileID int, fileOff, n int64) error {
			for n > 0 {
				m := int64(len(buf))
				if n < m {
					m = n
				}
				if err := o.fs.PreadExact(fileID, fileOff, buf[:m]); err != nil {
					return &fileReadError{fileID, err}
				}
				h.Write(buf[:m])
				fileOff += m
				n -= m
			}
			return nil
		})
	if err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// CheckPiece reads piece i back from storage and compares its SHA-1 to the
// expected hash from the metainfo.
func (o *FileOps) CheckPiece(i int) (bool, error) {
	expected, err := o.mi.PieceHash(i)
	if err != nil {
		return false, err
	}
	actual, err := o.hashPiece(i, make([]byte, hashBufSize))
	if err != nil {
		return false, fmt.Errorf("hash piece %d: %s", i, err)
	}
	return bytes.Equal(expected[:], actual[:]), nil
}

// InitialCheck scans every piece on disk and returns the bitfield of pieces
// whose hashes verify. A file which fails a read is marked broken and every
// later piece covering it is left unset without touching the file again.
// progress is incremented once per scanned piece.
func (o *FileOps) InitialCheck(progress *atomic.Int64) (*bitset.BitSet, error) {
	numPieces := o.mi.NumPieces()
	have := bitset.New(uint(numPieces))
	broken := make(map[int]bool)
	buf := make([]byte, hashBufSize)

	for i := 0; i < numPieces; i++ {
		usable := true
		o.forEachIntersection(
			o.mi.Lengths().PieceOffset(i), o.mi.PieceLength(i),
			func(fileID int, fileOff, n int64) error {
				if broken[fileID] {
					usable = false
				}
				return nil
			})
		if usable {
			expected, err := o.mi.PieceHash(i)
			if err != nil {
				return nil, err
			}
			actual, err := o.hashPiece(i, buf)
			if err != nil {
				if ferr, ok := err.(*fileReadError); ok {
					broken[ferr.fileID] = true
				} else {
					return nil, err
				}
			} else if bytes.Equal(expected[:], actual[:]) {
				have.Set(uint(i))
			}
		}
		if progress != nil {
			progress.Inc()
		}
	}
	return have, nil
}
