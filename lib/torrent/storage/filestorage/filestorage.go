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

// Package filestorage implements storage.FileStore on the host filesystem.
package filestorage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage"
)

var _ storage.FileStore = (*FileStore)(nil)

// Config defines FileStore configuration.
type Config struct {
	// OutputDir is the directory under which torrent content is placed.
	// A multi-file torrent's files live under OutputDir/<name>/; a
	// single-file torrent is written to OutputDir/<name>.
	OutputDir string `yaml:"output_dir"`
}

func (c Config) applyDefaults() Config {
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	return c
}

type fileEntry struct {
	info core.FileInfo
	path string

	mu sync.Mutex
	f  *os.File
}

// FileStore stores a torrent's files on the host filesystem. Files are
// opened lazily and kept open for the life of the store. Padding files never
// touch disk.
type FileStore struct {
	files        []*fileEntry
	bitfieldPath string
}

// New creates a FileStore for the given torrent metadata. Directories are
// created eagerly; files are created on first access.
func New(config Config, mi *core.MetaInfo) (*FileStore, error) {
	config = config.applyDefaults()

	files := make([]*fileEntry, 0, len(mi.FileInfos()))
	for _, fi := range mi.FileInfos() {
		p := filepath.Join(config.OutputDir, mi.Name())
		if len(fi.RelativePath) > 0 {
			p = filepath.Join(append([]string{p}, fi.RelativePath...)...)
		}
		if !fi.Padding {
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return nil, fmt.Errorf("mkdir: %s", err)
			}
		}
		files = append(files, &fileEntry{info: fi, path: p})
	}
	return &FileStore{
		files:        files,
		bitfieldPath: filepath.Join(config.OutputDir, "."+mi.InfoHash().Hex()+".bitfield"),
	}, nil
}

// SaveHaveBitfield implements storage.FileStore. The write goes through a
// temp file so a crash never leaves a torn bitfield.
func (s *FileStore) SaveHaveBitfield(bits []byte) error {
	tmp := s.bitfieldPath + ".tmp"
	if err := os.WriteFile(tmp, bits, 0644); err != nil {
		return fmt.Errorf("write bitfield: %s", err)
	}
	if err := os.Rename(tmp, s.bitfieldPath); err != nil {
		return fmt.Errorf("rename bitfield: %s", err)
	}
	return nil
}

// LoadHaveBitfield implements storage.FileStore.
func (s *FileStore) LoadHaveBitfield() ([]byte, bool, error) {
	bits, err := os.ReadFile(s.bitfieldPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read bitfield: %s", err)
	}
	return bits, true, nil
}

func (s *FileStore) entry(fileID int) (*fileEntry, error) {
	if fileID < 0 || fileID >= len(s.files) {
		return nil, fmt.Errorf("invalid file id %d: %d files", fileID, len(s.files))
	}
	return s.files[fileID], nil
}

// open returns the entry's file handle, opening it if needed. The entry
// lock is only held for the open itself: *os.File supports concurrent
// positional I/O.
func (e *fileEntry) open() (*os.File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f != nil {
		return e.f, nil
	}
	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", e.path, err)
	}
	e.f = f
	return f, nil
}

// PreadExact implements storage.FileStore.
func (s *FileStore) PreadExact(fileID int, offset int64, buf []byte) error {
	e, err := s.entry(fileID)
	if err != nil {
		return err
	}
	if e.info.Padding {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	f, err := e.open()
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := f.ReadAt(buf, offset)
		if err != nil {
			return fmt.Errorf("pread %s at %d: %s", e.path, offset, err)
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// PwriteAll implements storage.FileStore.
func (s *FileStore) PwriteAll(fileID int, offset int64, bufs [][]byte) (int64, error) {
	e, err := s.entry(fileID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	if e.info.Padding {
		return total, nil
	}
	f, err := e.open()
	if err != nil {
		return 0, err
	}
	var written int64
	for _, b := range bufs {
		for len(b) > 0 {
			n, err := f.WriteAt(b, offset)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("pwrite %s at %d: %s", e.path, offset, err)
			}
			b = b[n:]
			offset += int64(n)
		}
	}
	return written, nil
}

// EnsureFileLength implements storage.FileStore.
func (s *FileStore) EnsureFileLength(fileID int, length int64) error {
	e, err := s.entry(fileID)
	if err != nil {
		return err
	}
	if e.info.Padding {
		return nil
	}
	f, err := e.open()
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %s", e.path, err)
	}
	if st.Size() >= length {
		return nil
	}
	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("truncate %s: %s", e.path, err)
	}
	return nil
}

// RemoveFile implements storage.FileStore.
func (s *FileStore) RemoveFile(fileID int) error {
	e, err := s.entry(fileID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f != nil {
		e.f.Close()
		e.f = nil
	}
	if e.info.Padding {
		return nil
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %s", e.path, err)
	}
	return nil
}

// FlushPiece implements storage.FileStore. The filesystem store writes
// through, so there is nothing to flush.
func (s *FileStore) FlushPiece(piece int) error {
	return nil
}

// DiscardPiece implements storage.FileStore.
func (s *FileStore) DiscardPiece(piece int) error {
	return nil
}

// OnPieceCompleted implements storage.FileStore.
func (s *FileStore) OnPieceCompleted(piece int) error {
	return nil
}

// Close implements storage.FileStore.
func (s *FileStore) Close() error {
	var closeErr error
	for _, e := range s.files {
		e.mu.Lock()
		if e.f != nil {
			if err := e.f.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
			e.f = nil
		}
		e.mu.Unlock()
	}
	return closeErr
}
