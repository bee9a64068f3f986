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
package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage/filestorage"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newFileOpsFixture(t *testing.T, mi *core.MetaInfo) (*storage.FileOps, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := filestorage.New(filestorage.Config{OutputDir: dir}, mi)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return storage.NewFileOps(mi, fs), dir
}

func writeAllChunks(t *testing.T, ops *storage.FileOps, mi *core.MetaInfo, blob []byte) {
	t.Helper()
	l := mi.Lengths()
	for i := 0; i < mi.NumPieces(); i++ {
		for _, c := range l.ChunkInfos(i) {
			off := l.ChunkAbsoluteOffset(c)
			require.NoError(t, ops.WriteChunk(c, blob[off:off+int64(c.Size)]))
		}
	}
}

func TestFileOpsWriteReadCheck(t *testing.T) {
	require := require.New(t)

	mi, blob := core.MetaInfoFixture(100000, 32768)
	ops, _ := newFileOpsFixture(t, mi)

	writeAllChunks(t, ops, mi, blob)

	for i := 0; i < mi.NumPieces(); i++ {
		ok, err := ops.CheckPiece(i)
		require.NoError(err)
		require.True(ok)
	}

	// Read a chunk back.
	c := mi.Lengths().ChunkInfos(1)[1]
	out := make([]byte, c.Size)
	require.NoError(ops.ReadChunk(c, out))
	off := mi.Lengths().ChunkAbsoluteOffset(c)
	require.Equal(blob[off:off+int64(c.Size)], out)
}

func TestFileOpsCheckPieceDetectsCorruption(t *testing.T) {
	require := require.New(t)

	mi, blob := core.MetaInfoFixture(65536, 32768)
	ops, _ := newFileOpsFixture(t, mi)

	writeAllChunks(t, ops, mi, blob)

	// Corrupt the final chunk of piece 0.
	c := mi.Lengths().ChunkInfos(0)[1]
	bad := make([]byte, c.Size)
	copy(bad, blob[mi.Lengths().ChunkAbsoluteOffset(c):])
	bad[0] ^= 0xff
	require.NoError(ops.WriteChunk(c, bad))

	ok, err := ops.CheckPiece(0)
	require.NoError(err)
	require.False(ok)

	ok, err = ops.CheckPiece(1)
	require.NoError(err)
	require.True(ok)
}

func TestFileOpsSpansFileBoundaries(t *testing.T) {
	require := require.New(t)

	// Files of 20000 + 50000 + 30000 bytes with 32768-byte pieces: pieces
	// straddle every file boundary.
	mi, blob := core.MultiFileMetaInfoFixture(32768, 20000, 50000, 30000)
	ops, dir := newFileOpsFixture(t, mi)

	writeAllChunks(t, ops, mi, blob)

	for i := 0; i < mi.NumPieces(); i++ {
		ok, err := ops.CheckPiece(i)
		require.NoError(err)
		require.True(ok)
	}

	// The files contain exactly the blob segments.
	data, err := os.ReadFile(filepath.Join(dir, mi.Name(), "file1"))
	require.NoError(err)
	require.Equal(blob[20000:70000], data)
}

func TestFileOpsInitialCheck(t *testing.T) {
	require := require.New(t)

	mi, blob := core.MetaInfoFixture(100000, 32768)
	ops, _ := newFileOpsFixture(t, mi)

	// Write pieces 0 and 2 only.
	l := mi.Lengths()
	for _, i := range []int{0, 2} {
		for _, c := range l.ChunkInfos(i) {
			off := l.ChunkAbsoluteOffset(c)
			require.NoError(ops.WriteChunk(c, blob[off:off+int64(c.Size)]))
		}
	}

	progress := atomic.NewInt64(0)
	have, err := ops.InitialCheck(progress)
	require.NoError(err)
	require.Equal(int64(mi.NumPieces()), progress.Load())
	require.True(have.Test(0))
	require.False(have.Test(1))
	require.True(have.Test(2))
	require.False(have.Test(3))
}

func TestFileOpsPaddingFilesNeverTouchDisk(t *testing.T) {
	require := require.New(t)

	// data file of 16000 bytes + 384 byte padding: one 16384-byte piece.
	blob := append(core.BlobFixture(16000), make([]byte, 384)...)
	info, err := core.NewInfoFromBlob("padded", newReader(blob), 16384)
	require.NoError(err)
	info.Length = 0
	info.Files = []core.FileDict{
		{Length: 16000, Path: []string{"data"}},
		{Length: 384, Path: []string{".pad", "384"}, Attr: "p"},
	}
	mi := metaInfoFromInfo(t, info)

	ops, dir := newFileOpsFixture(t, mi)
	writeAllChunks(t, ops, mi, blob)

	ok, err := ops.CheckPiece(0)
	require.NoError(err)
	require.True(ok)

	// The padding file was never created.
	_, err = os.Stat(filepath.Join(dir, mi.Name(), ".pad", "384"))
	require.True(os.IsNotExist(err))
}
