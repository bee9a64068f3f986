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
package scheduler

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage/filestorage"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

type schedulerFixture struct {
	s   *Scheduler
	lis net.Listener
	dir string
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	dir := t.TempDir()
	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	port := lis.Addr().(*net.TCPAddr).Port
	s, err := New(
		Config{Storage: filestorage.Config{OutputDir: dir}},
		tally.NoopScope,
		clock.New(),
		core.PeerIDFixture(),
		port,
		zap.NewNop().Sugar())
	require.NoError(t, err)
	s.Start(lis)
	t.Cleanup(s.Stop)

	return &schedulerFixture{s, lis, dir}
}

func (f *schedulerFixture) addr() string {
	return f.lis.Addr().String()
}

func TestSchedulerSeederToLeecher(t *testing.T) {
	require := require.New(t)

	mi, blob := core.MetaInfoFixture(100000, 16384)

	seeder := newSchedulerFixture(t)
	leecher := newSchedulerFixture(t)

	// Seed: place the complete file in the seeder's output directory; the
	// initial scan verifies every piece.
	require.NoError(os.WriteFile(filepath.Join(seeder.dir, mi.Name()), blob, 0644))
	seederID, err := seeder.s.AddTorrent(mi)
	require.NoError(err)
	stats, err := seeder.s.TorrentStats(seederID)
	require.NoError(err)
	require.True(stats.HNS.Finished())

	// Leech.
	leecherID, err := leecher.s.AddTorrent(mi)
	require.NoError(err)
	leecher.s.AddPeers(mi.InfoHash(), []string{seeder.addr()})

	require.Eventually(func() bool {
		stats, err := leecher.s.TorrentStats(leecherID)
		return err == nil && stats.HNS.Finished()
	}, 30*time.Second, 50*time.Millisecond)

	downloaded, err := os.ReadFile(filepath.Join(leecher.dir, mi.Name()))
	require.NoError(err)
	require.Equal(blob, downloaded)
}

func TestSchedulerDownloadsAfterPauseResume(t *testing.T) {
	require := require.New(t)

	mi, blob := core.MetaInfoFixture(100000, 16384)

	seeder := newSchedulerFixture(t)
	leecher := newSchedulerFixture(t)

	require.NoError(os.WriteFile(filepath.Join(seeder.dir, mi.Name()), blob, 0644))
	_, err := seeder.s.AddTorrent(mi)
	require.NoError(err)

	id, err := leecher.s.AddTorrent(mi)
	require.NoError(err)

	require.NoError(leecher.s.PauseTorrent(id))
	stats, err := leecher.s.TorrentStats(id)
	require.NoError(err)
	require.Equal("paused", stats.Status)

	// Peers fed while paused are ignored.
	leecher.s.AddPeers(mi.InfoHash(), []string{seeder.addr()})

	require.NoError(leecher.s.ResumeTorrent(id))
	leecher.s.AddPeers(mi.InfoHash(), []string{seeder.addr()})

	require.Eventually(func() bool {
		stats, err := leecher.s.TorrentStats(id)
		return err == nil && stats.HNS.Finished()
	}, 30*time.Second, 50*time.Millisecond)

	downloaded, err := os.ReadFile(filepath.Join(leecher.dir, mi.Name()))
	require.NoError(err)
	require.Equal(blob, downloaded)
}

func TestSchedulerRejectsUnknownInfoHash(t *testing.T) {
	require := require.New(t)

	f := newSchedulerFixture(t)

	nc, err := net.Dial("tcp", f.addr())
	require.NoError(err)
	defer nc.Close()

	hs := peerprotocol.NewHandshake(core.InfoHashFixture(), core.PeerIDFixture())
	_, err = nc.Write(hs.Serialize())
	require.NoError(err)

	// The session knows no such torrent and closes the connection without
	// replying.
	nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	require.Error(err)
}

func TestSchedulerTorrentLifecycle(t *testing.T) {
	require := require.New(t)

	f := newSchedulerFixture(t)
	mi, _ := core.MetaInfoFixture(50000, 16384)

	id, err := f.s.AddTorrent(mi)
	require.NoError(err)

	_, err = f.s.AddTorrent(mi)
	require.Equal(ErrTorrentAlreadyAdded, err)

	stats, err := f.s.TorrentStats(id)
	require.NoError(err)
	require.Equal("active", stats.Status)
	require.Equal(mi.InfoHash(), stats.InfoHash)
	require.Equal(int64(50000), stats.HNS.NeededBytes)

	require.Equal(ErrTorrentNotPaused, f.s.ResumeTorrent(id))

	require.NoError(f.s.PauseTorrent(id))
	require.NoError(f.s.ResumeTorrent(id))

	require.Len(f.s.ListTorrents(), 1)
	require.NoError(f.s.RemoveTorrent(id))
	_, err = f.s.TorrentStats(id)
	require.Equal(ErrTorrentNotFound, err)

	require.Equal(ErrTorrentNotFound, f.s.RemoveTorrent(id))
}

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	require.NoError(os.WriteFile(path, []byte(`
max_open_conn: 64
connect_backoff_initial: 5s
conn:
  handshake_timeout: 10s
  sender_buffer_size: 32
dispatch:
  unchoke_permits: 16
storage:
  output_dir: downloads
`), 0644))

	c, err := LoadConfig(path)
	require.NoError(err)
	require.Equal(64, c.MaxOpenConnections)
	require.Equal(5*time.Second, c.ConnectBackoffInitial)
	require.Equal(10*time.Second, c.Conn.HandshakeTimeout)
	require.Equal(32, c.Conn.SenderBufferSize)
	require.Equal(16, c.Dispatch.UnchokePermits)
	require.Equal("downloads", c.Storage.OutputDir)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)
}

func TestSchedulerUpdateOnlyFiles(t *testing.T) {
	require := require.New(t)

	f := newSchedulerFixture(t)

	// Two files split across pieces.
	mi, _ := core.MultiFileMetaInfoFixture(16384, 40000, 40000)
	id, err := f.s.AddTorrent(mi)
	require.NoError(err)

	hns, err := f.s.UpdateOnlyFiles(id, map[int]bool{0: true})
	require.NoError(err)
	require.True(hns.SelectedBytes < mi.Length())
	require.True(hns.SelectedBytes >= 40000)
}
