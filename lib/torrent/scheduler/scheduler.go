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

// Package scheduler owns the session-level state of the client: the table
// of live torrents, the global peer-connection budget, the listener routing
// inbound handshakes by info hash, and peer reconnection with exponential
// backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/conn"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch/chunktracker"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage/filestorage"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Scheduler errors.
var (
	ErrTorrentNotFound     = errors.New("torrent not found")
	ErrTorrentAlreadyAdded = errors.New("torrent already added")
	ErrTorrentNotPaused    = errors.New("torrent is not paused")
	ErrSchedulerStopped    = errors.New("scheduler has been stopped")
)

type torrentStatus int

const (
	statusActive torrentStatus = iota
	statusPaused
	statusErrored
)

func (s torrentStatus) String() string {
	switch s {
	case statusActive:
		return "active"
	case statusPaused:
		return "paused"
	case statusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// torrentEntry holds one torrent's session state.
type torrentEntry struct {
	id         int
	mi         *core.MetaInfo
	fileOps    *storage.FileOps
	dispatcher *dispatch.Dispatcher // nil unless active
	status     torrentStatus
	pausedHave *bitset.BitSet // verified set captured at pause
	fatalErr   error
}

// TorrentStats is a read-only torrent snapshot.
type TorrentStats struct {
	ID       int
	InfoHash core.InfoHash
	Name     string
	Status   string
	HNS      chunktracker.HaveNeededSelected
	NumPeers int
	Error    error
}

// Scheduler manages a set of torrents and the process-wide peer budget.
type Scheduler struct {
	config     Config
	stats      tally.Scope
	clk        clock.Clock
	peerID     core.PeerID
	handshaker *conn.Handshaker

	mu       sync.Mutex
	torrents map[core.InfoHash]*torrentEntry
	byID     map[int]core.InfoHash
	nextID   int
	backoffs map[string]*backoff.ExponentialBackOff // keyed by hash + addr

	connSem *semaphore.Weighted

	listener net.Listener

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	logger *zap.SugaredLogger
}

// New creates a Scheduler. port is the port advertised in extended
// handshakes.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	port int,
	logger *zap.SugaredLogger) (*Scheduler, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "scheduler",
	})

	s := &Scheduler{
		config:   config,
		stats:    stats,
		clk:      clk,
		peerID:   peerID,
		torrents: make(map[core.InfoHash]*torrentEntry),
		byID:     make(map[int]core.InfoHash),
		nextID:   1,
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		connSem:  semaphore.NewWeighted(int64(config.MaxOpenConnections)),
		done:     make(chan struct{}),
		logger:   logger,
	}

	handshaker, err := conn.NewHandshaker(
		config.Conn, stats, clk, peerID, port, s, logger)
	if err != nil {
		return nil, fmt.Errorf("handshaker: %s", err)
	}
	s.handshaker = handshaker

	return s, nil
}

// Start begins accepting incoming connections on lis.
func (s *Scheduler) Start(lis net.Listener) {
	s.listener = lis
	s.wg.Add(1)
	go s.listenLoop()
	s.log().Infof("Scheduler started as peer %s on %s", s.peerID, lis.Addr())
}

// Stop tears down every torrent and the listener.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, entry := range s.torrents {
			if entry.dispatcher != nil {
				entry.dispatcher.TearDown()
			}
			entry.fileOps.Store().Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.log().Info("Scheduler stopped")
	})
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// AddTorrent registers a torrent and starts downloading / seeding it.
// Verified pieces are restored from the persisted bitfield when one exists,
// otherwise from a full disk scan. Returns the torrent's session id.
func (s *Scheduler) AddTorrent(mi *core.MetaInfo) (int, error) {
	if s.stopped() {
		return 0, ErrSchedulerStopped
	}
	s.mu.Lock()
	if _, ok := s.torrents[mi.InfoHash()]; ok {
		s.mu.Unlock()
		return 0, ErrTorrentAlreadyAdded
	}
	s.mu.Unlock()

	fs, err := filestorage.New(s.config.Storage, mi)
	if err != nil {
		return 0, fmt.Errorf("storage: %s", err)
	}
	fileOps := storage.NewFileOps(mi, fs)
	if err := fileOps.Preallocate(); err != nil {
		fs.Close()
		return 0, fmt.Errorf("preallocate: %s", err)
	}

	have, err := s.restoreHave(mi, fileOps)
	if err != nil {
		fs.Close()
		return 0, err
	}

	d, err := s.newDispatcher(mi, fileOps, have)
	if err != nil {
		fs.Close()
		return 0, fmt.Errorf("dispatcher: %s", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.torrents[mi.InfoHash()]; ok {
		d.TearDown()
		fs.Close()
		return 0, ErrTorrentAlreadyAdded
	}
	id := s.nextID
	s.nextID++
	s.torrents[mi.InfoHash()] = &torrentEntry{
		id:         id,
		mi:         mi,
		fileOps:    fileOps,
		dispatcher: d,
		status:     statusActive,
	}
	s.byID[id] = mi.InfoHash()
	s.stats.Counter("torrents_added").Inc(1)
	s.log("hash", mi.InfoHash(), "name", mi.Name()).Info("Torrent added")
	return id, nil
}

// restoreHave rebuilds the verified piece set, preferring the persisted
// bitfield over a full rescan.
func (s *Scheduler) restoreHave(mi *core.MetaInfo, fileOps *storage.FileOps) (*bitset.BitSet, error) {
	bits, ok, err := fileOps.Store().LoadHaveBitfield()
	if err != nil {
		s.log("hash", mi.InfoHash()).Warnf("Error loading persisted bitfield, rescanning: %s", err)
	} else if ok {
		have, err := peerprotocol.BitfieldFromBytes(bits, mi.NumPieces())
		if err == nil {
			return have, nil
		}
		s.log("hash", mi.InfoHash()).Warnf("Persisted bitfield invalid, rescanning: %s", err)
	}
	have, err := fileOps.InitialCheck(nil)
	if err != nil {
		return nil, fmt.Errorf("initial check: %s", err)
	}
	return have, nil
}

func (s *Scheduler) newDispatcher(
	mi *core.MetaInfo, fileOps *storage.FileOps, have *bitset.BitSet) (*dispatch.Dispatcher, error) {

	return dispatch.New(
		s.config.Dispatch,
		s.stats,
		s.clk,
		s,
		s.peerID,
		mi,
		fileOps,
		have,
		s.logger)
}

func (s *Scheduler) entryByID(id int) (*torrentEntry, error) {
	h, ok := s.byID[id]
	if !ok {
		return nil, ErrTorrentNotFound
	}
	return s.torrents[h], nil
}

// RemoveTorrent deletes the torrent from the session. Downloaded content
// stays on disk.
func (s *Scheduler) RemoveTorrent(id int) error {
	s.mu.Lock()
	entry, err := s.entryByID(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.torrents, entry.mi.InfoHash())
	delete(s.byID, id)
	s.mu.Unlock()

	if entry.dispatcher != nil {
		entry.dispatcher.TearDown()
	}
	entry.fileOps.Store().Close()
	s.stats.Counter("torrents_removed").Inc(1)
	s.log("hash", entry.mi.InfoHash()).Info("Torrent removed")
	return nil
}

// PauseTorrent stops all of the torrent's peers and requeues in-flight
// pieces; verified work is flushed so ResumeTorrent picks up where the
// download left off.
func (s *Scheduler) PauseTorrent(id int) error {
	s.mu.Lock()
	entry, err := s.entryByID(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.status != statusActive {
		s.mu.Unlock()
		return nil
	}
	d := entry.dispatcher
	entry.dispatcher = nil
	entry.status = statusPaused
	s.mu.Unlock()

	entry.pausedHave = d.Pause()
	s.stats.Counter("torrents_paused").Inc(1)
	s.log("hash", entry.mi.InfoHash()).Info("Torrent paused")
	return nil
}

// ResumeTorrent restarts a paused torrent.
func (s *Scheduler) ResumeTorrent(id int) error {
	s.mu.Lock()
	entry, err := s.entryByID(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.status != statusPaused {
		s.mu.Unlock()
		return ErrTorrentNotPaused
	}
	have := entry.pausedHave
	mi, fileOps := entry.mi, entry.fileOps
	s.mu.Unlock()

	if have == nil {
		have = bitset.New(uint(mi.NumPieces()))
	}
	d, err := s.newDispatcher(mi, fileOps, have)
	if err != nil {
		return fmt.Errorf("dispatcher: %s", err)
	}

	s.mu.Lock()
	entry.dispatcher = d
	entry.status = statusActive
	entry.pausedHave = nil
	s.mu.Unlock()
	s.stats.Counter("torrents_resumed").Inc(1)
	s.log("hash", mi.InfoHash()).Info("Torrent resumed")
	return nil
}

// UpdateOnlyFiles restricts the download to the given file ids.
func (s *Scheduler) UpdateOnlyFiles(id int, selectedFiles map[int]bool) (chunktracker.HaveNeededSelected, error) {
	s.mu.Lock()
	entry, err := s.entryByID(id)
	if err != nil || entry.dispatcher == nil {
		s.mu.Unlock()
		if err == nil {
			err = ErrTorrentNotFound
		}
		return chunktracker.HaveNeededSelected{}, err
	}
	d := entry.dispatcher
	s.mu.Unlock()
	return d.UpdateOnlyFiles(selectedFiles), nil
}

// AddPeers feeds candidate peer addresses for the torrent into the
// connection pipeline, deduplicated by address.
func (s *Scheduler) AddPeers(h core.InfoHash, addrs []string) {
	s.mu.Lock()
	entry, ok := s.torrents[h]
	var d *dispatch.Dispatcher
	if ok {
		d = entry.dispatcher
	}
	s.mu.Unlock()
	if d == nil {
		return
	}
	for _, addr := range addrs {
		if d.MarkAddrSeen(addr) {
			go s.connectPeer(h, addr)
		}
	}
}

// TorrentStats returns a snapshot of the torrent.
func (s *Scheduler) TorrentStats(id int) (TorrentStats, error) {
	s.mu.Lock()
	entry, err := s.entryByID(id)
	if err != nil {
		s.mu.Unlock()
		return TorrentStats{}, err
	}
	d := entry.dispatcher
	stats := TorrentStats{
		ID:       entry.id,
		InfoHash: entry.mi.InfoHash(),
		Name:     entry.mi.Name(),
		Status:   entry.status.String(),
		Error:    entry.fatalErr,
	}
	s.mu.Unlock()

	if d != nil {
		stats.HNS = d.HNS()
		stats.NumPeers = d.NumPeers()
	}
	return stats, nil
}

// ListTorrents returns snapshots of every torrent in the session.
func (s *Scheduler) ListTorrents() []TorrentStats {
	s.mu.Lock()
	ids := make([]int, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var all []TorrentStats
	for _, id := range ids {
		if stats, err := s.TorrentStats(id); err == nil {
			all = append(all, stats)
		}
	}
	return all
}

// connectPeer opens an outgoing connection subject to the global peer
// budget.
func (s *Scheduler) connectPeer(h core.InfoHash, addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := s.connSem.Acquire(ctx, 1)
	cancel()
	if err != nil {
		return
	}

	s.mu.Lock()
	entry, ok := s.torrents[h]
	var d *dispatch.Dispatcher
	if ok {
		d = entry.dispatcher
	}
	s.mu.Unlock()
	if d == nil || s.stopped() {
		s.connSem.Release(1)
		return
	}

	c, err := s.handshaker.Initialize(addr, d)
	if err != nil {
		s.connSem.Release(1)
		s.log("hash", h, "addr", addr).Debugf("Error connecting to peer: %s", err)
		s.stats.Counter("connect_failures").Inc(1)
		s.scheduleReconnect(h, addr)
		return
	}
	// The permit is held until ConnClosed fires for this conn.
	s.resetBackoff(h, addr)
	c.Start()
	if err := d.AddPeer(c); err != nil {
		s.log("hash", h, "addr", addr).Debugf("Error adding peer: %s", err)
		c.Close()
	}
}

func (s *Scheduler) listenLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.stopped() {
				return
			}
			s.log().Warnf("Error accepting connection: %s", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleIncoming(nc)
		}()
	}
}

// handleIncoming admits a remote-opened connection: read its handshake,
// match the info hash against the torrent table, and enforce the global
// peer budget.
func (s *Scheduler) handleIncoming(nc net.Conn) {
	pc, err := s.handshaker.Accept(nc)
	if err != nil {
		s.log().Debugf("Error reading incoming handshake: %s", err)
		nc.Close()
		return
	}

	s.mu.Lock()
	entry, ok := s.torrents[pc.InfoHash()]
	var d *dispatch.Dispatcher
	if ok {
		d = entry.dispatcher
	}
	s.mu.Unlock()
	if d == nil {
		s.log("addr", pc.RemoteAddr()).Debugf(
			"Rejecting incoming connection for unknown torrent %s", pc.InfoHash())
		s.stats.Counter("unknown_infohash_rejections").Inc(1)
		pc.Close()
		return
	}

	if !s.connSem.TryAcquire(1) {
		s.stats.Counter("incoming_connections_rejected").Inc(1)
		pc.Close()
		return
	}

	c, err := s.handshaker.Establish(pc, d)
	if err != nil {
		s.connSem.Release(1)
		s.log("addr", pc.RemoteAddr()).Debugf("Error establishing incoming connection: %s", err)
		pc.Close()
		return
	}
	c.Start()
	if err := d.AddPeer(c); err != nil {
		s.log("addr", pc.RemoteAddr()).Debugf("Error adding incoming peer: %s", err)
		c.Close()
	}
}

// ConnClosed implements conn.Events: every closed connection returns its
// permit to the global budget.
func (s *Scheduler) ConnClosed(c *conn.Conn) {
	s.connSem.Release(1)
}

// DispatcherComplete implements dispatch.Events.
func (s *Scheduler) DispatcherComplete(d *dispatch.Dispatcher) {
	s.stats.Counter("dispatcher_complete").Inc(1)
	s.log("hash", d.InfoHash()).Info("Torrent finished")
}

// PeerRemoved implements dispatch.Events. Outgoing peers are retried with
// exponential backoff; incoming peers are never redialed.
func (s *Scheduler) PeerRemoved(addr string, h core.InfoHash, openedByRemote bool) {
	if openedByRemote || s.stopped() {
		return
	}
	s.mu.Lock()
	entry, ok := s.torrents[h]
	var d *dispatch.Dispatcher
	if ok && entry.status == statusActive {
		d = entry.dispatcher
	}
	s.mu.Unlock()
	if d == nil || d.Complete() {
		return
	}
	s.scheduleReconnect(h, addr)
}

// PeersDiscovered implements dispatch.Events.
func (s *Scheduler) PeersDiscovered(h core.InfoHash, addrs []string) {
	for _, addr := range addrs {
		go s.connectPeer(h, addr)
	}
}

// TorrentFatal implements dispatch.Events: the torrent transitions to an
// error state visible via stats and accepts no further peers.
func (s *Scheduler) TorrentFatal(h core.InfoHash, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.torrents[h]
	if !ok {
		return
	}
	entry.status = statusErrored
	entry.fatalErr = err
	entry.dispatcher = nil
	s.stats.Counter("torrent_fatal").Inc(1)
}

func (s *Scheduler) backoffKey(h core.InfoHash, addr string) string {
	return h.Hex() + "/" + addr
}

func (s *Scheduler) resetBackoff(h core.InfoHash, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, s.backoffKey(h, addr))
}

// scheduleReconnect redials a dead outgoing peer after an exponentially
// growing delay, dropping it permanently once the cumulative retry window
// is exhausted.
func (s *Scheduler) scheduleReconnect(h core.InfoHash, addr string) {
	key := s.backoffKey(h, addr)

	s.mu.Lock()
	b, ok := s.backoffs[key]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.config.ConnectBackoffInitial
		b.Multiplier = s.config.ConnectBackoffMultiplier
		b.MaxInterval = s.config.ConnectBackoffMax
		b.MaxElapsedTime = s.config.ConnectBackoffMaxElapsed
		b.Clock = s.clk
		b.Reset()
		s.backoffs[key] = b
	}
	delay := b.NextBackOff()
	s.mu.Unlock()

	if delay == backoff.Stop {
		s.resetBackoff(h, addr)
		s.log("hash", h, "addr", addr).Debug("Reconnect backoff exhausted, dropping peer")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := s.clk.Timer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.connectPeer(h, addr)
		case <-s.done:
		}
	}()
}

func (s *Scheduler) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	return s.logger.With(keysAndValues...)
}
