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

// Package dispatch ties one torrent's live state together: the peer table,
// per-peer message handling and chunk requesting, the piece and chunk
// trackers, per-piece write locks, have broadcasts and finish detection.
// Dispatcher and torrent have a one-to-one relationship, Dispatcher and
// peer a one-to-many relationship.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/conn"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch/chunktracker"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch/piecetracker"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage"
	"github.com/lodeswarm/lodeswarm/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var (
	errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")
	errPieceOutOfBounds      = errors.New("piece index out of bounds")
	errChunkNotRequested     = errors.New("chunk was not requested")
	errUploadDisabled        = errors.New("upload is disabled")
	errPieceNotVerified      = errors.New("piece is not verified")
	errDispatcherTornDown    = errors.New("dispatcher is torn down")
)

// Events defines Dispatcher events.
type Events interface {
	// DispatcherComplete fires once when every selected piece verifies.
	DispatcherComplete(*Dispatcher)

	// PeerRemoved fires when a peer's tasks have fully exited.
	PeerRemoved(addr string, h core.InfoHash, openedByRemote bool)

	// PeersDiscovered fires with addresses learned from peer exchange.
	PeersDiscovered(h core.InfoHash, addrs []string)

	// TorrentFatal fires when a storage write fails unrecoverably. No
	// further peers are accepted.
	TorrentFatal(h core.InfoHash, err error)
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers.
type Dispatcher struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	mi          *core.MetaInfo
	fileOps     *storage.FileOps

	// mu guards pieces. Never held across a suspension point.
	mu     sync.Mutex
	pieces *piecetracker.Tracker

	perPieceLocks []sync.RWMutex

	peers           syncmap.Map // addr (string) -> *peer
	numPeersByPiece syncutil.Counters

	// knownAddrs dedups peer-exchange discoveries.
	knownAddrs syncmap.Map // addr (string) -> bool

	newPiecesMu     sync.Mutex
	newPiecesNotify chan struct{}

	unflushedBytes *atomic.Int64

	fatalOnce sync.Once
	fatal     *atomic.Bool

	completeOnce sync.Once
	tornDown     *atomic.Bool

	events Events
	logger *zap.SugaredLogger
}

// New creates a Dispatcher for one torrent. have holds the pieces already
// verified on disk.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	localPeerID core.PeerID,
	mi *core.MetaInfo,
	fileOps *storage.FileOps,
	have *bitset.BitSet,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	numPieces := mi.NumPieces()
	selected := bitset.New(uint(numPieces)).Complement()
	chunks, err := chunktracker.New(mi.Lengths(), mi.FileInfos(), have, selected)
	if err != nil {
		return nil, fmt.Errorf("chunk tracker: %s", err)
	}

	d := &Dispatcher{
		config:          config,
		stats:           stats,
		clk:             clk,
		createdAt:       clk.Now(),
		localPeerID:     localPeerID,
		mi:              mi,
		fileOps:         fileOps,
		pieces:          piecetracker.New(chunks, clk),
		perPieceLocks:   make([]sync.RWMutex, numPieces),
		numPeersByPiece: syncutil.NewCounters(numPieces),
		newPiecesNotify: make(chan struct{}),
		unflushedBytes:  atomic.NewInt64(0),
		fatal:           atomic.NewBool(false),
		tornDown:        atomic.NewBool(false),
		events:          events,
		logger:          logger,
	}

	if d.Complete() {
		d.complete()
	}

	return d, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.mi.InfoHash()
}

// Name returns d's torrent name.
func (d *Dispatcher) Name() string {
	return d.mi.Name()
}

// NumPieces returns the torrent's piece count.
func (d *Dispatcher) NumPieces() int {
	return d.mi.NumPieces()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.mi.Length()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// Complete returns true if every selected piece is verified.
func (d *Dispatcher) Complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pieces.Chunks().Finished()
}

// HNS returns the torrent's byte counters.
func (d *Dispatcher) HNS() chunktracker.HaveNeededSelected {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pieces.Chunks().HNS()
}

// BitfieldBytes returns the wire form of the verified piece set.
func (d *Dispatcher) BitfieldBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return peerprotocol.BitfieldBytes(d.pieces.Chunks().HavePieces(), d.mi.NumPieces())
}

// MetadataSize returns the byte length of the torrent's raw info dict.
func (d *Dispatcher) MetadataSize() int64 {
	return int64(len(d.mi.RawInfoBytes()))
}

// ReadChunk serves a verified chunk from storage. Implements the conn
// upload path.
func (d *Dispatcher) ReadChunk(c core.ChunkInfo, out []byte) error {
	d.mu.Lock()
	ready := d.pieces.Chunks().IsChunkReadyToUpload(c)
	d.mu.Unlock()
	if !ready {
		return errPieceNotVerified
	}
	return d.fileOps.ReadChunk(c, out)
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// NumPeers returns the size of the peer table.
func (d *Dispatcher) NumPeers() int {
	var n int
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// MarkAddrSeen records addr, returning false if it was already known.
// Used to dedup the peer queue.
func (d *Dispatcher) MarkAddrSeen(addr string) bool {
	_, seen := d.knownAddrs.LoadOrStore(addr, true)
	return !seen
}

// AddPeer registers an established connection with the Dispatcher and
// starts its message and request loops.
func (d *Dispatcher) AddPeer(c *conn.Conn) error {
	if d.tornDown.Load() || d.fatal.Load() {
		return errDispatcherTornDown
	}
	p, err := d.addPeer(c.RemoteAddr(), c.PeerID(), c, c.OpenedByRemote())
	if err != nil {
		return err
	}
	go d.feed(p)
	go d.requestLoop(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from
// AddPeer with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	addr string, id core.PeerID, messages Messages, openedByRemote bool) (*peer, error) {

	d.knownAddrs.LoadOrStore(addr, true)
	p := newPeer(addr, id, d.mi.NumPieces(), messages, d.clk, openedByRemote)
	if _, ok := d.peers.LoadOrStore(addr, p); ok {
		return nil, errPeerAlreadyDispatched
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) {
	d.peers.Delete(p.addr)
	p.close()

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Decrement(int(i))
	}

	// Release everything the peer had reserved so other peers can pick the
	// pieces up.
	p.clearInflight()
	d.mu.Lock()
	released := d.pieces.ReleasePiecesOwnedBy(piecetracker.PeerHandle(p.addr))
	d.mu.Unlock()
	if released > 0 {
		d.notifyNewPieces()
	}
}

// TearDown closes every peer connection and stops accepting new ones.
func (d *Dispatcher) TearDown() {
	d.tornDown.Store(true)
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Debug("Dispatcher teardown closing connection")
		p.close()
		return true
	})
}

// Pause tears the Dispatcher down and requeues all in-flight pieces,
// returning the verified piece set for resumption. The Dispatcher must not
// be used afterwards.
func (d *Dispatcher) Pause() *bitset.BitSet {
	d.TearDown()
	d.mu.Lock()
	defer d.mu.Unlock()
	chunks := d.pieces.IntoChunks()
	d.flushHaveLocked(chunks)
	return chunks.HavePieces()
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.mi)
}

// UpdateOnlyFiles changes the user's file selection, returning the new
// byte counters. Request loops are woken to pick up newly selected pieces.
func (d *Dispatcher) UpdateOnlyFiles(selectedFiles map[int]bool) chunktracker.HaveNeededSelected {
	d.mu.Lock()
	hns := d.pieces.Chunks().UpdateOnlyFiles(selectedFiles)
	d.mu.Unlock()
	d.notifyNewPieces()
	if hns.Finished() {
		d.complete()
	}
	return hns
}

// PeerStats returns snapshots of all live peers' counters.
func (d *Dispatcher) PeerStats() []PeerStats {
	var stats []PeerStats
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		s := p.pstats.snapshot()
		s.Addr = p.addr
		s.PeerID = p.id
		stats = append(stats, s)
		return true
	})
	return stats
}

func (d *Dispatcher) notifyNewPieces() {
	d.newPiecesMu.Lock()
	close(d.newPiecesNotify)
	d.newPiecesNotify = make(chan struct{})
	d.newPiecesMu.Unlock()
}

func (d *Dispatcher) newPiecesChan() <-chan struct{} {
	d.newPiecesMu.Lock()
	defer d.newPiecesMu.Unlock()
	return d.newPiecesNotify
}

func (d *Dispatcher) torrentFatal(err error) {
	d.fatalOnce.Do(func() {
		d.fatal.Store(true)
		d.log().Errorf("Fatal torrent error: %s", err)
		d.stats.Counter("torrent_fatal_errors").Inc(1)
		go d.events.TorrentFatal(d.mi.InfoHash(), err)
		d.TearDown()
	})
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			// Close connections to other completed peers since those
			// connections are now useless.
			d.log("peer", p).Debug("Closing connection to completed peer")
			p.close()
		}
		return true
	})
}

// feed reads off of peer and handles incoming messages. When the peer's
// receiver closes, the feed goroutine removes the peer from the Dispatcher
// and exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log("peer", p).Infof("Error dispatching message %s: %s", msg, err)
			break
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.addr, d.mi.InfoHash(), p.openedByRemote)
}

func (d *Dispatcher) dispatch(p *peer, msg peerprotocol.Message) error {
	switch m := msg.(type) {
	case peerprotocol.KeepAlive:
		return nil
	case peerprotocol.Choke:
		p.setIAmChoked(true)
		return nil
	case peerprotocol.Unchoke:
		p.setIAmChoked(false)
		p.addPermits(d.config.UnchokePermits)
		return nil
	case peerprotocol.Interested:
		p.setPeerInterested(true)
		if !d.config.DisableUpload && p.getPeerChoked() {
			p.setPeerChoked(false)
			return p.messages.Send(conn.MessageRequest{Msg: peerprotocol.Unchoke{}})
		}
		return nil
	case peerprotocol.NotInterested:
		p.setPeerInterested(false)
		return nil
	case peerprotocol.Have:
		return d.handleHave(p, m)
	case peerprotocol.Bitfield:
		return d.handleBitfield(p, m)
	case peerprotocol.Request:
		return d.handleRequest(p, m)
	case peerprotocol.Cancel:
		// Accepted but not acted on: chunks already queued to the writer
		// may still be sent.
		return nil
	case peerprotocol.Piece:
		return d.handlePiece(p, m)
	case peerprotocol.Extended:
		return d.handleExtended(p, m)
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
}

func (d *Dispatcher) handleHave(p *peer, m peerprotocol.Have) error {
	i := int(m.Index)
	if i >= d.mi.NumPieces() {
		return errPieceOutOfBounds
	}
	if !p.bitfield.Has(uint(i)) {
		p.bitfield.Set(uint(i), true)
		d.numPeersByPiece.Increment(i)
	}
	signal(p.availabilityNotify)
	return nil
}

func (d *Dispatcher) handleBitfield(p *peer, m peerprotocol.Bitfield) error {
	if !p.markBitfieldReceived() {
		return errors.New("received repeated bitfield message")
	}
	b, err := peerprotocol.BitfieldFromBytes(m.Bits, d.mi.NumPieces())
	if err != nil {
		return err
	}
	old := p.bitfield.Replace(b)
	for i, ok := old.NextSet(0); ok; i, ok = old.NextSet(i + 1) {
		d.numPeersByPiece.Decrement(int(i))
	}
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		d.numPeersByPiece.Increment(int(i))
	}
	signal(p.availabilityNotify)
	return nil
}

func (d *Dispatcher) handleRequest(p *peer, m peerprotocol.Request) error {
	if d.config.DisableUpload {
		return errUploadDisabled
	}
	p.pstats.addRequestReceived()
	c, err := d.mi.Lengths().ChunkInfoFromReceivedData(int(m.Index), m.Begin, m.Length)
	if err != nil {
		return fmt.Errorf("bad request geometry: %s", err)
	}
	d.mu.Lock()
	ready := d.pieces.Chunks().IsChunkReadyToUpload(c)
	d.mu.Unlock()
	if !ready {
		return errPieceNotVerified
	}
	if err := p.messages.Send(conn.ReadChunkRequest{Chunk: c}); err != nil {
		return fmt.Errorf("send read chunk request: %s", err)
	}
	p.pstats.addChunkSent(int64(c.Size))
	d.stats.Counter("chunks_uploaded").Inc(1)
	return nil
}

func (d *Dispatcher) handlePiece(p *peer, m peerprotocol.Piece) error {
	c, err := d.mi.Lengths().ChunkInfoFromReceivedData(int(m.Index), m.Begin, uint32(len(m.Block)))
	if err != nil {
		return fmt.Errorf("bad piece geometry: %s", err)
	}
	if !p.takeInflight(c) {
		return errChunkNotRequested
	}
	p.addPermits(1)
	p.pstats.addChunkReceived(int64(len(m.Block)))
	d.stats.Counter("chunks_downloaded").Inc(1)

	piece := c.Piece
	handle := piecetracker.PeerHandle(p.addr)

	// The per-piece lock is held as read while the chunk is written so
	// concurrent writers of the same piece proceed, but a steal (which
	// briefly takes the write lock) never races a write landing in a
	// discarded piece.
	d.perPieceLocks[piece].RLock()

	d.mu.Lock()
	owner, inflight := d.pieces.Owner(piece)
	d.mu.Unlock()
	if !inflight || owner != handle {
		// The piece was stolen from us or already resolved; drop the chunk
		// silently.
		d.perPieceLocks[piece].RUnlock()
		d.stats.Counter("chunks_discarded").Inc(1)
		return nil
	}

	if err := d.fileOps.WriteChunk(c, m.Block); err != nil {
		d.perPieceLocks[piece].RUnlock()
		d.torrentFatal(fmt.Errorf("write chunk: %s", err))
		return fmt.Errorf("write chunk: %s", err)
	}

	d.mu.Lock()
	_, result, err := d.pieces.Chunks().MarkChunkDownloaded(piece, c.OffsetInPiece, c.Size)
	d.mu.Unlock()
	if err != nil {
		d.perPieceLocks[piece].RUnlock()
		return fmt.Errorf("mark chunk downloaded: %s", err)
	}
	if result != chunktracker.Completed {
		d.perPieceLocks[piece].RUnlock()
		return nil
	}

	// All writes of this piece are observed: take it out of flight before
	// releasing the lock, then verify.
	d.mu.Lock()
	elapsed, _ := d.pieces.TakeInflight(piece)
	d.mu.Unlock()
	d.perPieceLocks[piece].RUnlock()

	return d.verifyPiece(p, piece, elapsed)
}

func (d *Dispatcher) verifyPiece(p *peer, piece int, elapsed time.Duration) error {
	ok, err := d.fileOps.CheckPiece(piece)
	if err != nil {
		d.torrentFatal(fmt.Errorf("check piece %d: %s", piece, err))
		return fmt.Errorf("check piece: %s", err)
	}
	if !ok {
		d.mu.Lock()
		d.pieces.MarkPieceHashFailed(piece)
		d.mu.Unlock()
		p.pstats.addHashFailure()
		d.stats.Counter("piece_hash_failures").Inc(1)
		d.notifyNewPieces()
		// The peer which delivered the closing chunk is probably feeding us
		// garbage.
		return fmt.Errorf("piece %d failed hash check", piece)
	}

	p.pstats.addPieceCompleted(elapsed)

	d.mu.Lock()
	d.pieces.MarkPieceHashOK(piece)
	for fileID, fi := range d.mi.FileInfos() {
		if piece >= fi.PieceStart && piece < fi.PieceEnd {
			d.pieces.Chunks().UpdateFileHaveOnPieceCompleted(piece, fileID)
		}
	}
	finished := d.pieces.Chunks().Finished()
	d.mu.Unlock()

	if err := d.fileOps.Store().FlushPiece(piece); err != nil {
		d.log().Errorf("Error flushing piece %d: %s", piece, err)
	}
	if err := d.fileOps.Store().OnPieceCompleted(piece); err != nil {
		d.log().Errorf("Error running piece completion hook %d: %s", piece, err)
	}

	d.stats.Counter("pieces_verified").Inc(1)
	d.maybeFlushHave(d.mi.PieceLength(piece))
	d.broadcastHave(piece)
	if finished {
		d.log().Info("Torrent complete")
		d.stats.Counter("torrents_completed").Inc(1)
		d.complete()
	}
	return nil
}

// maybeFlushHave persists the verified bitfield once enough new verified
// bytes accumulate.
func (d *Dispatcher) maybeFlushHave(pieceLength int64) {
	if uint64(d.unflushedBytes.Add(pieceLength)) < d.config.FlushHaveEvery {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushHaveLocked(d.pieces.Chunks())
}

func (d *Dispatcher) flushHaveLocked(chunks *chunktracker.Tracker) {
	bits := peerprotocol.BitfieldBytes(chunks.HavePieces(), d.mi.NumPieces())
	if err := d.fileOps.Store().SaveHaveBitfield(bits); err != nil {
		d.log().Errorf("Error flushing have bitfield: %s", err)
		return
	}
	d.unflushedBytes.Store(0)
}

// broadcastHave announces a verified piece to every live peer which does
// not already have it.
func (d *Dispatcher) broadcastHave(piece int) {
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Has(uint(piece)) {
			return true
		}
		if err := p.messages.Send(conn.MessageRequest{Msg: peerprotocol.Have{Index: uint32(piece)}}); err != nil {
			d.log("peer", p).Debugf("Error broadcasting have: %s", err)
		}
		return true
	})
}

func (d *Dispatcher) handleExtended(p *peer, m peerprotocol.Extended) error {
	switch m.ID {
	case peerprotocol.ExtendedHandshakeID:
		hs, err := peerprotocol.ParseExtendedHandshake(m.Payload)
		if err != nil {
			return fmt.Errorf("parse extended handshake: %s", err)
		}
		ids := make(map[string]uint8)
		for _, name := range []string{peerprotocol.ExtensionMetadata, peerprotocol.ExtensionPex} {
			if id, ok := hs.MessageID(name); ok {
				ids[name] = id
			}
		}
		p.setExtendedIDs(ids)
		return nil
	case peerprotocol.LocalMetadataID:
		return d.handleMetadata(p, m.Payload)
	case peerprotocol.LocalPexID:
		return d.handlePex(p, m.Payload)
	default:
		// Unknown extended messages are ignored, not fatal.
		return nil
	}
}

// handleMetadata serves ut_metadata requests from the torrent's raw info
// bytes. Data and reject messages are ignored: metadata is already known.
func (d *Dispatcher) handleMetadata(p *peer, payload []byte) error {
	msg, _, err := peerprotocol.ParseMetadata(payload)
	if err != nil {
		return fmt.Errorf("parse metadata message: %s", err)
	}
	if msg.Type != peerprotocol.MetadataRequest {
		return nil
	}
	remoteID, ok := p.extendedID(peerprotocol.ExtensionMetadata)
	if !ok {
		return nil
	}
	info := d.mi.RawInfoBytes()
	size := int64(len(info))
	start, end, err := peerprotocol.MetadataPieceBounds(size, int(msg.Piece))
	if err != nil {
		reject, serr := peerprotocol.MetadataMsg(remoteID, peerprotocol.MetadataMessage{
			Type:  peerprotocol.MetadataReject,
			Piece: msg.Piece,
		}, nil)
		if serr != nil {
			return serr
		}
		return p.messages.Send(conn.MessageRequest{Msg: reject})
	}
	data, err := peerprotocol.MetadataMsg(remoteID, peerprotocol.MetadataMessage{
		Type:      peerprotocol.MetadataData,
		Piece:     msg.Piece,
		TotalSize: size,
	}, info[start:end])
	if err != nil {
		return err
	}
	return p.messages.Send(conn.MessageRequest{Msg: data})
}

// handlePex feeds peer-exchange discoveries to the session, deduplicated
// by address.
func (d *Dispatcher) handlePex(p *peer, payload []byte) error {
	msg, err := peerprotocol.ParsePex(payload)
	if err != nil {
		return fmt.Errorf("parse pex message: %s", err)
	}
	addrs, err := peerprotocol.ParseCompactPeers(msg.Added)
	if err != nil {
		return fmt.Errorf("parse pex peers: %s", err)
	}
	var fresh []string
	for _, a := range addrs {
		addr := a.String()
		if _, seen := d.knownAddrs.LoadOrStore(addr, true); !seen {
			fresh = append(fresh, addr)
		}
	}
	if len(fresh) > 0 {
		go d.events.PeersDiscovered(d.mi.InfoHash(), fresh)
	}
	return nil
}

// requestLoop drives chunk requests for one peer: wait for availability
// and an unchoke, acquire a piece (stealing from slow peers when
// justified), then pipeline its chunk requests under the permit pool.
func (d *Dispatcher) requestLoop(p *peer) {
	// Any exit means the peer is dead or unwanted; closing the connection
	// also terminates the feed loop.
	defer p.close()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if !d.manageInterest(p) {
			return
		}

		if p.getIAmChoked() {
			// Woken by an unchoke, or by new availability which may change
			// our interest (and so earn an unchoke).
			select {
			case <-p.unchokeNotify:
			case <-p.availabilityNotify:
			case <-p.done:
				return
			}
			continue
		}

		r := d.acquirePiece(p)
		if r.Outcome == piecetracker.NoneAvailable {
			timer := d.clk.Timer(d.config.NoPieceSleep)
			select {
			case <-d.newPiecesChan():
			case <-p.availabilityNotify:
			case <-timer.C:
			case <-p.done:
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}
		if r.Outcome == piecetracker.Stolen {
			d.stats.Counter("pieces_stolen").Inc(1)
			d.log("peer", p).Debugf("Stole piece %d from %s", r.Piece, r.FromPeer)
		}

		if !d.requestPieceChunks(p, r.Piece) {
			return
		}
	}
}

// manageInterest keeps the interested flag in sync with availability.
// Returns false if the peer should disconnect: the torrent is finished and
// the peer wants nothing from us.
func (d *Dispatcher) manageInterest(p *peer) bool {
	d.mu.Lock()
	have := d.pieces.Chunks().HavePieces()
	selected := d.pieces.Chunks().SelectedPieces()
	finished := d.pieces.Chunks().Finished()
	d.mu.Unlock()

	if finished && !p.getPeerInterested() &&
		d.clk.Now().Sub(p.createdAt) > d.config.NotInterestedGrace {
		d.log("peer", p).Debug("Torrent finished and peer not interested, disconnecting")
		p.close()
		return false
	}

	needed := selected.Difference(have)
	interested := p.bitfield.Intersects(needed)
	if p.setIAmInterested(interested) {
		var msg peerprotocol.Message = peerprotocol.NotInterested{}
		if interested {
			msg = peerprotocol.Interested{}
		}
		if err := p.messages.Send(conn.MessageRequest{Msg: msg}); err != nil {
			return false
		}
	}
	return true
}

func (d *Dispatcher) acquirePiece(p *peer) piecetracker.AcquireResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pieces.AcquirePiece(piecetracker.AcquireRequest{
		Peer:             piecetracker.PeerHandle(p.addr),
		PeerAvgPieceTime: p.pstats.avgPieceTime(),
		PieceAvailability: func(i int) int {
			return d.numPeersByPiece.Get(i)
		},
		PeerHasPiece: func(i int) bool {
			return p.bitfield.Has(uint(i))
		},
		CanSteal: func(i int) bool {
			// A steal must prove no writer holds the piece; failing to take
			// the write lock without waiting fails the steal.
			if !d.perPieceLocks[i].TryLock() {
				return false
			}
			d.perPieceLocks[i].Unlock()
			return true
		},
	})
}

// requestPieceChunks issues requests for every chunk of the piece, bounded
// by the permit pool. Returns false if the peer died.
func (d *Dispatcher) requestPieceChunks(p *peer, piece int) bool {
	for _, c := range d.mi.Lengths().ChunkInfos(piece) {
		p.addInflight(c)
		if !p.acquirePermit() {
			return false
		}
		req := peerprotocol.Request{
			Index:  uint32(c.Piece),
			Begin:  c.OffsetInPiece,
			Length: c.Size,
		}
		if err := p.messages.Send(conn.MessageRequest{Msg: req}); err != nil {
			d.log("peer", p).Debugf("Error sending request, peer dead: %s", err)
			return false
		}
	}
	return true
}

func (d *Dispatcher) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "hash", d.mi.InfoHash())
	return d.logger.With(keysAndValues...)
}
