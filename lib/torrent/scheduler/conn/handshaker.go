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
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// ErrHandshakeMismatch occurs when the remote handshake does not carry the
// expected info hash.
var ErrHandshakeMismatch = errors.New("handshake info hash mismatch")

// TorrentAccess exposes the torrent state a Handshaker needs to establish
// connections: the local bitfield for the post-handshake bitfield message
// and the chunk reader for uploads.
type TorrentAccess interface {
	ChunkReader
	InfoHash() core.InfoHash
	NumPieces() int
	BitfieldBytes() []byte
	MetadataSize() int64
}

// PendingConn represents a half-open connection initialized by a remote
// peer: its handshake has been read but not yet answered.
type PendingConn struct {
	handshake *peerprotocol.Handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.PeerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to
// open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.InfoHash
}

// RemoteAddr returns the remote socket address.
func (pc *PendingConn) RemoteAddr() string {
	return pc.nc.RemoteAddr().String()
}

// Close closes the connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// Handshaker upgrades raw network connections into established Conns by
// running the fixed 68 byte handshake exchange.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	port      int
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	port int,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:    config,
		stats:     stats,
		clk:       clk,
		bandwidth: bl,
		peerID:    peerID,
		port:      port,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept reads the remote handshake off a connection opened by a remote
// peer. The caller matches the info hash against its torrent table before
// calling Establish.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	hs, err := h.readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{hs, nc}, nil
}

// Establish answers a PendingConn's handshake and upgrades it into a fully
// established Conn.
func (h *Handshaker) Establish(pc *PendingConn, t TorrentAccess) (*Conn, error) {
	if pc.handshake.InfoHash != t.InfoHash() {
		return nil, ErrHandshakeMismatch
	}
	if err := h.sendHandshake(pc.nc, t.InfoHash()); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	c, err := h.newConn(pc.nc, pc.handshake, t, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	if err := h.sendPostHandshake(c, t); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Initialize dials addr and runs the outgoing handshake sequence: send
// ours, read theirs, verify the info hash. Returns an established Conn.
func (h *Handshaker) Initialize(addr string, t TorrentAccess) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.fullHandshake(nc, t)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) sendHandshake(nc net.Conn, infoHash core.InfoHash) error {
	hs := peerprotocol.NewHandshake(infoHash, h.peerID)
	if err := nc.SetWriteDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	if _, err := nc.Write(hs.Serialize()); err != nil {
		return fmt.Errorf("write: %s", err)
	}
	return nil
}

func (h *Handshaker) readHandshake(nc net.Conn) (*peerprotocol.Handshake, error) {
	// NOTE: We do not use the clock interface here because the net package
	// uses the system clock when evaluating deadlines.
	if err := nc.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	raw := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(nc, raw); err != nil {
		return nil, fmt.Errorf("read: %s", err)
	}
	hs, err := peerprotocol.ParseHandshake(raw)
	if err != nil {
		return nil, err
	}
	return hs, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, t TorrentAccess) (*Conn, error) {
	if err := h.sendHandshake(nc, t.InfoHash()); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	hs, err := h.readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if hs.InfoHash != t.InfoHash() {
		return nil, ErrHandshakeMismatch
	}
	c, err := h.newConn(nc, hs, t, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	if err := h.sendPostHandshake(c, t); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// sendPostHandshake queues the extended handshake (when both sides support
// LTEP) and the initial bitfield (when any piece is verified).
func (h *Handshaker) sendPostHandshake(c *Conn, t TorrentAccess) error {
	if c.PeerSupportsExtended() {
		msg, err := peerprotocol.NewExtendedHandshake(h.port, t.MetadataSize()).Message()
		if err != nil {
			return fmt.Errorf("extended handshake: %s", err)
		}
		if err := c.Send(MessageRequest{msg}); err != nil {
			return fmt.Errorf("send extended handshake: %s", err)
		}
	}
	bits := t.BitfieldBytes()
	for _, b := range bits {
		if b != 0 {
			if err := c.Send(MessageRequest{peerprotocol.Bitfield{Bits: bits}}); err != nil {
				return fmt.Errorf("send bitfield: %s", err)
			}
			break
		}
	}
	return nil
}

func (h *Handshaker) newConn(
	nc net.Conn,
	remoteHandshake *peerprotocol.Handshake,
	t TorrentAccess,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		t,
		nc,
		h.peerID,
		remoteHandshake,
		openedByRemote,
		h.logger)
}
