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

// Package conn manages the byte-level I/O of a single peer connection: the
// framed message reader over a circular buffer, the writer goroutine
// draining a bounded request channel, keepalives, and per-operation
// timeouts.
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrConnClosed occurs when sending on a closed connection.
var ErrConnClosed = errors.New("conn closed")

// ErrSendBufferFull occurs when the sender channel cannot accept another
// request.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrPeerDisconnected occurs when the remote side closes the connection.
var ErrPeerDisconnected = errors.New("peer disconnected")

// Events defines Conn events.
type Events interface {
	ConnClosed(*Conn)
}

// ChunkReader reads verified chunks from storage. The writer performs the
// disk read itself so the upload path serializes straight into the send
// buffer.
type ChunkReader interface {
	ReadChunk(c core.ChunkInfo, out []byte) error
}

// WriterRequest is a unit of work for the writer goroutine.
type WriterRequest interface {
	isWriterRequest()
}

// MessageRequest sends an already-built message.
type MessageRequest struct {
	Msg peerprotocol.Message
}

// ReadChunkRequest reads the chunk from storage and sends it as a piece
// message.
type ReadChunkRequest struct {
	Chunk core.ChunkInfo
}

// DisconnectRequest cleanly terminates the connection after draining
// earlier requests.
type DisconnectRequest struct {
	Err error
}

func (MessageRequest) isWriterRequest()    {}
func (ReadChunkRequest) isWriterRequest()  {}
func (DisconnectRequest) isWriterRequest() {}

// Conn manages peer communication over a connection for a single torrent.
type Conn struct {
	peerID         core.PeerID
	infoHash       core.InfoHash
	createdAt      time.Time
	localPeerID    core.PeerID
	openedByRemote bool
	peerSupportsExtended bool

	nc          net.Conn
	config      Config
	clk         clock.Clock
	stats       tally.Scope
	bandwidth   *bandwidth.Limiter
	chunkReader ChunkReader
	events      Events

	startOnce sync.Once

	sender   chan WriterRequest
	receiver chan peerprotocol.Message

	rxBytes *atomic.Int64
	txBytes *atomic.Int64

	// The following fields orchestrate the closing of the connection:
	closed *atomic.Bool
	done   chan struct{}  // Signals to readLoop / writeLoop to exit.
	wg     sync.WaitGroup // Waits for readLoop / writeLoop to exit.

	logger *zap.SugaredLogger
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth *bandwidth.Limiter,
	events Events,
	chunkReader ChunkReader,
	nc net.Conn,
	localPeerID core.PeerID,
	remoteHandshake *peerprotocol.Handshake,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	// Clear all deadlines set during handshake. Each read and write sets
	// its own deadline from here on.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	return &Conn{
		peerID:               remoteHandshake.PeerID,
		infoHash:             remoteHandshake.InfoHash,
		createdAt:            clk.Now(),
		localPeerID:          localPeerID,
		openedByRemote:       openedByRemote,
		peerSupportsExtended: remoteHandshake.SupportsExtended(),
		nc:                   nc,
		config:               config,
		clk:                  clk,
		stats:                stats,
		bandwidth:            bandwidth,
		chunkReader:          chunkReader,
		events:               events,
		sender:               make(chan WriterRequest, config.SenderBufferSize),
		receiver:             make(chan peerprotocol.Message, config.ReceiverBufferSize),
		rxBytes:              atomic.NewInt64(0),
		txBytes:              atomic.NewInt64(0),
		closed:               atomic.NewBool(false),
		done:                 make(chan struct{}),
		logger:               logger,
	}, nil
}

// Start starts message processing on c. Note, once c has been started, it
// may close itself if it encounters an error reading / writing to the
// underlying socket.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// InfoHash returns the info hash for the torrent being transmitted over
// this connection.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// RemoteAddr returns the remote socket address, the peer's handle for all
// connection bookkeeping.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// OpenedByRemote returns true for incoming connections.
func (c *Conn) OpenedByRemote() bool {
	return c.openedByRemote
}

// PeerSupportsExtended returns true if the remote peer set the LTEP
// reserved bit in its handshake.
func (c *Conn) PeerSupportsExtended() bool {
	return c.peerSupportsExtended
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// RxBytes returns the bytes received over the connection so far.
func (c *Conn) RxBytes() int64 {
	return c.rxBytes.Load()
}

// TxBytes returns the bytes sent over the connection so far.
func (c *Conn) TxBytes() int64 {
	return c.txBytes.Load()
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues the given request for the writer goroutine.
func (c *Conn) Send(req WriterRequest) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sender <- req:
		return nil
	default:
		c.stats.Counter("dropped_writer_requests").Inc(1)
		return ErrSendBufferFull
	}
}

// Receiver returns a read-only channel of decoded incoming messages. The
// channel closes when the read loop exits.
func (c *Conn) Receiver() <-chan peerprotocol.Message {
	return c.receiver
}

// Close starts the shutdown sequence for the Conn.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed returns true if the c is closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// readMessage decodes the next message out of the circular buffer, reading
// from the socket as needed. Bytes aliased by the decoded message are
// copied before the buffer advances.
func (c *Conn) readMessage(buf *readBuf) (peerprotocol.Message, error) {
	for {
		msg, n, err := peerprotocol.Decode(buf.contiguous())
		if err == nil {
			msg = copyAliased(msg)
			buf.consume(n)
			c.rxBytes.Add(int64(n))
			return msg, nil
		}
		nerr, ok := err.(*peerprotocol.NeedMoreDataError)
		if !ok {
			return nil, err
		}
		if buf.wrapped() {
			// The message straddles the wrap point; expose it as a single
			// slice and retry.
			buf.rotate()
			continue
		}
		if buf.length+nerr.Needed > readBufSize {
			return nil, ErrReadBufFull
		}
		// NOTE: We do not use the clock interface here because the net
		// package uses the system clock when evaluating deadlines.
		if err := c.nc.SetReadDeadline(time.Now().Add(c.config.ReadWriteTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %s", err)
		}
		if err := buf.fill(c.nc); err != nil {
			return nil, err
		}
	}
}

func copyAliased(msg peerprotocol.Message) peerprotocol.Message {
	switch m := msg.(type) {
	case peerprotocol.Piece:
		m.Block = append([]byte(nil), m.Block...)
		return m
	case peerprotocol.Bitfield:
		m.Bits = append([]byte(nil), m.Bits...)
		return m
	case peerprotocol.Extended:
		m.Payload = append([]byte(nil), m.Payload...)
		return m
	}
	return msg
}

// readLoop reads messages off of the underlying connection and sends them
// to the receiver channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	buf := newReadBuf()
	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage(buf)
			if err != nil {
				c.log().Debugf("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			if p, ok := msg.(peerprotocol.Piece); ok {
				if err := c.bandwidth.ReserveIngress(int64(len(p.Block))); err != nil {
					c.log().Errorf("Error reserving ingress bandwidth for piece: %s", err)
					return
				}
				c.countBandwidth("ingress", int64(len(p.Block)))
			}
			c.receiver <- msg
		}
	}
}

func (c *Conn) write(b net.Buffers) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.config.ReadWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	var total int64
	for _, s := range b {
		total += int64(len(s))
	}
	if _, err := b.WriteTo(c.nc); err != nil {
		return fmt.Errorf("write: %s", err)
	}
	c.txBytes.Add(total)
	return nil
}

func (c *Conn) handleWriterRequest(req WriterRequest) error {
	switch r := req.(type) {
	case MessageRequest:
		return c.write(net.Buffers{r.Msg.Serialize()})
	case ReadChunkRequest:
		if c.chunkReader == nil {
			return errors.New("no chunk reader configured")
		}
		block := make([]byte, r.Chunk.Size)
		if err := c.chunkReader.ReadChunk(r.Chunk, block); err != nil {
			return fmt.Errorf("read chunk: %s", err)
		}
		if err := c.bandwidth.ReserveEgress(int64(len(block))); err != nil {
			return fmt.Errorf("egress bandwidth: %s", err)
		}
		header := peerprotocol.PieceHeader(
			uint32(r.Chunk.Piece), r.Chunk.OffsetInPiece, len(block))
		if err := c.write(net.Buffers{header, block}); err != nil {
			return err
		}
		c.countBandwidth("egress", int64(len(block)))
		return nil
	case DisconnectRequest:
		if r.Err != nil {
			return r.Err
		}
		return ErrConnClosed
	default:
		return fmt.Errorf("unknown writer request %T", req)
	}
}

// writeLoop writes messages to the underlying connection by pulling
// requests off of the sender channel. A keepalive is sent whenever the
// writer stays idle for the configured interval.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	keepalive := c.clk.Timer(c.config.KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.sender:
			if err := c.handleWriterRequest(req); err != nil {
				c.log().Debugf("Exiting write loop: %s", err)
				return
			}
			keepalive.Reset(c.config.KeepAliveInterval)
		case <-keepalive.C:
			if err := c.write(net.Buffers{peerprotocol.KeepAlive{}.Serialize()}); err != nil {
				c.log().Debugf("Error writing keepalive, exiting write loop: %s", err)
				return
			}
			keepalive.Reset(c.config.KeepAliveInterval)
		}
	}
}

func (c *Conn) countBandwidth(direction string, n int64) {
	c.stats.Tagged(map[string]string{
		"piece_bandwidth_direction": direction,
	}).Counter("piece_bandwidth").Inc(n)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
