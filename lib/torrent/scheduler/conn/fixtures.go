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
	"net"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/torrent/peerprotocol"
	"github.com/lodeswarm/lodeswarm/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// noopEvents ignores all Conn events.
type noopEvents struct{}

func (e noopEvents) ConnClosed(*Conn) {}

// ConnFixture builds a started Conn over one end of an in-process pipe,
// returning the Conn and the raw remote end. Intended for testing.
func ConnFixture(config Config, clk clock.Clock, chunkReader ChunkReader) (*Conn, net.Conn) {
	local, remote := net.Pipe()
	hs := peerprotocol.NewHandshake(core.InfoHashFixture(), core.PeerIDFixture())
	bl, err := bandwidth.NewLimiter(bandwidth.Config{})
	if err != nil {
		panic(err)
	}
	c, err := newConn(
		config.applyDefaults(),
		tally.NoopScope,
		clk,
		bl,
		noopEvents{},
		chunkReader,
		local,
		core.PeerIDFixture(),
		hs,
		false,
		zap.NewNop().Sugar())
	if err != nil {
		panic(err)
	}
	c.Start()
	return c, remote
}
