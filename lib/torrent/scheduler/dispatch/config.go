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
package dispatch

import (
	"time"

	"github.com/lodeswarm/lodeswarm/utils/memsize"
)

// Config defines Dispatcher configuration.
type Config struct {

	// UnchokePermits is the number of request permits granted on every
	// unchoke. Sized to sustain roughly 100 Mbit/s at 100 ms round trips.
	UnchokePermits int `yaml:"unchoke_permits"`

	// NoPieceSleep bounds how long a request loop sleeps when no piece is
	// available for its peer before retrying.
	NoPieceSleep time.Duration `yaml:"no_piece_sleep"`

	// FlushHaveEvery flushes the verified-piece bitfield to storage
	// whenever this many newly verified bytes accumulate, so an abrupt
	// shutdown loses at most this much verified work.
	FlushHaveEvery uint64 `yaml:"flush_have_every"`

	// NotInterestedGrace is how long a peer may stay uninterested after
	// connecting before a finished torrent disconnects it.
	NotInterestedGrace time.Duration `yaml:"not_interested_grace"`

	// DisableUpload rejects piece requests from remote peers.
	DisableUpload bool `yaml:"disable_upload"`
}

func (c Config) applyDefaults() Config {
	if c.UnchokePermits == 0 {
		c.UnchokePermits = 128
	}
	if c.NoPieceSleep == 0 {
		c.NoPieceSleep = 5 * time.Second
	}
	if c.FlushHaveEvery == 0 {
		c.FlushHaveEvery = 16 * memsize.MB
	}
	if c.NotInterestedGrace == 0 {
		c.NotInterestedGrace = 30 * time.Second
	}
	return c
}
