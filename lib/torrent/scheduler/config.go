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
	"fmt"
	"time"

	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/conn"
	"github.com/lodeswarm/lodeswarm/lib/torrent/scheduler/dispatch"
	"github.com/lodeswarm/lodeswarm/lib/torrent/storage/filestorage"
	"github.com/lodeswarm/lodeswarm/utils/configutil"
)

// Config defines Scheduler configuration.
type Config struct {

	// MaxOpenConnections caps the peer connections held at once across all
	// torrents.
	MaxOpenConnections int `yaml:"max_open_conn"`

	// ConnectBackoffInitial is the delay before the first reconnect to a
	// dead outgoing peer.
	ConnectBackoffInitial time.Duration `yaml:"connect_backoff_initial"`

	// ConnectBackoffMultiplier grows the reconnect delay after every
	// failure.
	ConnectBackoffMultiplier float64 `yaml:"connect_backoff_multiplier"`

	// ConnectBackoffMax caps the reconnect delay.
	ConnectBackoffMax time.Duration `yaml:"connect_backoff_max"`

	// ConnectBackoffMaxElapsed drops a peer permanently after this much
	// cumulative retrying.
	ConnectBackoffMaxElapsed time.Duration `yaml:"connect_backoff_max_elapsed"`

	Conn conn.Config `yaml:"conn"`

	Dispatch dispatch.Config `yaml:"dispatch"`

	Storage filestorage.Config `yaml:"storage"`
}

func (c Config) applyDefaults() Config {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 128
	}
	if c.ConnectBackoffInitial == 0 {
		c.ConnectBackoffInitial = 10 * time.Second
	}
	if c.ConnectBackoffMultiplier == 0 {
		c.ConnectBackoffMultiplier = 1.5
	}
	if c.ConnectBackoffMax == 0 {
		c.ConnectBackoffMax = time.Minute
	}
	if c.ConnectBackoffMaxElapsed == 0 {
		c.ConnectBackoffMaxElapsed = 24 * time.Hour
	}
	return c
}

// LoadConfig reads a yaml Config from the file at path, following any
// `extends` chain the file declares. Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	var c Config
	if err := configutil.Load(path, &c); err != nil {
		return Config{}, fmt.Errorf("load scheduler config: %s", err)
	}
	return c, nil
}
