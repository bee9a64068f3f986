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
package bandwidth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lodeswarm/lodeswarm/utils/log"
	"github.com/lodeswarm/lodeswarm/utils/memsize"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket. It is used
	// to avoid integer overflow errors that would occur if we used bytes
	// directly as tokens.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 8 * memsize.Kbit
	}
	return c
}

// Limiter limits egress and ingress bandwidth via token bucket.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
	logger  *zap.SugaredLogger

	egressLimit  *atomic.Int64
	ingressLimit *atomic.Int64
}

// Option allows setting optional parameters in Limiter.
type Option func(*Limiter)

// WithLogger configures a Limiter with a custom logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, opts ...Option) (*Limiter, error) {
	config = config.applyDefaults()

	l := &Limiter{
		config:       config,
		logger:       log.Default(),
		egressLimit:  atomic.NewInt64(int64(config.EgressBitsPerSec)),
		ingressLimit: atomic.NewInt64(int64(config.IngressBitsPerSec)),
	}
	for _, opt := range opts {
		opt(l)
	}

	if !config.Enable {
		return l, nil
	}

	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("invalid config: egress_bits_per_sec must be non-zero")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("invalid config: ingress_bits_per_sec must be non-zero")
	}

	l.logger.Infof("Initializing bandwidth limits: egress %s/sec, ingress %s/sec",
		memsize.BitFormat(config.EgressBitsPerSec), memsize.BitFormat(config.IngressBitsPerSec))

	etokens := tokens(config.EgressBitsPerSec, config.TokenSize)
	itokens := tokens(config.IngressBitsPerSec, config.TokenSize)

	l.egress = rate.NewLimiter(rate.Limit(etokens), int(etokens))
	l.ingress = rate.NewLimiter(rate.Limit(itokens), int(itokens))

	return l, nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	if l.egress == nil {
		return nil
	}
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	if l.ingress == nil {
		return nil
	}
	return l.reserve(l.ingress, nbytes)
}

// Adjust divides the configured limits by denom, used to share the
// configured bandwidth across multiple active sources.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("invalid denominator %d", denom)
	}
	e := int64(l.config.EgressBitsPerSec) / int64(denom)
	if e == 0 {
		e = 1
	}
	i := int64(l.config.IngressBitsPerSec) / int64(denom)
	if i == 0 {
		i = 1
	}
	l.egressLimit.Store(e)
	l.ingressLimit.Store(i)
	if l.egress != nil {
		l.egress.SetLimit(rate.Limit(tokens(uint64(e), l.config.TokenSize)))
	}
	if l.ingress != nil {
		l.ingress.SetLimit(rate.Limit(tokens(uint64(i), l.config.TokenSize)))
	}
	return nil
}

// EgressLimit returns the current egress limit in bits per second.
func (l *Limiter) EgressLimit() int64 {
	return l.egressLimit.Load()
}

// IngressLimit returns the current ingress limit in bits per second.
func (l *Limiter) IngressLimit() int64 {
	return l.ingressLimit.Load()
}

func tokens(bits, tokenSize uint64) uint64 {
	n := bits / tokenSize
	if n == 0 {
		n = 1
	}
	return n
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	tokens := int(uint64(nbytes) * 8 / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	if tokens > rl.Burst() {
		return fmt.Errorf(
			"cannot reserve %s, larger than bucket %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(uint64(rl.Burst())*l.config.TokenSize))
	}
	return rl.WaitN(context.Background(), tokens)
}
