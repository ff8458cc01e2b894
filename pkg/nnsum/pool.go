// Copyright 2025 Antfly, Inc.
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

// Package nnsum serves encoder-decoder models to concurrent callers. A Pool
// owns a fixed set of model replicas and lends each one to at most one
// request at a time, since a seq2seq.Model is not safe for concurrent use.
package nnsum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// ErrPoolClosed is returned for requests made after Close.
var ErrPoolClosed = errors.New("model pool is closed")

// ModelFactory builds the model for one replica slot.
type ModelFactory func(ctx context.Context, replica int) (*seq2seq.Model, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Replicas int                `mapstructure:"replicas"`
	Queue    RequestQueueConfig `mapstructure:"queue"`
}

type replica struct {
	mu    sync.Mutex
	index int
	model *seq2seq.Model
}

// Pool lends model replicas round-robin.
type Pool struct {
	replicas []*replica
	sem      *semaphore.Weighted
	next     atomic.Uint64
	queue    *RequestQueue
	closed   atomic.Bool
	logger   *zap.Logger
}

// NewPool builds cfg.Replicas models with factory. At least one replica is
// always created.
func NewPool(ctx context.Context, cfg PoolConfig, factory ModelFactory, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		return nil, errors.New("model factory is required")
	}
	n := max(cfg.Replicas, 1)

	p := &Pool{
		replicas: make([]*replica, n),
		sem:      semaphore.NewWeighted(int64(n)),
		queue:    NewRequestQueue(cfg.Queue, logger.Named("queue")),
		logger:   logger,
	}
	for i := range n {
		m, err := factory(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("creating model replica %d: %w", i, err)
		}
		p.replicas[i] = &replica{index: i, model: m}
	}

	logger.Info("Model pool ready", zap.Int("replicas", n))
	return p, nil
}

// Replicas returns the number of model replicas.
func (p *Pool) Replicas() int {
	return len(p.replicas)
}

// Vocabularies returns the first replica's source and target vocabularies.
// Replicas built by one factory share them, and vocabularies are read-only.
func (p *Pool) Vocabularies() (source, target *vocab.Vocab) {
	m := p.replicas[0].model
	return m.Encoder().EmbeddingContext().Vocab, m.Decoder().EmbeddingContext().Vocab
}

// Stats returns the admission queue statistics.
func (p *Pool) Stats() QueueStats {
	return p.queue.Stats()
}

// borrow blocks until a replica is free. Holding a semaphore slot guarantees
// some replica is unlocked, since release unlocks before returning the slot.
func (p *Pool) borrow(ctx context.Context) (*replica, func(), error) {
	if p.closed.Load() {
		return nil, nil, ErrPoolClosed
	}
	done, err := p.queue.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		done()
		return nil, nil, err
	}
	if p.closed.Load() {
		p.sem.Release(1)
		done()
		return nil, nil, ErrPoolClosed
	}

	n := uint64(len(p.replicas))
	for {
		start := p.next.Add(1) - 1
		for k := range n {
			r := p.replicas[(start+k)%n]
			if r.mu.TryLock() {
				return r, func() {
					r.mu.Unlock()
					p.sem.Release(1)
					done()
				}, nil
			}
		}
	}
}

// with runs fn on a borrowed replica and logs the request under a fresh ID.
func (p *Pool) with(ctx context.Context, op string, fn func(*seq2seq.Model) error) error {
	id := uuid.NewString()
	start := time.Now()

	r, release, err := p.borrow(ctx)
	if err != nil {
		p.logger.Warn("Request not admitted",
			zap.String("request_id", id),
			zap.String("op", op),
			zap.Error(err))
		return err
	}
	defer release()

	log := p.logger.With(zap.String("request_id", id), zap.String("op", op), zap.Int("replica", r.index))
	log.Debug("Request started", zap.Duration("wait_time", time.Since(start)))
	if err := fn(r.model); err != nil {
		log.Warn("Request failed", zap.Error(err))
		return err
	}
	log.Debug("Request finished", zap.Duration("duration", time.Since(start)))
	return nil
}

// GreedyDecode runs seq2seq.Model.GreedyDecode on a free replica.
func (p *Pool) GreedyDecode(ctx context.Context, batch *seq2seq.Batch, opts seq2seq.DecodeOptions) (*seq2seq.Decoded, error) {
	var out *seq2seq.Decoded
	err := p.with(ctx, "greedy_decode", func(m *seq2seq.Model) error {
		var err error
		out, err = m.GreedyDecode(ctx, batch, opts)
		return err
	})
	return out, err
}

// Decode runs seq2seq.Model.Decode on a free replica.
func (p *Pool) Decode(ctx context.Context, batch *seq2seq.Batch, opts seq2seq.DecodeOptions) (*seq2seq.Decoded, error) {
	var out *seq2seq.Decoded
	err := p.with(ctx, "decode", func(m *seq2seq.Model) error {
		var err error
		out, err = m.Decode(ctx, batch, opts)
		return err
	})
	return out, err
}

// BeamDecode runs seq2seq.Model.BeamDecode on a free replica.
func (p *Pool) BeamDecode(ctx context.Context, batch *seq2seq.Batch, opts seq2seq.BeamOptions) (*seq2seq.Decoded, error) {
	var out *seq2seq.Decoded
	err := p.with(ctx, "beam_decode", func(m *seq2seq.Model) error {
		var err error
		out, err = m.BeamDecode(ctx, batch, opts)
		return err
	})
	return out, err
}

// CrossEntropy runs seq2seq.Model.CrossEntropy on a free replica.
func (p *Pool) CrossEntropy(ctx context.Context, batch *seq2seq.Batch, reduction seq2seq.Reduction) (*seq2seq.Loss, error) {
	var out *seq2seq.Loss
	err := p.with(ctx, "cross_entropy", func(m *seq2seq.Model) error {
		var err error
		out, err = m.CrossEntropy(ctx, batch, reduction)
		return err
	})
	return out, err
}

// Close rejects new requests and waits for in-flight ones to finish.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := int64(len(p.replicas))
	if err := p.sem.Acquire(ctx, n); err != nil {
		return fmt.Errorf("waiting for in-flight requests: %w", err)
	}
	p.sem.Release(n)
	p.logger.Info("Model pool closed", zap.Int64("processed", p.queue.Stats().TotalProcessed))
	return nil
}
