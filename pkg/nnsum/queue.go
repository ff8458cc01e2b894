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

package nnsum

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a request waits longer than the timeout
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueueConfig holds configuration for the request queue
type RequestQueueConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"` // 0 = unlimited
	MaxQueueSize          int           `mapstructure:"max_queue_size"`          // 0 = unlimited (only when MaxConcurrentRequests > 0)
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`         // 0 = no timeout
}

// RequestQueue limits how many decode or scoring requests run at once and
// how many may wait for a slot.
type RequestQueue struct {
	maxConcurrent int64
	maxQueueSize  int64
	timeout       time.Duration

	sem *semaphore.Weighted // nil when unlimited

	currentActive  atomic.Int64
	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64

	logger *zap.Logger
}

// NewRequestQueue creates a request queue with the given configuration
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &RequestQueue{
		maxConcurrent: int64(config.MaxConcurrentRequests),
		maxQueueSize:  int64(config.MaxQueueSize),
		timeout:       config.RequestTimeout,
		logger:        logger,
	}

	if config.MaxConcurrentRequests > 0 {
		q.sem = semaphore.NewWeighted(q.maxConcurrent)
		logger.Info("Request queue initialized",
			zap.Int("max_concurrent", config.MaxConcurrentRequests),
			zap.Int("max_queue_size", config.MaxQueueSize),
			zap.Duration("timeout", config.RequestTimeout))
	} else {
		logger.Info("Request queue disabled (unlimited concurrency)")
	}

	return q
}

// Acquire waits for a processing slot. The returned release function must be
// called exactly once when the request is done.
func (q *RequestQueue) Acquire(ctx context.Context) (func(), error) {
	if q.sem == nil {
		q.currentActive.Add(1)
		return q.release(false), nil
	}

	if q.sem.TryAcquire(1) {
		q.currentActive.Add(1)
		return q.release(true), nil
	}

	if err := q.reserveQueueSlot(); err != nil {
		return nil, err
	}
	queueStart := time.Now()
	q.logger.Debug("Request queued", zap.Int64("queue_depth", q.currentQueued.Load()))

	waitCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	err := q.sem.Acquire(waitCtx, 1)
	q.currentQueued.Add(-1)
	if err != nil {
		// Only the queue's own deadline counts as a timeout.
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			q.totalTimedOut.Add(1)
			q.logger.Warn("Request timed out in queue",
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", q.timeout))
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}

	q.currentActive.Add(1)
	q.logger.Debug("Request dequeued", zap.Duration("wait_time", time.Since(queueStart)))
	return q.release(true), nil
}

// reserveQueueSlot increments the queue depth unless it is at capacity.
func (q *RequestQueue) reserveQueueSlot() error {
	if q.maxQueueSize <= 0 {
		q.currentQueued.Add(1)
		return nil
	}
	for {
		queued := q.currentQueued.Load()
		if queued >= q.maxQueueSize {
			q.totalRejected.Add(1)
			q.logger.Warn("Request rejected: queue full",
				zap.Int64("queued", queued),
				zap.Int64("max_queue", q.maxQueueSize))
			return ErrQueueFull
		}
		if q.currentQueued.CompareAndSwap(queued, queued+1) {
			return nil
		}
	}
}

func (q *RequestQueue) release(held bool) func() {
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		q.currentActive.Add(-1)
		q.totalProcessed.Add(1)
		if held {
			q.sem.Release(1)
		}
	}
}

// QueueStats holds queue statistics
type QueueStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// Stats returns current queue statistics
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive:  q.currentActive.Load(),
		CurrentQueued:  q.currentQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalRejected:  q.totalRejected.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		MaxConcurrent:  q.maxConcurrent,
		MaxQueueSize:   q.maxQueueSize,
	}
}

// IsEnabled returns true if request queuing is enabled
func (q *RequestQueue) IsEnabled() bool {
	return q.sem != nil
}
