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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/dotattn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

func testFactory(t *testing.T) ModelFactory {
	t.Helper()
	sv, err := vocab.New([]string{"<pad>", "<unk>", "Gdansk", "is", "a", "city", "in", "Poland"})
	require.NoError(t, err)
	tv, err := vocab.New([]string{"<pad>", "<unk>", "<sos>", "<eos>", "a", "city", "port", "Poland"})
	require.NoError(t, err)

	cfg := dotattn.DefaultConfig()
	cfg.HiddenSize = 8
	cfg.Seed = 5
	return func(_ context.Context, _ int) (*seq2seq.Model, error) {
		return dotattn.NewModel(cfg, sv, tv, seq2seq.WithLogger(zaptest.NewLogger(t)))
	}
}

func testBatch(t *testing.T, rows ...[]int) *seq2seq.Batch {
	t.Helper()
	idx, err := tensors.NewIndex(rows, 0)
	require.NoError(t, err)
	lengths := make([]int, len(rows))
	for i, row := range rows {
		lengths[i] = len(row)
	}
	return &seq2seq.Batch{
		SourceFeatures: nn.Features{vocab.TokensFeature: idx},
		SourceLengths:  lengths,
	}
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{}, nil, nil)
	require.Error(t, err)

	boom := errors.New("boom")
	_, err = NewPool(context.Background(), PoolConfig{Replicas: 2}, func(_ context.Context, replica int) (*seq2seq.Model, error) {
		if replica == 1 {
			return nil, boom
		}
		return testFactory(t)(context.Background(), replica)
	}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, boom)

	p, err := NewPool(context.Background(), PoolConfig{}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Replicas())

	sv, tv := p.Vocabularies()
	assert.Equal(t, 2, sv.Index("Gdansk"))
	assert.Equal(t, 3, tv.StopIndex())
}

func TestPoolLendsEachReplicaOnce(t *testing.T) {
	p, err := NewPool(context.Background(), PoolConfig{Replicas: 3}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	seen := map[int]bool{}
	var releases []func()
	for range 3 {
		r, release, err := p.borrow(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[r.index], "replica %d lent twice", r.index)
		seen[r.index] = true
		releases = append(releases, release)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = p.borrow(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	releases[1]()
	r, release, err := p.borrow(context.Background())
	require.NoError(t, err)
	release()
	assert.Contains(t, seen, r.index)

	releases[0]()
	releases[2]()
}

func TestPoolConcurrentDecodesMatchSingleModel(t *testing.T) {
	ctx := context.Background()
	p, err := NewPool(ctx, PoolConfig{Replicas: 2, Queue: RequestQueueConfig{MaxConcurrentRequests: 2}}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	ref, err := testFactory(t)(ctx, 0)
	require.NoError(t, err)
	opts := seq2seq.DefaultDecodeOptions()
	opts.MaxSteps = 10
	batch := testBatch(t, []int{2, 3, 4, 5}, []int{6, 7})
	want, err := ref.GreedyDecode(ctx, batch, opts)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.GreedyDecode(ctx, testBatch(t, []int{2, 3, 4, 5}, []int{6, 7}), opts)
			if err != nil {
				errs <- err
				return
			}
			if diff := cmp.Diff(want.Tokens, got.Tokens); diff != "" {
				errs <- errors.New("tokens differ (-want +got):\n" + diff)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(16), p.Stats().TotalProcessed)
}

func TestPoolOperations(t *testing.T) {
	ctx := context.Background()
	p, err := NewPool(ctx, PoolConfig{Replicas: 1}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	batch := testBatch(t, []int{2, 3, 4}, []int{6, 7})

	opts := seq2seq.DefaultDecodeOptions()
	opts.MaxSteps = 6
	plain, err := p.Decode(ctx, batch, opts)
	require.NoError(t, err)
	assert.Len(t, plain.Tokens, 2)

	beamOpts := seq2seq.DefaultBeamOptions()
	beamOpts.BeamSize = 2
	beamOpts.MaxSteps = 6
	beamed, err := p.BeamDecode(ctx, batch, beamOpts)
	require.NoError(t, err)
	assert.Len(t, beamed.CandidateTokens, 2)

	input, err := tensors.NewIndex([][]int{{2, 4}, {2, 5}}, 0)
	require.NoError(t, err)
	gold, err := tensors.NewIndex([][]int{{4, 3}, {5, 3}}, 0)
	require.NoError(t, err)
	batch.TargetInputFeatures = nn.Features{vocab.TokensFeature: input}
	batch.TargetOutputFeatures = nn.Features{vocab.TokensFeature: gold}
	batch.TargetLengths = []int{2, 2}
	loss, err := p.CrossEntropy(ctx, batch, seq2seq.ReductionMean)
	require.NoError(t, err)
	assert.Greater(t, loss.Value, float32(0))

	_, err = p.CrossEntropy(ctx, batch, seq2seq.Reduction("max"))
	require.ErrorIs(t, err, seq2seq.ErrInvalidReduction)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	p, err := NewPool(ctx, PoolConfig{Replicas: 2}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, release, err := p.borrow(ctx)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(ctx) }()

	require.Eventually(t, p.closed.Load, time.Second, time.Millisecond)
	_, err = p.GreedyDecode(ctx, testBatch(t, []int{2}), seq2seq.DefaultDecodeOptions())
	require.ErrorIs(t, err, ErrPoolClosed)

	select {
	case err := <-closed:
		t.Fatalf("Close returned before the in-flight request finished: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	release()
	require.NoError(t, <-closed)
	require.NoError(t, p.Close(ctx))
}
