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

package dotattn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

func loadTestModel(t *testing.T) *seq2seq.Model {
	t.Helper()
	dir := writeModelDir(t, `{"hidden_size": 8, "seed": 11, "max_steps": 12}`)
	m, err := LoadModel(dir, seq2seq.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return m
}

func batchOf(t *testing.T, rows ...[]int) *seq2seq.Batch {
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

func TestGreedyDecodeMatchesSingleExamples(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()
	rows := [][]int{{6, 7}, {2, 3, 4, 5, 6, 7}, {4, 5, 3}}

	opts := seq2seq.DefaultDecodeOptions()
	opts.MaxSteps = 12
	batched, err := m.GreedyDecode(ctx, batchOf(t, rows...), opts)
	require.NoError(t, err)
	require.Len(t, batched.Tokens, 3)

	for i, row := range rows {
		single, err := m.GreedyDecode(ctx, batchOf(t, row), opts)
		require.NoError(t, err)
		assert.Equal(t, single.Tokens[0], batched.Tokens[i], "example %d", i)
	}
}

func TestBeamOfOneMatchesGreedy(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()
	batch := batchOf(t, []int{6, 7}, []int{2, 3, 4, 5})

	greedyOpts := seq2seq.DefaultDecodeOptions()
	greedyOpts.MaxSteps = 10
	greedy, err := m.GreedyDecode(ctx, batch, greedyOpts)
	require.NoError(t, err)

	beamOpts := seq2seq.DefaultBeamOptions()
	beamOpts.BeamSize = 1
	beamOpts.MaxSteps = 10
	beamOpts.ReturnScores = true
	beamed, err := m.BeamDecode(ctx, batch, beamOpts)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, []int(beamed.Scores.Shape()))

	for b := range 2 {
		assert.Equal(t, greedy.Tokens[b], beamed.CandidateTokens[b][0], "example %d", b)
	}
}

func TestBeamDecodeSortsCandidates(t *testing.T) {
	m := loadTestModel(t)
	opts := seq2seq.DefaultBeamOptions()
	opts.BeamSize = 3
	opts.MaxSteps = 6
	opts.ReturnScores = true
	out, err := m.BeamDecode(context.Background(), batchOf(t, []int{6, 7}, []int{2, 3, 4, 5}), opts)
	require.NoError(t, err)

	scores, err := tensors.Float32s(out.Scores)
	require.NoError(t, err)
	for b := range 2 {
		assert.GreaterOrEqual(t, scores[b*3], scores[b*3+1])
		assert.GreaterOrEqual(t, scores[b*3+1], scores[b*3+2])
	}
	assert.Len(t, out.CandidateTokens, 2)
}

func TestCrossEntropyEndToEnd(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()

	batch := batchOf(t, []int{2, 3, 4, 5}, []int{6, 7})
	input, err := tensors.NewIndex([][]int{{2, 4, 5}, {2, 7}}, 0)
	require.NoError(t, err)
	gold, err := tensors.NewIndex([][]int{{4, 5, 3}, {7, 3}}, 0)
	require.NoError(t, err)
	batch.TargetInputFeatures = nn.Features{vocab.TokensFeature: input}
	batch.TargetOutputFeatures = nn.Features{vocab.TokensFeature: gold}
	batch.TargetLengths = []int{3, 2}

	none, err := m.CrossEntropy(ctx, batch, seq2seq.ReductionNone)
	require.NoError(t, err)
	perToken, err := tensors.Float32s(none.PerToken)
	require.NoError(t, err)
	assert.Zero(t, perToken[5])
	var total float32
	for _, v := range perToken {
		assert.GreaterOrEqual(t, v, float32(0))
		total += v
	}

	sum, err := m.CrossEntropy(ctx, batch, seq2seq.ReductionSum)
	require.NoError(t, err)
	assert.InDelta(t, total, sum.Value, 1e-4)

	mean, err := m.CrossEntropy(ctx, batch, seq2seq.ReductionMean)
	require.NoError(t, err)
	assert.InDelta(t, sum.Value/5, mean.Value, 1e-5)
	require.NotNil(t, mean.State)
	assert.Equal(t, []int{3, 2, 4}, []int(mean.State.ContextAttention.Shape()))

	batch.SourceLengths = []int{2, 4}
	_, err = m.CrossEntropy(ctx, batch, seq2seq.ReductionMean)
	require.ErrorIs(t, err, seq2seq.ErrUnsortedBatch)
}

func TestGreedyDecodeCopyUnknownEndToEnd(t *testing.T) {
	m := loadTestModel(t)
	opts := seq2seq.DefaultDecodeOptions()
	opts.CopyUnknown = true
	opts.MaxSteps = 8

	batch := batchOf(t, []int{6, 7}, []int{2, 3, 4, 5})
	out, err := m.GreedyDecode(context.Background(), batch, opts)
	require.NoError(t, err)

	plain := opts
	plain.CopyUnknown = false
	ref, err := m.GreedyDecode(context.Background(), batch, plain)
	require.NoError(t, err)

	source := []map[string]bool{
		{"in": true, "Poland": true},
		{"Gdansk": true, "is": true, "a": true, "city": true},
	}
	for b := range 2 {
		require.Len(t, out.Tokens[b], len(ref.Tokens[b]))
		for i, tok := range ref.Tokens[b] {
			if tok == "<unk>" {
				assert.True(t, source[b][out.Tokens[b][i]], "copied %q is not in example %d", out.Tokens[b][i], b)
				continue
			}
			assert.Equal(t, tok, out.Tokens[b][i])
		}
	}
}
