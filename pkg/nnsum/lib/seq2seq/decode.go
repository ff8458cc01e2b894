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

package seq2seq

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"
	"go.uber.org/zap"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Decoded holds the result of a decode call. Every batch-indexed field is in
// the caller's example order.
type Decoded struct {
	// Indices is the [batch, steps] output of greedy and plain decoding.
	Indices *tensor.Dense
	// Tokens is Indices converted to surface tokens, when requested.
	Tokens [][]string

	// Candidates is the [batch, beam, steps] output of beam decoding, best
	// hypothesis first.
	Candidates *tensor.Dense
	// CandidateTokens is Candidates converted to surface tokens, when requested.
	CandidateTokens [][][]string
	// Scores is the [batch, beam] candidate scores, when requested.
	Scores *tensor.Dense

	// Steps is the per-step decoder state of greedy decoding.
	Steps []nn.StepState
}

// GreedyDecode decodes the batch one argmax step at a time. With
// CopyUnknown, each unknown output token is replaced by the source token
// that received the most attention at that step.
func (m *Model) GreedyDecode(ctx context.Context, batch *Batch, opts DecodeOptions) (*Decoded, error) {
	if opts.MaxSteps < 1 {
		return nil, fmt.Errorf("%w: have %d", ErrInvalidMaxSteps, opts.MaxSteps)
	}
	encoderContext, state, restore, err := m.encodeSorted(ctx, batch, opts.Sorted)
	if err != nil {
		return nil, err
	}

	indices, steps, err := m.decoder.Decode(ctx, encoderContext, state, opts.MaxSteps)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if indices, err = restoreRows(indices, 0, restore); err != nil {
		return nil, fmt.Errorf("restoring output order: %w", err)
	}
	if steps, err = restoreSteps(steps, restore); err != nil {
		return nil, err
	}

	out := &Decoded{Indices: indices, Steps: steps}
	if !opts.ReturnTokens {
		return out, nil
	}
	if out.Tokens, err = m.decoder.EmbeddingContext().ConvertIndexTensor(indices); err != nil {
		return nil, err
	}
	if opts.CopyUnknown && len(steps) > 0 && steps[0].Attention != nil {
		if out.Tokens, err = m.copyUnknown(batch, indices, steps, out.Tokens); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// restoreSteps returns new step states whose attention rows are in the
// caller's order. The decoder's own step states are left untouched.
func restoreSteps(steps []nn.StepState, restore []int) ([]nn.StepState, error) {
	if restore == nil {
		return steps, nil
	}
	out := make([]nn.StepState, len(steps))
	for i, step := range steps {
		attention, err := restoreRows(step.Attention, 1, restore)
		if err != nil {
			return nil, fmt.Errorf("restoring attention of step %d: %w", i, err)
		}
		out[i] = nn.StepState{Attention: attention}
	}
	return out, nil
}

type position struct {
	example, step int
}

// copyUnknown returns a copy of tokens where every unknown output is replaced
// by the source token under the attention peak of its step. The peak is taken
// over the example's valid source prefix only. Outputs with no attention for
// their step or an empty source keep the unknown token.
func (m *Model) copyUnknown(batch *Batch, indices *tensor.Dense, steps []nn.StepState, tokens [][]string) ([][]string, error) {
	source, ok := batch.SourceFeatures[vocab.TokensFeature]
	if !ok {
		return nil, fmt.Errorf("%w: copying unknown tokens needs the %q source feature", ErrInvalidBatch, vocab.TokensFeature)
	}
	sourceRows, err := tensors.Rows(source)
	if err != nil {
		return nil, fmt.Errorf("reading source tokens: %w", err)
	}
	outputRows, err := tensors.Rows(indices)
	if err != nil {
		return nil, fmt.Errorf("reading output indices: %w", err)
	}

	encoderContext := m.encoder.EmbeddingContext()
	sourceVocab, ok := encoderContext.Named(vocab.TokensFeature)
	if !ok {
		sourceVocab = encoderContext.Vocab
	}
	unknown := m.decoder.EmbeddingContext().Vocab.UnknownIndex()

	substitutions := make(map[position]string)
	for b, row := range outputRows {
		// tokens[b] ends at the first stop or pad, so it bounds the steps
		// that have a surface token.
		for t := range min(len(row), len(tokens[b])) {
			if row[t] != unknown || t >= len(steps) || steps[t].Attention == nil {
				continue
			}
			attention, err := stepAttention(steps[t].Attention, b)
			if err != nil {
				return nil, fmt.Errorf("reading attention of step %d: %w", t, err)
			}
			src := tensors.ArgmaxPrefix(attention, batch.SourceLengths[b])
			if src < 0 {
				continue
			}
			substitutions[position{b, t}] = sourceVocab.Token(sourceRows[b][src])
		}
	}
	if len(substitutions) == 0 {
		return tokens, nil
	}
	m.logger.Debug("Copied unknown tokens from source", zap.Int("count", len(substitutions)))

	out := make([][]string, len(tokens))
	for b, row := range tokens {
		out[b] = append([]string(nil), row...)
	}
	for pos, tok := range substitutions {
		out[pos.example][pos.step] = tok
	}
	return out, nil
}

// stepAttention returns example b's row of a [1, batch, source steps] attention.
func stepAttention(attention *tensor.Dense, b int) ([]float32, error) {
	shape := attention.Shape()
	if len(shape) != 3 || b >= shape[1] {
		return nil, fmt.Errorf("unexpected attention shape %v", shape)
	}
	data, err := tensors.Float32s(attention)
	if err != nil {
		return nil, err
	}
	width := shape[2]
	return data[b*width : (b+1)*width], nil
}

// Decode runs the decoder's step primitive and returns its indices in the
// caller's order. Per-step states are discarded.
func (m *Model) Decode(ctx context.Context, batch *Batch, opts DecodeOptions) (*Decoded, error) {
	if opts.MaxSteps < 1 {
		return nil, fmt.Errorf("%w: have %d", ErrInvalidMaxSteps, opts.MaxSteps)
	}
	encoderContext, state, restore, err := m.encodeSorted(ctx, batch, opts.Sorted)
	if err != nil {
		return nil, err
	}

	indices, _, err := m.decoder.Decode(ctx, encoderContext, state, opts.MaxSteps)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if indices, err = restoreRows(indices, 0, restore); err != nil {
		return nil, fmt.Errorf("restoring output order: %w", err)
	}

	out := &Decoded{Indices: indices}
	if opts.ReturnTokens {
		if out.Tokens, err = m.decoder.EmbeddingContext().ConvertIndexTensor(indices); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BeamDecode runs beam search over the batch and returns every example's
// candidates sorted by descending score.
func (m *Model) BeamDecode(ctx context.Context, batch *Batch, opts BeamOptions) (*Decoded, error) {
	if m.beamSearch == nil {
		return nil, ErrNoBeamSearch
	}
	if opts.MaxSteps < 1 {
		return nil, fmt.Errorf("%w: have %d", ErrInvalidMaxSteps, opts.MaxSteps)
	}
	if opts.BeamSize < 1 {
		return nil, fmt.Errorf("beam size must be at least 1, have %d", opts.BeamSize)
	}

	encoderContext, state, restore, err := m.encodeSorted(ctx, batch, opts.Sorted)
	if err != nil {
		return nil, err
	}

	search, err := m.beamSearch(m.decoder, state, encoderContext, nn.BeamConfig{
		BeamSize:  opts.BeamSize,
		MaxSteps:  opts.MaxSteps,
		Rescoring: opts.Rescoring,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating beam search: %w", err)
	}
	if err := search.Search(ctx); err != nil {
		return nil, fmt.Errorf("running beam search: %w", err)
	}
	search.SortByScore()

	candidates, err := restoreRows(search.Candidates(), 0, restore)
	if err != nil {
		return nil, fmt.Errorf("restoring candidate order: %w", err)
	}
	out := &Decoded{Candidates: candidates}
	if opts.ReturnScores {
		if out.Scores, err = restoreRows(search.Scores(), 0, restore); err != nil {
			return nil, fmt.Errorf("restoring score order: %w", err)
		}
	}
	if opts.ReturnTokens {
		if out.CandidateTokens, err = m.decoder.EmbeddingContext().ConvertCandidates(candidates); err != nil {
			return nil, err
		}
	}
	return out, nil
}
