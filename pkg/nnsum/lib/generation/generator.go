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

// Package generation runs the batched autoregressive loop behind a
// decoder's step-by-step decoding.
package generation

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
)

// Config configures token selection.
type Config struct {
	// MaxNewTokens bounds the number of steps.
	MaxNewTokens int
	// MinLength suppresses the stop token until a row has this many tokens.
	MinLength int

	// DoSample samples from the distribution instead of taking the argmax.
	DoSample          bool
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32

	// Seed seeds the sampler.
	Seed uint64
}

// DefaultConfig returns greedy decoding for up to 100 steps.
func DefaultConfig() *Config {
	return &Config{
		MaxNewTokens:      100,
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}

// StepFunc feeds tokens[i] to row i and returns scores over the vocabulary
// for every row. LogProbs may hold log-probabilities or raw logits. The
// function owns the decoder state between calls.
type StepFunc func(ctx context.Context, tokens []int) (*nn.StepOutput, error)

// Result is the output of Generate.
type Result struct {
	// Tokens holds each row's generated tokens, including its stop token.
	Tokens [][]int
	// Steps holds what the decoder reported at each step.
	Steps []nn.StepState
	// Stopped reports which rows emitted the stop token.
	Stopped []bool
}

// Indices returns the tokens as a [batch, steps] tensor, rows padded with pad.
func (r *Result) Indices(pad int) (*tensor.Dense, error) {
	return tensors.NewIndex(r.Tokens, pad)
}

// Generator runs the decoding loop. It is not safe for concurrent use.
type Generator struct {
	Config *Config

	StartTokenID int
	// StopTokenID ends a row; -1 means rows never stop early.
	StopTokenID int
	PadTokenID  int

	rng *rand.Rand
}

// NewGenerator creates a Generator. A nil config means DefaultConfig.
func NewGenerator(config *Config, startID, stopID, padID int) *Generator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Generator{
		Config:       config,
		StartTokenID: startID,
		StopTokenID:  stopID,
		PadTokenID:   padID,
		rng:          rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate decodes batchSize rows starting from the start token. It stops
// once every row emitted the stop token or after MaxNewTokens steps.
// A finished row is fed its stop token once and the pad token after that.
func (g *Generator) Generate(ctx context.Context, batchSize int, stepFn StepFunc) (*Result, error) {
	if g.Config.MaxNewTokens < 1 {
		return nil, fmt.Errorf("max new tokens must be at least 1, have %d", g.Config.MaxNewTokens)
	}

	result := &Result{
		Tokens:  make([][]int, batchSize),
		Stopped: make([]bool, batchSize),
	}
	inputs := make([]int, batchSize)
	for i := range inputs {
		inputs[i] = g.StartTokenID
	}

	for step := 0; step < g.Config.MaxNewTokens; step++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		out, err := stepFn(ctx, inputs)
		if err != nil {
			return result, err
		}
		logits, err := tensors.Float32s(out.LogProbs)
		if err != nil {
			return result, fmt.Errorf("reading step scores: %w", err)
		}
		if len(logits)%batchSize != 0 {
			return result, fmt.Errorf("step scores shape %v does not match %d rows", out.LogProbs.Shape(), batchSize)
		}
		vocabSize := len(logits) / batchSize
		result.Steps = append(result.Steps, nn.StepState{Attention: out.Attention})

		done := true
		for b := range batchSize {
			if result.Stopped[b] {
				inputs[b] = g.PadTokenID
				continue
			}
			next := g.selectNextToken(logits[b*vocabSize:(b+1)*vocabSize], result.Tokens[b])
			result.Tokens[b] = append(result.Tokens[b], next)
			inputs[b] = next
			if next == g.StopTokenID {
				result.Stopped[b] = true
				continue
			}
			done = false
		}
		if done {
			break
		}
	}
	return result, nil
}

// selectNextToken picks the next token for one row.
func (g *Generator) selectNextToken(logits []float32, generated []int) int {
	scores := make([]float32, len(logits))
	copy(scores, logits)

	if g.Config.RepetitionPenalty != 1.0 && g.Config.RepetitionPenalty > 0 {
		applyRepetitionPenalty(scores, generated, g.Config.RepetitionPenalty)
	}
	if g.StopTokenID >= 0 && g.StopTokenID < len(scores) && len(generated) < g.Config.MinLength {
		scores[g.StopTokenID] = math32.Inf(-1)
	}

	if !g.Config.DoSample {
		return tensors.Argmax(scores)
	}

	if g.Config.Temperature != 1.0 && g.Config.Temperature > 0 {
		for i := range scores {
			scores[i] /= g.Config.Temperature
		}
	}
	probs := tensors.Softmax(scores)
	if g.Config.TopK > 0 && g.Config.TopK < len(probs) {
		probs = TopK(probs, g.Config.TopK)
	}
	if g.Config.TopP < 1.0 && g.Config.TopP > 0 {
		probs = TopP(probs, g.Config.TopP)
	}
	return Sample(probs, g.rng)
}

func applyRepetitionPenalty(logits []float32, generated []int, penalty float32) {
	for _, tok := range generated {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}
