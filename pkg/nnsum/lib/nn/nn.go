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

// Package nn defines the contracts between the encoder-decoder orchestrator
// and the networks it drives. Encoders, decoders and beam search are
// implemented elsewhere; this package only fixes the shapes that cross the
// boundary.
//
// Shape conventions:
//   - feature tensors: [batch, steps] int token ids
//   - encoder context: [batch, source steps, hidden] float32
//   - logits: [batch, target steps, vocab] float32
//   - attention: [target steps, batch, source steps] float32 (step-major)
//   - context mask: [batch, source steps] float32, 1 = attend
package nn

import (
	"context"

	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// AttentionKey is the DecoderOutput.Attention entry holding context attention.
const AttentionKey = "attention"

// Features maps a feature name to a [batch, steps] index tensor.
type Features map[string]*tensor.Dense

// State is an encoder or decoder state. The orchestrator never looks
// inside; it only reorders it along the batch dimension.
type State interface {
	// BatchSize returns the number of batch rows the state holds.
	BatchSize() int
	// Gather returns a new state whose row i is row order[i] of this one.
	// Indices may repeat.
	Gather(order []int) (State, error)
}

// DecoderOutput is the result of a teacher-forced decoder pass.
type DecoderOutput struct {
	// Logits is [batch, target steps, vocab].
	Logits *tensor.Dense
	// Attention holds attention maps by name; AttentionKey is
	// [target steps, batch, source steps].
	Attention map[string]*tensor.Dense
	// State is the decoder state after the last target step.
	State State
}

// StepState is what a decoder reports for one step of autoregressive decoding.
type StepState struct {
	// Attention is [1, batch, source steps], or nil if the decoder does not
	// attend over the source.
	Attention *tensor.Dense
}

// StepOutput is the result of advancing every row by one token.
type StepOutput struct {
	// LogProbs is [rows, vocab].
	LogProbs *tensor.Dense
	// Attention is [1, rows, source steps], or nil.
	Attention *tensor.Dense
	// State is the advanced state.
	State State
}

// Encoder consumes source features and produces the decoder's context and
// initial state.
type Encoder interface {
	// Encode requires lengths to be non-increasing across the batch.
	Encode(ctx context.Context, features Features, lengths []int) (*tensor.Dense, State, error)
	EmbeddingContext() *vocab.EmbeddingContext
	InitializeParameters() error
}

// Decoder produces output-vocabulary scores conditioned on encoder context.
type Decoder interface {
	// Forward runs a teacher-forced pass over targetInput. contextMask may be nil.
	Forward(ctx context.Context, targetInput Features, encoderContext *tensor.Dense, state State, contextMask *tensor.Dense) (*DecoderOutput, error)
	// Decode runs the autoregressive step primitive for at most maxSteps
	// steps, returning [batch, steps] indices and one StepState per step.
	Decode(ctx context.Context, encoderContext *tensor.Dense, state State, maxSteps int) (*tensor.Dense, []StepState, error)
	// Predict decodes with the decoder's own defaults.
	Predict(ctx context.Context, encoderContext *tensor.Dense, state State) (*tensor.Dense, error)
	EmbeddingContext() *vocab.EmbeddingContext
	InitializeParameters() error
}

// Stepper is the single-step primitive beam search expands hypotheses with.
// Decoders that support beam search implement it next to Decoder.
type Stepper interface {
	// Step feeds tokens[i] to row i and advances every row by one step.
	// encoderContext and state must already have one row per token.
	Step(ctx context.Context, tokens []int, encoderContext *tensor.Dense, state State) (*StepOutput, error)
}
