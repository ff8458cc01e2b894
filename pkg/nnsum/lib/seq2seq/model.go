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

// Package seq2seq composes an encoder and a decoder into a sequence-to-sequence
// model. It owns batch ordering (the encoder wants sources sorted by
// descending length, callers want results in their own order), the training
// loss, and the greedy, plain and beam decoding entry points.
//
// A Model is not safe for concurrent use; see nnsum.Pool for serving.
package seq2seq

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
	"go.uber.org/zap"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/beam"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
)

var (
	// ErrUnsortedBatch is returned by Forward when source lengths increase
	// somewhere in the batch.
	ErrUnsortedBatch = errors.New("source lengths must be sorted in descending order")

	// ErrInvalidBatch is returned when batch fields have inconsistent shapes.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrNoBeamSearch is returned by BeamDecode when the model has no beam
	// search factory.
	ErrNoBeamSearch = errors.New("no beam search configured")

	// ErrInvalidMaxSteps is returned when a decode is asked for fewer than one step.
	ErrInvalidMaxSteps = errors.New("max steps must be at least 1")
)

// StateBundle is the auxiliary state of a training forward pass.
type StateBundle struct {
	// ContextAttention is the decoder's [target steps, batch, source steps]
	// attention over the encoder context, or nil.
	ContextAttention *tensor.Dense
	DecoderState     nn.State
	// EncoderState and EncoderContext are the values the decoder consumed,
	// after any multi-reference remapping.
	EncoderState   nn.State
	EncoderContext *tensor.Dense
}

// Model is an encoder-decoder pair plus the beam search used by BeamDecode.
type Model struct {
	encoder    nn.Encoder
	decoder    nn.Decoder
	beamSearch nn.BeamSearchFactory
	logger     *zap.Logger
}

// New creates a model from an encoder and a decoder. Beam decoding uses
// beam.New unless WithBeamSearch says otherwise.
func New(encoder nn.Encoder, decoder nn.Decoder, opts ...Option) (*Model, error) {
	if encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}

	m := &Model{
		encoder:    encoder,
		decoder:    decoder,
		beamSearch: beam.NewSearch,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Encoder returns the model's encoder.
func (m *Model) Encoder() nn.Encoder {
	return m.encoder
}

// Decoder returns the model's decoder.
func (m *Model) Decoder() nn.Decoder {
	return m.decoder
}

// InitializeParameters initializes the encoder and then the decoder. The
// first failure stops the sequence.
func (m *Model) InitializeParameters() error {
	m.logger.Info("Initializing encoder parameters")
	if err := m.encoder.InitializeParameters(); err != nil {
		return fmt.Errorf("initializing encoder parameters: %w", err)
	}
	m.logger.Info("Initializing decoder parameters")
	if err := m.decoder.InitializeParameters(); err != nil {
		return fmt.Errorf("initializing decoder parameters: %w", err)
	}
	return nil
}

// Forward runs a teacher-forced pass and returns [batch, target steps, vocab]
// logits. The batch must already be sorted by descending source length.
func (m *Model) Forward(ctx context.Context, batch *Batch) (*tensor.Dense, *StateBundle, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, err
	}
	if !tensors.NonIncreasing(batch.SourceLengths) {
		return nil, nil, fmt.Errorf("%w: have %v", ErrUnsortedBatch, batch.SourceLengths)
	}

	encoderContext, encoderState, err := m.encoder.Encode(ctx, batch.SourceFeatures, batch.SourceLengths)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding source: %w", err)
	}

	mask := batch.SourceMask
	if batch.MultiRef {
		encoderContext, encoderState, mask, err = remapSources(encoderContext, encoderState, mask, batch.TargetSourceIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("remapping multi-reference batch: %w", err)
		}
	}

	out, err := m.decoder.Forward(ctx, batch.TargetInputFeatures, encoderContext, encoderState, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding target: %w", err)
	}

	return out.Logits, &StateBundle{
		ContextAttention: out.Attention[nn.AttentionKey],
		DecoderState:     out.State,
		EncoderState:     encoderState,
		EncoderContext:   encoderContext,
	}, nil
}

// remapSources gives target row i the encoder outputs of source row ids[i].
// A nil mask stays nil.
func remapSources(encoderContext *tensor.Dense, state nn.State, mask *tensor.Dense, ids []int) (*tensor.Dense, nn.State, *tensor.Dense, error) {
	remappedContext, err := tensors.Gather(encoderContext, 0, ids)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gathering encoder context: %w", err)
	}
	remappedState, err := state.Gather(ids)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gathering encoder state: %w", err)
	}
	if mask != nil {
		if mask, err = tensors.Gather(mask, 0, ids); err != nil {
			return nil, nil, nil, fmt.Errorf("gathering source mask: %w", err)
		}
	}
	return remappedContext, remappedState, mask, nil
}

// encodeSorted sorts the batch (unless sorted is set) and encodes it. The
// returned restore permutation is nil when no sort happened.
func (m *Model) encodeSorted(ctx context.Context, batch *Batch, sorted bool) (*tensor.Dense, nn.State, []int, error) {
	if err := batch.validateSource(); err != nil {
		return nil, nil, nil, err
	}

	input := batch
	var restore []int
	if !sorted {
		var err error
		if input, restore, err = SortBatch(batch); err != nil {
			return nil, nil, nil, err
		}
	}

	encoderContext, state, err := m.encoder.Encode(ctx, input.SourceFeatures, input.SourceLengths)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding source: %w", err)
	}
	return encoderContext, state, restore, nil
}

// restoreRows gathers t along axis with restore, or returns t unchanged when
// restore is nil.
func restoreRows(t *tensor.Dense, axis int, restore []int) (*tensor.Dense, error) {
	if restore == nil || t == nil {
		return t, nil
	}
	return tensors.Gather(t, axis, restore)
}

// Predict encodes the batch and lets the decoder produce [batch, steps]
// output indices with its own defaults. Results are in the caller's order.
func (m *Model) Predict(ctx context.Context, batch *Batch) (*tensor.Dense, error) {
	encoderContext, state, restore, err := m.encodeSorted(ctx, batch, false)
	if err != nil {
		return nil, err
	}
	indices, err := m.decoder.Predict(ctx, encoderContext, state)
	if err != nil {
		return nil, fmt.Errorf("predicting: %w", err)
	}
	return restoreRows(indices, 0, restore)
}

// PredictTokens is Predict followed by conversion to surface tokens.
func (m *Model) PredictTokens(ctx context.Context, batch *Batch) ([][]string, error) {
	indices, err := m.Predict(ctx, batch)
	if err != nil {
		return nil, err
	}
	return m.decoder.EmbeddingContext().ConvertIndexTensor(indices)
}
