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

// Package dotattn is a small dot-product attention encoder-decoder. It
// implements the nn contracts with plain embedding lookups so models can be
// decoded and scored without an inference runtime.
package dotattn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// ErrUnsortedLengths is returned by Encode when lengths increase.
var ErrUnsortedLengths = errors.New("encoder lengths must be non-increasing")

// Encoder embeds source tokens. The context is the embedding sequence and
// the initial decoder state is its mean over the valid positions.
type Encoder struct {
	cfg       *Config
	ec        *vocab.EmbeddingContext
	embedding []float32 // [vocab, hidden]
}

// NewEncoder creates an encoder over v. Call InitializeParameters before use.
func NewEncoder(cfg *Config, v *vocab.Vocab) *Encoder {
	return &Encoder{cfg: cfg, ec: vocab.NewEmbeddingContext(v)}
}

// EmbeddingContext implements nn.Encoder.
func (e *Encoder) EmbeddingContext() *vocab.EmbeddingContext {
	return e.ec
}

// InitializeParameters draws the embedding table. The pad row is zero.
func (e *Encoder) InitializeParameters() error {
	h := e.cfg.HiddenSize
	e.embedding = normalWeights(e.ec.Vocab.Size()*h, e.cfg.InitStd, e.cfg.Seed)
	pad := e.ec.Vocab.PadIndex()
	clear(e.embedding[pad*h : (pad+1)*h])
	return nil
}

// Encode implements nn.Encoder. Positions at or past a row's length are zero
// in the context.
func (e *Encoder) Encode(_ context.Context, features nn.Features, lengths []int) (*tensor.Dense, nn.State, error) {
	if e.embedding == nil {
		return nil, nil, errors.New("encoder parameters are not initialized")
	}
	if !tensors.NonIncreasing(lengths) {
		return nil, nil, fmt.Errorf("%w: have %v", ErrUnsortedLengths, lengths)
	}
	source, ok := features[vocab.TokensFeature]
	if !ok {
		return nil, nil, fmt.Errorf("missing %q source feature", vocab.TokensFeature)
	}
	rows, err := tensors.Rows(source)
	if err != nil {
		return nil, nil, fmt.Errorf("reading source tokens: %w", err)
	}
	if len(rows) != len(lengths) {
		return nil, nil, fmt.Errorf("%d source rows for %d lengths", len(rows), len(lengths))
	}

	h := e.cfg.HiddenSize
	size := e.ec.Vocab.Size()
	steps := source.Shape()[1]
	encoded := make([]float32, len(rows)*steps*h)
	state := &VectorState{
		Hidden:  make([]float32, len(rows)*h),
		Size:    h,
		Lengths: append([]int(nil), lengths...),
	}
	for b, row := range rows {
		mean := state.Row(b)
		for s := range min(lengths[b], steps) {
			tok := row[s]
			if tok < 0 || tok >= size {
				tok = e.ec.Vocab.UnknownIndex()
			}
			vec := e.embedding[tok*h : (tok+1)*h]
			copy(encoded[(b*steps+s)*h:], vec)
			for j, x := range vec {
				mean[j] += x
			}
		}
		if lengths[b] > 0 {
			for j := range mean {
				mean[j] /= float32(lengths[b])
			}
		}
	}
	return tensors.NewFloat([]int{len(rows), steps, h}, encoded), state, nil
}
