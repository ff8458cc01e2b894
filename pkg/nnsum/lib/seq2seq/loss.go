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
	"errors"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Reduction selects how per-token losses are combined.
type Reduction string

const (
	// ReductionMean divides the summed loss by the number of non-pad gold tokens.
	ReductionMean Reduction = "mean"
	// ReductionSum adds up the per-token losses.
	ReductionSum Reduction = "sum"
	// ReductionNone keeps the [batch, target steps] per-token losses.
	ReductionNone Reduction = "none"
)

// ErrInvalidReduction is returned for a reduction other than mean, sum or none.
var ErrInvalidReduction = errors.New("reduction must be 'mean', 'sum', or 'none'")

// ParseReduction converts a configuration string to a Reduction.
func ParseReduction(s string) (Reduction, error) {
	r := Reduction(s)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Validate reports whether r is a known reduction.
func (r Reduction) Validate() error {
	switch r {
	case ReductionMean, ReductionSum, ReductionNone:
		return nil
	}
	return fmt.Errorf("%w: have %q", ErrInvalidReduction, string(r))
}

// Loss is the result of CrossEntropy.
type Loss struct {
	Reduction Reduction
	// Value is the reduced loss. Unset for ReductionNone.
	Value float32
	// PerToken is the [batch, target steps] loss for ReductionNone, with
	// exact zeros at pad positions.
	PerToken *tensor.Dense
	// State is the auxiliary state of the forward pass.
	State *StateBundle
}

// CrossEntropy computes the token-level cross-entropy of the decoder's
// predictions against TargetOutputFeatures["tokens"]. Gold positions holding
// the decoder's pad index contribute nothing. The batch must be sorted.
func (m *Model) CrossEntropy(ctx context.Context, batch *Batch, reduction Reduction) (*Loss, error) {
	if err := reduction.Validate(); err != nil {
		return nil, err
	}

	logits, state, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	gold := batch.TargetOutputFeatures[vocab.TokensFeature]
	pad := m.decoder.EmbeddingContext().Vocab.PadIndex()
	perToken, count, err := tokenCrossEntropy(logits, gold, pad)
	if err != nil {
		return nil, err
	}

	loss := &Loss{Reduction: reduction, State: state}
	switch reduction {
	case ReductionNone:
		loss.PerToken = tensors.NewFloat(gold.Shape().Clone(), perToken)
	case ReductionSum:
		loss.Value = sum(perToken)
	case ReductionMean:
		if count > 0 {
			loss.Value = sum(perToken) / float32(count)
		}
	}
	return loss, nil
}

// tokenCrossEntropy returns the flat [batch*steps] negative log-likelihoods
// of gold under logits and the number of non-pad gold tokens.
func tokenCrossEntropy(logits, gold *tensor.Dense, pad int) ([]float32, int, error) {
	lshape, gshape := logits.Shape(), gold.Shape()
	if len(lshape) != 3 || lshape[0] != gshape[0] || lshape[1] != gshape[1] {
		return nil, 0, fmt.Errorf("logits shape %v does not match gold shape %v", lshape, gshape)
	}
	scores, err := tensors.Float32s(logits)
	if err != nil {
		return nil, 0, fmt.Errorf("reading logits: %w", err)
	}
	targets, err := tensors.Ints(gold)
	if err != nil {
		return nil, 0, fmt.Errorf("reading gold tokens: %w", err)
	}

	vocabSize := lshape[2]
	out := make([]float32, len(targets))
	count := 0
	for i, target := range targets {
		if target == pad {
			continue
		}
		if target < 0 || target >= vocabSize {
			return nil, 0, fmt.Errorf("gold index %d not in [0, %d)", target, vocabSize)
		}
		row := scores[i*vocabSize : (i+1)*vocabSize]
		out[i] = tensors.LogSumExp(row) - row[target]
		count++
	}
	return out, count, nil
}

func sum(values []float32) float32 {
	var total float32
	for _, v := range values {
		total += v
	}
	return total
}
