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
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Batch is one batch of examples. All feature tensors are batch-major.
type Batch struct {
	// SourceFeatures maps feature name to [batch, source steps] ids.
	SourceFeatures nn.Features
	// SourceLengths holds the valid source length of each example.
	SourceLengths []int

	// TargetInputFeatures are the teacher-forced decoder inputs.
	TargetInputFeatures nn.Features
	// TargetOutputFeatures must hold a "tokens" entry with the gold output ids.
	TargetOutputFeatures nn.Features
	// TargetLengths holds the valid target length of each target row.
	TargetLengths []int

	// SourceMask is an optional [batch, source steps] mask, 1 = attend.
	SourceMask *tensor.Dense

	// MultiRef pairs several target rows with one source: target row i
	// decodes against source row TargetSourceIDs[i].
	MultiRef        bool
	TargetSourceIDs []int
}

// BatchSize returns the number of source examples.
func (b *Batch) BatchSize() int {
	return len(b.SourceLengths)
}

// TargetBatchSize returns the number of target rows.
func (b *Batch) TargetBatchSize() int {
	if b.MultiRef {
		return len(b.TargetSourceIDs)
	}
	return b.BatchSize()
}

// Validate checks the shapes of every populated field.
func (b *Batch) Validate() error {
	if err := b.validateSource(); err != nil {
		return err
	}
	if b.TargetOutputFeatures != nil || b.TargetInputFeatures != nil {
		return b.validateTarget()
	}
	return nil
}

func (b *Batch) validateSource() error {
	n := b.BatchSize()
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(b.SourceFeatures) == 0 {
		return fmt.Errorf("%w: no source features", ErrInvalidBatch)
	}

	steps := -1
	for name, feat := range b.SourceFeatures {
		shape := feat.Shape()
		if len(shape) != 2 || shape[0] != n {
			return fmt.Errorf("%w: source feature %q has shape %v, want [%d, steps]", ErrInvalidBatch, name, shape, n)
		}
		if steps >= 0 && shape[1] != steps {
			return fmt.Errorf("%w: source feature %q has %d steps, others have %d", ErrInvalidBatch, name, shape[1], steps)
		}
		steps = shape[1]
	}
	for i, l := range b.SourceLengths {
		if l < 0 || l > steps {
			return fmt.Errorf("%w: source length %d of example %d not in [0, %d]", ErrInvalidBatch, l, i, steps)
		}
	}

	if b.SourceMask != nil {
		shape := b.SourceMask.Shape()
		if len(shape) != 2 || shape[0] != n || shape[1] != steps {
			return fmt.Errorf("%w: source mask has shape %v, want [%d, %d]", ErrInvalidBatch, shape, n, steps)
		}
	}
	return nil
}

func (b *Batch) validateTarget() error {
	if b.MultiRef {
		for i, id := range b.TargetSourceIDs {
			if id < 0 || id >= b.BatchSize() {
				return fmt.Errorf("%w: target source id %d of row %d not in [0, %d)", ErrInvalidBatch, id, i, b.BatchSize())
			}
		}
	}

	n := b.TargetBatchSize()
	gold, ok := b.TargetOutputFeatures[vocab.TokensFeature]
	if !ok {
		return fmt.Errorf("%w: target output features have no %q entry", ErrInvalidBatch, vocab.TokensFeature)
	}
	if shape := gold.Shape(); len(shape) != 2 || shape[0] != n {
		return fmt.Errorf("%w: target tokens have shape %v, want [%d, steps]", ErrInvalidBatch, shape, n)
	}
	for name, feat := range b.TargetInputFeatures {
		if shape := feat.Shape(); len(shape) != 2 || shape[0] != n {
			return fmt.Errorf("%w: target input feature %q has shape %v, want [%d, steps]", ErrInvalidBatch, name, shape, n)
		}
	}
	if len(b.TargetLengths) != n {
		return fmt.Errorf("%w: %d target lengths for %d target rows", ErrInvalidBatch, len(b.TargetLengths), n)
	}
	return nil
}

// SortBatch reorders the source side of b by descending source length, as the
// encoder requires. It returns a new batch holding the sorted source
// features, lengths and mask (target fields are not carried over) together
// with the inverse permutation that maps sorted positions back to the
// caller's order. Any batch-indexed result computed from the sorted batch
// must be gathered with it before it is returned.
func SortBatch(b *Batch) (*Batch, []int, error) {
	lengths, order := tensors.SortDescending(b.SourceLengths)

	features := make(nn.Features, len(b.SourceFeatures))
	for name, feat := range b.SourceFeatures {
		sorted, err := tensors.Gather(feat, 0, order)
		if err != nil {
			return nil, nil, fmt.Errorf("sorting source feature %q: %w", name, err)
		}
		features[name] = sorted
	}

	sorted := &Batch{
		SourceFeatures: features,
		SourceLengths:  lengths,
	}
	if b.SourceMask != nil {
		mask, err := tensors.Gather(b.SourceMask, 0, order)
		if err != nil {
			return nil, nil, fmt.Errorf("sorting source mask: %w", err)
		}
		sorted.SourceMask = mask
	}
	return sorted, tensors.Inverse(order), nil
}
