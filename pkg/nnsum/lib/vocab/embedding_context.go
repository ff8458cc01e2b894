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

package vocab

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
)

// TokensFeature is the name of the surface-token feature.
const TokensFeature = "tokens"

// EmbeddingContext is the vocabulary side of an encoder or decoder: its
// primary vocabulary plus vocabularies for each named input feature.
type EmbeddingContext struct {
	Vocab       *Vocab
	NamedVocabs map[string]*Vocab
}

// NewEmbeddingContext creates a context whose "tokens" feature uses v.
func NewEmbeddingContext(v *Vocab) *EmbeddingContext {
	return &EmbeddingContext{
		Vocab:       v,
		NamedVocabs: map[string]*Vocab{TokensFeature: v},
	}
}

// Named returns the vocabulary of a named feature.
func (c *EmbeddingContext) Named(name string) (*Vocab, bool) {
	v, ok := c.NamedVocabs[name]
	return v, ok
}

// ConvertIndexTensor converts [batch, steps] output indices to surface tokens.
// Each row ends before its first stop or pad index, so position t of a row
// is always output step t.
func (c *EmbeddingContext) ConvertIndexTensor(indices *tensor.Dense) ([][]string, error) {
	rows, err := tensors.Rows(indices)
	if err != nil {
		return nil, fmt.Errorf("converting indices: %w", err)
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = c.convertRow(row)
	}
	return out, nil
}

// ConvertCandidates converts [batch, beam, steps] beam candidates to surface
// tokens, one list of hypotheses per example.
func (c *EmbeddingContext) ConvertCandidates(candidates *tensor.Dense) ([][][]string, error) {
	shape := candidates.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected [batch, beam, steps] candidates, have shape %v", shape)
	}
	data, err := tensors.Ints(candidates)
	if err != nil {
		return nil, fmt.Errorf("converting candidates: %w", err)
	}

	batch, beam, steps := shape[0], shape[1], shape[2]
	out := make([][][]string, batch)
	for b := range batch {
		out[b] = make([][]string, beam)
		for k := range beam {
			off := (b*beam + k) * steps
			out[b][k] = c.convertRow(data[off : off+steps])
		}
	}
	return out, nil
}

func (c *EmbeddingContext) convertRow(row []int) []string {
	toks := make([]string, 0, len(row))
	for _, idx := range row {
		if idx == c.Vocab.PadIndex() || idx == c.Vocab.StopIndex() {
			break
		}
		toks = append(toks, c.Vocab.Token(idx))
	}
	return toks
}
