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
	"errors"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/generation"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Decoder advances one hidden vector per row:
//
//	h = tanh(W·state + E[prev])
//	a = softmax(h·context) over the row's valid source positions
//	o = h + Σ a·context
//	logits = E·o, next state = tanh(o)
//
// Output logits are tied to the input embeddings E. The pad token is never
// predicted.
type Decoder struct {
	cfg        *Config
	ec         *vocab.EmbeddingContext
	embedding  []float32 // [vocab, hidden]
	transition []float32 // [hidden, hidden]
}

// NewDecoder creates a decoder over v, which must have a start token. Call
// InitializeParameters before use.
func NewDecoder(cfg *Config, v *vocab.Vocab) (*Decoder, error) {
	if v.StartIndex() < 0 {
		return nil, errors.New("decoder vocabulary needs a start token")
	}
	return &Decoder{cfg: cfg, ec: vocab.NewEmbeddingContext(v)}, nil
}

// EmbeddingContext implements nn.Decoder.
func (d *Decoder) EmbeddingContext() *vocab.EmbeddingContext {
	return d.ec
}

// InitializeParameters draws the embedding and transition weights.
func (d *Decoder) InitializeParameters() error {
	h := d.cfg.HiddenSize
	d.embedding = normalWeights(d.ec.Vocab.Size()*h, d.cfg.InitStd, d.cfg.Seed+1)
	pad := d.ec.Vocab.PadIndex()
	clear(d.embedding[pad*h : (pad+1)*h])
	d.transition = normalWeights(h*h, d.cfg.InitStd/math.Sqrt(float64(h)), d.cfg.Seed+2)
	return nil
}

// cell runs one step for one row. source is the row's [source steps, hidden]
// slice of the encoder context.
func (d *Decoder) cell(token int, prev, source []float32, valid []bool) (logits, attention, next []float32) {
	h := d.cfg.HiddenSize
	if token < 0 || token >= d.ec.Vocab.Size() {
		token = d.ec.Vocab.UnknownIndex()
	}

	hidden := make([]float32, h)
	for j := range hidden {
		hidden[j] = dot(d.transition[j*h:(j+1)*h], prev) + d.embedding[token*h+j]
	}
	tanhInPlace(hidden)

	attention = make([]float32, len(valid))
	scores := make([]float32, len(valid))
	anyValid := false
	for s, ok := range valid {
		if !ok {
			scores[s] = math32.Inf(-1)
			continue
		}
		scores[s] = dot(hidden, source[s*h:(s+1)*h])
		anyValid = true
	}
	if anyValid {
		attention = tensors.Softmax(scores)
	}

	out := append([]float32(nil), hidden...)
	for s, a := range attention {
		if a == 0 {
			continue
		}
		for j := range out {
			out[j] += a * source[s*h+j]
		}
	}

	size := d.ec.Vocab.Size()
	logits = make([]float32, size)
	for v := range size {
		logits[v] = dot(d.embedding[v*h:(v+1)*h], out)
	}
	logits[d.ec.Vocab.PadIndex()] = math32.Inf(-1)

	tanhInPlace(out)
	return logits, attention, out
}

func (d *Decoder) checkInitialized() error {
	if d.embedding == nil {
		return errors.New("decoder parameters are not initialized")
	}
	return nil
}

// contextRows checks that encoderContext is [rows, steps, hidden] and
// returns its backing and steps.
func (d *Decoder) contextRows(encoderContext *tensor.Dense, rows int) ([]float32, int, error) {
	shape := encoderContext.Shape()
	if len(shape) != 3 || shape[0] != rows || shape[2] != d.cfg.HiddenSize {
		return nil, 0, fmt.Errorf("encoder context shape %v, want [%d, steps, %d]", shape, rows, d.cfg.HiddenSize)
	}
	data, err := tensors.Float32s(encoderContext)
	if err != nil {
		return nil, 0, fmt.Errorf("reading encoder context: %w", err)
	}
	return data, shape[1], nil
}

func validByLength(length, steps int) []bool {
	valid := make([]bool, steps)
	for s := range min(length, steps) {
		valid[s] = true
	}
	return valid
}

// Step implements nn.Stepper.
func (d *Decoder) Step(ctx context.Context, tokens []int, encoderContext *tensor.Dense, state nn.State) (*nn.StepOutput, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs, err := asVectorState(state)
	if err != nil {
		return nil, err
	}
	rows := len(tokens)
	if vs.BatchSize() != rows {
		return nil, fmt.Errorf("%d tokens for %d state rows", rows, vs.BatchSize())
	}
	encoded, steps, err := d.contextRows(encoderContext, rows)
	if err != nil {
		return nil, err
	}

	h := d.cfg.HiddenSize
	size := d.ec.Vocab.Size()
	logProbs := make([]float32, 0, rows*size)
	attention := make([]float32, 0, rows*steps)
	next := &VectorState{
		Hidden:  make([]float32, 0, rows*h),
		Size:    h,
		Lengths: append([]int(nil), vs.Lengths...),
	}
	for r, tok := range tokens {
		logits, att, hidden := d.cell(tok, vs.Row(r), encoded[r*steps*h:(r+1)*steps*h], validByLength(vs.Lengths[r], steps))
		logProbs = append(logProbs, tensors.LogSoftmax(logits)...)
		attention = append(attention, att...)
		next.Hidden = append(next.Hidden, hidden...)
	}

	return &nn.StepOutput{
		LogProbs:  tensors.NewFloat([]int{rows, size}, logProbs),
		Attention: tensors.NewFloat([]int{1, rows, steps}, attention),
		State:     next,
	}, nil
}

// Forward implements nn.Decoder. With a context mask, positions whose mask
// entry is zero are not attended; otherwise each row's source length decides.
func (d *Decoder) Forward(ctx context.Context, targetInput nn.Features, encoderContext *tensor.Dense, state nn.State, contextMask *tensor.Dense) (*nn.DecoderOutput, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	vs, err := asVectorState(state)
	if err != nil {
		return nil, err
	}
	input, ok := targetInput[vocab.TokensFeature]
	if !ok {
		return nil, fmt.Errorf("missing %q target input feature", vocab.TokensFeature)
	}
	rows, err := tensors.Rows(input)
	if err != nil {
		return nil, fmt.Errorf("reading target input: %w", err)
	}
	batch := len(rows)
	if vs.BatchSize() != batch {
		return nil, fmt.Errorf("%d target rows for %d state rows", batch, vs.BatchSize())
	}
	encoded, steps, err := d.contextRows(encoderContext, batch)
	if err != nil {
		return nil, err
	}
	valid, err := validPositions(vs.Lengths, steps, contextMask)
	if err != nil {
		return nil, err
	}

	h := d.cfg.HiddenSize
	size := d.ec.Vocab.Size()
	targetSteps := input.Shape()[1]
	logits := make([]float32, batch*targetSteps*size)
	attention := make([]float32, targetSteps*batch*steps)
	hidden := append([]float32(nil), vs.Hidden...)

	for t := range targetSteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for b, row := range rows {
			l, a, next := d.cell(row[t], hidden[b*h:(b+1)*h], encoded[b*steps*h:(b+1)*steps*h], valid[b])
			copy(logits[(b*targetSteps+t)*size:], l)
			copy(attention[(t*batch+b)*steps:], a)
			copy(hidden[b*h:(b+1)*h], next)
		}
	}

	return &nn.DecoderOutput{
		Logits: tensors.NewFloat([]int{batch, targetSteps, size}, logits),
		Attention: map[string]*tensor.Dense{
			nn.AttentionKey: tensors.NewFloat([]int{targetSteps, batch, steps}, attention),
		},
		State: &VectorState{Hidden: hidden, Size: h, Lengths: append([]int(nil), vs.Lengths...)},
	}, nil
}

func validPositions(lengths []int, steps int, mask *tensor.Dense) ([][]bool, error) {
	valid := make([][]bool, len(lengths))
	if mask == nil {
		for b, l := range lengths {
			valid[b] = validByLength(l, steps)
		}
		return valid, nil
	}

	if shape := mask.Shape(); len(shape) != 2 || shape[0] != len(lengths) || shape[1] != steps {
		return nil, fmt.Errorf("context mask shape %v, want [%d, %d]", shape, len(lengths), steps)
	}
	data, err := tensors.Float32s(mask)
	if err != nil {
		return nil, fmt.Errorf("reading context mask: %w", err)
	}
	for b := range lengths {
		valid[b] = make([]bool, steps)
		for s := range steps {
			valid[b][s] = data[b*steps+s] > 0
		}
	}
	return valid, nil
}

// Decode implements nn.Decoder with the configured token selection.
func (d *Decoder) Decode(ctx context.Context, encoderContext *tensor.Dense, state nn.State, maxSteps int) (*tensor.Dense, []nn.StepState, error) {
	v := d.ec.Vocab
	gen := generation.NewGenerator(d.cfg.generationConfig(maxSteps), v.StartIndex(), v.StopIndex(), v.PadIndex())

	current := state
	res, err := gen.Generate(ctx, state.BatchSize(), func(ctx context.Context, tokens []int) (*nn.StepOutput, error) {
		out, err := d.Step(ctx, tokens, encoderContext, current)
		if err != nil {
			return nil, err
		}
		current = out.State
		return out, nil
	})
	if err != nil {
		return nil, nil, err
	}
	indices, err := res.Indices(v.PadIndex())
	if err != nil {
		return nil, nil, err
	}
	return indices, res.Steps, nil
}

// Predict implements nn.Decoder, decoding for at most MaxSteps steps.
func (d *Decoder) Predict(ctx context.Context, encoderContext *tensor.Dense, state nn.State) (*tensor.Dense, error) {
	indices, _, err := d.Decode(ctx, encoderContext, state, d.cfg.MaxSteps)
	return indices, err
}
