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
	"testing"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// fakeState identifies each row by the first source token of its example,
// so tests can tell which example a row belongs to after any reordering.
type fakeState struct {
	ids []int
}

func (s *fakeState) BatchSize() int { return len(s.ids) }

func (s *fakeState) Gather(order []int) (nn.State, error) {
	ids := make([]int, len(order))
	for i, j := range order {
		if j < 0 || j >= len(s.ids) {
			return nil, fmt.Errorf("row %d out of range", j)
		}
		ids[i] = s.ids[j]
	}
	return &fakeState{ids: ids}, nil
}

type fakeEncoder struct {
	ec      *vocab.EmbeddingContext
	lengths [][]int
	initErr error
	calls   *[]string
}

func (e *fakeEncoder) Encode(_ context.Context, features nn.Features, lengths []int) (*tensor.Dense, nn.State, error) {
	e.lengths = append(e.lengths, append([]int(nil), lengths...))
	rows, err := tensors.Rows(features[vocab.TokensFeature])
	if err != nil {
		return nil, nil, err
	}
	steps := len(rows[0])
	data := make([]float32, 0, len(rows)*steps)
	ids := make([]int, len(rows))
	for i, row := range rows {
		ids[i] = row[0]
		for _, tok := range row {
			data = append(data, float32(tok))
		}
	}
	return tensors.NewFloat([]int{len(rows), steps, 1}, data), &fakeState{ids: ids}, nil
}

func (e *fakeEncoder) EmbeddingContext() *vocab.EmbeddingContext { return e.ec }

func (e *fakeEncoder) InitializeParameters() error {
	if e.calls != nil {
		*e.calls = append(*e.calls, "encoder")
	}
	return e.initErr
}

// fakeDecoder replays canned outputs keyed by the state row id.
type fakeDecoder struct {
	ec *vocab.EmbeddingContext

	outputs map[int][]int
	// attention holds, per row id, one source distribution per step.
	attention   map[int][][]float32
	noAttention bool

	maxSteps    []int
	forwardIDs  []int
	forwardCtx  *tensor.Dense
	forwardMask *tensor.Dense

	initErr error
	calls   *[]string
}

func (d *fakeDecoder) Forward(_ context.Context, targetInput nn.Features, encoderContext *tensor.Dense, state nn.State, mask *tensor.Dense) (*nn.DecoderOutput, error) {
	d.forwardIDs = append([]int(nil), state.(*fakeState).ids...)
	d.forwardCtx = encoderContext
	d.forwardMask = mask

	batch := state.BatchSize()
	steps := targetInput[vocab.TokensFeature].Shape()[1]
	sourceSteps := encoderContext.Shape()[1]
	size := d.ec.Vocab.Size()
	return &nn.DecoderOutput{
		Logits: tensors.NewFloat([]int{batch, steps, size}, make([]float32, batch*steps*size)),
		Attention: map[string]*tensor.Dense{
			nn.AttentionKey: tensors.NewFloat([]int{steps, batch, sourceSteps}, make([]float32, steps*batch*sourceSteps)),
		},
		State: state,
	}, nil
}

func (d *fakeDecoder) Decode(_ context.Context, encoderContext *tensor.Dense, state nn.State, maxSteps int) (*tensor.Dense, []nn.StepState, error) {
	d.maxSteps = append(d.maxSteps, maxSteps)
	ids := state.(*fakeState).ids
	rows := make([][]int, len(ids))
	steps := 0
	for i, id := range ids {
		out := d.outputs[id]
		rows[i] = out[:min(len(out), maxSteps)]
		steps = max(steps, len(rows[i]))
	}
	indices, err := tensors.NewIndex(rows, d.ec.Vocab.PadIndex())
	if err != nil {
		return nil, nil, err
	}

	states := make([]nn.StepState, steps)
	if d.noAttention {
		return indices, states, nil
	}
	sourceSteps := encoderContext.Shape()[1]
	for t := range steps {
		data := make([]float32, len(ids)*sourceSteps)
		for i, id := range ids {
			if dist := d.attention[id]; t < len(dist) {
				copy(data[i*sourceSteps:(i+1)*sourceSteps], dist[t])
			}
		}
		states[t] = nn.StepState{Attention: tensors.NewFloat([]int{1, len(ids), sourceSteps}, data)}
	}
	return indices, states, nil
}

func (d *fakeDecoder) Predict(ctx context.Context, encoderContext *tensor.Dense, state nn.State) (*tensor.Dense, error) {
	indices, _, err := d.Decode(ctx, encoderContext, state, 100)
	return indices, err
}

func (d *fakeDecoder) EmbeddingContext() *vocab.EmbeddingContext { return d.ec }

func (d *fakeDecoder) InitializeParameters() error {
	if d.calls != nil {
		*d.calls = append(*d.calls, "decoder")
	}
	return d.initErr
}

// stepDecoder advances each row through its example's next-token table,
// keyed by the previous token. Unlisted tokens are impossible.
type stepDecoder struct {
	fakeDecoder
	tables map[int]map[int]map[int]float32
}

func (d *stepDecoder) Step(_ context.Context, tokens []int, encoderContext *tensor.Dense, state nn.State) (*nn.StepOutput, error) {
	ids := state.(*fakeState).ids
	if len(ids) != len(tokens) || encoderContext.Shape()[0] != len(tokens) {
		return nil, errors.New("rows do not line up")
	}
	size := d.ec.Vocab.Size()
	logProbs := make([]float32, len(tokens)*size)
	for i, prev := range tokens {
		row := logProbs[i*size : (i+1)*size]
		for v := range row {
			row[v] = math32.Inf(-1)
		}
		for next, p := range d.tables[ids[i]][prev] {
			row[next] = math32.Log(p)
		}
	}
	return &nn.StepOutput{
		LogProbs: tensors.NewFloat([]int{len(tokens), size}, logProbs),
		State:    state,
	}, nil
}

// fakeSearch emits one candidate per beam slot: [id, slot] with score -slot-id/100.
type fakeSearch struct {
	ids      []int
	beamSize int
	sorted   bool
}

func (s *fakeSearch) Search(context.Context) error { return nil }

func (s *fakeSearch) SortByScore() { s.sorted = true }

func (s *fakeSearch) Candidates() *tensor.Dense {
	data := make([]int, 0, len(s.ids)*s.beamSize*2)
	for _, id := range s.ids {
		for k := range s.beamSize {
			data = append(data, id, k)
		}
	}
	return tensor.New(tensor.WithShape(len(s.ids), s.beamSize, 2), tensor.WithBacking(data))
}

func (s *fakeSearch) Scores() *tensor.Dense {
	data := make([]float32, 0, len(s.ids)*s.beamSize)
	for _, id := range s.ids {
		for k := range s.beamSize {
			data = append(data, -float32(k)-float32(id)/100)
		}
	}
	return tensors.NewFloat([]int{len(s.ids), s.beamSize}, data)
}

func fakeBeamFactory(_ nn.Decoder, state nn.State, _ *tensor.Dense, cfg nn.BeamConfig) (nn.BeamSearch, error) {
	return &fakeSearch{ids: state.(*fakeState).ids, beamSize: cfg.BeamSize}, nil
}

// targetVocab: 0 <pad>, 1 <unk>, 2 <sos>, 3 <eos>, 4 the, 5 city, 6 of, 7 is.
func targetVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.New([]string{"<pad>", "<unk>", "<sos>", "<eos>", "the", "city", "of", "is"})
	require.NoError(t, err)
	return v
}

// sourceVocab: 0 <pad>, 1 <unk>, 2 Gdansk, 3 is, 4 a, 5 city, 6 Poznan, 7 Torun.
func sourceVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.New([]string{"<pad>", "<unk>", "Gdansk", "is", "a", "city", "Poznan", "Torun"})
	require.NoError(t, err)
	return v
}

func newFakes(t *testing.T) (*fakeEncoder, *fakeDecoder) {
	t.Helper()
	enc := &fakeEncoder{ec: vocab.NewEmbeddingContext(sourceVocab(t))}
	dec := &fakeDecoder{ec: vocab.NewEmbeddingContext(targetVocab(t))}
	return enc, dec
}

func indexTensor(t *testing.T, rows [][]int) *tensor.Dense {
	t.Helper()
	idx, err := tensors.NewIndex(rows, 0)
	require.NoError(t, err)
	return idx
}

// sourceBatch builds a batch whose lengths are the row lengths.
func sourceBatch(t *testing.T, rows ...[]int) *Batch {
	t.Helper()
	lengths := make([]int, len(rows))
	for i, row := range rows {
		lengths[i] = len(row)
	}
	return &Batch{
		SourceFeatures: nn.Features{vocab.TokensFeature: indexTensor(t, rows)},
		SourceLengths:  lengths,
	}
}
