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

// Package beam implements beam search over any decoder that exposes the
// nn.Stepper single-step primitive.
package beam

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/pdevine/tensor"
	"go.uber.org/zap"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
)

var (
	// ErrNotStepper is returned when the decoder cannot be advanced one step at a time.
	ErrNotStepper = errors.New("decoder does not implement nn.Stepper")

	// ErrNoStartToken is returned when the decoder vocabulary has no start token.
	ErrNoStartToken = errors.New("decoder vocabulary has no start token")
)

type hypothesis struct {
	tokens []int
	// score is the sum of token log-probabilities.
	score float32
	// final is score after rescoring; only set once the hypothesis is done.
	final float32
	// row is the hypothesis' row in the current decoder state.
	row int
}

func (h *hypothesis) last(start int) int {
	if len(h.tokens) == 0 {
		return start
	}
	return h.tokens[len(h.tokens)-1]
}

// expansion is one scored continuation of a live hypothesis.
type expansion struct {
	parent *hypothesis
	row    int // parent's row in the step output
	token  int
	score  float32
}

// Search is a beam search run over one encoded batch.
type Search struct {
	stepper        nn.Stepper
	encoderContext *tensor.Dense
	state          nn.State
	cfg            nn.BeamConfig
	logger         *zap.Logger

	start, stop, pad int

	live     [][]*hypothesis
	finished [][]*hypothesis
	steps    int
}

// New creates a search whose decoder starts from state, one row per example.
func New(decoder nn.Decoder, state nn.State, encoderContext *tensor.Dense, cfg nn.BeamConfig) (*Search, error) {
	stepper, ok := decoder.(nn.Stepper)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotStepper, decoder)
	}
	if cfg.BeamSize < 1 {
		return nil, fmt.Errorf("beam size must be at least 1, have %d", cfg.BeamSize)
	}
	if cfg.MaxSteps < 1 {
		return nil, fmt.Errorf("max steps must be at least 1, have %d", cfg.MaxSteps)
	}
	batch := state.BatchSize()
	if shape := encoderContext.Shape(); len(shape) == 0 || shape[0] != batch {
		return nil, fmt.Errorf("encoder context shape %v does not match %d state rows", shape, batch)
	}

	v := decoder.EmbeddingContext().Vocab
	if v.StartIndex() < 0 {
		return nil, ErrNoStartToken
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Search{
		stepper:        stepper,
		encoderContext: encoderContext,
		state:          state,
		cfg:            cfg,
		logger:         logger,
		start:          v.StartIndex(),
		stop:           v.StopIndex(),
		pad:            v.PadIndex(),
		live:           make([][]*hypothesis, batch),
		finished:       make([][]*hypothesis, batch),
	}
	for b := range batch {
		s.live[b] = []*hypothesis{{row: b}}
	}
	return s, nil
}

// NewSearch is New as an nn.BeamSearchFactory.
func NewSearch(decoder nn.Decoder, state nn.State, encoderContext *tensor.Dense, cfg nn.BeamConfig) (nn.BeamSearch, error) {
	return New(decoder, state, encoderContext, cfg)
}

// Search expands hypotheses until every example is settled or MaxSteps steps
// were taken. Hypotheses still live when the step limit ends the search are
// finished as they are, truncated at MaxSteps tokens.
func (s *Search) Search(ctx context.Context) error {
	for s.steps < s.cfg.MaxSteps && s.active() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			return fmt.Errorf("beam search step %d: %w", s.steps, err)
		}
		s.steps++
	}

	for b, live := range s.live {
		if !s.settled(b) {
			for _, h := range live {
				s.finish(b, h)
			}
		}
		s.live[b] = nil
		s.finished[b] = s.best(s.finished[b])
	}
	s.logger.Debug("Beam search finished",
		zap.Int("steps", s.steps),
		zap.Int("batch", len(s.finished)),
		zap.Int("beamSize", s.cfg.BeamSize))
	return nil
}

func (s *Search) active() bool {
	for b := range s.live {
		if !s.settled(b) {
			return true
		}
	}
	return false
}

// settled reports whether example b needs no more steps: it has no live
// hypotheses, or it has BeamSize finished ones that no live hypothesis can
// overtake. Log-probabilities are never positive, so a live score only falls.
// Rescoring is assumed not to lift a hypothesis above its raw score bound.
func (s *Search) settled(b int) bool {
	live, finished := s.live[b], s.finished[b]
	if len(live) == 0 {
		return true
	}
	if len(finished) < s.cfg.BeamSize {
		return false
	}
	// finished is kept sorted and trimmed to BeamSize.
	worst := finished[len(finished)-1].final
	for _, h := range live {
		if h.score > worst {
			return false
		}
	}
	return true
}

func (s *Search) step(ctx context.Context) error {
	var (
		examples []int
		rows     []int
		tokens   []int
	)
	expand := make([]bool, len(s.live))
	for b, live := range s.live {
		if s.settled(b) {
			s.live[b] = nil
			continue
		}
		expand[b] = true
		for _, h := range live {
			examples = append(examples, b)
			rows = append(rows, h.row)
			tokens = append(tokens, h.last(s.start))
		}
	}

	encoderContext, err := tensors.Gather(s.encoderContext, 0, examples)
	if err != nil {
		return fmt.Errorf("expanding encoder context: %w", err)
	}
	state, err := s.state.Gather(rows)
	if err != nil {
		return fmt.Errorf("expanding decoder state: %w", err)
	}
	out, err := s.stepper.Step(ctx, tokens, encoderContext, state)
	if err != nil {
		return err
	}
	logProbs, err := tensors.Float32s(out.LogProbs)
	if err != nil {
		return fmt.Errorf("reading log-probabilities: %w", err)
	}
	if len(tokens) == 0 || len(logProbs)%len(tokens) != 0 {
		return fmt.Errorf("log-probabilities shape %v does not match %d rows", out.LogProbs.Shape(), len(tokens))
	}
	vocabSize := len(logProbs) / len(tokens)

	row := 0
	for b, live := range s.live {
		if !expand[b] {
			continue
		}
		top := s.topK(live, row, logProbs, vocabSize)
		row += len(live)

		next := make([]*hypothesis, 0, len(top))
		for _, e := range top {
			h := &hypothesis{
				tokens: append(slices.Clone(e.parent.tokens), e.token),
				score:  e.score,
				row:    e.row,
			}
			if e.token == s.stop {
				s.finish(b, h)
				continue
			}
			next = append(next, h)
		}
		s.live[b] = next
		s.finished[b] = s.best(s.finished[b])
	}
	s.state = out.State

	s.logger.Debug("Beam search step", zap.Int("step", s.steps), zap.Int("rows", len(tokens)))
	return nil
}

// topK returns the BeamSize best continuations of live, best first. Row r of
// logProbs belongs to live[r-offset].
func (s *Search) topK(live []*hypothesis, offset int, logProbs []float32, vocabSize int) []*expansion {
	// Min-heap on score: the root is the weakest expansion kept so far.
	// Equal scores prefer the earlier (row, token).
	heap := binaryheap.NewWith(func(a, b interface{}) int {
		x, y := a.(*expansion), b.(*expansion)
		switch {
		case x.score < y.score:
			return -1
		case x.score > y.score:
			return 1
		case x.row != y.row:
			return y.row - x.row
		default:
			return y.token - x.token
		}
	})

	for i, h := range live {
		row := offset + i
		probs := logProbs[row*vocabSize : (row+1)*vocabSize]
		for token, lp := range probs {
			if token == s.pad || math32.IsInf(lp, -1) || math32.IsNaN(lp) {
				continue
			}
			heap.Push(&expansion{parent: h, row: row, token: token, score: h.score + lp})
			if heap.Size() > s.cfg.BeamSize {
				heap.Pop()
			}
		}
	}

	out := make([]*expansion, heap.Size())
	for i := len(out) - 1; i >= 0; i-- {
		v, _ := heap.Pop()
		out[i] = v.(*expansion)
	}
	return out
}

func (s *Search) finish(b int, h *hypothesis) {
	h.final = h.score
	if s.cfg.Rescoring != nil {
		h.final = s.cfg.Rescoring(b, h.tokens, h.score)
	}
	s.finished[b] = append(s.finished[b], h)
}

// best keeps the BeamSize highest-scoring hypotheses, best first.
func (s *Search) best(hyps []*hypothesis) []*hypothesis {
	sortByFinal(hyps)
	return hyps[:min(len(hyps), s.cfg.BeamSize)]
}

func sortByFinal(hyps []*hypothesis) {
	slices.SortStableFunc(hyps, func(a, b *hypothesis) int {
		switch {
		case a.final > b.final:
			return -1
		case a.final < b.final:
			return 1
		}
		return 0
	})
}

// SortByScore orders each example's candidates by descending final score.
func (s *Search) SortByScore() {
	for _, hyps := range s.finished {
		sortByFinal(hyps)
	}
}

// Candidates returns the finished hypotheses as [batch, beam, steps] indices.
// Rows are padded with the pad index; examples with fewer than BeamSize
// hypotheses get all-pad rows.
func (s *Search) Candidates() *tensor.Dense {
	steps := 1
	for _, hyps := range s.finished {
		for _, h := range hyps {
			steps = max(steps, len(h.tokens))
		}
	}

	beamSize := s.cfg.BeamSize
	data := make([]int, len(s.finished)*beamSize*steps)
	for i := range data {
		data[i] = s.pad
	}
	for b, hyps := range s.finished {
		for k, h := range hyps {
			off := (b*beamSize + k) * steps
			copy(data[off:off+steps], h.tokens)
		}
	}
	return tensor.New(tensor.WithShape(len(s.finished), beamSize, steps), tensor.WithBacking(data))
}

// Scores returns the [batch, beam] final scores of Candidates. Missing
// hypotheses score negative infinity.
func (s *Search) Scores() *tensor.Dense {
	beamSize := s.cfg.BeamSize
	data := make([]float32, len(s.finished)*beamSize)
	for i := range data {
		data[i] = math32.Inf(-1)
	}
	for b, hyps := range s.finished {
		for k, h := range hyps {
			data[b*beamSize+k] = h.final
		}
	}
	return tensors.NewFloat([]int{len(s.finished), beamSize}, data)
}

// Steps returns the number of steps taken.
func (s *Search) Steps() int {
	return s.steps
}
