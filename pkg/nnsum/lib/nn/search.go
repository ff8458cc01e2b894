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

package nn

import (
	"context"

	"github.com/pdevine/tensor"
	"go.uber.org/zap"
)

// RescoringFunc adjusts the score of a hypothesis for batch example
// example. tokens is the hypothesis so far, including a trailing stop index
// when it finished.
type RescoringFunc func(example int, tokens []int, score float32) float32

// BeamConfig configures one beam search run.
type BeamConfig struct {
	BeamSize  int
	MaxSteps  int
	Rescoring RescoringFunc // nil = raw log-probability sums
	Logger    *zap.Logger
}

// BeamSearch explores several continuations per batch example.
type BeamSearch interface {
	// Search runs to completion: every example has BeamSize finished
	// hypotheses or MaxSteps steps were taken.
	Search(ctx context.Context) error
	// SortByScore orders each example's candidates by descending score.
	SortByScore()
	// Candidates is [batch, beam, steps], padded with the pad index.
	Candidates() *tensor.Dense
	// Scores is [batch, beam].
	Scores() *tensor.Dense
}

// BeamSearchFactory binds a beam search run to a decoder, its initial state
// and the encoder context.
type BeamSearchFactory func(decoder Decoder, state State, encoderContext *tensor.Dense, cfg BeamConfig) (BeamSearch, error)
