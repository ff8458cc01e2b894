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
	"go.uber.org/zap"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
)

// DecodeOptions configures greedy and plain decoding.
type DecodeOptions struct {
	// ReturnTokens converts output indices to surface tokens.
	// Default: true
	ReturnTokens bool

	// MaxSteps bounds the number of decoding steps. Must be at least 1.
	// Default: 100
	MaxSteps int

	// CopyUnknown replaces each unknown output token with the source token
	// the decoder attended to most at that step. Only applies to greedy
	// decoding with ReturnTokens set.
	// Default: false
	CopyUnknown bool

	// Sorted declares that the batch is already in descending source-length
	// order, so no sort/restore is done.
	// Default: false
	Sorted bool
}

// DefaultDecodeOptions returns the default options for greedy and plain decoding.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		ReturnTokens: true,
		MaxSteps:     100,
	}
}

// BeamOptions configures beam decoding.
type BeamOptions struct {
	// BeamSize is the number of hypotheses kept per example.
	// Default: 8
	BeamSize int

	// MaxSteps bounds the number of search steps. Must be at least 1.
	// Default: 300
	MaxSteps int

	// Rescoring optionally adjusts hypothesis scores, e.g. for length
	// normalization.
	Rescoring nn.RescoringFunc

	// ReturnTokens converts candidates to surface tokens.
	// Default: true
	ReturnTokens bool

	// ReturnScores includes the [batch, beam] candidate scores.
	// Default: false
	ReturnScores bool

	// Sorted declares that the batch is already in descending source-length
	// order.
	// Default: false
	Sorted bool
}

// DefaultBeamOptions returns the default options for beam decoding.
func DefaultBeamOptions() BeamOptions {
	return BeamOptions{
		BeamSize:     8,
		MaxSteps:     300,
		ReturnTokens: true,
	}
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger used by the model. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		if logger == nil {
			logger = zap.NewNop()
		}
		m.logger = logger
	}
}

// WithBeamSearch sets the factory used by BeamDecode. Passing nil disables
// beam decoding.
func WithBeamSearch(factory nn.BeamSearchFactory) Option {
	return func(m *Model) {
		m.beamSearch = factory
	}
}
