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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/generation"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Files of a model directory.
const (
	ConfigFile      = "model_config.json"
	SourceVocabFile = "source_vocab.txt"
	TargetVocabFile = "target_vocab.txt"
)

// Config describes a dot-product attention model.
type Config struct {
	HiddenSize int `json:"hidden_size"`

	// InitStd is the standard deviation of the initial weights.
	InitStd float64 `json:"init_std"`
	// Seed makes parameter initialization reproducible.
	Seed uint64 `json:"seed"`

	// MaxSteps bounds Predict.
	MaxSteps int `json:"max_steps"`

	// Token selection for Decode and Predict.
	DoSample          bool    `json:"do_sample"`
	Temperature       float32 `json:"temperature"`
	TopK              int     `json:"top_k"`
	TopP              float32 `json:"top_p"`
	RepetitionPenalty float32 `json:"repetition_penalty"`
	MinLength         int     `json:"min_length"`

	// Special tokens; empty means the vocab package defaults.
	PadToken     string `json:"pad_token,omitempty"`
	UnknownToken string `json:"unknown_token,omitempty"`
	StartToken   string `json:"start_token,omitempty"`
	StopToken    string `json:"stop_token,omitempty"`
}

// DefaultConfig returns a small greedy model.
func DefaultConfig() *Config {
	return &Config{
		HiddenSize:        16,
		InitStd:           0.5,
		MaxSteps:          100,
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.HiddenSize < 1 {
		return fmt.Errorf("hidden_size must be at least 1, have %d", c.HiddenSize)
	}
	if c.InitStd <= 0 {
		return fmt.Errorf("init_std must be positive, have %v", c.InitStd)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, have %d", c.MaxSteps)
	}
	return nil
}

func (c *Config) generationConfig(maxSteps int) *generation.Config {
	return &generation.Config{
		MaxNewTokens:      maxSteps,
		MinLength:         c.MinLength,
		DoSample:          c.DoSample,
		Temperature:       c.Temperature,
		TopK:              c.TopK,
		TopP:              c.TopP,
		RepetitionPenalty: c.RepetitionPenalty,
		Seed:              c.Seed,
	}
}

func (c *Config) vocabOptions() []vocab.Option {
	var opts []vocab.Option
	if c.PadToken != "" {
		opts = append(opts, vocab.WithPadToken(c.PadToken))
	}
	if c.UnknownToken != "" {
		opts = append(opts, vocab.WithUnknownToken(c.UnknownToken))
	}
	if c.StartToken != "" {
		opts = append(opts, vocab.WithStartToken(c.StartToken))
	}
	if c.StopToken != "" {
		opts = append(opts, vocab.WithStopToken(c.StopToken))
	}
	return opts
}

// LoadConfig reads model_config.json from a model directory. Fields the
// file leaves out keep their DefaultConfig values.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ConfigFile, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// LoadModel builds an initialized model from a directory holding
// model_config.json, source_vocab.txt and target_vocab.txt.
func LoadModel(dir string, opts ...seq2seq.Option) (*seq2seq.Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	sourceVocab, err := vocab.Load(filepath.Join(dir, SourceVocabFile), cfg.vocabOptions()...)
	if err != nil {
		return nil, fmt.Errorf("loading source vocabulary: %w", err)
	}
	targetVocab, err := vocab.Load(filepath.Join(dir, TargetVocabFile), cfg.vocabOptions()...)
	if err != nil {
		return nil, fmt.Errorf("loading target vocabulary: %w", err)
	}
	return NewModel(cfg, sourceVocab, targetVocab, opts...)
}

// NewModel builds an initialized model from in-memory vocabularies.
func NewModel(cfg *Config, sourceVocab, targetVocab *vocab.Vocab, opts ...seq2seq.Option) (*seq2seq.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoder := NewEncoder(cfg, sourceVocab)
	decoder, err := NewDecoder(cfg, targetVocab)
	if err != nil {
		return nil, err
	}
	model, err := seq2seq.New(encoder, decoder, opts...)
	if err != nil {
		return nil, err
	}
	if err := model.InitializeParameters(); err != nil {
		return nil, err
	}
	return model, nil
}
