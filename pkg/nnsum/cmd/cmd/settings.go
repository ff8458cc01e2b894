// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/antflydb/nnsum/pkg/nnsum"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/logging"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
)

// Strategy selects the decoding path.
type Strategy string

const (
	StrategyGreedy Strategy = "greedy"
	StrategyPlain  Strategy = "plain"
	StrategyBeam   Strategy = "beam"
)

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyGreedy, StrategyPlain, StrategyBeam:
		return st, nil
	}
	return "", fmt.Errorf("strategy must be 'greedy', 'plain', or 'beam': have %q", s)
}

// Format is an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatCBOR  Format = "cbor"
)

// ParseFormat converts a configuration string to a Format. The empty string
// is allowed and means autodetect.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "", FormatJSON, FormatTable, FormatCBOR:
		return f, nil
	}
	return "", fmt.Errorf("format must be 'json', 'table', or 'cbor': have %q", s)
}

type decodeSettings struct {
	Strategy    Strategy `mapstructure:"strategy"`
	BeamSize    int      `mapstructure:"beam_size"`
	MaxSteps    int      `mapstructure:"max_steps"` // 0 = strategy default
	CopyUnknown bool     `mapstructure:"copy_unknown"`
	Scores      bool     `mapstructure:"scores"`
}

type lossSettings struct {
	Reduction seq2seq.Reduction `mapstructure:"reduction"`
}

// settings is the process configuration assembled from flags, NNSUM_
// environment variables and the config file.
type settings struct {
	ModelDir string           `mapstructure:"model_dir"`
	Workers  int              `mapstructure:"workers"`
	Format   Format           `mapstructure:"format"`
	Pool     nnsum.PoolConfig `mapstructure:"pool"`
	Decode   decodeSettings   `mapstructure:"decode"`
	Loss     lossSettings     `mapstructure:"loss"`
	Log      logging.Config   `mapstructure:"log"`
}

// enumHook parses the string-valued enums so bad values fail at load time.
func enumHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch to {
	case reflect.TypeOf(Strategy("")):
		return ParseStrategy(s)
	case reflect.TypeOf(Format("")):
		return ParseFormat(s)
	case reflect.TypeOf(seq2seq.Reduction("")):
		return seq2seq.ParseReduction(s)
	}
	return data, nil
}

func loadSettings(v *viper.Viper) (*settings, error) {
	var s settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		enumHook,
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.Decode.BeamSize < 1 {
		return nil, fmt.Errorf("beam_size must be at least 1, have %d", s.Decode.BeamSize)
	}
	if s.Decode.MaxSteps < 0 {
		return nil, fmt.Errorf("max_steps must not be negative, have %d", s.Decode.MaxSteps)
	}
	return &s, nil
}

func (s *settings) decodeOptions() seq2seq.DecodeOptions {
	opts := seq2seq.DefaultDecodeOptions()
	opts.CopyUnknown = s.Decode.CopyUnknown
	if s.Decode.MaxSteps > 0 {
		opts.MaxSteps = s.Decode.MaxSteps
	}
	return opts
}

func (s *settings) beamOptions() seq2seq.BeamOptions {
	opts := seq2seq.DefaultBeamOptions()
	opts.BeamSize = s.Decode.BeamSize
	opts.ReturnScores = s.Decode.Scores
	if s.Decode.MaxSteps > 0 {
		opts.MaxSteps = s.Decode.MaxSteps
	}
	return opts
}
