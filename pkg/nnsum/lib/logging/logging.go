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

// Package logging builds the process-wide zap logger from the log.level and
// log.style settings.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Level is a zap level name: debug, info, warn or error.
type Level string

// Style selects the log encoding.
type Style string

const (
	// StyleTerminal is colored console output.
	StyleTerminal Style = "terminal"
	// StyleLogfmt is plain console output without color.
	StyleLogfmt Style = "logfmt"
	// StyleJSON is one JSON object per line.
	StyleJSON Style = "json"
	// StyleNoop discards everything.
	StyleNoop Style = "noop"
)

// Config configures NewLogger.
type Config struct {
	Level Level `mapstructure:"level"`
	Style Style `mapstructure:"style"`

	// Output defaults to stderr.
	Output io.Writer `mapstructure:"-"`
}

// NewLogger builds a logger from cfg. Unknown levels fall back to info and
// unknown styles to logfmt; the terminal style drops color when the output
// is not a terminal.
func NewLogger(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Style == StyleNoop {
		return zap.NewNop()
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Style {
	case StyleJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case StyleTerminal:
		if isTerminal(out) {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level)
	return zap.New(core, zap.AddCaller())
}

// ParseLevel converts a level name. The empty level is info.
func ParseLevel(l Level) (zapcore.Level, error) {
	if l == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(string(l))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parsing log level: %w", err)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
