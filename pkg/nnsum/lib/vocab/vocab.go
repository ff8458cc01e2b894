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

// Package vocab maps token identifiers to surface strings and back.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Default special tokens.
const (
	DefaultPadToken     = "<pad>"
	DefaultUnknownToken = "<unk>"
	DefaultStartToken   = "<sos>"
	DefaultStopToken    = "<eos>"
)

// ErrMissingSpecialToken is returned when a configured special token is not in the token list.
var ErrMissingSpecialToken = errors.New("special token not in vocabulary")

// Vocab is an immutable token list with pad, unknown, and optional start and
// stop indices.
type Vocab struct {
	tokens []string
	index  map[string]int

	padIndex     int
	unknownIndex int
	startIndex   int
	stopIndex    int
}

// Option configures the special tokens of a Vocab.
type Option func(*config)

type config struct {
	pad, unknown, start, stop string
}

// WithPadToken sets the padding token (default "<pad>").
func WithPadToken(tok string) Option {
	return func(c *config) { c.pad = tok }
}

// WithUnknownToken sets the unknown-word token (default "<unk>").
func WithUnknownToken(tok string) Option {
	return func(c *config) { c.unknown = tok }
}

// WithStartToken sets the decoder start token. An empty string disables it.
func WithStartToken(tok string) Option {
	return func(c *config) { c.start = tok }
}

// WithStopToken sets the end-of-sequence token. An empty string disables it.
func WithStopToken(tok string) Option {
	return func(c *config) { c.stop = tok }
}

// New builds a Vocab from tokens. The pad and unknown tokens must be present;
// start and stop tokens are looked up when present and otherwise left unset
// (index -1).
func New(tokens []string, opts ...Option) (*Vocab, error) {
	cfg := &config{
		pad:     DefaultPadToken,
		unknown: DefaultUnknownToken,
		start:   DefaultStartToken,
		stop:    DefaultStopToken,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	index := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		if _, dup := index[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at index %d", tok, i)
		}
		index[tok] = i
	}

	v := &Vocab{
		tokens:     append([]string(nil), tokens...),
		index:      index,
		startIndex: -1,
		stopIndex:  -1,
	}

	var ok bool
	if v.padIndex, ok = index[cfg.pad]; !ok {
		return nil, fmt.Errorf("%w: pad %q", ErrMissingSpecialToken, cfg.pad)
	}
	if v.unknownIndex, ok = index[cfg.unknown]; !ok {
		return nil, fmt.Errorf("%w: unknown %q", ErrMissingSpecialToken, cfg.unknown)
	}
	if i, ok := index[cfg.start]; ok && cfg.start != "" {
		v.startIndex = i
	}
	if i, ok := index[cfg.stop]; ok && cfg.stop != "" {
		v.stopIndex = i
	}
	return v, nil
}

// Load reads a vocabulary file with one token per line. Blank lines are skipped.
func Load(path string, opts ...Option) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocabulary %s: %w", path, err)
	}

	v, err := New(tokens, opts...)
	if err != nil {
		return nil, fmt.Errorf("building vocabulary from %s: %w", path, err)
	}
	return v, nil
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.tokens) }

// PadIndex returns the index of the padding token.
func (v *Vocab) PadIndex() int { return v.padIndex }

// UnknownIndex returns the index of the unknown token.
func (v *Vocab) UnknownIndex() int { return v.unknownIndex }

// StartIndex returns the index of the start token, or -1.
func (v *Vocab) StartIndex() int { return v.startIndex }

// StopIndex returns the index of the stop token, or -1.
func (v *Vocab) StopIndex() int { return v.stopIndex }

// Token returns the surface string for index i. Out-of-range indices map to
// the unknown token.
func (v *Vocab) Token(i int) string {
	if i < 0 || i >= len(v.tokens) {
		return v.tokens[v.unknownIndex]
	}
	return v.tokens[i]
}

// Index returns the index of tok, or the unknown index.
func (v *Vocab) Index(tok string) int {
	if i, ok := v.index[tok]; ok {
		return i
	}
	return v.unknownIndex
}

// Indices maps every token of toks through Index.
func (v *Vocab) Indices(toks []string) []int {
	out := make([]int, len(toks))
	for i, tok := range toks {
		out[i] = v.Index(tok)
	}
	return out
}
