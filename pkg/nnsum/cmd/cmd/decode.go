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
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/chewxy/math32"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/nnsum/pkg/nnsum"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/dotattn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/logging"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
)

// Hypothesis is one decoded output. Score is set for scored beam candidates.
type Hypothesis struct {
	Tokens []string `json:"tokens" cbor:"tokens"`
	Score  *float32 `json:"score,omitempty" cbor:"score,omitempty"`
}

// DecodeResult holds the outputs for one example, best first.
type DecodeResult struct {
	File       string       `json:"file" cbor:"file"`
	ID         string       `json:"id" cbor:"id"`
	Hypotheses []Hypothesis `json:"hypotheses" cbor:"hypotheses"`
}

var decodeCmd = &cobra.Command{
	Use:   "decode [flags] FILE...",
	Short: "Decode example files",
	Long: `Decode every example of one or more JSON example files. Each file holds an
array of {"id": ..., "source": [tokens...]} objects and is decoded as one batch.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		s, err := loadSettings(viper.GetViper())
		if err != nil {
			return err
		}
		logger := logging.NewLogger(&s.Log)
		defer func() {
			_ = logger.Sync()
		}()
		return runDecode(ctx, s, args, cmd.OutOrStdout(), logger)
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().String("strategy", string(StrategyGreedy), "decoding strategy (greedy, plain, beam)")
	decodeCmd.Flags().Int("beam-size", 8, "number of beam search hypotheses per example")
	decodeCmd.Flags().Int("max-steps", 0, "maximum output length (default: 100 for greedy and plain, 300 for beam)")
	decodeCmd.Flags().Bool("copy-unknown", false, "replace unknown output tokens with the most attended source token (greedy only)")
	decodeCmd.Flags().Bool("scores", false, "report beam candidate scores")

	mustBindPFlag("decode.strategy", decodeCmd.Flags().Lookup("strategy"))
	mustBindPFlag("decode.beam_size", decodeCmd.Flags().Lookup("beam-size"))
	mustBindPFlag("decode.max_steps", decodeCmd.Flags().Lookup("max-steps"))
	mustBindPFlag("decode.copy_unknown", decodeCmd.Flags().Lookup("copy-unknown"))
	mustBindPFlag("decode.scores", decodeCmd.Flags().Lookup("scores"))
}

// openPool loads s.Pool.Replicas copies of the model in s.ModelDir.
func openPool(ctx context.Context, s *settings, logger *zap.Logger) (*nnsum.Pool, error) {
	logger.Info("Loading model", zap.String("model_dir", s.ModelDir), zap.Int("replicas", max(s.Pool.Replicas, 1)))
	return nnsum.NewPool(ctx, s.Pool, func(_ context.Context, replica int) (*seq2seq.Model, error) {
		return dotattn.LoadModel(s.ModelDir, seq2seq.WithLogger(logger.Named("model").With(zap.Int("replica", replica))))
	}, logger.Named("pool"))
}

func runDecode(ctx context.Context, s *settings, files []string, w io.Writer, logger *zap.Logger) error {
	pool, err := openPool(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = pool.Close(context.Background())
	}()
	source, _ := pool.Vocabularies()

	perFile := make([][]DecodeResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for i, file := range files {
		g.Go(func() error {
			examples, err := readExamples(file)
			if err != nil {
				return err
			}
			batch, err := buildBatch(examples, source, nil, false)
			if err != nil {
				return err
			}
			hypotheses, err := decodeBatch(gctx, pool, s, batch)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", file, err)
			}
			results := make([]DecodeResult, len(examples))
			for b, ex := range examples {
				results[b] = DecodeResult{File: file, ID: ex.ID, Hypotheses: hypotheses[b]}
			}
			perFile[i] = results
			logger.Debug("Decoded file", zap.String("file", file), zap.Int("examples", len(examples)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var results []DecodeResult
	for _, r := range perFile {
		results = append(results, r...)
	}
	return writeDecodeResults(w, resolveFormat(s.Format, w), results)
}

// decodeBatch returns each example's hypotheses in batch order.
func decodeBatch(ctx context.Context, pool *nnsum.Pool, s *settings, batch *seq2seq.Batch) ([][]Hypothesis, error) {
	single := func(tokens [][]string) [][]Hypothesis {
		out := make([][]Hypothesis, len(tokens))
		for b, toks := range tokens {
			out[b] = []Hypothesis{{Tokens: toks}}
		}
		return out
	}

	switch s.Decode.Strategy {
	case StrategyPlain:
		out, err := pool.Decode(ctx, batch, s.decodeOptions())
		if err != nil {
			return nil, err
		}
		return single(out.Tokens), nil
	case StrategyBeam:
		opts := s.beamOptions()
		out, err := pool.BeamDecode(ctx, batch, opts)
		if err != nil {
			return nil, err
		}
		return beamHypotheses(out, opts.BeamSize)
	default:
		out, err := pool.GreedyDecode(ctx, batch, s.decodeOptions())
		if err != nil {
			return nil, err
		}
		return single(out.Tokens), nil
	}
}

// beamHypotheses pairs candidate tokens with their scores. Candidates the
// search never filled have a -Inf score and are dropped.
func beamHypotheses(out *seq2seq.Decoded, beamSize int) ([][]Hypothesis, error) {
	var scores []float32
	if out.Scores != nil {
		var err error
		if scores, err = tensors.Float32s(out.Scores); err != nil {
			return nil, fmt.Errorf("reading beam scores: %w", err)
		}
	}
	hypotheses := make([][]Hypothesis, len(out.CandidateTokens))
	for b, candidates := range out.CandidateTokens {
		for k, toks := range candidates {
			h := Hypothesis{Tokens: toks}
			if scores != nil {
				score := scores[b*beamSize+k]
				if math32.IsInf(score, -1) {
					continue
				}
				h.Score = &score
			}
			hypotheses[b] = append(hypotheses[b], h)
		}
	}
	return hypotheses, nil
}
