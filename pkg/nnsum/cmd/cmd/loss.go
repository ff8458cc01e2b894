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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/nnsum/pkg/nnsum"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/logging"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// ExampleLoss is the per-token loss of one example, including its stop token.
type ExampleLoss struct {
	ID       string    `json:"id" cbor:"id"`
	PerToken []float32 `json:"per_token" cbor:"per_token"`
	Total    float32   `json:"total" cbor:"total"`
}

// LossResult is the loss of one example file. Value is set for the mean and
// sum reductions, Examples for none.
type LossResult struct {
	File      string            `json:"file" cbor:"file"`
	Reduction seq2seq.Reduction `json:"reduction" cbor:"reduction"`
	Tokens    int               `json:"tokens" cbor:"tokens"`
	Value     *float32          `json:"value,omitempty" cbor:"value,omitempty"`
	Examples  []ExampleLoss     `json:"examples,omitempty" cbor:"examples,omitempty"`
}

var lossCmd = &cobra.Command{
	Use:   "loss [flags] FILE...",
	Short: "Score reference targets with token cross-entropy",
	Long: `Compute the token-level cross-entropy of each example's target given its
source. Each file holds an array of {"id": ..., "source": [...], "target": [...]}
objects; the stop token is appended to every target.`,
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
		return runLoss(ctx, s, args, cmd.OutOrStdout(), logger)
	},
}

func init() {
	rootCmd.AddCommand(lossCmd)

	lossCmd.Flags().String("reduction", string(seq2seq.ReductionMean), "loss reduction (mean, sum, none)")
	mustBindPFlag("loss.reduction", lossCmd.Flags().Lookup("reduction"))
}

func runLoss(ctx context.Context, s *settings, files []string, w io.Writer, logger *zap.Logger) error {
	pool, err := openPool(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = pool.Close(context.Background())
	}()
	source, target := pool.Vocabularies()

	results := make([]LossResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for i, file := range files {
		g.Go(func() error {
			res, err := scoreFile(gctx, pool, s.Loss.Reduction, file, source, target)
			if err != nil {
				return fmt.Errorf("scoring %s: %w", file, err)
			}
			results[i] = *res
			logger.Debug("Scored file", zap.String("file", file), zap.Int("tokens", res.Tokens))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return writeLossResults(w, resolveFormat(s.Format, w), results)
}

// scoreFile sorts the examples by source length, since CrossEntropy takes a
// sorted batch, and reports per-example losses in file order.
func scoreFile(ctx context.Context, pool *nnsum.Pool, reduction seq2seq.Reduction, file string, source, target *vocab.Vocab) (*LossResult, error) {
	examples, err := readExamples(file)
	if err != nil {
		return nil, err
	}
	sorted, order := sortExamples(examples)
	batch, err := buildBatch(sorted, source, target, true)
	if err != nil {
		return nil, err
	}
	loss, err := pool.CrossEntropy(ctx, batch, reduction)
	if err != nil {
		return nil, err
	}

	res := &LossResult{File: file, Reduction: reduction}
	for _, n := range batch.TargetLengths {
		res.Tokens += n
	}
	if reduction != seq2seq.ReductionNone {
		value := loss.Value
		res.Value = &value
		return res, nil
	}

	perToken, err := tensors.Float32s(loss.PerToken)
	if err != nil {
		return nil, fmt.Errorf("reading per-token loss: %w", err)
	}
	steps := loss.PerToken.Shape()[1]
	res.Examples = make([]ExampleLoss, len(examples))
	for b, j := range order {
		row := append([]float32(nil), perToken[b*steps:b*steps+batch.TargetLengths[b]]...)
		var total float32
		for _, v := range row {
			total += v
		}
		res.Examples[j] = ExampleLoss{ID: examples[j].ID, PerToken: row, Total: total}
	}
	return res, nil
}
