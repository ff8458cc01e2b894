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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/tensors"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/vocab"
)

// Example is one tokenized input. Target is only read by the loss command.
type Example struct {
	ID     string   `json:"id,omitempty"`
	Source []string `json:"source"`
	Target []string `json:"target,omitempty"`
}

// readExamples reads a JSON array of examples. Missing IDs become the
// example's position in the file.
func readExamples(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading examples: %w", err)
	}
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("parsing examples in %s: %w", path, err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%s has no examples", path)
	}
	for i := range examples {
		if examples[i].ID == "" {
			examples[i].ID = strconv.Itoa(i)
		}
		if len(examples[i].Source) == 0 {
			return nil, fmt.Errorf("example %s in %s has no source tokens", examples[i].ID, path)
		}
	}
	return examples, nil
}

// sortExamples orders examples by decreasing source length, keeping ties in
// file order. order[i] is the file position of sorted[i].
func sortExamples(examples []Example) (sorted []Example, order []int) {
	lengths := make([]int, len(examples))
	for i, ex := range examples {
		lengths[i] = len(ex.Source)
	}
	_, order = tensors.SortDescending(lengths)
	sorted = make([]Example, len(examples))
	for i, j := range order {
		sorted[i] = examples[j]
	}
	return sorted, order
}

// buildBatch maps examples through the vocabularies. With withTarget, the
// decoder input is the start token followed by the target and the gold
// output is the target followed by the stop token.
func buildBatch(examples []Example, source, target *vocab.Vocab, withTarget bool) (*seq2seq.Batch, error) {
	rows := make([][]int, len(examples))
	lengths := make([]int, len(examples))
	for i, ex := range examples {
		rows[i] = source.Indices(ex.Source)
		lengths[i] = len(rows[i])
	}
	features, err := tensors.NewIndex(rows, source.PadIndex())
	if err != nil {
		return nil, fmt.Errorf("building source features: %w", err)
	}
	batch := &seq2seq.Batch{
		SourceFeatures: nn.Features{vocab.TokensFeature: features},
		SourceLengths:  lengths,
	}
	if !withTarget {
		return batch, nil
	}

	start, stop := target.StartIndex(), target.StopIndex()
	if start < 0 || stop < 0 {
		return nil, errors.New("target vocabulary needs start and stop tokens")
	}
	inputs := make([][]int, len(examples))
	outputs := make([][]int, len(examples))
	targetLengths := make([]int, len(examples))
	for i, ex := range examples {
		if len(ex.Target) == 0 {
			return nil, fmt.Errorf("example %s has no target tokens", ex.ID)
		}
		ids := target.Indices(ex.Target)
		inputs[i] = append([]int{start}, ids...)
		outputs[i] = append(ids, stop)
		targetLengths[i] = len(ids) + 1
	}
	input, err := tensors.NewIndex(inputs, target.PadIndex())
	if err != nil {
		return nil, fmt.Errorf("building target input: %w", err)
	}
	output, err := tensors.NewIndex(outputs, target.PadIndex())
	if err != nil {
		return nil, fmt.Errorf("building target output: %w", err)
	}
	batch.TargetInputFeatures = nn.Features{vocab.TokensFeature: input}
	batch.TargetOutputFeatures = nn.Features{vocab.TokensFeature: output}
	batch.TargetLengths = targetLengths
	return batch, nil
}
