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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/dotattn"
	"github.com/antflydb/nnsum/pkg/nnsum/lib/seq2seq"
)

const (
	sourceVocab = "<pad>\n<unk>\nGdansk\nis\na\ncity\nin\nPoland\n"
	targetVocab = "<pad>\n<unk>\n<sos>\n<eos>\na\ncity\nport\nPoland\n"
)

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, dotattn.ConfigFile, `{"hidden_size": 8, "seed": 11, "max_steps": 12}`)
	writeFile(t, dir, dotattn.SourceVocabFile, sourceVocab)
	writeFile(t, dir, dotattn.TargetVocabFile, targetVocab)
	return dir
}

func testSettings(t *testing.T, overrides map[string]any) *settings {
	t.Helper()
	v := newTestViper(t)
	v.Set("model_dir", writeModelDir(t))
	v.Set("format", "json")
	v.Set("workers", 2)
	v.Set("pool.replicas", 2)
	v.Set("decode.max_steps", 10)
	for k, val := range overrides {
		v.Set(k, val)
	}
	s, err := loadSettings(v)
	require.NoError(t, err)
	return s
}

func exampleFiles(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		writeFile(t, dir, "first.json", `[
			{"id": "p", "source": ["in", "Poland"], "target": ["Poland"]},
			{"id": "g", "source": ["Gdansk", "is", "a", "city"], "target": ["a", "city", "port"]}
		]`),
		writeFile(t, dir, "second.json", `[
			{"source": ["a", "city", "in"], "target": ["city"]}
		]`),
	}
}

func decodeJSON(t *testing.T, s *settings, files []string) []DecodeResult {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, runDecode(context.Background(), s, files, &buf, zaptest.NewLogger(t)))
	var results []DecodeResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	return results
}

func TestRunDecodeGreedy(t *testing.T) {
	s := testSettings(t, nil)
	files := exampleFiles(t)
	results := decodeJSON(t, s, files)
	require.Len(t, results, 3)

	ids := []string{results[0].ID, results[1].ID, results[2].ID}
	assert.Equal(t, []string{"p", "g", "0"}, ids)
	assert.Equal(t, files[0], results[0].File)
	assert.Equal(t, files[1], results[2].File)

	// Each example decodes as it would on its own.
	model, err := dotattn.LoadModel(s.ModelDir)
	require.NoError(t, err)
	source := model.Encoder().EmbeddingContext().Vocab
	for _, r := range results[:2] {
		require.Len(t, r.Hypotheses, 1)
		assert.Nil(t, r.Hypotheses[0].Score)

		var ex Example
		if r.ID == "p" {
			ex = Example{Source: []string{"in", "Poland"}}
		} else {
			ex = Example{Source: []string{"Gdansk", "is", "a", "city"}}
		}
		batch, err := buildBatch([]Example{ex}, source, nil, false)
		require.NoError(t, err)
		want, err := model.GreedyDecode(context.Background(), batch, s.decodeOptions())
		require.NoError(t, err)
		if diff := cmp.Diff(want.Tokens[0], r.Hypotheses[0].Tokens); diff != "" {
			t.Errorf("example %s (-want +got):\n%s", r.ID, diff)
		}
	}
}

func TestRunDecodePlainMatchesGreedy(t *testing.T) {
	files := exampleFiles(t)
	greedy := decodeJSON(t, testSettings(t, nil), files)
	plain := decodeJSON(t, testSettings(t, map[string]any{"decode.strategy": "plain"}), files)
	if diff := cmp.Diff(greedy, plain); diff != "" {
		t.Errorf("plain decode differs from greedy (-greedy +plain):\n%s", diff)
	}
}

func TestRunDecodeBeam(t *testing.T) {
	s := testSettings(t, map[string]any{
		"decode.strategy":  "beam",
		"decode.beam_size": 3,
		"decode.scores":    true,
	})
	results := decodeJSON(t, s, exampleFiles(t))
	require.Len(t, results, 3)
	for _, r := range results {
		require.NotEmpty(t, r.Hypotheses, r.ID)
		assert.LessOrEqual(t, len(r.Hypotheses), 3)
		for i, h := range r.Hypotheses {
			require.NotNil(t, h.Score)
			assert.LessOrEqual(t, *h.Score, float32(0))
			if i > 0 {
				assert.LessOrEqual(t, *h.Score, *r.Hypotheses[i-1].Score)
			}
		}
	}
}

func TestRunDecodeFormats(t *testing.T) {
	files := exampleFiles(t)

	var table bytes.Buffer
	s := testSettings(t, map[string]any{"format": "table"})
	require.NoError(t, runDecode(context.Background(), s, files, &table, zaptest.NewLogger(t)))
	lines := strings.Split(strings.TrimSpace(table.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "RANK")
	assert.Contains(t, lines[0], "OUTPUT")

	var encoded bytes.Buffer
	s = testSettings(t, map[string]any{"format": "cbor"})
	require.NoError(t, runDecode(context.Background(), s, files, &encoded, zaptest.NewLogger(t)))
	var results []DecodeResult
	require.NoError(t, cbor.Unmarshal(encoded.Bytes(), &results))
	if diff := cmp.Diff(decodeJSON(t, testSettings(t, nil), files), results); diff != "" {
		t.Errorf("cbor output differs from json (-json +cbor):\n%s", diff)
	}
}

func TestRunDecodeMissingFile(t *testing.T) {
	s := testSettings(t, nil)
	err := runDecode(context.Background(), s, []string{"does-not-exist.json"}, &bytes.Buffer{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func lossJSON(t *testing.T, s *settings, files []string) []LossResult {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, runLoss(context.Background(), s, files, &buf, zaptest.NewLogger(t)))
	var results []LossResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	return results
}

func TestRunLoss(t *testing.T) {
	files := exampleFiles(t)

	none := lossJSON(t, testSettings(t, map[string]any{"loss.reduction": "none"}), files)
	require.Len(t, none, 2)
	require.Len(t, none[0].Examples, 2)

	// Per-example losses come back in file order, stop token included.
	assert.Equal(t, "p", none[0].Examples[0].ID)
	assert.Len(t, none[0].Examples[0].PerToken, 2)
	assert.Equal(t, "g", none[0].Examples[1].ID)
	assert.Len(t, none[0].Examples[1].PerToken, 4)
	assert.Equal(t, 6, none[0].Tokens)
	assert.Nil(t, none[0].Value)

	var total float32
	for _, ex := range none[0].Examples {
		for _, v := range ex.PerToken {
			assert.Greater(t, v, float32(0))
		}
		total += ex.Total
	}

	sum := lossJSON(t, testSettings(t, map[string]any{"loss.reduction": "sum"}), files)
	require.NotNil(t, sum[0].Value)
	assert.InDelta(t, total, *sum[0].Value, 1e-3)

	mean := lossJSON(t, testSettings(t, nil), files)
	require.NotNil(t, mean[0].Value)
	assert.Equal(t, seq2seq.ReductionMean, mean[0].Reduction)
	assert.InDelta(t, total/6, *mean[0].Value, 1e-4)
}

func TestRunLossRequiresTargets(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "untargeted.json", `[{"source": ["a", "city"]}]`)
	err := runLoss(context.Background(), testSettings(t, nil), []string{file}, &bytes.Buffer{}, zaptest.NewLogger(t))
	require.Error(t, err)
}
