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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// resolveFormat picks table output on a terminal and JSON otherwise when no
// format is configured.
func resolveFormat(f Format, w io.Writer) Format {
	if f != "" {
		return f
	}
	if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return FormatTable
	}
	return FormatJSON
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCBOR(w io.Writer, v any) error {
	return cbor.NewEncoder(w).Encode(v)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func writeDecodeResults(w io.Writer, f Format, results []DecodeResult) error {
	switch f {
	case FormatCBOR:
		return writeCBOR(w, results)
	case FormatTable:
		table := newTable(w, []string{"FILE", "ID", "RANK", "SCORE", "OUTPUT"})
		for _, r := range results {
			for rank, h := range r.Hypotheses {
				score := "-"
				if h.Score != nil {
					score = strconv.FormatFloat(float64(*h.Score), 'f', 4, 32)
				}
				table.Append([]string{r.File, r.ID, strconv.Itoa(rank + 1), score, strings.Join(h.Tokens, " ")})
			}
		}
		table.Render()
		return nil
	default:
		return writeJSON(w, results)
	}
}

func writeLossResults(w io.Writer, f Format, results []LossResult) error {
	switch f {
	case FormatCBOR:
		return writeCBOR(w, results)
	case FormatTable:
		table := newTable(w, []string{"FILE", "ID", "REDUCTION", "TOKENS", "LOSS"})
		for _, r := range results {
			if r.Value != nil {
				table.Append([]string{r.File, "-", string(r.Reduction), strconv.Itoa(r.Tokens), formatLoss(*r.Value)})
				continue
			}
			for _, ex := range r.Examples {
				table.Append([]string{r.File, ex.ID, string(r.Reduction), strconv.Itoa(len(ex.PerToken)), formatLoss(ex.Total)})
			}
		}
		table.Render()
		return nil
	default:
		return writeJSON(w, results)
	}
}

func formatLoss(v float32) string {
	return fmt.Sprintf("%.4f", v)
}
