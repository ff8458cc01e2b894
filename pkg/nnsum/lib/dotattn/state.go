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
	"fmt"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/nn"
)

// VectorState is one hidden vector per row plus the source length the row
// attends over.
type VectorState struct {
	// Hidden is [rows, Size], row-major.
	Hidden  []float32
	Size    int
	Lengths []int
}

// BatchSize implements nn.State.
func (s *VectorState) BatchSize() int {
	return len(s.Lengths)
}

// Row returns row i of Hidden.
func (s *VectorState) Row(i int) []float32 {
	return s.Hidden[i*s.Size : (i+1)*s.Size]
}

// Gather implements nn.State.
func (s *VectorState) Gather(order []int) (nn.State, error) {
	out := &VectorState{
		Hidden:  make([]float32, 0, len(order)*s.Size),
		Size:    s.Size,
		Lengths: make([]int, len(order)),
	}
	for i, j := range order {
		if j < 0 || j >= len(s.Lengths) {
			return nil, fmt.Errorf("state row %d not in [0, %d)", j, len(s.Lengths))
		}
		out.Hidden = append(out.Hidden, s.Row(j)...)
		out.Lengths[i] = s.Lengths[j]
	}
	return out, nil
}

func asVectorState(state nn.State) (*VectorState, error) {
	vs, ok := state.(*VectorState)
	if !ok {
		return nil, fmt.Errorf("expected *dotattn.VectorState, have %T", state)
	}
	return vs, nil
}

// normalWeights draws n weights from N(0, std) using a seeded source.
func normalWeights(n int, std float64, seed uint64) []float32 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rand.NewSource(seed)}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(dist.Rand())
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func tanhInPlace(v []float32) {
	for i, x := range v {
		v[i] = math32.Tanh(x)
	}
}
