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

// Package tensors holds the batch-dimension plumbing shared by the encoder,
// decoder, beam search and orchestrator: building dense tensors from Go
// slices, gathering along an axis, and the sort/inverse permutations used to
// reorder a batch by source length.
package tensors

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

var (
	// ErrIndexOutOfRange is returned when a gather index falls outside the axis.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrUnsupportedType is returned for tensor backings this package cannot handle.
	ErrUnsupportedType = errors.New("unsupported tensor backing")
)

// NewIndex builds a [batch, steps] int tensor from ragged rows, right-padding
// shorter rows with pad. steps is the length of the longest row.
func NewIndex(rows [][]int, pad int) (*tensor.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("building index tensor: empty batch")
	}
	steps := 0
	for _, row := range rows {
		steps = max(steps, len(row))
	}
	if steps == 0 {
		return nil, fmt.Errorf("building index tensor: all rows are empty")
	}

	data := make([]int, len(rows)*steps)
	for i, row := range rows {
		n := copy(data[i*steps:(i+1)*steps], row)
		for j := n; j < steps; j++ {
			data[i*steps+j] = pad
		}
	}
	return tensor.New(tensor.WithShape(len(rows), steps), tensor.WithBacking(data)), nil
}

// NewFloat wraps data in a float32 tensor of the given shape.
func NewFloat(shape []int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Ints returns the flat int backing of t.
func Ints(t *tensor.Dense) ([]int, error) {
	data, ok := t.Data().([]int)
	if !ok {
		return nil, fmt.Errorf("%w: want []int, have %T", ErrUnsupportedType, t.Data())
	}
	return data, nil
}

// Float32s returns the flat float32 backing of t.
func Float32s(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: want []float32, have %T", ErrUnsupportedType, t.Data())
	}
	return data, nil
}

// Rows returns a [batch][steps] view of a 2-D int tensor. The rows share
// memory with t.
func Rows(t *tensor.Dense) ([][]int, error) {
	if t.Dims() != 2 {
		return nil, fmt.Errorf("expected 2-D index tensor, have shape %v", t.Shape())
	}
	return native.MatrixI(t)
}

// Gather returns a new tensor holding the slices of t along axis taken in
// order. The result has len(order) entries along axis; t is not modified.
func Gather(t *tensor.Dense, axis int, order []int) (*tensor.Dense, error) {
	shape := t.Shape().Clone()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("gather axis %d out of range for shape %v", axis, shape)
	}
	dim := shape[axis]
	for _, i := range order {
		if i < 0 || i >= dim {
			return nil, fmt.Errorf("%w: %d not in [0, %d) on axis %d", ErrIndexOutOfRange, i, dim, axis)
		}
	}

	var backing any
	switch src := t.Data().(type) {
	case []int:
		backing = gather(src, shape, axis, order)
	case []int64:
		backing = gather(src, shape, axis, order)
	case []float32:
		backing = gather(src, shape, axis, order)
	case []float64:
		backing = gather(src, shape, axis, order)
	case []bool:
		backing = gather(src, shape, axis, order)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, src)
	}

	shape[axis] = len(order)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

func gather[T any](src []T, shape []int, axis int, order []int) []T {
	outer, inner := 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	dim := shape[axis]

	dst := make([]T, 0, outer*len(order)*inner)
	for o := range outer {
		base := o * dim * inner
		for _, i := range order {
			dst = append(dst, src[base+i*inner:base+(i+1)*inner]...)
		}
	}
	return dst
}

// SortDescending returns lengths sorted in descending order together with
// the permutation that produced it: sorted[i] == lengths[order[i]]. Ties keep
// their original relative order.
func SortDescending(lengths []int) (sorted, order []int) {
	order = make([]int, len(lengths))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return lengths[b] - lengths[a]
	})

	sorted = make([]int, len(lengths))
	for i, j := range order {
		sorted[i] = lengths[j]
	}
	return sorted, order
}

// Inverse returns the argsort of a permutation: position i of the result is
// where original index i ended up, so gathering a permuted tensor with it
// restores the original order.
func Inverse(order []int) []int {
	inv := make([]int, len(order))
	for pos, orig := range order {
		inv[orig] = pos
	}
	return inv
}

// NonIncreasing reports whether lengths never increase from one entry to the next.
func NonIncreasing(lengths []int) bool {
	for i := 1; i < len(lengths); i++ {
		if lengths[i] > lengths[i-1] {
			return false
		}
	}
	return true
}
