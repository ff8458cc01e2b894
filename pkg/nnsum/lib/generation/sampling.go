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

package generation

import (
	"cmp"
	"slices"

	"golang.org/x/exp/rand"
)

// byProbability returns the indices of probs, most probable first.
func byProbability(probs []float32) []int {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	return order
}

// TopK zeros out all but the k most probable entries and renormalizes.
func TopK(probs []float32, k int) []float32 {
	if k >= len(probs) {
		return probs
	}
	result := make([]float32, len(probs))
	for _, i := range byProbability(probs)[:k] {
		result[i] = probs[i]
	}
	return normalize(result)
}

// TopP keeps the smallest set of most probable entries whose mass reaches p
// and renormalizes.
func TopP(probs []float32, p float32) []float32 {
	result := make([]float32, len(probs))
	var mass float32
	for _, i := range byProbability(probs) {
		result[i] = probs[i]
		mass += probs[i]
		if mass >= p {
			break
		}
	}
	return normalize(result)
}

func normalize(probs []float32) []float32 {
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// Sample draws an index from a probability distribution.
func Sample(probs []float32, rng *rand.Rand) int {
	r := rng.Float32()
	var cumSum float32
	for i, p := range probs {
		cumSum += p
		if r < cumSum {
			return i
		}
	}
	return len(probs) - 1
}
