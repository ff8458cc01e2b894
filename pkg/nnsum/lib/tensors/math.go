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

package tensors

import (
	"github.com/chewxy/math32"
)

// Argmax returns the index of the maximum value. Ties resolve to the lowest index.
func Argmax(values []float32) int {
	return ArgmaxPrefix(values, len(values))
}

// ArgmaxPrefix returns the index of the maximum among values[:n], or -1 when
// that prefix is empty. n is clamped to len(values).
func ArgmaxPrefix(values []float32, n int) int {
	n = min(n, len(values))
	if n <= 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i := 1; i < n; i++ {
		if values[i] > maxVal {
			maxVal = values[i]
			maxIdx = i
		}
	}
	return maxIdx
}

// LogSumExp computes log(sum(exp(values))) stably.
func LogSumExp(values []float32) float32 {
	if len(values) == 0 {
		return math32.Inf(-1)
	}
	maxVal := values[0]
	for _, v := range values[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	if math32.IsInf(maxVal, -1) {
		return maxVal
	}

	var sum float32
	for _, v := range values {
		sum += math32.Exp(v - maxVal)
	}
	return maxVal + math32.Log(sum)
}

// LogSoftmax returns the log-probabilities of logits in a new slice.
func LogSoftmax(logits []float32) []float32 {
	lse := LogSumExp(logits)
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

// Softmax returns the normalized probabilities of logits in a new slice.
func Softmax(logits []float32) []float32 {
	out := LogSoftmax(logits)
	for i, v := range out {
		out[i] = math32.Exp(v)
	}
	return out
}
