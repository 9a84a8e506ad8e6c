// Package rerank implements the two authoritative scoring kernels that
// narrow and finalize ANN candidates: per-dimension symmetric int8
// quantization and exact fp32 scoring, per spec.md §4.6.
package rerank

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/types"
)

// Int8Block holds a part's int8-quantized vectors plus the per-dimension
// scales needed to reconstruct an approximate dot product.
type Int8Block struct {
	Dim    int
	Rows   int
	Scales []float32 // len == Dim
	Codes  []int8    // len == Rows*Dim
}

// EncodeInt8 builds per-dimension symmetric quantization codes:
// scale[d] = max_i |V[i][d]| (zero replaced by 1), code = round(clamp(V/scale, -1, 1) * 127).
func EncodeInt8(vectors [][]float32) Int8Block {
	if len(vectors) == 0 {
		return Int8Block{}
	}
	dim := len(vectors[0])
	scales := make([]float32, dim)
	for _, v := range vectors {
		for d := 0; d < dim; d++ {
			abs := float32(math.Abs(float64(v[d])))
			if abs > scales[d] {
				scales[d] = abs
			}
		}
	}
	for d := range scales {
		if scales[d] == 0 {
			scales[d] = 1
		}
	}

	codes := make([]int8, len(vectors)*dim)
	for i, v := range vectors {
		for d := 0; d < dim; d++ {
			ratio := float64(v[d]) / float64(scales[d])
			if ratio > 1 {
				ratio = 1
			} else if ratio < -1 {
				ratio = -1
			}
			codes[i*dim+d] = int8(math.Round(ratio * 127))
		}
	}
	return Int8Block{Dim: dim, Rows: len(vectors), Scales: scales, Codes: codes}
}

// QueryWeights precomputes w[d] = scale[d]*q[d]/127 for an int8 rerank pass.
func QueryWeights(q []float32, scales []float32) []float32 {
	w := make([]float32, len(q))
	for d := range q {
		w[d] = scales[d] * q[d] / 127
	}
	return w
}

// ScoreInt8 computes Σ code[d]*w[d] for the row at localIndex.
func ScoreInt8(block Int8Block, localIndex int, weights []float32) (float64, error) {
	if localIndex < 0 || localIndex >= block.Rows {
		return 0, errs.New(errs.Corruption, "int8 rerank row %d out of range", localIndex)
	}
	off := localIndex * block.Dim
	var score float64
	for d := 0; d < block.Dim; d++ {
		score += float64(block.Codes[off+d]) * float64(weights[d])
	}
	return score, nil
}

// ScoreFp32 computes the exact authoritative ranking signal: dot product
// under cosine, or negative squared L2 distance under the L2 metric.
func ScoreFp32(q, v []float32, metric types.Metric) float64 {
	if metric == types.MetricL2 {
		return -squaredL2(q, v)
	}
	return dot(q, v)
}

func dot(a, b []float32) float64 {
	a64 := toFloat64Slice(a)
	b64 := toFloat64Slice(b)
	return floats.Dot(a64, b64)
}

func squaredL2(a, b []float32) float64 {
	a64 := toFloat64Slice(a)
	b64 := toFloat64Slice(b)
	diff := make([]float64, len(a64))
	floats.SubTo(diff, a64, b64)
	return floats.Dot(diff, diff)
}

func toFloat64Slice(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
