// Package rabitq implements the RaBitQ codec and coarse scoring: a
// centroid-relative sign-bit encoding that trades accuracy for O(D)
// branchless candidate scoring, per spec.md §4.5.
package rabitq

import "github.com/elax-db/elax/internal/errs"

// Meta records the parameters needed to decode and score a RaBitQ-coded
// block: dimensionality, row count, and the per-dimension centroid the
// codes are relative to.
type Meta struct {
	Dim      int
	Rows     int
	Centroid []float32
}

// Encode packs one sign bit per dimension per row, LSB-first within each
// byte, rows concatenated. Bit is 1 if V[i][d] > centroid[d] else 0.
func Encode(vectors [][]float32) (Meta, []byte) {
	if len(vectors) == 0 {
		return Meta{}, nil
	}
	dim := len(vectors[0])
	centroid := mean(vectors, dim)

	bytesPerRow := (dim + 7) / 8
	codes := make([]byte, bytesPerRow*len(vectors))
	for i, v := range vectors {
		rowOff := i * bytesPerRow
		for d := 0; d < dim; d++ {
			if v[d] > centroid[d] {
				codes[rowOff+d/8] |= 1 << uint(d%8)
			}
		}
	}
	return Meta{Dim: dim, Rows: len(vectors), Centroid: centroid}, codes
}

func mean(vectors [][]float32, dim int) []float32 {
	sums := make([]float64, dim)
	for _, v := range vectors {
		for d := 0; d < dim; d++ {
			sums[d] += float64(v[d])
		}
	}
	out := make([]float32, dim)
	for d := range sums {
		out[d] = float32(sums[d] / float64(len(vectors)))
	}
	return out
}

// QuerySign derives q_sign[d] = +1 if q[d] > centroid[d] else -1.
func QuerySign(q []float32, meta Meta) []int8 {
	sign := make([]int8, meta.Dim)
	for d := 0; d < meta.Dim; d++ {
		if q[d] > meta.Centroid[d] {
			sign[d] = 1
		} else {
			sign[d] = -1
		}
	}
	return sign
}

// CoarseScore computes Σ_d code_sign(row, d) * q_sign[d] for the row at
// localIndex within codes. Higher is better.
func CoarseScore(codes []byte, meta Meta, localIndex int, qSign []int8) (float64, error) {
	bytesPerRow := (meta.Dim + 7) / 8
	rowOff := localIndex * bytesPerRow
	if rowOff+bytesPerRow > len(codes) {
		return 0, errs.New(errs.Corruption, "rabitq code row %d out of range", localIndex)
	}
	var score float64
	for d := 0; d < meta.Dim; d++ {
		bit := (codes[rowOff+d/8] >> uint(d%8)) & 1
		codeSign := int8(-1)
		if bit == 1 {
			codeSign = 1
		}
		score += float64(codeSign) * float64(qSign[d])
	}
	return score, nil
}
