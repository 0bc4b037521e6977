// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

import (
	"math"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Rotary applies rotary position embedding (RoPE) to per-head vectors.
//
//	inv_freq[i] = theta^(-2i/dim)
//	angle       = pos * inv_freq[i]
//	x' = x*cos - y*sin
//	y' = x*sin + y*cos
//
// Interleaved rotates the pairs (2i, 2i+1); otherwise the pairs are
// (i, i+dim/2) as in rotate_half. The cos/sin table is computed once for
// every position below maxPos.
type Rotary struct {
	dim         int
	interleaved bool
	maxPos      int
	cos, sin    []float32 // [maxPos, dim/2]
}

// NewRotary precomputes the table for head dimension dim.
func NewRotary(dim, maxPos int, theta float64, interleaved bool) *Rotary {
	half := dim / 2
	r := &Rotary{
		dim:         dim,
		interleaved: interleaved,
		maxPos:      maxPos,
		cos:         make([]float32, maxPos*half),
		sin:         make([]float32, maxPos*half),
	}
	for i := 0; i < half; i++ {
		invFreq := math.Pow(theta, -2*float64(i)/float64(dim))
		for p := 0; p < maxPos; p++ {
			s, c := math.Sincos(float64(p) * invFreq)
			r.cos[p*half+i], r.sin[p*half+i] = float32(c), float32(s)
		}
	}
	return r
}

// pair returns the indices of the i-th rotated pair inside one head.
func (r *Rotary) pair(i int) (int, int) {
	if r.interleaved {
		return 2 * i, 2*i + 1
	}
	return i, i + r.dim/2
}

// Apply rotates every head of x ([tokens, heads*dim]) by its token's
// position and returns a new tensor.
func (r *Rotary) Apply(x *tensor.Tensor, positions []int) (*tensor.Tensor, error) {
	return r.rotate(x, positions, 1)
}

// Inverse applies the transposed rotation. Since the rotation is
// orthogonal, this maps gradients of the rotated tensor back to the input.
func (r *Rotary) Inverse(grad *tensor.Tensor, positions []int) (*tensor.Tensor, error) {
	return r.rotate(grad, positions, -1)
}

func (r *Rotary) rotate(x *tensor.Tensor, positions []int, sign float32) (*tensor.Tensor, error) {
	rows, width := x.Shape().Rows(), x.Shape().At(-1)
	if rows != len(positions) || width%r.dim != 0 {
		return nil, errors.Errorf("rotary: %v does not match %d positions with head dim %d", x.Shape(), len(positions), r.dim)
	}
	half := r.dim / 2
	out := x.Clone()
	for t, pos := range positions {
		if pos < 0 || pos >= r.maxPos {
			return nil, errors.Errorf("rotary: position %d out of range [0, %d)", pos, r.maxPos)
		}
		cos, sin := r.cos[pos*half:(pos+1)*half], r.sin[pos*half:(pos+1)*half]
		src, dst := x.Row(t), out.Row(t)
		for h := 0; h < width; h += r.dim {
			for i := 0; i < half; i++ {
				a, b := r.pair(i)
				xa, xb := src[h+a], src[h+b]
				s := sign * sin[i]
				dst[h+a] = xa*cos[i] - xb*s
				dst[h+b] = xa*s + xb*cos[i]
			}
		}
	}
	return out, nil
}
