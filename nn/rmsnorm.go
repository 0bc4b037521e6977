// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"github.com/gomlx/exceptions"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// RMSNorm implements Root Mean Square Layer Normalization along the last
// dimension.
//
//	RMSNorm(x) = x / sqrt(mean(x^2) + eps) * gamma
//
// Inputs are replicated across tensor-parallel ranks, so gamma and its
// gradient are too.
type RMSNorm struct {
	Weight    *Param
	eps       float32
	dim       int
	lastInput *tensor.Tensor
	lastRMS   []float32
}

// NewRMSNorm creates an RMSNorm layer. Initialize sets gamma to 1.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{Weight: NewParam(RoleNorm, dim), eps: eps, dim: dim}
}

// Forward applies the normalization row by row.
func (r *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Shape().At(-1) != r.dim {
		exceptions.Panicf("rmsnorm expects last dim %d, got %v", r.dim, x.Shape())
	}
	r.lastInput = x
	rows := x.Shape().Rows()
	r.lastRMS = make([]float32, rows)

	out := tensor.New(x.Shape(), tensor.F32)
	w := r.Weight.Data.DataPtr()
	for v := 0; v < rows; v++ {
		row := x.Row(v)
		sumSq := float32(0)
		for _, a := range row {
			sumSq += a * a
		}
		rms := tensor.SqrtF32(sumSq/float32(r.dim) + r.eps)
		r.lastRMS[v] = rms
		inv := 1 / rms
		o := out.Row(v)
		for i := range o {
			o[i] = row[i] * inv * w[i]
		}
	}
	return out
}

// Backward accumulates d_gamma and returns d_input.
//
//	d_gamma[i] = sum_v(grad[v,i] * x[v,i] / rms[v])
//	d_x = grad * gamma / rms - x * dot(grad*gamma, x) / (dim * rms^3)
func (r *RMSNorm) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if r.lastInput == nil {
		exceptions.Panicf("rmsnorm backward called before forward")
	}
	rows := grad.Shape().Rows()
	dx := tensor.New(grad.Shape(), tensor.F32)
	w := r.Weight.Data.DataPtr()
	dGamma := make([]float32, r.dim)
	for v := 0; v < rows; v++ {
		g, x, d := grad.Row(v), r.lastInput.Row(v), dx.Row(v)
		rms := r.lastRMS[v]
		inv := 1 / rms
		dot := float32(0)
		for i := range g {
			dGamma[i] += g[i] * x[i] * inv
			dot += g[i] * w[i] * x[i]
		}
		corr := dot / (float32(r.dim) * rms * rms * rms)
		for i := range d {
			d[i] = g[i]*w[i]*inv - x[i]*corr
		}
	}
	if r.Weight.RequiresGrad {
		r.Weight.Data.AccumulateGrad(dGamma)
	}
	return dx
}

// Release drops cached activations.
func (r *RMSNorm) Release() {
	r.lastInput = nil
	r.lastRMS = nil
}

// Register adds gamma under prefix.
func (r *RMSNorm) Register(ps *ParamSet, prefix string) {
	ps.Add(prefix+".weight", r.Weight)
}
