// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

import (
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// keySpan appends to buf the key indices query i may attend to, in
// ascending order, and returns it.
type keySpan func(i int, buf []int) []int

// ---------------------------------------------------------------------------
// Reference kernel shared by every backend
//
// Grouped-query attention: query head h reads kv head h / (heads/kv_heads).
// The backward pass recomputes the probabilities from q and k instead of
// storing the [n, n] matrix, as flash attention does:
//
//	P    = softmax(scale * q k^T)        over the visible keys
//	D_i  = sum_d dO[i,d] * O[i,d]
//	dS   = P * (dO v^T - D)
//	dq   = scale * dS k,  dk = scale * dS^T q,  dv = P^T dO
// ---------------------------------------------------------------------------

// probs fills p with the softmax over keys of query i, head h.
func probs(q, k *tensor.Tensor, i, h, kvh int, keys []int, prm Params, p []float32) {
	d := prm.HeadDim
	qi := q.Row(i)[h*d : (h+1)*d]
	maxVal := tensor.NegInf
	for n, j := range keys {
		kj := k.Row(j)[kvh*d : (kvh+1)*d]
		s := float32(0)
		for x := range qi {
			s += qi[x] * kj[x]
		}
		s *= prm.Scale
		p[n] = s
		if s > maxVal {
			maxVal = s
		}
	}
	sum := float32(0)
	for n := range keys {
		p[n] = tensor.ExpF32(p[n] - maxVal)
		sum += p[n]
	}
	inv := 1 / sum
	for n := range keys {
		p[n] *= inv
	}
}

func forward(q, k, v *tensor.Tensor, span keySpan, prm Params) *tensor.Tensor {
	rows := q.Shape().Rows()
	d, group := prm.HeadDim, prm.Heads/prm.KVHeads
	out := tensor.New(q.Shape(), q.DType())
	var keys []int
	p := make([]float32, k.Shape().Rows())
	for i := 0; i < rows; i++ {
		keys = span(i, keys[:0])
		o := out.Row(i)
		for h := 0; h < prm.Heads; h++ {
			kvh := h / group
			probs(q, k, i, h, kvh, keys, prm, p)
			oi := o[h*d : (h+1)*d]
			for n, j := range keys {
				vj := v.Row(j)[kvh*d : (kvh+1)*d]
				w := p[n]
				for x := range oi {
					oi[x] += w * vj[x]
				}
			}
		}
	}
	return out
}

func backward(q, k, v, out, gradOut *tensor.Tensor, span keySpan, prm Params) (dq, dk, dv *tensor.Tensor) {
	rows := q.Shape().Rows()
	d, group := prm.HeadDim, prm.Heads/prm.KVHeads
	dq = tensor.New(q.Shape(), q.DType())
	dk = tensor.New(k.Shape(), k.DType())
	dv = tensor.New(v.Shape(), v.DType())
	var keys []int
	p := make([]float32, k.Shape().Rows())
	ds := make([]float32, k.Shape().Rows())
	for i := 0; i < rows; i++ {
		keys = span(i, keys[:0])
		for h := 0; h < prm.Heads; h++ {
			kvh := h / group
			probs(q, k, i, h, kvh, keys, prm, p)
			lo, hi := h*d, (h+1)*d
			dOi, oi, qi := gradOut.Row(i)[lo:hi], out.Row(i)[lo:hi], q.Row(i)[lo:hi]
			di := float32(0)
			for x := range dOi {
				di += dOi[x] * oi[x]
			}
			for n, j := range keys {
				vj := v.Row(j)[kvh*d : (kvh+1)*d]
				dp := float32(0)
				for x := range dOi {
					dp += dOi[x] * vj[x]
				}
				ds[n] = p[n] * (dp - di) * prm.Scale
			}
			dqi := dq.Row(i)[lo:hi]
			for n, j := range keys {
				klo, khi := kvh*d, (kvh+1)*d
				kj, dkj, dvj := k.Row(j)[klo:khi], dk.Row(j)[klo:khi], dv.Row(j)[klo:khi]
				for x := range dqi {
					dqi[x] += ds[n] * kj[x]
					dkj[x] += ds[n] * qi[x]
					dvj[x] += p[n] * dOi[x]
				}
			}
		}
	}
	return dq, dk, dv
}
