// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// ---------------------------------------------------------------------------
// sdpa: dense masked attention
// ---------------------------------------------------------------------------

// sdpa scans every key and keeps those the explicit mask allows.
type sdpa struct{}

func (sdpa) Name() string   { return "sdpa" }
func (sdpa) Layout() Layout { return LayoutMask }

func (sdpa) span(b Bounds, n, window int) (keySpan, error) {
	if len(b.Mask) != n*n {
		return nil, errors.Errorf("sdpa: mask has %d entries, want %d", len(b.Mask), n*n)
	}
	return func(i int, buf []int) []int {
		lo := windowStart(i, window)
		for j := 0; j < n; j++ {
			if j >= lo && b.Mask[i*n+j] {
				buf = append(buf, j)
			}
		}
		return buf
	}, nil
}

func (s sdpa) Compute(_ context.Context, q, k, v *tensor.Tensor, b Bounds, p Params) (*tensor.Tensor, error) {
	if err := checkParams(q, k, v, p); err != nil {
		return nil, err
	}
	span, err := s.span(b, q.Shape().Rows(), p.Window)
	if err != nil {
		return nil, err
	}
	return forward(q, k, v, span, p), nil
}

func (s sdpa) Gradient(_ context.Context, q, k, v, out, gradOut *tensor.Tensor, b Bounds, p Params) (dq, dk, dv *tensor.Tensor, err error) {
	span, err := s.span(b, q.Shape().Rows(), p.Window)
	if err != nil {
		return nil, nil, nil, err
	}
	dq, dk, dv = backward(q, k, v, out, gradOut, span, p)
	return dq, dk, dv, nil
}

// ---------------------------------------------------------------------------
// flash_attention_2: variable-length segments
// ---------------------------------------------------------------------------

// flash visits only [max(segment start, i-window+1), i] for query i.
type flash struct{}

func (flash) Name() string   { return "flash_attention_2" }
func (flash) Layout() Layout { return LayoutCuSeqlens }

// segmentSpan turns cu_seqlens into a key span. offset is the global index
// of local query 0.
func segmentSpan(cu []int, offset, window int) keySpan {
	return func(i int, buf []int) []int {
		g := offset + i
		// cu is sorted; find the last boundary <= g.
		lo, hi := 0, len(cu)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if cu[mid] <= g {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		for j := max(cu[lo], windowStart(g, window)); j <= g; j++ {
			buf = append(buf, j)
		}
		return buf
	}
}

func checkCuSeqlens(cu []int, n int) error {
	if len(cu) < 2 || cu[0] != 0 || cu[len(cu)-1] != n {
		return errors.Errorf("cu_seqlens %v do not cover %d tokens", cu, n)
	}
	return nil
}

func (flash) Compute(_ context.Context, q, k, v *tensor.Tensor, b Bounds, p Params) (*tensor.Tensor, error) {
	if err := checkParams(q, k, v, p); err != nil {
		return nil, err
	}
	n := q.Shape().Rows()
	if n == 0 {
		return tensor.New(q.Shape(), q.DType()), nil
	}
	if err := checkCuSeqlens(b.CuSeqlens, n); err != nil {
		return nil, err
	}
	return forward(q, k, v, segmentSpan(b.CuSeqlens, 0, p.Window), p), nil
}

func (flash) Gradient(_ context.Context, q, k, v, out, gradOut *tensor.Tensor, b Bounds, p Params) (dq, dk, dv *tensor.Tensor, err error) {
	n := q.Shape().Rows()
	if n == 0 {
		return tensor.New(q.Shape(), q.DType()), tensor.New(k.Shape(), k.DType()), tensor.New(v.Shape(), v.DType()), nil
	}
	if err := checkCuSeqlens(b.CuSeqlens, n); err != nil {
		return nil, nil, nil, err
	}
	dq, dk, dv = backward(q, k, v, out, gradOut, segmentSpan(b.CuSeqlens, 0, p.Window), p)
	return dq, dk, dv, nil
}

// ---------------------------------------------------------------------------
// ring: context parallel
// ---------------------------------------------------------------------------

// ring holds one contiguous chunk of the sequence per context-parallel rank.
// Keys, values and positions are all-gathered so local queries see their
// whole segment; key and value gradients are summed across the group and
// each rank keeps its own chunk.
type ring struct {
	cp dist.Group
}

func (*ring) Name() string   { return "ring" }
func (*ring) Layout() Layout { return LayoutCuSeqlens }

type gathered struct {
	k, v   *tensor.Tensor
	cu     []int
	offset int
	local  int
}

func (r *ring) gather(ctx context.Context, k, v *tensor.Tensor, positions []int) (*gathered, error) {
	ks, err := r.cp.AllGather(ctx, k)
	if err != nil {
		return nil, errors.WithMessage(err, "ring attention keys")
	}
	vs, err := r.cp.AllGather(ctx, v)
	if err != nil {
		return nil, errors.WithMessage(err, "ring attention values")
	}
	ps, err := r.cp.AllGather(ctx, tensor.FromInts(positions))
	if err != nil {
		return nil, errors.WithMessage(err, "ring attention positions")
	}
	g := &gathered{local: len(positions)}
	var all []int
	for i, p := range ps {
		if i < r.cp.Rank() {
			g.offset += p.Numel()
		}
		all = append(all, p.Ints()...)
	}
	g.k, g.v, g.cu = tensor.ConcatRows(ks...), tensor.ConcatRows(vs...), CuSeqlens(all)
	return g, nil
}

func (r *ring) Compute(ctx context.Context, q, k, v *tensor.Tensor, b Bounds, p Params) (*tensor.Tensor, error) {
	if err := checkParams(q, k, v, p); err != nil {
		return nil, err
	}
	g, err := r.gather(ctx, k, v, b.Positions)
	if err != nil {
		return nil, err
	}
	return forward(q, g.k, g.v, segmentSpan(g.cu, g.offset, p.Window), p), nil
}

func (r *ring) Gradient(ctx context.Context, q, k, v, out, gradOut *tensor.Tensor, b Bounds, p Params) (dq, dk, dv *tensor.Tensor, err error) {
	g, err := r.gather(ctx, k, v, b.Positions)
	if err != nil {
		return nil, nil, nil, err
	}
	dq, dkAll, dvAll := backward(q, g.k, g.v, out, gradOut, segmentSpan(g.cu, g.offset, p.Window), p)
	if err := r.cp.AllReduce(ctx, dkAll, dist.Sum); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "ring attention key gradients")
	}
	if err := r.cp.AllReduce(ctx, dvAll, dist.Sum); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "ring attention value gradients")
	}
	return dq, dkAll.RowRange(g.offset, g.offset+g.local), dvAll.RowRange(g.offset, g.offset+g.local), nil
}
