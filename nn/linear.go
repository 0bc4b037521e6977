// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b with the full weight on every rank.
//
// Weight shape: [out_features, in_features] so that MatmulTransposedB applies
// without materializing W^T.
type Linear struct {
	Weight    *Param
	Bias      *Param
	in, out   int
	lastInput *tensor.Tensor
}

// NewLinear allocates a replicated linear. Values are set by Initialize.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: NewParam(RoleReplicated, out, in), in: in, out: out}
	if bias {
		l.Bias = NewParam(RoleBias, out)
	}
	return l
}

// Forward maps [N, in] to [N, out].
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	l.lastInput = x
	return affine(x, l.Weight, l.Bias, l.in)
}

// Backward accumulates dW and db and returns dX.
func (l *Linear) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if l.lastInput == nil {
		exceptions.Panicf("linear backward called before forward")
	}
	return affineBackward(l.lastInput, grad, l.Weight, l.Bias)
}

// Release drops the cached input.
func (l *Linear) Release() { l.lastInput = nil }

// Register adds weight and bias under prefix.
func (l *Linear) Register(ps *ParamSet, prefix string) {
	ps.Add(prefix+".weight", l.Weight)
	ps.Add(prefix+".bias", l.Bias)
}

// affine computes x @ W^T (+ b) for x read as [rows, in].
func affine(x *tensor.Tensor, w, b *Param, in int) *tensor.Tensor {
	if x.Shape().At(-1) != in {
		exceptions.Panicf("linear expects last dim %d, got %v", in, x.Shape())
	}
	rows := x.Shape().Rows()
	y := tensor.MatmulTransposedB(x.Reshape(rows, in), w.Data)
	if b != nil {
		bias := b.Data.DataPtr()
		for r := 0; r < rows; r++ {
			row := y.Row(r)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return y
}

// affineBackward accumulates dW = dY^T @ X and db = sum(dY), and returns
// dX = dY @ W.
func affineBackward(x, grad *tensor.Tensor, w, b *Param) *tensor.Tensor {
	rows := x.Shape().Rows()
	out, in := w.Data.Shape().At(0), w.Data.Shape().At(1)
	dy := grad.Reshape(rows, out)
	if w.RequiresGrad {
		w.Data.AccumulateGrad(tensor.MatmulTransposedA(dy, x.Reshape(rows, in)).DataPtr())
	}
	if b != nil && b.RequiresGrad {
		db := make([]float32, out)
		for r := 0; r < rows; r++ {
			for j, g := range dy.Row(r) {
				db[j] += g
			}
		}
		b.Data.AccumulateGrad(db)
	}
	return tensor.Matmul(dy, w.Data)
}

// ---------------------------------------------------------------------------
// ColumnLinear
// ---------------------------------------------------------------------------

// ColumnLinear shards the output features across the tensor-parallel group.
// Each rank computes its slice of y from the replicated input; no
// communication happens in forward. In backward the partial input gradients
// are all-reduced so every rank holds the full dX.
//
// Fused projections pass their logical chunk sizes so each rank keeps a
// congruent slice of every chunk (for gate_up: the same columns of gate and
// of up).
type ColumnLinear struct {
	Weight    *Param
	Bias      *Param
	tp        dist.Group
	in        int
	outLocal  int
	lastInput *tensor.Tensor
}

var _ Module = (*ColumnLinear)(nil)

// NewColumnLinear builds a column-parallel linear of logical size [out, in].
// chunks defaults to a single chunk of out; each chunk must divide evenly
// across the group.
func NewColumnLinear(tp dist.Group, in, out int, bias bool, chunks ...int) (*ColumnLinear, error) {
	if len(chunks) == 0 {
		chunks = []int{out}
	}
	total := 0
	for _, c := range chunks {
		if c%tp.Size() != 0 {
			return nil, errors.Wrapf(config.ErrInvalid, "column chunk %d not divisible by tp size %d", c, tp.Size())
		}
		total += c
	}
	if total != out {
		return nil, errors.Wrapf(config.ErrInvalid, "column chunks %v do not sum to %d", chunks, out)
	}
	shard := func() *Shard { return &Shard{Axis: 0, Chunks: chunks, Rank: tp.Rank(), Size: tp.Size()} }
	l := &ColumnLinear{
		Weight:   NewShardedParam(RoleColumn, shard(), out, in),
		tp:       tp,
		in:       in,
		outLocal: out / tp.Size(),
	}
	if bias {
		l.Bias = NewShardedParam(RoleBias, shard(), out)
	}
	return l, nil
}

// OutLocal is the number of output features held by this rank.
func (l *ColumnLinear) OutLocal() int { return l.outLocal }

func (l *ColumnLinear) Forward(_ context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	l.lastInput = x
	return affine(x, l.Weight, l.Bias, l.in), nil
}

func (l *ColumnLinear) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		exceptions.Panicf("column linear backward called before forward")
	}
	dx := affineBackward(l.lastInput, grad, l.Weight, l.Bias)
	if err := l.tp.AllReduce(ctx, dx, dist.Sum); err != nil {
		return nil, errors.WithMessage(err, "column linear input gradient")
	}
	return dx, nil
}

func (l *ColumnLinear) Release() { l.lastInput = nil }

// Register adds weight and bias under prefix.
func (l *ColumnLinear) Register(ps *ParamSet, prefix string) {
	ps.Add(prefix+".weight", l.Weight)
	ps.Add(prefix+".bias", l.Bias)
}

// ---------------------------------------------------------------------------
// RowLinear
// ---------------------------------------------------------------------------

// RowLinear shards the input features across the tensor-parallel group. The
// input arrives already sharded (typically from a ColumnLinear); partial
// products are summed with an all-reduce and the replicated bias is added
// once afterwards.
type RowLinear struct {
	Weight    *Param
	Bias      *Param
	tp        dist.Group
	inLocal   int
	lastInput *tensor.Tensor
}

var _ Module = (*RowLinear)(nil)

// NewRowLinear builds a row-parallel linear of logical size [out, in].
func NewRowLinear(tp dist.Group, in, out int, bias bool) (*RowLinear, error) {
	if in%tp.Size() != 0 {
		return nil, errors.Wrapf(config.ErrInvalid, "row linear input %d not divisible by tp size %d", in, tp.Size())
	}
	l := &RowLinear{
		Weight:  NewShardedParam(RoleRow, &Shard{Axis: 1, Chunks: []int{in}, Rank: tp.Rank(), Size: tp.Size()}, out, in),
		tp:      tp,
		inLocal: in / tp.Size(),
	}
	if bias {
		l.Bias = NewParam(RoleBias, out)
	}
	return l, nil
}

func (l *RowLinear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	l.lastInput = x
	y := affine(x, l.Weight, nil, l.inLocal)
	if err := l.tp.AllReduce(ctx, y, dist.Sum); err != nil {
		return nil, errors.WithMessage(err, "row linear output")
	}
	if l.Bias != nil {
		bias := l.Bias.Data.DataPtr()
		for r := 0; r < y.Shape().Rows(); r++ {
			row := y.Row(r)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return y, nil
}

func (l *RowLinear) Backward(_ context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		exceptions.Panicf("row linear backward called before forward")
	}
	return affineBackward(l.lastInput, grad, l.Weight, l.Bias), nil
}

func (l *RowLinear) Release() { l.lastInput = nil }

// Register adds weight and bias under prefix.
func (l *RowLinear) Register(ps *ParamSet, prefix string) {
	ps.Add(prefix+".weight", l.Weight)
	ps.Add(prefix+".bias", l.Bias)
}
