// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package attention implements the rotary attention core over packed,
// padding-aware sequences and the pluggable kernels it delegates to.
//
// Queries, keys and values are [tokens, heads*head_dim] row-major tensors
// holding only the heads local to this tensor-parallel rank. A kernel is
// chosen by name when the layer is built:
//
//	sdpa               explicit [n, n] boolean mask
//	flash_attention_2  cu_seqlens, visits only keys inside the segment
//	ring               cu_seqlens over the sequence gathered across the
//	                   context-parallel group
package attention

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Layout is the mask representation a kernel consumes.
type Layout int

const (
	LayoutMask      Layout = iota // Bounds.Mask
	LayoutCuSeqlens               // Bounds.CuSeqlens
)

// Bounds describes which keys each query may attend to. Only the field
// matching the kernel's Layout is filled; Positions is always set.
type Bounds struct {
	Positions []int  // remapped position ids
	Mask      []bool // [n, n] flattened, LayoutMask only
	CuSeqlens []int  // segment boundaries, LayoutCuSeqlens only
}

// Params are the per-layer kernel arguments.
type Params struct {
	Heads   int // local query heads
	KVHeads int // local key/value heads
	HeadDim int
	Scale   float32
	Dropout float32
	Window  int // sliding window size, 0 for none
}

// Implementation is an attention kernel.
type Implementation interface {
	Name() string
	Layout() Layout
	// Compute returns softmax(q k^T * scale + mask) v as [tokens, heads*head_dim].
	Compute(ctx context.Context, q, k, v *tensor.Tensor, b Bounds, p Params) (*tensor.Tensor, error)
	// Gradient returns dq, dk, dv given the forward output and its gradient.
	Gradient(ctx context.Context, q, k, v, out, gradOut *tensor.Tensor, b Bounds, p Params) (dq, dk, dv *tensor.Tensor, err error)
}

// Deps are the process groups a kernel may need.
type Deps struct {
	CP dist.Group
}

type factory func(Deps) (Implementation, error)

var registry = map[string]factory{
	"sdpa":              func(Deps) (Implementation, error) { return sdpa{}, nil },
	"flash_attention_2": func(Deps) (Implementation, error) { return flash{}, nil },
	"ring": func(d Deps) (Implementation, error) {
		if d.CP == nil {
			return nil, errors.Wrap(config.ErrInvalid, "ring attention needs a context-parallel group")
		}
		return &ring{cp: d.CP}, nil
	},
}

// Lookup builds the kernel registered under name.
func Lookup(name string, deps Deps) (Implementation, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(config.ErrInvalid, "unknown attention implementation %q (known: %v)", name, Names())
	}
	return f(deps)
}

// Names lists the registered kernels, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkParams(q, k, v *tensor.Tensor, p Params) error {
	if p.Dropout != 0 {
		return errors.Wrapf(config.ErrInvalid, "attention dropout %g is not supported", p.Dropout)
	}
	if p.KVHeads == 0 || p.Heads%p.KVHeads != 0 {
		return errors.Errorf("attention: %d query heads not divisible by %d kv heads", p.Heads, p.KVHeads)
	}
	if q.Shape().At(-1) != p.Heads*p.HeadDim || k.Shape().At(-1) != p.KVHeads*p.HeadDim || v.Shape().At(-1) != p.KVHeads*p.HeadDim {
		return errors.Errorf("attention: q %v, k %v, v %v do not match %d/%d heads of dim %d",
			q.Shape(), k.Shape(), v.Shape(), p.Heads, p.KVHeads, p.HeadDim)
	}
	if k.Shape().Rows() != v.Shape().Rows() {
		return errors.Errorf("attention: %d keys but %d values", k.Shape().Rows(), v.Shape().Rows())
	}
	return nil
}
