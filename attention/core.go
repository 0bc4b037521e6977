// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Core is the rotary attention core of one decoder layer. It takes projected
// q, k, v for the local heads, rotates q and k by position, builds the mask
// representation its kernel wants and merges the heads of the result back
// into [tokens, heads*head_dim].
type Core struct {
	impl   Implementation
	rotary *Rotary
	params Params

	// cached for backward
	q, k, v, out *tensor.Tensor
	bounds       Bounds
}

// NewCore builds the core for layer layerIdx. Head counts are divided by the
// tensor-parallel size; the context-parallel group is handed to kernels that
// need it.
func NewCore(cfg config.Qwen2, layerIdx int, tp, cp dist.Group) (*Core, error) {
	impl, err := Lookup(cfg.AttnImplementation, Deps{CP: cp})
	if err != nil {
		return nil, err
	}
	if cp != nil && cp.Size() > 1 && impl.Name() != "ring" {
		return nil, errors.Wrapf(config.ErrInvalid, "context parallel size %d needs ring attention, got %s", cp.Size(), impl.Name())
	}
	if cfg.NumAttentionHeads%tp.Size() != 0 || cfg.NumKeyValueHeads%tp.Size() != 0 {
		return nil, errors.Wrapf(config.ErrInvalid, "%d heads / %d kv heads not divisible by tp size %d",
			cfg.NumAttentionHeads, cfg.NumKeyValueHeads, tp.Size())
	}
	headDim := cfg.HeadDim()
	return &Core{
		impl:   impl,
		rotary: NewRotary(headDim, cfg.MaxPositionEmbeddings, float64(cfg.RopeTheta), cfg.InterleavedRotary),
		params: Params{
			Heads:   cfg.NumAttentionHeads / tp.Size(),
			KVHeads: cfg.NumKeyValueHeads / tp.Size(),
			HeadDim: headDim,
			Scale:   1 / tensor.SqrtF32(float32(headDim)),
			Dropout: cfg.AttentionDropout,
			Window:  cfg.SlidingWindowFor(layerIdx),
		},
	}, nil
}

// Implementation returns the kernel in use.
func (c *Core) Implementation() Implementation { return c.impl }

// Params returns the kernel arguments of this layer.
func (c *Core) Params() Params { return c.params }

// BoundsFor builds the mask representation layout needs from raw position
// ids (padding still -1).
func BoundsFor(layout Layout, positionIDs []int) Bounds {
	b := Bounds{Positions: RemapPadding(positionIDs)}
	switch layout {
	case LayoutMask:
		b.Mask = CausalMask(b.Positions)
	case LayoutCuSeqlens:
		b.CuSeqlens = CuSeqlens(b.Positions)
	}
	return b
}

// Forward computes attention for q [n, heads*d], k and v [n, kv_heads*d].
func (c *Core) Forward(ctx context.Context, q, k, v *tensor.Tensor, positionIDs []int) (*tensor.Tensor, error) {
	c.bounds = BoundsFor(c.impl.Layout(), positionIDs)
	var err error
	if c.q, err = c.rotary.Apply(q, c.bounds.Positions); err != nil {
		return nil, err
	}
	if c.k, err = c.rotary.Apply(k, c.bounds.Positions); err != nil {
		return nil, err
	}
	c.v = v
	c.out, err = c.impl.Compute(ctx, c.q, c.k, c.v, c.bounds, c.params)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s attention", c.impl.Name())
	}
	// The kernel already writes heads contiguously per token, which is the
	// merged [tokens, heads*head_dim] layout.
	return c.out, nil
}

// Backward returns the gradients of the unrotated q, k and v.
func (c *Core) Backward(ctx context.Context, gradOut *tensor.Tensor) (dq, dk, dv *tensor.Tensor, err error) {
	if c.out == nil {
		exceptions.Panicf("attention backward called before forward")
	}
	dqRot, dkRot, dv, err := c.impl.Gradient(ctx, c.q, c.k, c.v, c.out, gradOut, c.bounds, c.params)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "%s attention gradient", c.impl.Name())
	}
	if dq, err = c.rotary.Inverse(dqRot, c.bounds.Positions); err != nil {
		return nil, nil, nil, err
	}
	if dk, err = c.rotary.Inverse(dkRot, c.bounds.Positions); err != nil {
		return nil, nil, nil, err
	}
	return dq, dk, dv, nil
}

// Release drops cached activations.
func (c *Core) Release() {
	c.q, c.k, c.v, c.out = nil, nil, nil, nil
	c.bounds = Bounds{}
}
