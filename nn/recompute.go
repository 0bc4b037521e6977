// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"context"

	"github.com/gomlx/exceptions"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Recompute wraps a module in an activation-recompute region.
//
// While Enabled reports true, Forward keeps only the region's input and
// releases every activation the inner module cached. Backward runs the inner
// forward again from that input and then backpropagates through it. The
// inner module must be deterministic so the second forward reproduces the
// first bit for bit; collectives inside it are re-issued by every rank of
// the group in the same order.
type Recompute struct {
	Inner   Module
	Enabled func() bool

	input   *tensor.Tensor
	dropped bool
}

var _ Module = (*Recompute)(nil)

// NewRecompute wraps inner. A nil enabled means never recompute.
func NewRecompute(inner Module, enabled func() bool) *Recompute {
	if enabled == nil {
		enabled = func() bool { return false }
	}
	return &Recompute{Inner: inner, Enabled: enabled}
}

func (r *Recompute) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.Inner.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	r.dropped = r.Enabled()
	if r.dropped {
		r.input = x
		r.Inner.Release()
	}
	return out, nil
}

func (r *Recompute) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.dropped {
		if r.input == nil {
			exceptions.Panicf("recompute backward called before forward")
		}
		if _, err := r.Inner.Forward(ctx, r.input); err != nil {
			return nil, err
		}
		r.input, r.dropped = nil, false
	}
	return r.Inner.Backward(ctx, grad)
}

func (r *Recompute) Release() {
	r.input, r.dropped = nil, false
	r.Inner.Release()
}
