// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"

	"github.com/gomlx/exceptions"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Routing is the top-k assignment of every token: Experts[t][s] is the
// expert picked in slot s of token t and Weights[t][s] its weight. Weights of
// one token sum to 1.
type Routing struct {
	Experts [][]int
	Weights [][]float32
}

// Assignment lists the tokens one expert serves, in token order, with the
// routing slot each token picked it in.
type Assignment struct {
	Expert  int
	Tokens  []int
	Slots   []int
	Weights []float32
	// Input holds the gathered, unscaled rows of the tokens. It is nil when
	// the expert received no tokens.
	Input *tensor.Tensor
}

// Empty reports whether no token was routed to the expert.
func (a *Assignment) Empty() bool { return len(a.Tokens) == 0 }

// Dispatcher moves routed tokens to the experts that own them and expert
// outputs back to the tokens' rows.
//
// LocalDispatcher is the only implementation: every expert lives on this
// rank. Expert parallelism across ranks plugs in here as an all-to-all
// exchange keyed by destination expert.
type Dispatcher interface {
	// Dispatch gathers, for each local expert, the rows routed to it.
	Dispatch(ctx context.Context, x *tensor.Tensor, r Routing) ([]Assignment, error)
	// Combine scatter-adds expert outputs into a [rows, width] tensor.
	// outputs[i] belongs to assignments[i] and is nil for an empty expert.
	Combine(ctx context.Context, outputs []*tensor.Tensor, assignments []Assignment, rows, width int) (*tensor.Tensor, error)
	// CombineBackward gathers the output gradient rows of each expert.
	CombineBackward(ctx context.Context, grad *tensor.Tensor, assignments []Assignment) ([]*tensor.Tensor, error)
	// DispatchBackward scatter-adds expert input gradients back to token rows.
	DispatchBackward(ctx context.Context, grads []*tensor.Tensor, assignments []Assignment, rows, width int) (*tensor.Tensor, error)
}

// LocalDispatcher routes between tokens and experts held by the same rank.
type LocalDispatcher struct {
	NumExperts int
}

var _ Dispatcher = LocalDispatcher{}

func (d LocalDispatcher) Dispatch(_ context.Context, x *tensor.Tensor, r Routing) ([]Assignment, error) {
	out := make([]Assignment, d.NumExperts)
	for e := range out {
		out[e].Expert = e
	}
	for t, experts := range r.Experts {
		for s, e := range experts {
			if e < 0 || e >= d.NumExperts {
				exceptions.Panicf("token %d routed to expert %d of %d", t, e, d.NumExperts)
			}
			a := &out[e]
			a.Tokens = append(a.Tokens, t)
			a.Slots = append(a.Slots, s)
			a.Weights = append(a.Weights, r.Weights[t][s])
		}
	}
	width := x.Shape().At(-1)
	for e := range out {
		a := &out[e]
		if a.Empty() {
			continue
		}
		a.Input = tensor.Zeros(len(a.Tokens), width)
		for i, t := range a.Tokens {
			copy(a.Input.Row(i), x.Row(t))
		}
	}
	return out, nil
}

func (d LocalDispatcher) Combine(_ context.Context, outputs []*tensor.Tensor, assignments []Assignment, rows, width int) (*tensor.Tensor, error) {
	return scatterAdd(outputs, assignments, rows, width), nil
}

func (d LocalDispatcher) CombineBackward(_ context.Context, grad *tensor.Tensor, assignments []Assignment) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(assignments))
	width := grad.Shape().At(-1)
	for i := range assignments {
		a := &assignments[i]
		if a.Empty() {
			continue
		}
		g := tensor.Zeros(len(a.Tokens), width)
		for j, t := range a.Tokens {
			copy(g.Row(j), grad.Row(t))
		}
		out[i] = g
	}
	return out, nil
}

func (d LocalDispatcher) DispatchBackward(_ context.Context, grads []*tensor.Tensor, assignments []Assignment, rows, width int) (*tensor.Tensor, error) {
	return scatterAdd(grads, assignments, rows, width), nil
}

// scatterAdd accumulates parts[i] row j into row assignments[i].Tokens[j].
func scatterAdd(parts []*tensor.Tensor, assignments []Assignment, rows, width int) *tensor.Tensor {
	out := tensor.Zeros(rows, width)
	for i, p := range parts {
		if p == nil {
			continue
		}
		for j, t := range assignments[i].Tokens {
			dst := out.Row(t)
			for c, v := range p.Row(j) {
				dst[c] += v
			}
		}
	}
	return out
}
