// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package pipeline

import (
	"context"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Module is the computation wrapped by a Block. Inputs handed to Forward are
// keyed by the block's input keys; Backward receives gradients keyed by
// output keys and returns gradients keyed by input keys.
type Module interface {
	Forward(ctx context.Context, in map[string]Value) (map[string]Value, error)
	Backward(ctx context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
}

type role int

const (
	roleIdle     role = iota // nothing held, nothing owned
	roleComputed             // this rank owns the block
	roleSent                 // this rank sent inputs to the owner
)

// Block is one stage of the chain, placed on pipeline rank Rank.
type Block struct {
	Name       string
	Rank       int
	InputKeys  []string
	OutputKeys []string
	// GradKeys are the input keys that carry gradients back upstream.
	GradKeys []string

	// Module is only built on the owning rank.
	Module Module

	pp dist.Group

	// set by Forward for Backward
	role     role
	received map[string]int // input key -> pipeline rank it came from
	sent     []string       // input keys this rank sent to Rank
}

// NewBlock places a block. build runs only when pp's local rank equals rank,
// so parameters exist only on the stage that owns them.
func NewBlock(pp dist.Group, name string, rank int, in, out, grad []string, build func() (Module, error)) (*Block, error) {
	b := &Block{
		Name:       name,
		Rank:       rank,
		InputKeys:  sorted(in),
		OutputKeys: sorted(out),
		GradKeys:   sorted(grad),
		pp:         pp,
	}
	if pp.Rank() == rank {
		m, err := build()
		if err != nil {
			return nil, errors.WithMessagef(err, "building %s", name)
		}
		b.Module = m
	}
	return b, nil
}

func sorted(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return out
}

// IsLocal reports whether this rank runs the block.
func (b *Block) IsLocal() bool { return b.pp.Rank() == b.Rank }

// Forward moves inputs to the owner and runs the module there. Sends and
// receives happen in sorted key order on both sides.
func (b *Block) Forward(ctx context.Context, in map[string]Value) (map[string]Value, error) {
	b.received, b.sent = nil, nil
	if !b.IsLocal() {
		b.role = roleIdle
		for _, k := range b.InputKeys {
			v, ok := in[k]
			if !ok {
				return nil, errors.Errorf("%s: missing input %q", b.Name, k)
			}
			if !v.IsLocal() {
				continue
			}
			if err := b.pp.Send(ctx, v.Tensor(), b.Rank); err != nil {
				return nil, errors.WithMessagef(err, "%s: sending %q", b.Name, k)
			}
			b.sent = append(b.sent, k)
			b.role = roleSent
		}
		out := make(map[string]Value, len(b.OutputKeys))
		for _, k := range b.OutputKeys {
			out[k] = Remote(b.Rank)
		}
		return out, nil
	}

	b.role = roleComputed
	local := make(map[string]Value, len(b.InputKeys))
	for _, k := range b.InputKeys {
		v, ok := in[k]
		if !ok {
			return nil, errors.Errorf("%s: missing input %q", b.Name, k)
		}
		if !v.IsLocal() {
			t, err := b.pp.Recv(ctx, v.Source())
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: receiving %q from pp rank %d", b.Name, k, v.Source())
			}
			if b.received == nil {
				b.received = make(map[string]int)
			}
			b.received[k] = v.Source()
			v = Local(t)
		}
		local[k] = v
	}
	out, err := b.Module.Forward(ctx, local)
	if err != nil {
		return nil, errors.WithMessage(err, b.Name)
	}
	for _, k := range b.OutputKeys {
		if _, ok := out[k]; !ok {
			return nil, errors.Errorf("%s: module did not produce %q", b.Name, k)
		}
	}
	return out, nil
}

// Backward runs the module's backward on the owning rank and returns input
// gradients. Gradients of inputs that arrived from another rank are sent
// back there and appear as Remote; the sending rank receives them and gets
// them as Local.
func (b *Block) Backward(ctx context.Context, grads map[string]Value) (map[string]Value, error) {
	out := make(map[string]Value)
	switch b.role {
	case roleSent:
		for _, k := range b.sent {
			if !slices.Contains(b.GradKeys, k) {
				continue
			}
			t, err := b.pp.Recv(ctx, b.Rank)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: receiving gradient of %q", b.Name, k)
			}
			out[k] = Local(t)
		}
	case roleComputed:
		local := make(map[string]*tensor.Tensor, len(grads))
		for _, k := range b.OutputKeys {
			if v, ok := grads[k]; ok && v.IsLocal() {
				local[k] = v.Tensor()
			}
		}
		in, err := b.Module.Backward(ctx, local)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s backward", b.Name)
		}
		for _, k := range b.GradKeys {
			g, ok := in[k]
			if !ok || g == nil {
				return nil, errors.Errorf("%s: module returned no gradient for %q", b.Name, k)
			}
			if src, ok := b.received[k]; ok {
				if err := b.pp.Send(ctx, g, src); err != nil {
					return nil, errors.WithMessagef(err, "%s: returning gradient of %q", b.Name, k)
				}
				out[k] = Remote(src)
				continue
			}
			out[k] = Local(g)
		}
	}
	return out, nil
}

// Release forgets the routing recorded by Forward.
func (b *Block) Release() {
	b.role, b.received, b.sent = roleIdle, nil, nil
}
