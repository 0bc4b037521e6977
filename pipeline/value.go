// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package pipeline wires model stages across pipeline-parallel ranks.
//
// Every rank walks the same ordered list of blocks. The rank that owns a
// block receives any inputs it does not hold, runs the module and produces
// local outputs; every other rank sends the inputs it holds to the owner and
// gets Remote placeholders back. Backward walks the blocks in reverse and
// returns input gradients to the rank that supplied each input.
package pipeline

import (
	"fmt"

	"github.com/gomlx/exceptions"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Value is either a tensor materialized on this rank or a placeholder for
// one that lives on pipeline rank Source.
type Value struct {
	t      *tensor.Tensor
	source int
	remote bool
}

// Local wraps a tensor held by this rank.
func Local(t *tensor.Tensor) Value { return Value{t: t, source: -1} }

// Remote is a placeholder for a tensor owned by pipeline rank source.
func Remote(source int) Value { return Value{source: source, remote: true} }

// IsLocal reports whether the tensor is materialized here.
func (v Value) IsLocal() bool { return v.t != nil }

// IsZero reports whether v holds neither a tensor nor a placeholder.
func (v Value) IsZero() bool { return v.t == nil && !v.remote }

// Tensor returns the local tensor. It panics on a Remote value: compute must
// never touch data that lives on another rank.
func (v Value) Tensor() *tensor.Tensor {
	if v.t == nil {
		exceptions.Panicf("tensor lives on pipeline rank %d", v.source)
	}
	return v.t
}

// Source returns the owning pipeline rank of a Remote value.
func (v Value) Source() int { return v.source }

func (v Value) String() string {
	if v.t != nil {
		return fmt.Sprintf("Local(%v)", v.t.Shape())
	}
	return fmt.Sprintf("Remote(pp=%d)", v.source)
}
