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

// Embedding is a vocab-parallel lookup table: token ID -> dense vector.
//
//	output[t, :] = weight[token_ids[t], :]
//
// Each tensor-parallel rank owns the vocabulary rows [start, end). Tokens
// outside that range produce zeros locally; an all-reduce assembles the full
// vectors on every rank. The row of PaddingIdx, when set, gets no gradient.
type Embedding struct {
	Weight     *Param
	PaddingIdx int // -1 for none
	tp         dist.Group
	vocab      int
	dim        int
	start, end int
	lastIDs    []int
}

// NewEmbedding builds a [vocab, dim] table sharded over tp.
func NewEmbedding(tp dist.Group, vocab, dim int) (*Embedding, error) {
	if vocab%tp.Size() != 0 {
		return nil, errors.Wrapf(config.ErrInvalid, "vocab size %d not divisible by tp size %d", vocab, tp.Size())
	}
	per := vocab / tp.Size()
	return &Embedding{
		Weight:     NewShardedParam(RoleEmbedding, &Shard{Axis: 0, Chunks: []int{vocab}, Rank: tp.Rank(), Size: tp.Size()}, vocab, dim),
		PaddingIdx: -1,
		tp:         tp,
		vocab:      vocab,
		dim:        dim,
		start:      tp.Rank() * per,
		end:        (tp.Rank() + 1) * per,
	}, nil
}

// VocabRange returns the token ids owned by this rank.
func (e *Embedding) VocabRange() (start, end int) { return e.start, e.end }

// Forward looks up ids (float32-encoded token ids, any shape) and returns
// [len(ids), dim].
func (e *Embedding) Forward(ctx context.Context, ids *tensor.Tensor) (*tensor.Tensor, error) {
	e.lastIDs = ids.Ints()
	out := tensor.Zeros(len(e.lastIDs), e.dim)
	w := e.Weight.Data.DataPtr()
	for t, id := range e.lastIDs {
		if id < 0 || id >= e.vocab {
			exceptions.Panicf("token id %d out of range [0, %d)", id, e.vocab)
		}
		if id < e.start || id >= e.end {
			continue
		}
		local := id - e.start
		copy(out.Row(t), w[local*e.dim:(local+1)*e.dim])
	}
	if err := e.tp.AllReduce(ctx, out, dist.Sum); err != nil {
		return nil, errors.WithMessage(err, "embedding lookup")
	}
	return out, nil
}

// Backward scatter-adds grad into the rows this rank owns, skipping the
// padding row. Token ids have no gradient, so it returns nil.
func (e *Embedding) Backward(_ context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if e.lastIDs == nil {
		exceptions.Panicf("embedding backward called before forward")
	}
	if !e.Weight.RequiresGrad {
		return nil, nil
	}
	dW := make([]float32, e.Weight.Data.Numel())
	for t, id := range e.lastIDs {
		if id < e.start || id >= e.end || id == e.PaddingIdx {
			continue
		}
		off := (id - e.start) * e.dim
		for d, g := range grad.Row(t) {
			dW[off+d] += g
		}
	}
	e.Weight.Data.AccumulateGrad(dW)
	return nil, nil
}

func (e *Embedding) Release() { e.lastIDs = nil }

// Register adds the table under prefix.
func (e *Embedding) Register(ps *ParamSet, prefix string) {
	ps.Add(prefix+".weight", e.Weight)
}
