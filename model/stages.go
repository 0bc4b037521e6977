// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/pipeline"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// ---------------------------------------------------------------------------
// Token embedding
// ---------------------------------------------------------------------------

// EmbeddingStage maps {input_ids, position_ids} to {input_embeds,
// position_ids}.
type EmbeddingStage struct {
	Embedding *nn.Embedding
}

func (s *EmbeddingStage) Forward(ctx context.Context, in map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	e, err := s.Embedding.Forward(ctx, in["input_ids"].Tensor())
	if err != nil {
		return nil, err
	}
	return map[string]pipeline.Value{"input_embeds": pipeline.Local(e), "position_ids": in["position_ids"]}, nil
}

func (s *EmbeddingStage) Backward(ctx context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g, ok := grads["input_embeds"]
	if !ok {
		return nil, errors.New("embedding: no gradient for input_embeds")
	}
	if _, err := s.Embedding.Backward(ctx, g); err != nil {
		return nil, err
	}
	s.Embedding.Release()
	return map[string]*tensor.Tensor{}, nil
}

// ---------------------------------------------------------------------------
// Final norm
// ---------------------------------------------------------------------------

// FinalNormStage maps {input} to {hidden_states}.
type FinalNormStage struct {
	Norm *nn.RMSNorm
}

func (s *FinalNormStage) Forward(_ context.Context, in map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	return map[string]pipeline.Value{"hidden_states": pipeline.Local(s.Norm.Forward(in["input"].Tensor()))}, nil
}

func (s *FinalNormStage) Backward(_ context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g, ok := grads["hidden_states"]
	if !ok {
		return nil, errors.New("final norm: no gradient for hidden_states")
	}
	dx := s.Norm.Backward(g)
	s.Norm.Release()
	return map[string]*tensor.Tensor{"input": dx}, nil
}

// ---------------------------------------------------------------------------
// Output projection
// ---------------------------------------------------------------------------

// LMHeadStage maps {x} to vocab-sharded {logits}.
type LMHeadStage struct {
	Proj *nn.ColumnLinear
}

func (s *LMHeadStage) Forward(ctx context.Context, in map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	y, err := s.Proj.Forward(ctx, in["x"].Tensor())
	if err != nil {
		return nil, err
	}
	return map[string]pipeline.Value{"logits": pipeline.Local(y)}, nil
}

func (s *LMHeadStage) Backward(ctx context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g, ok := grads["logits"]
	if !ok {
		return nil, errors.New("lm_head: no gradient for logits")
	}
	dx, err := s.Proj.Backward(ctx, g)
	if err != nil {
		return nil, err
	}
	s.Proj.Release()
	return map[string]*tensor.Tensor{"x": dx}, nil
}

// ---------------------------------------------------------------------------
// Loss
// ---------------------------------------------------------------------------

// LossStage maps {sharded_logits, label_ids, label_mask} to a scalar {loss}.
// The incoming loss gradient is the seed of the whole backward pass.
type LossStage struct {
	CE *ShardedCrossEntropy
}

// NewLossStage builds the loss over tp.
func NewLossStage(tp dist.Group) *LossStage {
	return &LossStage{CE: NewShardedCrossEntropy(tp)}
}

func (s *LossStage) Forward(ctx context.Context, in map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	loss, err := s.CE.Forward(ctx, in["sharded_logits"].Tensor(), in["label_ids"].Tensor().Ints(), in["label_mask"].Tensor().Data())
	if err != nil {
		return nil, err
	}
	return map[string]pipeline.Value{"loss": pipeline.Local(tensor.FromSliceNoCopy([]float32{loss}, tensor.NewShape(1)))}, nil
}

func (s *LossStage) Backward(_ context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	seed := float32(1)
	if g, ok := grads["loss"]; ok {
		seed = g.DataPtr()[0]
	}
	d := s.CE.Backward(seed)
	s.CE.Release()
	return map[string]*tensor.Tensor{"sharded_logits": d}, nil
}
