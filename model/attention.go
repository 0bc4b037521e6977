// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"

	"github.com/fumi-engineer/machine_learning/qwenmoe/attention"
	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Attention is the self-attention sub-block: fused qkv projection, rotary
// core and output projection. qkv_proj is cut into [q, k, v] chunks so each
// tp rank holds matching query and key/value heads.
type Attention struct {
	QKV  *nn.ColumnLinear
	O    *nn.RowLinear
	Core *attention.Core

	q, kv int // local widths
}

// NewAttention builds the attention of layer layerIdx.
func NewAttention(cfg config.Qwen2, layerIdx int, tp, cp dist.Group) (*Attention, error) {
	core, err := attention.NewCore(cfg, layerIdx, tp, cp)
	if err != nil {
		return nil, err
	}
	d := cfg.HeadDim()
	q, kv := cfg.NumAttentionHeads*d, cfg.NumKeyValueHeads*d
	qkv, err := nn.NewColumnLinear(tp, cfg.HiddenSize, q+2*kv, cfg.AttentionBias, q, kv, kv)
	if err != nil {
		return nil, err
	}
	o, err := nn.NewRowLinear(tp, q, cfg.HiddenSize, false)
	if err != nil {
		return nil, err
	}
	return &Attention{QKV: qkv, O: o, Core: core, q: q / tp.Size(), kv: kv / tp.Size()}, nil
}

// Forward attends x [tokens, hidden] within the documents described by
// positionIDs.
func (a *Attention) Forward(ctx context.Context, x *tensor.Tensor, positionIDs []int) (*tensor.Tensor, error) {
	qkv, err := a.QKV.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	q := qkv.Cols(0, a.q)
	k := qkv.Cols(a.q, a.q+a.kv)
	v := qkv.Cols(a.q+a.kv, a.q+2*a.kv)
	out, err := a.Core.Forward(ctx, q, k, v, positionIDs)
	if err != nil {
		return nil, err
	}
	return a.O.Forward(ctx, out)
}

func (a *Attention) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	dOut, err := a.O.Backward(ctx, grad)
	if err != nil {
		return nil, err
	}
	dq, dk, dv, err := a.Core.Backward(ctx, dOut)
	if err != nil {
		return nil, err
	}
	dqkv := tensor.Zeros(dOut.Shape().Rows(), a.q+2*a.kv)
	dqkv.SetCols(0, dq)
	dqkv.SetCols(a.q, dk)
	dqkv.SetCols(a.q+a.kv, dv)
	return a.QKV.Backward(ctx, dqkv)
}

func (a *Attention) Release() {
	a.QKV.Release()
	a.Core.Release()
	a.O.Release()
}

// Register adds qkv_proj and o_proj under prefix.
func (a *Attention) Register(ps *nn.ParamSet, prefix string) {
	a.QKV.Register(ps, prefix+".qkv_proj")
	a.O.Register(ps, prefix+".o_proj")
}
