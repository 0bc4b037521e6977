// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/pipeline"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Mode is the train/eval switch shared by every layer of one model.
type Mode struct {
	Training bool
}

// DecoderLayer is one pre-norm transformer layer:
//
//	h = h + Attn(RMSNorm(h))
//	h = h + FF(RMSNorm(h))
//
// FF is a MoE on the configured MoE layers and a dense MLP elsewhere. With
// recompute_layer the whole layer is a recompute region while training; the
// MoE carries its own nested region too.
type DecoderLayer struct {
	Index     int
	InputNorm *nn.RMSNorm
	Attn      *Attention
	PostNorm  *nn.RMSNorm
	MLP       *MLP // nil on MoE layers
	MoE       *MoE // nil on dense layers

	ff        nn.Module
	region    *nn.Recompute
	positions []int
}

var _ pipeline.Module = (*DecoderLayer)(nil)

// NewDecoderLayer builds layer idx. mode may be nil for an always-eval layer.
func NewDecoderLayer(cfg config.Config, idx int, tp, cp dist.Group, mode *Mode) (*DecoderLayer, error) {
	q := cfg.Model.Qwen2
	if mode == nil {
		mode = &Mode{}
	}
	attn, err := NewAttention(q, idx, tp, cp)
	if err != nil {
		return nil, err
	}
	l := &DecoderLayer{
		Index:     idx,
		InputNorm: nn.NewRMSNorm(q.HiddenSize, q.RMSNormEps),
		Attn:      attn,
		PostNorm:  nn.NewRMSNorm(q.HiddenSize, q.RMSNormEps),
	}
	recompute := func() bool { return mode.Training && cfg.Parallelism.RecomputeLayer }
	if q.IsMoELayer(idx) {
		if l.MoE, err = NewMoE(q, cfg.Parallelism.EP, tp); err != nil {
			return nil, err
		}
		l.ff = nn.NewRecompute(l.MoE, recompute)
	} else {
		if l.MLP, err = NewMLP(tp, q.HiddenSize, q.IntermediateSize, q.HiddenAct); err != nil {
			return nil, err
		}
		l.ff = l.MLP
	}
	l.region = nn.NewRecompute(layerBody{l}, recompute)
	return l, nil
}

// Forward maps {hidden_states, position_ids} to the same keys. A Remote
// hidden state is passed through untouched.
func (l *DecoderLayer) Forward(ctx context.Context, in map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	hs, pos := in["hidden_states"], in["position_ids"]
	if !hs.IsLocal() || !pos.IsLocal() {
		return map[string]pipeline.Value{"hidden_states": hs, "position_ids": pos}, nil
	}
	l.positions = pos.Tensor().Ints()
	out, err := l.region.Forward(ctx, hs.Tensor())
	if err != nil {
		return nil, errors.WithMessagef(err, "decoder layer %d", l.Index)
	}
	return map[string]pipeline.Value{"hidden_states": pipeline.Local(out), "position_ids": pos}, nil
}

func (l *DecoderLayer) Backward(ctx context.Context, grads map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g, ok := grads["hidden_states"]
	if !ok {
		return nil, errors.Errorf("decoder layer %d: no gradient for hidden_states", l.Index)
	}
	dx, err := l.region.Backward(ctx, g)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoder layer %d backward", l.Index)
	}
	l.Release()
	return map[string]*tensor.Tensor{"hidden_states": dx}, nil
}

// Release drops every cached activation of the layer.
func (l *DecoderLayer) Release() {
	l.region.Release()
	l.positions = nil
}

// Register adds the layer's parameters under prefix.
func (l *DecoderLayer) Register(ps *nn.ParamSet, prefix string) {
	l.InputNorm.Register(ps, prefix+".input_layernorm")
	l.Attn.Register(ps, prefix+".attn")
	l.PostNorm.Register(ps, prefix+".post_attention_layernorm")
	if l.MoE != nil {
		l.MoE.Register(ps, prefix+".mlp")
	} else {
		l.MLP.Register(ps, prefix+".mlp")
	}
}

func (l *DecoderLayer) String() string {
	kind := "dense"
	if l.MoE != nil {
		kind = "moe"
	}
	return fmt.Sprintf("decoder[%d %s %s]", l.Index, kind, l.Attn.Core.Implementation().Name())
}

// layerBody is the tensor-in tensor-out body of a decoder layer, the unit
// its recompute region replays.
type layerBody struct{ l *DecoderLayer }

func (b layerBody) Forward(ctx context.Context, h *tensor.Tensor) (*tensor.Tensor, error) {
	l := b.l
	a, err := l.Attn.Forward(ctx, l.InputNorm.Forward(h), l.positions)
	if err != nil {
		return nil, err
	}
	h1 := h.Add(a)
	f, err := l.ff.Forward(ctx, l.PostNorm.Forward(h1))
	if err != nil {
		return nil, err
	}
	return h1.Add(f), nil
}

func (b layerBody) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	l := b.l
	df, err := l.ff.Backward(ctx, grad)
	if err != nil {
		return nil, err
	}
	dh1 := grad.Add(l.PostNorm.Backward(df))
	da, err := l.Attn.Backward(ctx, dh1)
	if err != nil {
		return nil, err
	}
	return dh1.Add(l.InputNorm.Backward(da)), nil
}

func (b layerBody) Release() {
	l := b.l
	l.InputNorm.Release()
	l.Attn.Release()
	l.PostNorm.Release()
	l.ff.Release()
}
