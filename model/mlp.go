// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"

	"github.com/gomlx/exceptions"

	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// MLP is the gated feed-forward block:
//
//	out = down_proj(act(gate) * up),  [gate | up] = gate_up_proj(x)
//
// gate_up_proj is one column-parallel matmul of width 2*intermediate cut into
// two chunks, so every tp rank holds the same columns of gate and of up and
// the split happens locally.
type MLP struct {
	GateUp *nn.ColumnLinear
	Down   *nn.RowLinear

	act   nn.Activation
	width int // local intermediate width

	lastGateUp *tensor.Tensor
}

var _ nn.Module = (*MLP)(nil)

// NewMLP builds a [hidden -> intermediate -> hidden] block sharded over tp.
func NewMLP(tp dist.Group, hidden, intermediate int, act string) (*MLP, error) {
	a, err := nn.LookupActivation(act)
	if err != nil {
		return nil, err
	}
	gateUp, err := nn.NewColumnLinear(tp, hidden, 2*intermediate, false, intermediate, intermediate)
	if err != nil {
		return nil, err
	}
	down, err := nn.NewRowLinear(tp, intermediate, hidden, false)
	if err != nil {
		return nil, err
	}
	return &MLP{GateUp: gateUp, Down: down, act: a, width: intermediate / tp.Size()}, nil
}

func (m *MLP) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	gu, err := m.GateUp.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	m.lastGateUp = gu
	rows := gu.Shape().Rows()
	h := tensor.Zeros(rows, m.width)
	for r := 0; r < rows; r++ {
		row, out := gu.Row(r), h.Row(r)
		for j := range out {
			out[j] = m.act.Apply(row[j]) * row[m.width+j]
		}
	}
	return m.Down.Forward(ctx, h)
}

func (m *MLP) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if m.lastGateUp == nil {
		exceptions.Panicf("mlp backward called before forward")
	}
	dh, err := m.Down.Backward(ctx, grad)
	if err != nil {
		return nil, err
	}
	rows := dh.Shape().Rows()
	dgu := tensor.Zeros(rows, 2*m.width)
	for r := 0; r < rows; r++ {
		row, d, out := m.lastGateUp.Row(r), dh.Row(r), dgu.Row(r)
		for j := 0; j < m.width; j++ {
			gate, up := row[j], row[m.width+j]
			out[j] = d[j] * up * m.act.Deriv(gate)
			out[m.width+j] = d[j] * m.act.Apply(gate)
		}
	}
	return m.GateUp.Backward(ctx, dgu)
}

func (m *MLP) Release() {
	m.lastGateUp = nil
	m.GateUp.Release()
	m.Down.Release()
}

// Register adds gate_up_proj and down_proj under prefix.
func (m *MLP) Register(ps *nn.ParamSet, prefix string) {
	m.GateUp.Register(ps, prefix+".gate_up_proj")
	m.Down.Register(ps, prefix+".down_proj")
}
