// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Route picks the top-k experts of every row of logits [tokens, experts] and
// normalizes the k selected logits with a softmax. Experts outside the top-k
// get exactly zero weight. Equal logits go to the lower expert index.
func Route(logits *tensor.Tensor, k int) Routing {
	rows, n := logits.Shape().Rows(), logits.Shape().At(-1)
	if k < 1 || k > n {
		exceptions.Panicf("top-%d routing over %d experts", k, n)
	}
	r := Routing{Experts: make([][]int, rows), Weights: make([][]float32, rows)}
	order := make([]int, n)
	for t := 0; t < rows; t++ {
		row := logits.Row(t)
		for i := range order {
			order[i] = i
		}
		slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(row[b], row[a]) })
		experts := slices.Clone(order[:k])
		weights := make([]float32, k)
		for s, e := range experts {
			weights[s] = row[e]
		}
		tensor.SoftmaxRow(weights)
		r.Experts[t], r.Weights[t] = experts, weights
	}
	return r
}

// MoE is the mixture-of-experts feed-forward.
//
//	routing  = topk_softmax(router(x))
//	out[t]   = sum over selected e: expert_e(w[t,e] * x[t])
//	out     += sigmoid(shared_gate(x)) * shared_expert(x)    (optional)
//	aux      = aux_loss_coeff * balance(router(x))           (optional)
//
// The router and the shared gate are replicated so every tensor-parallel
// rank routes identically; expert weights are column/row sharded like a
// dense MLP.
type MoE struct {
	Router     *nn.Linear
	Experts    []*MLP
	Shared     *MLP
	SharedGate *nn.Linear

	topK       int
	dispatcher Dispatcher
	auxCoeff   float32
	lossScale  float32

	// cached for backward
	x           *tensor.Tensor
	logits      *tensor.Tensor
	routing     Routing
	assignments []Assignment
	sharedOut   *tensor.Tensor
	gateLogits  *tensor.Tensor

	balance float32
}

var _ nn.Module = (*MoE)(nil)

// NewMoE builds the experts of one layer. Only expert_parallel_size 1 is
// supported: every expert is local.
func NewMoE(cfg config.Qwen2, ep int, tp dist.Group) (*MoE, error) {
	mc := cfg.MoE
	if mc == nil {
		return nil, errors.Wrap(config.ErrInvalid, "moe layer without moe_config")
	}
	if ep != 1 {
		return nil, errors.Wrapf(config.ErrInvalid, "expert_parallel_size %d: only local experts are supported", ep)
	}
	if mc.TopK < 1 || mc.TopK > mc.NumExperts {
		return nil, errors.Wrapf(config.ErrInvalid, "moe top_k %d out of range [1, %d]", mc.TopK, mc.NumExperts)
	}
	m := &MoE{
		Router:    nn.NewLinear(cfg.HiddenSize, mc.NumExperts, false),
		Experts:   make([]*MLP, mc.NumExperts),
		topK:      mc.TopK,
		auxCoeff:  mc.AuxLossCoeff,
		lossScale: 1,
	}
	switch mc.TokenDispatcherType {
	case config.DispatcherLocal:
		m.dispatcher = LocalDispatcher{NumExperts: mc.NumExperts}
	default:
		return nil, errors.Wrapf(config.ErrInvalid, "unknown token dispatcher %q", mc.TokenDispatcherType)
	}
	var err error
	for e := range m.Experts {
		if m.Experts[e], err = NewMLP(tp, cfg.HiddenSize, cfg.IntermediateSize, cfg.HiddenAct); err != nil {
			return nil, errors.WithMessagef(err, "expert %d", e)
		}
	}
	if mc.EnableSharedExpert {
		if m.Shared, err = NewMLP(tp, cfg.HiddenSize, cfg.IntermediateSize, cfg.HiddenAct); err != nil {
			return nil, errors.WithMessage(err, "shared expert")
		}
		m.SharedGate = nn.NewLinear(cfg.HiddenSize, 1, false)
	}
	return m, nil
}

// Routing returns the assignment computed by the last forward.
func (m *MoE) Routing() Routing { return m.routing }

// LoadBalance is the Switch-style balance statistic of the last forward,
// E * sum_e(f_e * P_e), where f_e is the fraction of routing slots sent to
// expert e and P_e its mean router probability. It equals 1 under uniform
// routing.
func (m *MoE) LoadBalance() float32 { return m.balance }

// AuxLoss is aux_loss_coeff * LoadBalance of the last forward.
func (m *MoE) AuxLoss() float32 { return m.auxCoeff * m.balance }

// SetLossScale sets d objective / d AuxLoss for the next backward, the same
// seed the loss gradient starts from.
func (m *MoE) SetLossScale(s float32) { m.lossScale = s }

func (m *MoE) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, width := x.Shape().Rows(), x.Shape().At(-1)
	m.x = x
	logits := m.Router.Forward(x)
	m.logits = logits
	m.routing = Route(logits, m.topK)
	m.balance = loadBalance(logits, m.routing)

	assignments, err := m.dispatcher.Dispatch(ctx, x, m.routing)
	if err != nil {
		return nil, errors.WithMessage(err, "moe dispatch")
	}
	m.assignments = assignments
	outputs := make([]*tensor.Tensor, len(assignments))
	for i := range assignments {
		a := &assignments[i]
		if a.Empty() {
			continue
		}
		in := a.Input.Clone()
		for j, w := range a.Weights {
			row := in.Row(j)
			for c := range row {
				row[c] *= w
			}
		}
		if outputs[i], err = m.Experts[a.Expert].Forward(ctx, in); err != nil {
			return nil, errors.WithMessagef(err, "expert %d", a.Expert)
		}
	}
	out, err := m.dispatcher.Combine(ctx, outputs, assignments, rows, width)
	if err != nil {
		return nil, errors.WithMessage(err, "moe combine")
	}

	if m.Shared != nil {
		if m.sharedOut, err = m.Shared.Forward(ctx, x); err != nil {
			return nil, errors.WithMessage(err, "shared expert")
		}
		m.gateLogits = m.SharedGate.Forward(x)
		for t := 0; t < rows; t++ {
			g := tensor.Sigmoid(m.gateLogits.Row(t)[0])
			dst := out.Row(t)
			for c, v := range m.sharedOut.Row(t) {
				dst[c] += g * v
			}
		}
	}
	return out, nil
}

func (m *MoE) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if m.x == nil {
		exceptions.Panicf("moe backward called before forward")
	}
	rows, width := m.x.Shape().Rows(), m.x.Shape().At(-1)
	// dWeights[t][s] = dot(d expert input, x[t])
	dWeights := make([][]float32, rows)
	for t := range dWeights {
		dWeights[t] = make([]float32, m.topK)
	}

	outGrads, err := m.dispatcher.CombineBackward(ctx, grad, m.assignments)
	if err != nil {
		return nil, errors.WithMessage(err, "moe combine backward")
	}
	inGrads := make([]*tensor.Tensor, len(m.assignments))
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.Empty() {
			continue
		}
		dIn, err := m.Experts[a.Expert].Backward(ctx, outGrads[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "expert %d", a.Expert)
		}
		for j, t := range a.Tokens {
			d, xs := dIn.Row(j), a.Input.Row(j)
			dot := float32(0)
			for c := range d {
				dot += d[c] * xs[c]
				d[c] *= a.Weights[j]
			}
			dWeights[t][a.Slots[j]] = dot
		}
		inGrads[i] = dIn
	}
	dx, err := m.dispatcher.DispatchBackward(ctx, inGrads, m.assignments, rows, width)
	if err != nil {
		return nil, errors.WithMessage(err, "moe dispatch backward")
	}

	// Softmax over the selected logits: dlogit_s = w_s * (dw_s - sum_j w_j dw_j).
	dLogits := tensor.Zeros(rows, len(m.Experts))
	for t := 0; t < rows; t++ {
		w, dw := m.routing.Weights[t], dWeights[t]
		dot := float32(0)
		for s := range w {
			dot += w[s] * dw[s]
		}
		row := dLogits.Row(t)
		for s, e := range m.routing.Experts[t] {
			row[e] = w[s] * (dw[s] - dot)
		}
	}
	if m.auxCoeff != 0 {
		addBalanceGrad(dLogits, m.logits, m.routing, m.auxCoeff*m.lossScale)
	}
	dx.AddInPlace(m.Router.Backward(dLogits))

	if m.Shared != nil {
		dShared := tensor.Zeros(rows, width)
		dGate := tensor.Zeros(rows, 1)
		for t := 0; t < rows; t++ {
			g := tensor.Sigmoid(m.gateLogits.Row(t)[0])
			src, s, d := grad.Row(t), m.sharedOut.Row(t), dShared.Row(t)
			dot := float32(0)
			for c := range src {
				d[c] = g * src[c]
				dot += src[c] * s[c]
			}
			dGate.Row(t)[0] = dot * g * (1 - g)
		}
		ds, err := m.Shared.Backward(ctx, dShared)
		if err != nil {
			return nil, errors.WithMessage(err, "shared expert")
		}
		dx.AddInPlace(ds)
		dx.AddInPlace(m.SharedGate.Backward(dGate))
	}
	return dx, nil
}

func (m *MoE) Release() {
	m.x, m.logits, m.routing, m.assignments = nil, nil, Routing{}, nil
	m.sharedOut, m.gateLogits = nil, nil
	m.Router.Release()
	for _, e := range m.Experts {
		e.Release()
	}
	if m.Shared != nil {
		m.Shared.Release()
		m.SharedGate.Release()
	}
}

// Register adds the router, the experts and the shared expert under prefix.
func (m *MoE) Register(ps *nn.ParamSet, prefix string) {
	m.Router.Register(ps, prefix+".router")
	for e, ex := range m.Experts {
		ex.Register(ps, fmt.Sprintf("%s.experts.%d", prefix, e))
	}
	if m.Shared != nil {
		m.Shared.Register(ps, prefix+".shared_expert")
		m.SharedGate.Register(ps, prefix+".shared_expert_gate")
	}
}

func loadBalance(logits *tensor.Tensor, r Routing) float32 {
	rows, n := logits.Shape().Rows(), logits.Shape().At(-1)
	if rows == 0 {
		return 0
	}
	frac := make([]float32, n)
	prob := make([]float32, n)
	p := make([]float32, n)
	slots := 0
	for t := 0; t < rows; t++ {
		copy(p, logits.Row(t))
		tensor.SoftmaxRow(p)
		for e, v := range p {
			prob[e] += v
		}
		for _, e := range r.Experts[t] {
			frac[e]++
			slots++
		}
	}
	sum := float32(0)
	for e := range frac {
		sum += (frac[e] / float32(slots)) * (prob[e] / float32(rows))
	}
	return float32(n) * sum
}

// addBalanceGrad adds scale * d balance / d logits to dLogits. The routed
// fractions f_e are piecewise constant in the logits and carry no gradient:
//
//	d balance / d logit[t, j] = E/T * p[t, j] * (f_j - sum_e f_e * p[t, e])
func addBalanceGrad(dLogits, logits *tensor.Tensor, r Routing, scale float32) {
	rows, n := logits.Shape().Rows(), logits.Shape().At(-1)
	if rows == 0 {
		return
	}
	frac := make([]float32, n)
	slots := 0
	for t := 0; t < rows; t++ {
		for _, e := range r.Experts[t] {
			frac[e]++
			slots++
		}
	}
	for e := range frac {
		frac[e] /= float32(slots)
	}
	c := scale * float32(n) / float32(rows)
	p := make([]float32, n)
	for t := 0; t < rows; t++ {
		copy(p, logits.Row(t))
		tensor.SoftmaxRow(p)
		dot := float32(0)
		for e, v := range p {
			dot += frac[e] * v
		}
		row := dLogits.Row(t)
		for j, v := range p {
			row[j] += c * v * (frac[j] - dot)
		}
	}
}
