// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package train runs optimizer steps over a sharded model with the
// distributed invariant checks wrapped around them.
package train

import (
	"math"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/sanity"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Optimizer state entry names.
const (
	ExpAvg   = "exp_avg"
	ExpAvgSq = "exp_avg_sq"
)

type adamState struct {
	expAvg   *tensor.Tensor // first moment
	expAvgSq *tensor.Tensor // second moment
	step     int
}

// AdamW is Adam with decoupled weight decay over the local parameters.
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	w -= lr * (m/(1-beta1^t) / (sqrt(v/(1-beta2^t)) + eps) + weight_decay*w)
//
// t counts the updates each parameter received, so a parameter that had no
// gradient on some step is not decayed on it either.
type AdamW struct {
	cfg    config.Optimizer
	params []*nn.Param
	states map[string]*adamState
	lr     float32
}

// NewAdamW allocates zeroed moments for every trainable parameter of ps.
func NewAdamW(cfg config.Optimizer, ps *nn.ParamSet) *AdamW {
	o := &AdamW{cfg: cfg, states: make(map[string]*adamState), lr: cfg.LR}
	for _, p := range ps.All() {
		if !p.RequiresGrad {
			continue
		}
		o.params = append(o.params, p)
		o.states[p.Name] = &adamState{
			expAvg:   tensor.New(p.Data.Shape(), tensor.F32),
			expAvgSq: tensor.New(p.Data.Shape(), tensor.F32),
		}
	}
	return o
}

// LR returns the learning rate the next Step uses.
func (o *AdamW) LR() float32 { return o.lr }

// SetLR is called by the scheduler.
func (o *AdamW) SetLR(lr float32) { o.lr = lr }

// Step updates every parameter holding a gradient. Gradients are multiplied
// by scale first, which is how global-norm clipping is applied.
func (o *AdamW) Step(scale float32) {
	b1, b2, eps, wd := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Eps, o.cfg.WeightDecay
	for _, p := range o.params {
		g := p.Data.Grad
		if g == nil {
			continue
		}
		st := o.states[p.Name]
		st.step++
		mCorr := float32(1 / (1 - math.Pow(float64(b1), float64(st.step))))
		vCorr := float32(1 / (1 - math.Pow(float64(b2), float64(st.step))))

		w, m, v := p.Data.DataPtr(), st.expAvg.DataPtr(), st.expAvgSq.DataPtr()
		for j := range w {
			grad := g[j] * scale
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			w[j] -= o.lr * (m[j]*mCorr/(tensor.SqrtF32(v[j]*vCorr)+eps) + wd*w[j])
		}
		tensor.RoundInPlace(w, p.Data.DType())
	}
}

// ZeroGrad drops every gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.Data.ClearGrad()
	}
}

// StateDict returns the optimizer state keyed by parameter name. Each entry
// holds the two moments and the update count under sanity.StepKey. The
// moment tensors alias the live state.
func (o *AdamW) StateDict() map[string]map[string]*tensor.Tensor {
	out := make(map[string]map[string]*tensor.Tensor, len(o.states))
	for name, st := range o.states {
		out[name] = map[string]*tensor.Tensor{
			ExpAvg:         st.expAvg,
			ExpAvgSq:       st.expAvgSq,
			sanity.StepKey: tensor.FromSlice([]float32{float32(st.step)}, tensor.NewShape(1)),
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Learning-rate schedule
// ---------------------------------------------------------------------------

// Scheduler drives the optimizer's learning rate: linear warmup to the peak
// over lr_warmup_steps, cosine decay to min_decay_lr over lr_decay_steps,
// then constant. Without decay steps the peak is kept after warmup.
type Scheduler struct {
	cfg    config.Optimizer
	opt    *AdamW
	step   int
	lastLR float32
}

// NewScheduler sets opt's learning rate for the first step.
func NewScheduler(cfg config.Optimizer, opt *AdamW) *Scheduler {
	s := &Scheduler{cfg: cfg, opt: opt}
	s.apply()
	return s
}

// At returns the learning rate of update step (counted from 0).
func (s *Scheduler) At(step int) float32 {
	c := s.cfg
	if step < c.WarmupSteps {
		return c.LR * float32(step+1) / float32(c.WarmupSteps)
	}
	if c.DecaySteps <= 0 {
		return c.LR
	}
	done := step - c.WarmupSteps
	if done >= c.DecaySteps {
		return c.MinDecayLR
	}
	cosine := 0.5 * (1 + math.Cos(math.Pi*float64(done)/float64(c.DecaySteps)))
	return c.MinDecayLR + (c.LR-c.MinDecayLR)*float32(cosine)
}

// Step advances the schedule after an optimizer update.
func (s *Scheduler) Step() {
	s.step++
	s.apply()
}

func (s *Scheduler) apply() {
	s.lastLR = s.At(s.step)
	s.opt.SetLR(s.lastLR)
}

// LastLR returns the learning rate last handed to the optimizer.
func (s *Scheduler) LastLR() float32 { return s.lastLR }
