// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/internal/logging"
	"github.com/fumi-engineer/machine_learning/qwenmoe/model"
	"github.com/fumi-engineer/machine_learning/qwenmoe/sanity"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// StepResult summarizes one optimizer step. Values are identical on every
// rank.
type StepResult struct {
	Iteration int
	Loss      float32 // cross-entropy plus aux loss, mean over micro-batches and dp×cp replicas
	LR        float32 // learning rate the update used
	GradNorm  float32 // global norm before clipping
	Clipped   bool
	Duration  time.Duration

	TokensPerSec   float64
	ModelTFLOPs    float64 // per rank
	HardwareTFLOPs float64 // per rank, recompute included
}

// Trainer owns the optimizer, the schedule and the invariant checks of one
// rank.
type Trainer struct {
	cfg     config.Config
	model   *model.ForTraining
	pc      *dist.ParallelContext
	opt     *AdamW
	sched   *Scheduler
	checker *sanity.Checker
	runID   uuid.UUID

	iteration int
}

// New returns a trainer for m. The run id is derived from the run name and
// seed, so every rank logs the same one.
func New(cfg config.Config, m *model.ForTraining) *Trainer {
	opt := NewAdamW(cfg.Optimizer, m.Params())
	t := &Trainer{
		cfg:     cfg,
		model:   m,
		pc:      m.ParallelContext(),
		opt:     opt,
		sched:   NewScheduler(cfg.Optimizer, opt),
		checker: sanity.New(cfg, m),
		runID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s/%d", cfg.General.Project, cfg.General.Run, cfg.General.Seed))),
	}
	logging.Rank(t.pc, 0, logging.Info, "run %s: %d trainable tensors, %s local parameters, sanity checks %v",
		t.runID, len(opt.params), humanize.Comma(int64(m.Params().NumElements())), t.checker.Enabled())
	return t
}

// RunID identifies the run in logs.
func (t *Trainer) RunID() uuid.UUID { return t.runID }

// Optimizer returns the AdamW instance.
func (t *Trainer) Optimizer() *AdamW { return t.opt }

// Scheduler returns the learning-rate schedule.
func (t *Trainer) Scheduler() *Scheduler { return t.sched }

// Checker returns the invariant checker.
func (t *Trainer) Checker() *sanity.Checker { return t.checker }

// Iteration returns the number of completed steps.
func (t *Trainer) Iteration() int { return t.iteration }

// Step runs one optimizer step over this rank's micro-batches:
//
//	zero grads, BeforeTrainStep
//	forward/backward each micro-batch with d loss = 1/len(micro)
//	AfterBackward
//	average grads over dp×cp, sum tied copies
//	BeforeOptimizerStep
//	clip, update, advance schedule, drop grads
//	AfterOptimizerStep
//
// Every rank must call Step with the same number of micro-batches.
func (t *Trainer) Step(ctx context.Context, micro []model.Batch) (StepResult, error) {
	if len(micro) == 0 {
		return StepResult{}, errors.New("no micro-batches")
	}
	start := time.Now()
	t.opt.ZeroGrad()
	if err := t.checker.BeforeTrainStep(ctx, t.opt.LR(), t.sched.LastLR()); err != nil {
		return StepResult{}, err
	}

	t.model.SetTraining(true)
	seed := 1 / float32(len(micro))
	var loss float32
	for i, b := range micro {
		l, err := t.model.Step(ctx, b, seed)
		if err != nil {
			return StepResult{}, errors.WithMessagef(err, "micro-batch %d", i)
		}
		loss += l * seed
	}
	if err := t.checker.AfterBackward(ctx); err != nil {
		return StepResult{}, err
	}

	if err := t.syncGradients(ctx); err != nil {
		return StepResult{}, err
	}
	if err := t.checker.BeforeOptimizerStep(ctx, t.opt.StateDict()); err != nil {
		return StepResult{}, err
	}

	norm, err := t.gradNorm(ctx)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{Iteration: t.iteration + 1, LR: t.opt.LR(), GradNorm: norm}
	scale := float32(1)
	if clip := t.cfg.Optimizer.ClipGrad; clip > 0 && norm > clip {
		scale = clip / (norm + 1e-6)
		res.Clipped = true
	}
	t.opt.Step(scale)
	t.sched.Step()
	t.opt.ZeroGrad()
	if err := t.checker.AfterOptimizerStep(ctx); err != nil {
		return StepResult{}, err
	}

	if res.Loss, err = t.reduceLoss(ctx, loss); err != nil {
		return StepResult{}, err
	}
	t.iteration++
	res.Duration = time.Since(start)
	t.fillThroughput(&res, len(micro))
	return res, nil
}

// Train pulls batch_accumulation_per_replica micro-batches per step from
// data for steps iterations. onStep, if set, sees every result.
func (t *Trainer) Train(ctx context.Context, data Data, steps int, onStep func(StepResult)) error {
	accum := max(t.cfg.Tokens.BatchAccumulation, 1)
	for s := 0; s < steps; s++ {
		micro := make([]model.Batch, accum)
		for i := range micro {
			b, err := data.Next()
			if err != nil {
				return errors.WithMessagef(err, "iteration %d", t.iteration+1)
			}
			micro[i] = b
		}
		res, err := t.Step(ctx, micro)
		if err != nil {
			return errors.WithMessagef(err, "iteration %d", t.iteration+1)
		}
		logging.Rank(t.pc, 0, logging.Info, "iteration %d/%d | loss %.4f | lr %.3g | grad norm %.3f | %s | %.3f model TFLOP/s",
			res.Iteration, steps, res.Loss, res.LR, res.GradNorm,
			humanize.SIWithDigits(res.TokensPerSec, 2, "tokens/s"), res.ModelTFLOPs)
		if onStep != nil {
			onStep(res)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Gradient reduction
// ---------------------------------------------------------------------------

// syncGradients averages gradients over dp×cp and then sums the copies of
// every tied weight across its ranks. A trainable parameter without a
// gradient gets a zero one first, so every replica joins the same
// collectives.
func (t *Trainer) syncGradients(ctx context.Context) error {
	dpcp := t.pc.DPCP()
	for _, p := range t.model.Params().All() {
		if !p.RequiresGrad {
			continue
		}
		if p.Data.Grad == nil {
			p.Data.Grad = make([]float32, p.Data.Numel())
		}
		if dpcp.Size() == 1 {
			continue
		}
		if err := dpcp.AllReduce(ctx, p.Grad(), dist.Avg); err != nil {
			return errors.WithMessagef(err, "averaging gradient of %s", p.Name)
		}
	}
	for _, g := range t.model.Tied().Groups() {
		if g.Local == nil || len(g.Ranks) < 2 || !g.Local.RequiresGrad {
			continue
		}
		pg, err := t.pc.GroupForRanks(g.Ranks)
		if err != nil {
			return err
		}
		if err := pg.AllReduce(ctx, g.Local.Grad(), dist.Sum); err != nil {
			return errors.WithMessagef(err, "summing tied gradient %s", g.Name)
		}
	}
	return nil
}

// gradNorm returns the L2 norm of the logical gradient. Each local square
// sum is divided by the number of ranks holding an identical copy: every
// dp×cp replica, every tp rank for unsharded parameters and every rank of a
// tied group.
func (t *Trainer) gradNorm(ctx context.Context) (float32, error) {
	tp, dpcp := float64(t.pc.TP().Size()), float64(t.pc.DPCP().Size())
	var local float64
	for _, p := range t.model.Params().All() {
		g := p.Data.Grad
		if g == nil {
			continue
		}
		var ss float64
		for _, v := range g {
			ss += float64(v) * float64(v)
		}
		copies := dpcp
		if !p.Sharded() {
			copies *= tp
		}
		if tied, ok := t.model.Tied().Lookup(p.Name); ok {
			copies *= float64(len(tied.Ranks))
		}
		local += ss / copies
	}
	total := tensor.FromSliceNoCopy([]float32{float32(local)}, tensor.NewShape(1))
	if err := t.pc.World().AllReduce(ctx, total, dist.Sum); err != nil {
		return 0, errors.WithMessage(err, "reducing gradient norm")
	}
	return float32(math.Sqrt(float64(total.DataPtr()[0]))), nil
}

// reduceLoss sums the per-stage shares of the objective over the pipeline
// group, then averages over dp×cp.
func (t *Trainer) reduceLoss(ctx context.Context, loss float32) (float32, error) {
	v := tensor.FromSliceNoCopy([]float32{loss}, tensor.NewShape(1))
	if pp := t.pc.PP(); pp.Size() > 1 {
		if err := pp.AllReduce(ctx, v, dist.Sum); err != nil {
			return 0, errors.WithMessage(err, "summing loss over stages")
		}
	}
	if dpcp := t.pc.DPCP(); dpcp.Size() > 1 {
		if err := dpcp.AllReduce(ctx, v, dist.Avg); err != nil {
			return 0, errors.WithMessage(err, "averaging loss")
		}
	}
	return v.DataPtr()[0], nil
}

func (t *Trainer) fillThroughput(res *StepResult, numMicro int) {
	tok := t.cfg.Tokens
	seconds := res.Duration.Seconds()
	if seconds <= 0 {
		return
	}
	globalBatch := tok.MicroBatchSize * numMicro * t.pc.DP().Size()
	res.TokensPerSec = float64(globalBatch*tok.SequenceLength) / seconds
	res.ModelTFLOPs, res.HardwareTFLOPs = t.model.FlopsPerSec(seconds, tok.SequenceLength, globalBatch)
}
