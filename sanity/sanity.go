// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package sanity verifies that a distributed training step keeps every
// replicated tensor in agreement.
//
// A Checker runs at four points of each step:
//
//	BeforeTrainStep      params and tied params synced, grads zero, lr in sync
//	AfterBackward        grads finite; missing grads are logged
//	BeforeOptimizerStep  tied grads, grads, params and optimizer state synced
//	AfterOptimizerStep   leftover grads are logged
//
// Every check is collective over the group it inspects: all members must
// reach it. Fatal violations return an error on the rank that observes them;
// soft ones are logged at error severity and remembered in SoftErrors.
package sanity

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/internal/logging"
	"github.com/fumi-engineer/machine_learning/qwenmoe/model"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

var (
	ErrNotSynced   = errors.New("tensor not synchronized")
	ErrNonFinite   = errors.New("gradient is nan or inf")
	ErrMissingGrad = errors.New("gradient is missing")
	ErrStaleGrad   = errors.New("gradient not zeroed before the first accumulation step")
	ErrLRMismatch  = errors.New("optimizer and lr scheduler are not in sync")
)

// StepKey is the optimizer state entry excluded from synchronization checks.
const StepKey = "step"

// Model is the state a Checker inspects.
type Model interface {
	Params() *nn.ParamSet
	Tied() *model.TiedRegistry
	ParallelContext() *dist.ParallelContext
}

// Checker runs the invariant checks of one rank.
type Checker struct {
	enabled bool
	model   Model
	pc      *dist.ParallelContext
	dtype   tensor.DType

	// ReferenceRank is the local rank whose copy every other member is
	// compared against.
	ReferenceRank int

	soft []string
}

// New returns a checker for m. It is a no-op when
// general.ignore_sanity_checks is set.
func New(cfg config.Config, m Model) *Checker {
	dtype, err := tensor.ParseDType(cfg.Model.DType)
	if err != nil {
		dtype = tensor.F32
	}
	return &Checker{
		enabled: !cfg.General.IgnoreSanityChecks,
		model:   m,
		pc:      m.ParallelContext(),
		dtype:   dtype,
	}
}

// Enabled reports whether checks run.
func (c *Checker) Enabled() bool { return c.enabled }

// SoftErrors returns the non-fatal violations logged so far.
func (c *Checker) SoftErrors() []string { return slices.Clone(c.soft) }

func (c *Checker) softError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.soft = append(c.soft, msg)
	logging.Rank(c.pc, logging.AllRanks, logging.Error, "%s", msg)
}

// CheckSynced broadcasts the reference rank's copy of t over g and compares
// it with the local one under the tolerance of dtype. The reference rank
// always passes.
func CheckSynced(ctx context.Context, t *tensor.Tensor, g dist.Group, ref int, dtype tensor.DType, what string) error {
	if g.Size() == 1 {
		return nil
	}
	reference := t.Clone()
	if err := g.Broadcast(ctx, reference, ref); err != nil {
		return errors.WithMessagef(err, "broadcasting %s", what)
	}
	rtol, atol := tensor.Tolerance(dtype)
	if mm := tensor.AllClose(t.DataPtr(), reference.DataPtr(), rtol, atol); mm != nil {
		return errors.Wrapf(ErrNotSynced, "%s across %s (rank %d vs reference %d): %d/%d elements mismatch, greatest absolute difference %g at index %d, greatest relative difference %g",
			what, g.Name(), g.GlobalRank(g.Rank()), g.GlobalRank(ref), mm.Count, mm.Total, mm.MaxAbsDiff, mm.MaxAbsAt, mm.MaxRelDiff)
	}
	return nil
}

// sortedParams returns the local parameters ordered by name.
func (c *Checker) sortedParams() []*nn.Param {
	params := c.model.Params().All()
	slices.SortFunc(params, func(a, b *nn.Param) int { return strings.Compare(a.Name, b.Name) })
	return params
}

// displayName reports a tied parameter under its group's name.
func (c *Checker) displayName(p *nn.Param) string {
	if g, ok := c.model.Tied().Lookup(p.Name); ok {
		return g.Name
	}
	return p.Name
}

func (c *Checker) paramsSynced(ctx context.Context, stage string) error {
	for _, p := range c.sortedParams() {
		if err := CheckSynced(ctx, p.Data, c.pc.DPCP(), c.ReferenceRank, c.dtype, p.Name); err != nil {
			return errors.WithMessage(err, stage)
		}
	}
	return nil
}

// tiedGroups yields the tied groups this rank holds a copy of, with their
// communicators.
func (c *Checker) tiedGroups(fn func(g *model.TiedGroup, pg dist.Group) error) error {
	for _, g := range c.model.Tied().Groups() {
		if g.Local == nil {
			continue
		}
		pg, err := c.pc.GroupForRanks(g.Ranks)
		if err != nil {
			return err
		}
		if err := fn(g, pg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) tiedSynced(ctx context.Context, stage string) error {
	return c.tiedGroups(func(g *model.TiedGroup, pg dist.Group) error {
		if err := CheckSynced(ctx, g.Local.Data, pg, c.ReferenceRank, c.dtype, "tied weight "+g.Name); err != nil {
			return errors.WithMessage(err, stage)
		}
		return nil
	})
}

// BeforeTrainStep runs before the first micro-batch of a step.
// optimizerLR and schedulerLR must match exactly.
func (c *Checker) BeforeTrainStep(ctx context.Context, optimizerLR, schedulerLR float32) error {
	if !c.enabled {
		return nil
	}
	const stage = "before train step"
	if err := c.paramsSynced(ctx, stage); err != nil {
		return err
	}
	if err := c.tiedSynced(ctx, stage); err != nil {
		return err
	}
	for _, p := range c.model.Params().All() {
		g := p.Data.Grad
		if g == nil {
			continue
		}
		for i, v := range g {
			if v != 0 {
				return errors.Wrapf(ErrStaleGrad, "%s: %s[%d] = %g", stage, p.Name, i, v)
			}
		}
	}
	if optimizerLR != schedulerLR {
		return errors.Wrapf(ErrLRMismatch, "%s: got %g and %g", stage, optimizerLR, schedulerLR)
	}
	return nil
}

// AfterBackward runs after the last micro-batch's backward.
func (c *Checker) AfterBackward(_ context.Context) error {
	if !c.enabled {
		return nil
	}
	for _, p := range c.model.Params().All() {
		if !p.RequiresGrad {
			continue
		}
		name := c.displayName(p)
		g := p.Data.Grad
		if g == nil {
			c.softError("rank %d/%d: %s is missing gradient", c.pc.WorldRank(), c.pc.WorldSize(), name)
			continue
		}
		for i, v := range g {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return errors.Wrapf(ErrNonFinite, "%s at index %d (%g)", name, i, v)
			}
		}
	}
	return nil
}

// BeforeOptimizerStep runs after gradients are synchronized and before the
// optimizer update. state maps parameter names to named optimizer tensors.
func (c *Checker) BeforeOptimizerStep(ctx context.Context, state map[string]map[string]*tensor.Tensor) error {
	if !c.enabled {
		return nil
	}
	const stage = "before optimizer step"
	err := c.tiedGroups(func(g *model.TiedGroup, pg dist.Group) error {
		if !g.Local.RequiresGrad {
			return nil
		}
		grad := g.Local.Grad()
		if grad == nil {
			return errors.Wrapf(ErrMissingGrad, "%s: tied weight %s", stage, g.Name)
		}
		if err := CheckSynced(ctx, grad, pg, c.ReferenceRank, c.dtype, "tied weight grads "+g.Name); err != nil {
			return errors.WithMessage(err, stage)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range c.sortedParams() {
		if !p.RequiresGrad {
			continue
		}
		name := c.displayName(p)
		grad := p.Grad()
		if grad == nil {
			return errors.Wrapf(ErrMissingGrad, "%s: %s", stage, name)
		}
		if err := CheckSynced(ctx, grad, c.pc.DPCP(), c.ReferenceRank, c.dtype, "grads "+name); err != nil {
			return errors.WithMessage(err, stage)
		}
	}
	if err := c.paramsSynced(ctx, stage); err != nil {
		return err
	}
	if err := c.tiedSynced(ctx, stage); err != nil {
		return err
	}
	return c.optimizerStateSynced(ctx, state, stage)
}

func (c *Checker) optimizerStateSynced(ctx context.Context, state map[string]map[string]*tensor.Tensor, stage string) error {
	params := make([]string, 0, len(state))
	for name := range state {
		params = append(params, name)
	}
	slices.Sort(params)
	for _, pname := range params {
		entries := state[pname]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			if k != StepKey {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		for _, k := range keys {
			what := fmt.Sprintf("optimizer state %s of %s", k, pname)
			if err := CheckSynced(ctx, entries[k], c.pc.DPCP(), c.ReferenceRank, c.dtype, what); err != nil {
				return errors.WithMessage(err, stage)
			}
		}
	}
	return nil
}

// AfterOptimizerStep runs once gradients have been cleared.
func (c *Checker) AfterOptimizerStep(_ context.Context) error {
	if !c.enabled {
		return nil
	}
	for _, p := range c.model.Params().All() {
		if p.RequiresGrad && p.Data.Grad != nil {
			c.softError("rank %d/%d: %s still has gradient despite having ran the optimizer",
				c.pc.WorldRank(), c.pc.WorldSize(), c.displayName(p))
		}
	}
	return nil
}
