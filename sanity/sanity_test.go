// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package sanity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/model"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeModel is a bag of parameters with an optional tied group.
type fakeModel struct {
	params *nn.ParamSet
	tied   *model.TiedRegistry
	pc     *dist.ParallelContext
}

func (m *fakeModel) Params() *nn.ParamSet { return m.params }
func (m *fakeModel) Tied() *model.TiedRegistry { return m.tied }
func (m *fakeModel) ParallelContext() *dist.ParallelContext { return m.pc }

func newFakeModel(pc *dist.ParallelContext, names ...string) *fakeModel {
	m := &fakeModel{params: nn.NewParamSet(), tied: model.NewTiedRegistry(), pc: pc}
	for i, name := range names {
		p := nn.NewParam(nn.RoleReplicated, 2, 3)
		for j := range p.Data.DataPtr() {
			p.Data.DataPtr()[j] = float32(i+1) * 0.1 * float32(j+1)
		}
		m.params.Add(name, p)
	}
	return m
}

func (m *fakeModel) param(name string) *nn.Param {
	p, ok := m.params.Get(name)
	if !ok {
		panic("no parameter " + name)
	}
	return p
}

func singleRank() *dist.ParallelContext {
	f := must.M1(dist.NewFabric(dist.Topology{TP: 1, PP: 1, DP: 1, CP: 1}))
	return must.M1(f.Context(0))
}

func enabled() config.Config { return config.Tiny() }

func TestSyncedParamsPass(t *testing.T) {
	ctx := testContext(t)
	err := dist.Launch(ctx, dist.Topology{TP: 1, PP: 1, DP: 2, CP: 1}, func(ctx context.Context, pc *dist.ParallelContext) error {
		m := newFakeModel(pc, "a", "b", "c")
		// Drift well inside float32 tolerance.
		m.param("b").Data.DataPtr()[0] *= 1 + 1e-7*float32(pc.WorldRank())
		c := New(enabled(), m)
		return c.BeforeTrainStep(ctx, 1e-3, 1e-3)
	})
	require.NoError(t, err)
}

func TestDesyncedParamsRaise(t *testing.T) {
	ctx := testContext(t)
	err := dist.Launch(ctx, dist.Topology{TP: 1, PP: 1, DP: 2, CP: 1}, func(ctx context.Context, pc *dist.ParallelContext) error {
		m := newFakeModel(pc, "a", "b", "c")
		if pc.WorldRank() == 1 {
			m.param("b").Data.DataPtr()[4] += 0.5
		}
		return New(enabled(), m).BeforeTrainStep(ctx, 1e-3, 1e-3)
	})
	require.ErrorIs(t, err, ErrNotSynced)
	assert.Contains(t, err.Error(), "rank 1")
	assert.Contains(t, err.Error(), "b across")
	assert.Contains(t, err.Error(), "at index 4")
}

func TestDesyncedTiedWeightRaise(t *testing.T) {
	ctx := testContext(t)
	err := dist.Launch(ctx, dist.Topology{TP: 1, PP: 2, DP: 1, CP: 1}, func(ctx context.Context, pc *dist.ParallelContext) error {
		name := "embed"
		if pc.Coords().PP == 1 {
			name = "lm_head"
		}
		m := newFakeModel(pc, name)
		if pc.Coords().PP == 1 {
			m.param(name).Data.DataPtr()[0] = 42
		}
		m.tied.Add(&model.TiedGroup{
			Name:      "embed",
			Locations: []model.TiedLocation{{Name: "embed", PPRank: 0}, {Name: "lm_head", PPRank: 1}},
			Ranks:     []int{pc.RankAt(1), pc.RankAt(0)},
			Local:     m.param(name),
		})
		return New(enabled(), m).BeforeTrainStep(ctx, 1e-3, 1e-3)
	})
	require.ErrorIs(t, err, ErrNotSynced)
	assert.Contains(t, err.Error(), "tied weight embed")
}

func TestStaleGradRaises(t *testing.T) {
	m := newFakeModel(singleRank(), "w")
	c := New(enabled(), m)
	m.param("w").Data.ZeroGrad()
	m.param("w").Data.AccumulateGrad(make([]float32, 6))
	require.NoError(t, c.BeforeTrainStep(testContext(t), 1e-3, 1e-3))

	m.param("w").Data.Grad[2] = 1e-3
	err := c.BeforeTrainStep(testContext(t), 1e-3, 1e-3)
	require.ErrorIs(t, err, ErrStaleGrad)
	assert.Contains(t, err.Error(), "w[2]")
}

func TestLRMismatch(t *testing.T) {
	c := New(enabled(), newFakeModel(singleRank(), "w"))
	require.ErrorIs(t, c.BeforeTrainStep(testContext(t), 1e-3, 9e-4), ErrLRMismatch)
}

func TestNonFiniteGradientNamesParam(t *testing.T) {
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(-1))} {
		m := newFakeModel(singleRank(), "model.decoder.0.mlp.down_proj.weight", "other")
		grad := make([]float32, 6)
		grad[3] = bad
		m.param("model.decoder.0.mlp.down_proj.weight").Data.AccumulateGrad(grad)
		m.param("other").Data.AccumulateGrad(make([]float32, 6))

		err := New(enabled(), m).AfterBackward(testContext(t))
		require.ErrorIs(t, err, ErrNonFinite)
		assert.Contains(t, err.Error(), "model.decoder.0.mlp.down_proj.weight at index 3")
	}
}

func TestMissingGradientIsSoft(t *testing.T) {
	m := newFakeModel(singleRank(), "has", "missing")
	m.param("has").Data.AccumulateGrad(make([]float32, 6))
	frozen := nn.NewParam(nn.RoleReplicated, 2)
	frozen.RequiresGrad = false
	m.params.Add("frozen", frozen)

	c := New(enabled(), m)
	require.NoError(t, c.AfterBackward(testContext(t)))
	soft := c.SoftErrors()
	require.Len(t, soft, 1)
	assert.Contains(t, soft[0], "missing is missing gradient")
}

func TestMissingGradientBeforeOptimizerIsFatal(t *testing.T) {
	m := newFakeModel(singleRank(), "w")
	err := New(enabled(), m).BeforeOptimizerStep(testContext(t), nil)
	require.ErrorIs(t, err, ErrMissingGrad)
}

func TestLeftoverGradientAfterOptimizer(t *testing.T) {
	m := newFakeModel(singleRank(), "cleared", "kept")
	m.param("kept").Data.AccumulateGrad(make([]float32, 6))

	c := New(enabled(), m)
	require.NoError(t, c.AfterOptimizerStep(testContext(t)))
	soft := c.SoftErrors()
	require.Len(t, soft, 1)
	assert.Contains(t, soft[0], "kept still has gradient")
}

func TestOptimizerStateSync(t *testing.T) {
	run := func(desyncKey string) error {
		return dist.Launch(testContext(t), dist.Topology{TP: 1, PP: 1, DP: 2, CP: 1}, func(ctx context.Context, pc *dist.ParallelContext) error {
			m := newFakeModel(pc, "w")
			m.param("w").Data.AccumulateGrad([]float32{1, 2, 3, 4, 5, 6})
			state := map[string]map[string]*tensor.Tensor{
				"w": {
					"exp_avg":    tensor.Ones(2, 3),
					"exp_avg_sq": tensor.Ones(2, 3),
					StepKey:      tensor.FromSlice([]float32{3}, tensor.NewShape(1)),
				},
			}
			if pc.WorldRank() == 1 {
				state["w"][desyncKey].DataPtr()[0] = 7
			}
			return New(enabled(), m).BeforeOptimizerStep(ctx, state)
		})
	}

	require.NoError(t, run(StepKey))
	err := run("exp_avg_sq")
	require.ErrorIs(t, err, ErrNotSynced)
	assert.Contains(t, err.Error(), "optimizer state exp_avg_sq of w")
}

func TestDesyncedGradientsRaise(t *testing.T) {
	err := dist.Launch(testContext(t), dist.Topology{TP: 1, PP: 1, DP: 1, CP: 2}, func(ctx context.Context, pc *dist.ParallelContext) error {
		m := newFakeModel(pc, "w")
		g := []float32{1, 1, 1, 1, 1, 1}
		g[5] += float32(pc.WorldRank())
		m.param("w").Data.AccumulateGrad(g)
		return New(enabled(), m).BeforeOptimizerStep(ctx, nil)
	})
	require.ErrorIs(t, err, ErrNotSynced)
	assert.Contains(t, err.Error(), "grads w")
}

func TestDisabledIsNoop(t *testing.T) {
	cfg := enabled()
	cfg.General.IgnoreSanityChecks = true
	m := newFakeModel(singleRank(), "w")
	m.param("w").Data.AccumulateGrad([]float32{float32(math.NaN()), 1, 1, 1, 1, 1})

	c := New(cfg, m)
	ctx := testContext(t)
	assert.False(t, c.Enabled())
	require.NoError(t, c.BeforeTrainStep(ctx, 1, 2))
	require.NoError(t, c.AfterBackward(ctx))
	require.NoError(t, c.BeforeOptimizerStep(ctx, nil))
	require.NoError(t, c.AfterOptimizerStep(ctx))
	assert.Empty(t, c.SoftErrors())
}

func TestModelReplicasStartInSync(t *testing.T) {
	cfg := config.Tiny()
	cfg.Parallelism.DP = 2
	cfg.Parallelism.PP = 2
	cfg.Model.Qwen2.TieWordEmbeddings = true
	err := dist.Launch(testContext(t), dist.Topology{TP: 1, PP: 2, DP: 2, CP: 1}, func(ctx context.Context, pc *dist.ParallelContext) error {
		m, err := model.New(cfg, pc)
		if err != nil {
			return err
		}
		if err := m.Init(cfg.General.Seed); err != nil {
			return err
		}
		if m.Tied().Len() == 0 {
			return errors.New("expected the embedding to be tied")
		}
		return New(cfg, m).BeforeTrainStep(ctx, 1e-3, 1e-3)
	})
	require.NoError(t, err)
}
