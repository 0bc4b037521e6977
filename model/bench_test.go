// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"
	"testing"

	"github.com/janpfeifer/must"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
)

// MoE forward and backward over 32 tokens, 4 experts, top-2.
func BenchmarkMoE(b *testing.B) {
	m := newTestMoE(b, false)
	x := randn(1, 32, 64)
	g := randn(2, 32, 64)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		must.M1(m.Forward(ctx, x))
		must.M1(m.Backward(ctx, g))
	}
}

// One training micro-batch through the whole tiny model, with and without
// layer recompute.
func BenchmarkModelStep(b *testing.B) {
	for _, recompute := range []bool{false, true} {
		name := "plain"
		if recompute {
			name = "recompute"
		}
		b.Run(name, func(b *testing.B) {
			cfg := config.Tiny()
			cfg.Parallelism.RecomputeLayer = recompute
			m := must.M1(New(cfg, singleRank()))
			must.M(m.Init(cfg.General.Seed))
			m.SetTraining(true)
			batch := testBatch(cfg.Model.Qwen2.VocabSize)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				must.M1(m.Step(ctx, batch, 1))
				for _, p := range m.Params().All() {
					p.Data.ClearGrad()
				}
			}
		})
	}
}
