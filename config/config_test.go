// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Tiny preset must pass its own validation.
func TestTinyIsValid(t *testing.T) {
	require.NoError(t, Tiny().Validate())
}

// YAML overlays the defaults: untouched keys keep their Tiny value.
func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  model_config:
    hidden_size: 128
    moe_config:
      top_k: 1
parallelism:
  tp: 2
`))
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Model.Qwen2.HiddenSize)
	assert.Equal(t, 1, cfg.Model.Qwen2.MoE.TopK)
	assert.Equal(t, 4, cfg.Model.Qwen2.MoE.NumExperts)
	assert.Equal(t, 2, cfg.Parallelism.TP)
	assert.Equal(t, 1, cfg.Parallelism.DP)
	assert.Equal(t, 32, cfg.Model.Qwen2.HeadDim())
}

// pad_token_id is optional; absent means no padding row.
func TestParsePadTokenAndAuxLoss(t *testing.T) {
	assert.Nil(t, Tiny().Model.Qwen2.PadTokenID)
	cfg, err := Parse([]byte(`
model:
  model_config:
    pad_token_id: 0
    moe_config:
      aux_loss_coeff: 0.01
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Model.Qwen2.PadTokenID)
	assert.Equal(t, 0, *cfg.Model.Qwen2.PadTokenID)
	assert.Equal(t, float32(0.01), cfg.Model.Qwen2.MoE.AuxLossCoeff)
	assert.Equal(t, DispatcherLocal, cfg.Model.Qwen2.MoE.TokenDispatcherType)
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("model:\n  not_a_field: 1\n"))
	require.Error(t, err)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Tiny(), cfg)
}

// Every structural misconfiguration is reported as ErrInvalid.
func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"init method":       func(c *Config) { c.Model.Init.Method = "xavier" },
		"heads not tp":      func(c *Config) { c.Parallelism.TP = 3 },
		"gqa ratio":         func(c *Config) { c.Model.Qwen2.NumKeyValueHeads = 3 },
		"dropout":           func(c *Config) { c.Model.Qwen2.AttentionDropout = 0.1 },
		"cp without ring":   func(c *Config) { c.Parallelism.CP = 2 },
		"top_k too large":   func(c *Config) { c.Model.Qwen2.MoE.TopK = 5 },
		"moe layer range":   func(c *Config) { c.Model.Qwen2.MoE.Layers = []int{2} },
		"expert parallel":   func(c *Config) { c.Parallelism.EP = 2 },
		"dtype":             func(c *Config) { c.Model.DType = "int8" },
		"sequence too long": func(c *Config) { c.Tokens.SequenceLength = 1024 },
		"dispatcher":        func(c *Config) { c.Model.Qwen2.MoE.TokenDispatcherType = "alltoall" },
		"aux loss coeff":    func(c *Config) { c.Model.Qwen2.MoE.AuxLossCoeff = -0.01 },
		"pad token":         func(c *Config) { id := 256; c.Model.Qwen2.PadTokenID = &id },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Tiny()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "%v", err)
		})
	}
}

func TestSlidingWindowFor(t *testing.T) {
	q := Tiny().Model.Qwen2
	assert.Equal(t, 0, q.SlidingWindowFor(1))
	q.UseSlidingWindow, q.SlidingWindow, q.MaxWindowLayers = true, 4, 1
	assert.Equal(t, 0, q.SlidingWindowFor(0))
	assert.Equal(t, 4, q.SlidingWindowFor(1))
	assert.True(t, q.IsMoELayer(1))
	assert.False(t, q.IsMoELayer(0))
}

// Environment variables override loaded values; bad values are ignored.
func TestLoadAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  seed: 7\n"), 0o644))

	t.Setenv(EnvIgnoreSanityChecks, "true")
	t.Setenv(EnvSeed, "not-a-number")
	t.Setenv(EnvAttnImplementation, `"sdpa"`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.General.IgnoreSanityChecks)
	assert.Equal(t, int64(7), cfg.General.Seed)
	assert.Equal(t, "sdpa", cfg.Model.Qwen2.AttnImplementation)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Tiny().Marshal()
	require.NoError(t, err)
	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Tiny(), cfg)
}
