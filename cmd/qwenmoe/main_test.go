// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
)

func run(t *testing.T, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeConfig(t *testing.T, yaml string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestCostsTable(t *testing.T) {
	out, err := run(t, "costs")
	require.NoError(t, err)
	for _, want := range []string{"BLOCK", "model.decoder.1", "decoder", "40,960", "16,384", "model.lm_head", "parameters"} {
		assert.Contains(t, out, want)
	}
}

func TestCostsAcrossStages(t *testing.T) {
	path := writeConfig(t, "parallelism:\n  pp: 2\nmodel:\n  model_config:\n    tie_word_embeddings: true\n")
	out, err := run(t, "costs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tied: model.token_position_embeddings.pp_block.token_embedding.weight = model.lm_head.pp_block.weight")
}

func TestTrainCommand(t *testing.T) {
	out, err := run(t, "train", "--steps", "2", "--progress=false")
	require.NoError(t, err)
	assert.Contains(t, out, "iterations")
	assert.Contains(t, out, "layer 1 load balance")
	assert.Contains(t, out, "tokens/s")
}

func TestTrainDataParallel(t *testing.T) {
	path := writeConfig(t, "parallelism:\n  dp: 2\n  tp: 2\ntokens:\n  train_steps: 1\n")
	out, err := run(t, "train", "--config", path, "--progress=false")
	require.NoError(t, err)
	assert.Contains(t, out, "tp=2 pp=1 dp=2 cp=1")
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config")
	require.NoError(t, err)
	cfg, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, config.Tiny(), cfg)
}

func TestInvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, "model:\n  model_config:\n    hidden_act: relu6\n")
	_, err := run(t, "train", "--config", path)
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = run(t, "costs", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
