// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package config

import (
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Validate checks the structural constraints every component relies on.
// Unknown attention backends and activations are rejected by the packages
// that own those registries, with errors that also wrap ErrInvalid.
func (c Config) Validate() error {
	q, p := c.Model.Qwen2, c.Parallelism
	if p.DP < 1 || p.PP < 1 || p.TP < 1 || p.CP < 1 || p.EP < 1 {
		return errors.Wrapf(ErrInvalid, "parallelism sizes must be >= 1, got %+v", p)
	}
	if q.HiddenSize <= 0 || q.NumAttentionHeads <= 0 || q.NumKeyValueHeads <= 0 {
		return errors.Wrapf(ErrInvalid, "hidden_size, num_attention_heads and num_key_value_heads must be positive")
	}
	if q.HiddenSize%q.NumAttentionHeads != 0 {
		return errors.Wrapf(ErrInvalid, "hidden_size %d not divisible by num_attention_heads %d", q.HiddenSize, q.NumAttentionHeads)
	}
	if q.HeadDim()%2 != 0 {
		return errors.Wrapf(ErrInvalid, "head dim %d must be even for rotary embedding", q.HeadDim())
	}
	if q.NumAttentionHeads%q.NumKeyValueHeads != 0 {
		return errors.Wrapf(ErrInvalid, "num_attention_heads %d not divisible by num_key_value_heads %d", q.NumAttentionHeads, q.NumKeyValueHeads)
	}
	for _, d := range []struct {
		name string
		n    int
	}{
		{"num_attention_heads", q.NumAttentionHeads},
		{"num_key_value_heads", q.NumKeyValueHeads},
		{"vocab_size", q.VocabSize},
		{"intermediate_size", q.IntermediateSize},
	} {
		if d.n <= 0 || d.n%p.TP != 0 {
			return errors.Wrapf(ErrInvalid, "%s %d not divisible by tp %d", d.name, d.n, p.TP)
		}
	}
	if id := q.PadTokenID; id != nil && (*id < 0 || *id >= q.VocabSize) {
		return errors.Wrapf(ErrInvalid, "pad_token_id %d out of range [0, %d)", *id, q.VocabSize)
	}
	if q.NumHiddenLayers < 1 {
		return errors.Wrapf(ErrInvalid, "num_hidden_layers must be >= 1")
	}
	if q.AttentionDropout != 0 {
		return errors.Wrapf(ErrInvalid, "attention_dropout %g: only 0 is supported", q.AttentionDropout)
	}
	if p.CP > 1 && q.AttnImplementation != "ring" {
		return errors.Wrapf(ErrInvalid, "context_parallel_size %d requires the ring attention implementation, got %q", p.CP, q.AttnImplementation)
	}
	if m := q.MoE; m != nil {
		if m.NumExperts < 1 || m.TopK < 1 || m.TopK > m.NumExperts {
			return errors.Wrapf(ErrInvalid, "moe top_k %d must be in [1, num_experts=%d]", m.TopK, m.NumExperts)
		}
		if m.NumExperts%p.EP != 0 {
			return errors.Wrapf(ErrInvalid, "num_experts %d not divisible by expert_parallel_size %d", m.NumExperts, p.EP)
		}
		if m.TokenDispatcherType != DispatcherLocal {
			return errors.Wrapf(ErrInvalid, "token_dispatcher_type %q: only %q is supported", m.TokenDispatcherType, DispatcherLocal)
		}
		if m.AuxLossCoeff < 0 {
			return errors.Wrapf(ErrInvalid, "aux_loss_coeff %g must be >= 0", m.AuxLossCoeff)
		}
		for _, l := range m.Layers {
			if l < 0 || l >= q.NumHiddenLayers {
				return errors.Wrapf(ErrInvalid, "moe layer %d out of range [0, %d)", l, q.NumHiddenLayers)
			}
		}
	}
	if p.EP > 1 {
		return errors.Wrapf(ErrInvalid, "expert_parallel_size %d: cross-rank expert dispatch is not implemented", p.EP)
	}
	switch c.Model.Init.Method {
	case InitRandom, InitSpectralMup:
	default:
		return errors.Wrapf(ErrInvalid, "unknown init method %q", c.Model.Init.Method)
	}
	if _, err := tensor.ParseDType(c.Model.DType); err != nil {
		return errors.Wrapf(ErrInvalid, "%v", err)
	}
	if c.Tokens.SequenceLength < 1 || c.Tokens.MicroBatchSize < 1 || c.Tokens.BatchAccumulation < 1 {
		return errors.Wrapf(ErrInvalid, "tokens: sequence_length, micro_batch_size and batch_accumulation_per_replica must be >= 1")
	}
	if c.Tokens.SequenceLength > q.MaxPositionEmbeddings {
		return errors.Wrapf(ErrInvalid, "sequence_length %d exceeds max_position_embeddings %d", c.Tokens.SequenceLength, q.MaxPositionEmbeddings)
	}
	if c.Tokens.SequenceLength%p.CP != 0 {
		return errors.Wrapf(ErrInvalid, "sequence_length %d not divisible by context_parallel_size %d", c.Tokens.SequenceLength, p.CP)
	}
	return nil
}
