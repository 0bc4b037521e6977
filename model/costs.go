// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
)

// StageKind names the module type of a pipeline block.
type StageKind string

const (
	StageEmbedding StageKind = "embedding"
	StageDecoder   StageKind = "decoder"
	StageFinalNorm StageKind = "final_layer_norm"
	StageLMHead    StageKind = "lm_head"
	StageLoss      StageKind = "loss"
)

// StageCost is the analytic relative compute cost of one block of kind,
// used only to balance pipeline stages:
//
//	decoder: 4 * heads * head_dim * hidden + 3 * intermediate * hidden
//	lm_head: vocab * hidden
//
// Every other kind costs 0.
func StageCost(q config.Qwen2, kind StageKind) int64 {
	h := int64(q.HiddenSize)
	switch kind {
	case StageDecoder:
		return 4*int64(q.NumAttentionHeads)*int64(q.HeadDim())*h + 3*int64(q.IntermediateSize)*h
	case StageLMHead:
		return int64(q.VocabSize) * h
	}
	return 0
}

// ChainKinds lists the module kind of every block in chain order.
func ChainKinds(q config.Qwen2) []StageKind {
	kinds := []StageKind{StageEmbedding}
	for i := 0; i < q.NumHiddenLayers; i++ {
		kinds = append(kinds, StageDecoder)
	}
	return append(kinds, StageFinalNorm, StageLMHead, StageLoss)
}

// BlockCosts returns StageCost for every block of the chain.
func BlockCosts(q config.Qwen2) []int64 {
	kinds := ChainKinds(q)
	costs := make([]int64, len(kinds))
	for i, k := range kinds {
		costs[i] = StageCost(q, k)
	}
	return costs
}

// Flops counts the floating-point operations of one training iteration
// (forward plus a backward costing twice the forward) over batchSize
// sequences of seqLen tokens. Hardware flops equal model flops.
func Flops(q config.Qwen2, seqLen, batchSize int) (model, hardware float64) {
	var (
		layers = float64(q.NumHiddenLayers)
		hidden = float64(q.HiddenSize)
		heads  = float64(q.NumAttentionHeads)
		kv     = float64(q.NumKeyValueHeads)
		d      = float64(q.HeadDim())
		ffn    = float64(q.IntermediateSize)
		vocab  = float64(q.VocabSize)
		s      = float64(seqLen)
		b      = float64(batchSize)
	)
	if kv == 0 {
		kv = heads
	}
	qkv := 2*layers*b*s*hidden*heads*d + 2*layers*b*s*hidden*2*kv*d
	qk := 2 * layers * b * heads * s * d * s
	av := 2 * layers * b * heads * s * s * d
	attnOut := 2 * layers * b * heads * s * d * hidden
	ffn1 := 4 * layers * b * s * hidden * ffn
	ffn2 := 2 * layers * b * s * ffn * hidden
	decoder := qkv + qk + av + attnOut + ffn1 + ffn2
	lmHead := 2 * b * s * hidden * vocab

	model = 3 * (decoder + lmHead)
	return model, model
}

// FlopsPerSec converts Flops into TFLOP/s per rank for an iteration that
// took seconds on worldSize ranks.
func FlopsPerSec(q config.Qwen2, seconds float64, worldSize, seqLen, globalBatch int) (model, hardware float64) {
	m, h := Flops(q, seqLen, globalBatch)
	den := seconds * float64(worldSize) * 1e12
	return m / den, h / den
}
