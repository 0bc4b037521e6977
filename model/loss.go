// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// ShardedCrossEntropy is the masked mean cross-entropy over logits whose
// vocabulary axis is split across the tensor-parallel group. Each rank holds
// columns [Rank*V/tp, (Rank+1)*V/tp); full logit rows are never assembled.
//
//	m_t   = allreduce_max(max_j logits[t, j])
//	Z_t   = allreduce_sum(sum_j exp(logits[t, j] - m_t))
//	y_t   = allreduce_sum(logits[t, label_t] if owned else 0)
//	loss  = sum_t(mask_t * (log Z_t + m_t - y_t)) / sum_t(mask_t)
//
// An all-zero mask gives loss 0 and zero gradients. Labels of masked tokens
// are ignored; any other label must lie in the vocabulary.
type ShardedCrossEntropy struct {
	tp dist.Group

	// cached for backward
	probs  *tensor.Tensor // local softmax slice
	labels []int
	mask   []float32
	count  float32
	start  int
}

// NewShardedCrossEntropy builds the loss over tp.
func NewShardedCrossEntropy(tp dist.Group) *ShardedCrossEntropy {
	return &ShardedCrossEntropy{tp: tp}
}

// Forward returns the scalar loss of logits [tokens, vocab/tp].
func (l *ShardedCrossEntropy) Forward(ctx context.Context, logits *tensor.Tensor, labels []int, mask []float32) (float32, error) {
	rows, width := logits.Shape().Rows(), logits.Shape().At(-1)
	if len(labels) != rows || len(mask) != rows {
		exceptions.Panicf("cross entropy over %d rows with %d labels and %d mask entries", rows, len(labels), len(mask))
	}
	vocab := width * l.tp.Size()
	for t, y := range labels {
		if mask[t] != 0 && (y < 0 || y >= vocab) {
			return 0, errors.Wrapf(config.ErrInvalid, "label %d of token %d out of range [0, %d)", y, t, vocab)
		}
	}
	start := l.tp.Rank() * width

	rowMax := tensor.Zeros(rows)
	for t := 0; t < rows; t++ {
		m := logits.Row(t)[0]
		for _, v := range logits.Row(t)[1:] {
			m = max(m, v)
		}
		rowMax.DataPtr()[t] = m
	}
	if err := l.tp.AllReduce(ctx, rowMax, dist.Max); err != nil {
		return 0, errors.WithMessage(err, "cross entropy row max")
	}

	// [sum exp | target logit] reduced together.
	stats := tensor.Zeros(2 * rows)
	s := stats.DataPtr()
	probs := tensor.New(logits.Shape(), tensor.F32)
	for t := 0; t < rows; t++ {
		m := rowMax.DataPtr()[t]
		src, dst := logits.Row(t), probs.Row(t)
		for j, v := range src {
			dst[j] = tensor.ExpF32(v - m)
			s[t] += dst[j]
		}
		if y := labels[t] - start; y >= 0 && y < width {
			s[rows+t] = src[y]
		}
	}
	if err := l.tp.AllReduce(ctx, stats, dist.Sum); err != nil {
		return 0, errors.WithMessage(err, "cross entropy partition")
	}

	var total, count float32
	for t := 0; t < rows; t++ {
		inv := 1 / s[t]
		for j := range probs.Row(t) {
			probs.Row(t)[j] *= inv
		}
		if mask[t] == 0 {
			continue
		}
		total += mask[t] * (tensor.LogF32(s[t]) + rowMax.DataPtr()[t] - s[rows+t])
		count += mask[t]
	}
	l.probs, l.labels, l.mask, l.count, l.start = probs, labels, mask, count, start
	if count == 0 {
		return 0, nil
	}
	return total / count, nil
}

// Backward returns d loss / d logits scaled by seed:
//
//	(softmax - onehot) * mask_t / sum(mask) * seed
func (l *ShardedCrossEntropy) Backward(seed float32) *tensor.Tensor {
	if l.probs == nil {
		exceptions.Panicf("cross entropy backward called before forward")
	}
	rows, width := l.probs.Shape().Rows(), l.probs.Shape().At(-1)
	grad := tensor.New(l.probs.Shape(), tensor.F32)
	if l.count == 0 {
		return grad
	}
	for t := 0; t < rows; t++ {
		if l.mask[t] == 0 {
			continue
		}
		scale := l.mask[t] / l.count * seed
		src, dst := l.probs.Row(t), grad.Row(t)
		for j, p := range src {
			dst[j] = p * scale
		}
		if y := l.labels[t] - l.start; y >= 0 && y < width {
			dst[y] -= scale
		}
	}
	return grad
}

// Release drops the cached softmax.
func (l *ShardedCrossEntropy) Release() {
	l.probs, l.labels, l.mask = nil, nil, nil
}
