// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/model"
)

// Data yields this rank's micro-batches.
type Data interface {
	Next() (model.Batch, error)
}

// Synthetic packs random-length documents whose tokens follow a fixed
// successor rule, so a model can actually learn them. Every rank of one
// dp replica draws the same stream; context-parallel ranks each keep their
// contiguous slice of the packed tokens.
type Synthetic struct {
	rng    *rand.Rand
	vocab  int
	seqLen int
	micro  int
	cpRank int
	cpSize int
}

const minDocLen = 2

// NewSynthetic seeds the stream from general.seed and the dp rank.
func NewSynthetic(cfg config.Config, pc *dist.ParallelContext) (*Synthetic, error) {
	tok := cfg.Tokens
	cp := pc.CP().Size()
	if total := tok.SequenceLength * tok.MicroBatchSize; total == 0 || total%cp != 0 {
		return nil, errors.Wrapf(config.ErrInvalid, "%d tokens per micro-batch cannot be split over %d context-parallel ranks", total, cp)
	}
	return &Synthetic{
		rng:    rand.New(rand.NewSource(cfg.General.Seed*7919 + int64(pc.DP().Rank()))),
		vocab:  cfg.Model.Qwen2.VocabSize,
		seqLen: tok.SequenceLength,
		micro:  tok.MicroBatchSize,
		cpRank: pc.CP().Rank(),
		cpSize: cp,
	}, nil
}

// Successor is the token that follows id in synthetic documents.
func Successor(id, vocab int) int { return (3*id + 1) % vocab }

// Next returns the next micro-batch slice of this rank.
func (s *Synthetic) Next() (model.Batch, error) {
	full := s.packed()
	n := len(full.InputIDs) / s.cpSize
	lo, hi := s.cpRank*n, (s.cpRank+1)*n
	return model.Batch{
		InputIDs:    full.InputIDs[lo:hi],
		PositionIDs: full.PositionIDs[lo:hi],
		LabelIDs:    full.LabelIDs[lo:hi],
		LabelMask:   full.LabelMask[lo:hi],
	}, nil
}

// packed fills micro sequences of seqLen tokens with whole or truncated
// documents. The last token of every document carries no label.
func (s *Synthetic) packed() model.Batch {
	total := s.seqLen * s.micro
	b := model.Batch{
		InputIDs:    make([]int, 0, total),
		PositionIDs: make([]int, 0, total),
		LabelIDs:    make([]int, 0, total),
		LabelMask:   make([]float32, 0, total),
	}
	for seq := 0; seq < s.micro; seq++ {
		for left := s.seqLen; left > 0; {
			n := min(left, minDocLen+s.rng.Intn(max(s.seqLen-minDocLen+1, 1)))
			id := s.rng.Intn(s.vocab)
			for p := 0; p < n; p++ {
				next := Successor(id, s.vocab)
				mask := float32(1)
				if p == n-1 {
					mask = 0
				}
				b.InputIDs = append(b.InputIDs, id)
				b.PositionIDs = append(b.PositionIDs, p)
				b.LabelIDs = append(b.LabelIDs, next)
				b.LabelMask = append(b.LabelMask, mask)
				id = next
			}
			left -= n
		}
	}
	return b
}
