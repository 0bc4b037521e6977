// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package model assembles the Qwen2 decoder with optional mixture-of-experts
// layers into a pipeline of blocks:
//
//	token embedding -> decoder x N -> final RMSNorm -> lm_head -> loss
//
// Every block lives on one pipeline rank chosen from analytic compute costs.
// Tensor-parallel ranks hold slices of the column and row parallel weights;
// data and context parallel replicas hold identical copies.
package model

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/internal/logging"
	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
	"github.com/fumi-engineer/machine_learning/qwenmoe/pipeline"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Names of the weights shared by the embedding and the output projection
// when tie_word_embeddings is set.
const (
	EmbeddingWeightName = "model.token_position_embeddings.pp_block.token_embedding.weight"
	LMHeadWeightName    = "model.lm_head.pp_block.weight"
)

// TiedNames returns the tied embedding and lm_head weight names, or nil when
// word embeddings are not tied.
func TiedNames(q config.Qwen2) []string {
	if !q.TieWordEmbeddings {
		return nil
	}
	return []string{EmbeddingWeightName, LMHeadWeightName}
}

// Batch is one micro-batch in packed layout: batch and sequence fused into
// one token axis. PositionIDs restart at 0 for every document; -1 marks
// padding. LabelMask is 1 for tokens that count towards the loss.
type Batch struct {
	InputIDs    []int
	PositionIDs []int
	LabelIDs    []int
	LabelMask   []float32
}

// Validate checks that every field has one entry per token.
func (b Batch) Validate() error {
	n := len(b.InputIDs)
	if n == 0 || len(b.PositionIDs) != n || len(b.LabelIDs) != n || len(b.LabelMask) != n {
		return errors.Errorf("batch has %d input ids, %d position ids, %d labels and %d mask entries",
			n, len(b.PositionIDs), len(b.LabelIDs), len(b.LabelMask))
	}
	return nil
}

// ForTraining is one rank's slice of the model together with the loss.
type ForTraining struct {
	cfg    config.Config
	pc     *dist.ParallelContext
	mode   *Mode
	kinds  []StageKind
	blocks []*pipeline.Block
	params *nn.ParamSet
	tied   *TiedRegistry

	decoders []*DecoderLayer // layers owned by this rank, in order
}

// New builds the blocks placed on this rank. Parameters are allocated but
// not initialized; call Init.
func New(cfg config.Config, pc *dist.ParallelContext) (*ForTraining, error) {
	p, topo := cfg.Parallelism, pc.Topology()
	if p.TP != topo.TP || p.PP != topo.PP || p.DP != topo.DP || p.CP != topo.CP {
		return nil, errors.Wrapf(config.ErrInvalid, "parallelism tp=%d pp=%d dp=%d cp=%d does not match the world %+v",
			p.TP, p.PP, p.DP, p.CP, topo)
	}
	q := cfg.Model.Qwen2
	m := &ForTraining{
		cfg:    cfg,
		pc:     pc,
		mode:   &Mode{},
		kinds:  ChainKinds(q),
		params: nn.NewParamSet(),
		tied:   NewTiedRegistry(),
	}
	ranks := pipeline.AssignStages(BlockCosts(q), pc.PP().Size())
	tp, cp := pc.TP(), pc.CP()

	var embedding *nn.Embedding
	layer := 0
	for i, kind := range m.kinds {
		var (
			name    string
			in, out []string
			grad    []string
			build   func() (pipeline.Module, error)
		)
		switch kind {
		case StageEmbedding:
			name = "model.token_position_embeddings"
			in, out = []string{"input_ids", "position_ids"}, []string{"input_embeds", "position_ids"}
			build = func() (pipeline.Module, error) {
				e, err := nn.NewEmbedding(tp, q.VocabSize, q.HiddenSize)
				if err != nil {
					return nil, err
				}
				if q.PadTokenID != nil {
					e.PaddingIdx = *q.PadTokenID
				}
				e.Register(m.params, name+".pp_block.token_embedding")
				embedding = e
				return &EmbeddingStage{Embedding: e}, nil
			}
		case StageDecoder:
			idx := layer
			layer++
			name = fmt.Sprintf("model.decoder.%d", idx)
			in, out, grad = []string{"hidden_states", "position_ids"}, []string{"hidden_states", "position_ids"}, []string{"hidden_states"}
			build = func() (pipeline.Module, error) {
				l, err := NewDecoderLayer(cfg, idx, tp, cp, m.mode)
				if err != nil {
					return nil, err
				}
				l.Register(m.params, name+".pp_block")
				m.decoders = append(m.decoders, l)
				return l, nil
			}
		case StageFinalNorm:
			name = "model.final_layer_norm"
			in, out, grad = []string{"input"}, []string{"hidden_states"}, []string{"input"}
			build = func() (pipeline.Module, error) {
				n := nn.NewRMSNorm(q.HiddenSize, q.RMSNormEps)
				n.Register(m.params, name+".pp_block")
				return &FinalNormStage{Norm: n}, nil
			}
		case StageLMHead:
			name = "model.lm_head"
			in, out, grad = []string{"x"}, []string{"logits"}, []string{"x"}
			build = func() (pipeline.Module, error) {
				head, err := nn.NewColumnLinear(tp, q.HiddenSize, q.VocabSize, false)
				if err != nil {
					return nil, err
				}
				if q.TieWordEmbeddings {
					if embedding != nil {
						head.Weight = embedding.Weight
					} else {
						head.Weight.Role = nn.RoleEmbedding
						head.Weight.InitKey = EmbeddingWeightName
					}
				}
				head.Register(m.params, name+".pp_block")
				return &LMHeadStage{Proj: head}, nil
			}
		case StageLoss:
			name = "loss"
			in, out, grad = []string{"sharded_logits", "label_ids", "label_mask"}, []string{"loss"}, []string{"sharded_logits"}
			build = func() (pipeline.Module, error) { return NewLossStage(tp), nil }
		}
		b, err := pipeline.NewBlock(pc.PP(), name, ranks[i], in, out, grad, build)
		if err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
	}

	if q.TieWordEmbeddings {
		embedRank, headRank := m.blocks[0].Rank, m.block(StageLMHead).Rank
		g := &TiedGroup{
			Name: EmbeddingWeightName,
			Locations: []TiedLocation{
				{Name: EmbeddingWeightName, PPRank: embedRank},
				{Name: LMHeadWeightName, PPRank: headRank},
			},
			Ranks: []int{pc.RankAt(embedRank), pc.RankAt(headRank)},
		}
		if p, ok := m.params.Get(EmbeddingWeightName); ok {
			g.Local = p
		} else if p, ok := m.params.Get(LMHeadWeightName); ok {
			g.Local = p
		}
		m.tied.Add(g)
	}

	logging.Rank(pc, 0, logging.Info, "built %d blocks over %d pipeline ranks: stages %v", len(m.blocks), pc.PP().Size(), ranks)
	logging.Debugf(pc, "holding %d parameters (%d elements)", m.params.Len(), m.params.NumElements())
	return m, nil
}

func (m *ForTraining) block(kind StageKind) *pipeline.Block {
	for i, k := range m.kinds {
		if k == kind {
			return m.blocks[i]
		}
	}
	return nil
}

// Init draws every local parameter from seed with the configured method.
func (m *ForTraining) Init(seed int64) error {
	dtype, err := tensor.ParseDType(m.cfg.Model.DType)
	if err != nil {
		return err
	}
	logging.Rank(m.pc, 0, logging.Info, "initializing parameters with %s (std %g)", m.cfg.Model.Init.Method, m.cfg.Model.Init.Std)
	return nn.Initialize(m.params, m.cfg.Model.Init, m.cfg.Model.Qwen2.NumHiddenLayers, seed, dtype)
}

// Config returns the configuration the model was built from.
func (m *ForTraining) Config() config.Config { return m.cfg }

// ParallelContext returns the rank's view of the world.
func (m *ForTraining) ParallelContext() *dist.ParallelContext { return m.pc }

// Params returns the parameters held by this rank in chain order.
func (m *ForTraining) Params() *nn.ParamSet { return m.params }

// Tied returns the tied-weight registry.
func (m *ForTraining) Tied() *TiedRegistry { return m.tied }

// Blocks returns the chain.
func (m *ForTraining) Blocks() []*pipeline.Block { return m.blocks }

// StageRanks returns the pipeline rank of every block.
func (m *ForTraining) StageRanks() []int {
	out := make([]int, len(m.blocks))
	for i, b := range m.blocks {
		out[i] = b.Rank
	}
	return out
}

// Decoders returns the decoder layers owned by this rank.
func (m *ForTraining) Decoders() []*DecoderLayer { return m.decoders }

// SetTraining switches recompute regions on or off.
func (m *ForTraining) SetTraining(training bool) { m.mode.Training = training }

// Training reports the current mode.
func (m *ForTraining) Training() bool { return m.mode.Training }

// IsLossRank reports whether this rank computes the loss.
func (m *ForTraining) IsLossRank() bool { return m.blocks[len(m.blocks)-1].IsLocal() }

// Forward runs the chain over b. It returns the scalar loss on the rank that
// owns the loss block and a Remote placeholder elsewhere. Every rank must
// pass the same batch; ranks that do not consume an input ignore it.
func (m *ForTraining) Forward(ctx context.Context, b Batch) (pipeline.Value, error) {
	if err := b.Validate(); err != nil {
		return pipeline.Value{}, err
	}
	pp := m.pc.PP().Rank()
	input := func(owner int, t func() *tensor.Tensor) pipeline.Value {
		if pp == owner {
			return pipeline.Local(t())
		}
		return pipeline.Remote(owner)
	}
	embedRank, lossRank := m.blocks[0].Rank, m.blocks[len(m.blocks)-1].Rank

	var hidden, positions, loss pipeline.Value
	for i, blk := range m.blocks {
		var in map[string]pipeline.Value
		switch m.kinds[i] {
		case StageEmbedding:
			in = map[string]pipeline.Value{
				"input_ids":    input(embedRank, func() *tensor.Tensor { return tensor.FromInts(b.InputIDs) }),
				"position_ids": input(embedRank, func() *tensor.Tensor { return tensor.FromInts(b.PositionIDs) }),
			}
		case StageDecoder:
			in = map[string]pipeline.Value{"hidden_states": hidden, "position_ids": positions}
		case StageFinalNorm:
			in = map[string]pipeline.Value{"input": hidden}
		case StageLMHead:
			in = map[string]pipeline.Value{"x": hidden}
		case StageLoss:
			in = map[string]pipeline.Value{
				"sharded_logits": hidden,
				"label_ids":      input(lossRank, func() *tensor.Tensor { return tensor.FromInts(b.LabelIDs) }),
				"label_mask":     input(lossRank, func() *tensor.Tensor { return tensor.FromSlice(b.LabelMask, tensor.NewShape(len(b.LabelMask))) }),
			}
		}
		out, err := blk.Forward(ctx, in)
		if err != nil {
			return pipeline.Value{}, err
		}
		switch m.kinds[i] {
		case StageEmbedding:
			hidden, positions = out["input_embeds"], out["position_ids"]
		case StageDecoder:
			hidden, positions = out["hidden_states"], out["position_ids"]
		case StageFinalNorm:
			hidden = out["hidden_states"]
		case StageLMHead:
			hidden = out["logits"]
		case StageLoss:
			loss = out["loss"]
		}
	}
	return loss, nil
}

// Backward propagates from the loss of the last Forward, with d loss = seed
// on the loss rank, and accumulates parameter gradients on every rank.
func (m *ForTraining) Backward(ctx context.Context, seed float32) error {
	for _, l := range m.decoders {
		if l.MoE != nil {
			l.MoE.SetLossScale(seed)
		}
	}
	grad := pipeline.Value{}
	if m.IsLossRank() {
		grad = pipeline.Local(tensor.FromSliceNoCopy([]float32{seed}, tensor.NewShape(1)))
	}
	for i := len(m.blocks) - 1; i >= 0; i-- {
		blk := m.blocks[i]
		var outKey, inKey string
		switch m.kinds[i] {
		case StageLoss:
			outKey, inKey = "loss", "sharded_logits"
		case StageLMHead:
			outKey, inKey = "logits", "x"
		case StageFinalNorm:
			outKey, inKey = "hidden_states", "input"
		case StageDecoder:
			outKey, inKey = "hidden_states", "hidden_states"
		case StageEmbedding:
			outKey = "input_embeds"
		}
		in, err := blk.Backward(ctx, map[string]pipeline.Value{outKey: grad})
		if err != nil {
			return err
		}
		blk.Release()
		grad = pipeline.Value{}
		if inKey != "" {
			grad = in[inKey]
		}
	}
	return nil
}

// Release drops activations cached by an unfinished forward.
func (m *ForTraining) Release() {
	for _, b := range m.blocks {
		b.Release()
	}
	for _, l := range m.decoders {
		l.Release()
	}
}

// Step runs forward and backward over one micro-batch and returns this
// rank's share of the objective: the cross-entropy on the loss rank plus the
// auxiliary loss of the local MoE layers. Summed over the pipeline group the
// shares give the full objective.
func (m *ForTraining) Step(ctx context.Context, b Batch, seed float32) (float32, error) {
	loss, err := m.Forward(ctx, b)
	if err != nil {
		return 0, err
	}
	if err := m.Backward(ctx, seed); err != nil {
		return 0, err
	}
	aux := m.AuxLoss()
	if loss.IsLocal() {
		return loss.Tensor().DataPtr()[0] + aux, nil
	}
	return aux, nil
}

// AuxLoss sums the auxiliary load-balancing loss of the local MoE layers
// from the last forward.
func (m *ForTraining) AuxLoss() float32 {
	var sum float32
	for _, l := range m.decoders {
		if l.MoE != nil {
			sum += l.MoE.AuxLoss()
		}
	}
	return sum
}

// LoadBalance returns the balance statistic of every local MoE layer from
// the last forward, keyed by layer index.
func (m *ForTraining) LoadBalance() map[int]float32 {
	out := make(map[int]float32)
	for _, l := range m.decoders {
		if l.MoE != nil {
			out[l.Index] = l.MoE.LoadBalance()
		}
	}
	return out
}

// FlopsPerSec reports model and hardware TFLOP/s per rank for an iteration
// over globalBatch sequences of seqLen tokens that took seconds.
func (m *ForTraining) FlopsPerSec(seconds float64, seqLen, globalBatch int) (model, hardware float64) {
	return FlopsPerSec(m.cfg.Model.Qwen2, seconds, m.pc.WorldSize(), seqLen, globalBatch)
}
