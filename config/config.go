// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package config holds the run configuration: model architecture,
// parallelism layout, optimizer and init method. Configurations load from
// YAML and may be overridden from the environment.
package config

import (
	"bytes"
	"io"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// General holds run identity and global switches.
type General struct {
	Project            string `yaml:"project"`
	Run                string `yaml:"run"`
	Seed               int64  `yaml:"seed"`
	IgnoreSanityChecks bool   `yaml:"ignore_sanity_checks"`
}

// MoE configures the mixture-of-experts feed-forward layers. AuxLossCoeff
// scales the load-balancing loss added to the training objective; 0 keeps it
// a logged statistic.
type MoE struct {
	NumExperts          int     `yaml:"num_experts"`
	TopK                int     `yaml:"top_k"`
	Layers              []int   `yaml:"layers"`
	EnableSharedExpert  bool    `yaml:"enable_shared_expert"`
	TokenDispatcherType string  `yaml:"token_dispatcher_type"`
	AuxLossCoeff        float32 `yaml:"aux_loss_coeff"`
}

// DispatcherLocal is the only token dispatcher: every expert is resident.
const DispatcherLocal = "local"

// Qwen2 is the decoder architecture.
type Qwen2 struct {
	HiddenSize            int     `yaml:"hidden_size"`
	IntermediateSize      int     `yaml:"intermediate_size"`
	NumHiddenLayers       int     `yaml:"num_hidden_layers"`
	NumAttentionHeads     int     `yaml:"num_attention_heads"`
	NumKeyValueHeads      int     `yaml:"num_key_value_heads"`
	VocabSize             int     `yaml:"vocab_size"`
	MaxPositionEmbeddings int     `yaml:"max_position_embeddings"`
	RMSNormEps            float32 `yaml:"rms_norm_eps"`
	RopeTheta             float32 `yaml:"rope_theta"`
	InterleavedRotary     bool    `yaml:"rope_interleaved"`
	HiddenAct             string  `yaml:"hidden_act"`
	AttentionBias         bool    `yaml:"attention_bias"`
	AttentionDropout      float32 `yaml:"attention_dropout"`
	TieWordEmbeddings     bool    `yaml:"tie_word_embeddings"`
	PadTokenID            *int    `yaml:"pad_token_id,omitempty"`
	UseSlidingWindow      bool    `yaml:"use_sliding_window"`
	SlidingWindow         int     `yaml:"sliding_window"`
	MaxWindowLayers       int     `yaml:"max_window_layers"`
	AttnImplementation    string  `yaml:"_attn_implementation"`
	MoE                   *MoE    `yaml:"moe_config"`
}

// HeadDim is hidden_size / num_attention_heads.
func (q Qwen2) HeadDim() int { return q.HiddenSize / q.NumAttentionHeads }

// IsMoELayer reports whether layer idx uses the MoE feed-forward.
func (q Qwen2) IsMoELayer(idx int) bool {
	return q.MoE != nil && slices.Contains(q.MoE.Layers, idx)
}

// SlidingWindowFor returns the attention window of layer idx, or 0 when the
// layer attends to the whole document.
func (q Qwen2) SlidingWindowFor(idx int) int {
	if q.UseSlidingWindow && q.SlidingWindow > 0 && idx >= q.MaxWindowLayers {
		return q.SlidingWindow
	}
	return 0
}

// Init names a parameter initialization scheme.
type Init struct {
	Method string  `yaml:"method"` // "random" or "spectral_mup"
	Std    float64 `yaml:"std"`
}

const (
	InitRandom      = "random"
	InitSpectralMup = "spectral_mup"
)

// Model groups architecture, init and storage precision.
type Model struct {
	Qwen2 Qwen2  `yaml:"model_config"`
	Init  Init   `yaml:"init_method"`
	DType string `yaml:"dtype"`
}

// Parallelism is the rank grid plus per-layer memory options.
type Parallelism struct {
	DP             int  `yaml:"dp"`
	PP             int  `yaml:"pp"`
	TP             int  `yaml:"tp"`
	CP             int  `yaml:"context_parallel_size"`
	EP             int  `yaml:"expert_parallel_size"`
	RecomputeLayer bool `yaml:"recompute_layer"`
}

// Optimizer configures AdamW and the learning-rate schedule.
type Optimizer struct {
	LR          float32 `yaml:"learning_rate"`
	MinDecayLR  float32 `yaml:"min_decay_lr"`
	Beta1       float32 `yaml:"adam_beta1"`
	Beta2       float32 `yaml:"adam_beta2"`
	Eps         float32 `yaml:"adam_eps"`
	WeightDecay float32 `yaml:"weight_decay"`
	ClipGrad    float32 `yaml:"clip_grad"`
	WarmupSteps int     `yaml:"lr_warmup_steps"`
	DecaySteps  int     `yaml:"lr_decay_steps"`
}

// Tokens sizes the batches fed to every data-parallel rank.
type Tokens struct {
	SequenceLength    int `yaml:"sequence_length"`
	MicroBatchSize    int `yaml:"micro_batch_size"`
	BatchAccumulation int `yaml:"batch_accumulation_per_replica"`
	TrainSteps        int `yaml:"train_steps"`
}

// Config is the complete run configuration.
type Config struct {
	General     General     `yaml:"general"`
	Model       Model       `yaml:"model"`
	Parallelism Parallelism `yaml:"parallelism"`
	Optimizer   Optimizer   `yaml:"optimizer"`
	Tokens      Tokens      `yaml:"tokens"`
}

// Tiny returns a small two-layer configuration suitable for tests: 64
// hidden, 4 heads, 4 experts (top-2) on layer 1, 256-token vocab.
func Tiny() Config {
	return Config{
		General: General{Project: "qwenmoe", Run: "tiny", Seed: 42},
		Model: Model{
			Qwen2: Qwen2{
				HiddenSize:            64,
				IntermediateSize:      128,
				NumHiddenLayers:       2,
				NumAttentionHeads:     4,
				NumKeyValueHeads:      4,
				VocabSize:             256,
				MaxPositionEmbeddings: 512,
				RMSNormEps:            1e-6,
				RopeTheta:             10000,
				HiddenAct:             "silu",
				AttnImplementation:    "flash_attention_2",
				MoE: &MoE{
					NumExperts:          4,
					TopK:                2,
					Layers:              []int{1},
					TokenDispatcherType: DispatcherLocal,
				},
			},
			Init:  Init{Method: InitRandom, Std: 0.02},
			DType: "float32",
		},
		Parallelism: Parallelism{DP: 1, PP: 1, TP: 1, CP: 1, EP: 1},
		Optimizer: Optimizer{
			LR:          1e-3,
			MinDecayLR:  1e-4,
			Beta1:       0.9,
			Beta2:       0.95,
			Eps:         1e-8,
			WeightDecay: 0.1,
			ClipGrad:    1.0,
			WarmupSteps: 2,
			DecaySteps:  20,
		},
		Tokens: Tokens{SequenceLength: 16, MicroBatchSize: 2, BatchAccumulation: 1, TrainSteps: 10},
	}
}

// Parse decodes YAML on top of the Tiny defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Tiny()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.WithMessage(err, path)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
