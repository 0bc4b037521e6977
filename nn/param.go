// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package nn holds the tensor-parallel building blocks of the decoder:
// replicated, column-parallel and row-parallel linears, the vocab-parallel
// embedding, RMSNorm, activations, parameter bookkeeping, initialization and
// recompute regions.
//
// Layers without communication follow the plain Forward/Backward shape.
// Layers that talk to their tensor-parallel group take a context and return
// an error, since a peer may fail mid-collective.
package nn

import (
	"context"

	"github.com/gomlx/exceptions"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Module is a layer whose forward or backward pass may communicate.
type Module interface {
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error)
	// Release drops activations cached for backward.
	Release()
}

// Role tells the initializer how a parameter is used.
type Role int

const (
	RoleReplicated Role = iota // linear weight replicated across tp
	RoleColumn                 // column-parallel weight, output rows sharded
	RoleRow                    // row-parallel weight, input columns sharded
	RoleEmbedding              // embedding table, vocab rows sharded
	RoleNorm                   // normalization scale, initialized to ones
	RoleBias                   // bias, initialized to zeros
)

// Shard describes how a parameter's local tensor is cut out of its logical
// tensor. The sharded axis is split into contiguous Chunks; every rank owns
// the same fraction of each chunk. A fused qkv projection uses chunks
// [q, kv, kv] so each rank holds matching query, key and value heads.
type Shard struct {
	Axis   int
	Chunks []int
	Rank   int
	Size   int
}

// Extract copies this rank's slice out of full.
func (s *Shard) Extract(full *tensor.Tensor) *tensor.Tensor {
	dims := full.Shape().Dims()
	outer, inner := 1, 1
	for _, d := range dims[:s.Axis] {
		outer *= d
	}
	for _, d := range dims[s.Axis+1:] {
		inner *= d
	}
	total := 0
	for _, c := range s.Chunks {
		total += c
	}
	if total != dims[s.Axis] {
		exceptions.Panicf("shard chunks %v do not cover axis %d of %v", s.Chunks, s.Axis, full.Shape())
	}
	dims[s.Axis] = total / s.Size
	local := tensor.New(tensor.NewShape(dims...), full.DType())
	src, dst := full.DataPtr(), local.DataPtr()
	at := 0
	for o := 0; o < outer; o++ {
		base := o * total * inner
		for c, off := 0, 0; c < len(s.Chunks); off, c = off+s.Chunks[c], c+1 {
			n := s.Chunks[c] / s.Size
			start := base + (off+s.Rank*n)*inner
			at += copy(dst[at:], src[start:start+n*inner])
		}
	}
	return local
}

// Param is a named trainable tensor. The gradient lives in Data.Grad.
type Param struct {
	Name         string
	Data         *tensor.Tensor
	RequiresGrad bool
	Role         Role
	// Logical is the unsharded shape. It equals Data's shape when Shard is nil.
	Logical tensor.Shape
	Shard   *Shard
	// InitKey seeds initialization. Parameters with the same key start from
	// the same logical tensor; it defaults to Name.
	InitKey string
}

// NewParam allocates a parameter replicated across tensor-parallel ranks.
func NewParam(role Role, dims ...int) *Param {
	s := tensor.NewShape(dims...)
	return &Param{Data: tensor.New(s, tensor.F32), RequiresGrad: true, Role: role, Logical: s}
}

// NewShardedParam allocates the local slice of a logical parameter split
// along axis across tp ranks.
func NewShardedParam(role Role, shard *Shard, logical ...int) *Param {
	local := append([]int(nil), logical...)
	local[shard.Axis] /= shard.Size
	return &Param{
		Data:         tensor.New(tensor.NewShape(local...), tensor.F32),
		RequiresGrad: true,
		Role:         role,
		Logical:      tensor.NewShape(logical...),
		Shard:        shard,
	}
}

// Sharded reports whether each tp rank holds a different slice.
func (p *Param) Sharded() bool { return p.Shard != nil }

// Grad returns the accumulated gradient tensor, or nil.
func (p *Param) Grad() *tensor.Tensor { return p.Data.GradTensor() }

// ParamSet is an insertion-ordered collection of named parameters.
// A parameter registered twice (a shared weight) keeps its first name.
type ParamSet struct {
	m *orderedmap.OrderedMap[string, *Param]
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{m: orderedmap.New[string, *Param]()}
}

// Add registers p under name. A parameter that already carries a name is
// skipped.
func (s *ParamSet) Add(name string, p *Param) {
	if p == nil || p.Name != "" {
		return
	}
	if _, dup := s.m.Get(name); dup {
		exceptions.Panicf("parameter %q registered twice", name)
	}
	p.Name = name
	if p.InitKey == "" {
		p.InitKey = name
	}
	s.m.Set(name, p)
}

// Get returns the parameter called name.
func (s *ParamSet) Get(name string) (*Param, bool) { return s.m.Get(name) }

// Len returns the number of distinct parameters.
func (s *ParamSet) Len() int { return s.m.Len() }

// All returns the parameters in registration order.
func (s *ParamSet) All() []*Param {
	out := make([]*Param, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Names returns the parameter names in registration order.
func (s *ParamSet) Names() []string {
	out := make([]string, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// NumElements counts local elements across every parameter.
func (s *ParamSet) NumElements() int {
	n := 0
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		n += pair.Value.Data.Numel()
	}
	return n
}
