// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package dist provides process groups for a simulated multi-rank world.
//
// Every rank is a goroutine. Collectives are rendezvous points: each member
// of a group deposits its input, the last one to arrive completes the round
// and wakes the others. Point-to-point transfers use one buffered channel per
// (src, dst) pair so sends never block on a matching receive.
package dist

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// ReduceOp selects the element-wise reduction of AllReduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Avg
	Max
)

func (op ReduceOp) String() string {
	return [...]string{"sum", "avg", "max"}[op]
}

// Group is a communicator over an ordered set of world ranks. Local ranks
// index into Ranks().
type Group interface {
	Name() string
	Rank() int
	Size() int
	Ranks() []int
	GlobalRank(local int) int

	// Broadcast overwrites t on every rank with src's value of t.
	Broadcast(ctx context.Context, t *tensor.Tensor, src int) error
	// AllReduce reduces t across the group in place.
	AllReduce(ctx context.Context, t *tensor.Tensor, op ReduceOp) error
	// AllGather returns every member's t, ordered by local rank.
	AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error)
	Barrier(ctx context.Context) error

	// Send enqueues a copy of t for dst. It does not wait for the receiver.
	Send(ctx context.Context, t *tensor.Tensor, dst int) error
	// Recv blocks until a tensor from src arrives.
	Recv(ctx context.Context, src int) (*tensor.Tensor, error)
}

// ErrCollectiveMismatch is returned when members of a group enter different
// collectives at the same round.
var ErrCollectiveMismatch = errors.New("collective mismatch")

type opKind int

const (
	opBroadcast opKind = iota
	opAllReduce
	opAllGather
	opBarrier
)

func (k opKind) String() string {
	return [...]string{"broadcast", "all_reduce", "all_gather", "barrier"}[k]
}

// round is one in-flight collective. inputs is written under groupState.mu
// and read only after done is closed.
type round struct {
	kind    opKind
	inputs  []*tensor.Tensor
	arrived int
	done    chan struct{}
	err     error
}

// groupState is shared by every member handle of one rank set.
type groupState struct {
	name  string
	ranks []int
	mu    sync.Mutex
	cur   *round
}

// arrive deposits input for local rank and blocks until the round completes.
func (s *groupState) arrive(ctx context.Context, kind opKind, local int, input *tensor.Tensor) (*round, error) {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		r = &round{kind: kind, inputs: make([]*tensor.Tensor, len(s.ranks)), done: make(chan struct{})}
		s.cur = r
	}
	if r.kind != kind {
		r.err = errors.Wrapf(ErrCollectiveMismatch, "group %s: rank %d entered %s while round is %s",
			s.name, s.ranks[local], kind, r.kind)
	}
	if input != nil {
		r.inputs[local] = input.Clone()
	}
	r.arrived++
	if r.arrived == len(s.ranks) {
		s.cur = nil
		close(r.done)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
		return r, r.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "group %s: rank %d waiting in %s", s.name, s.ranks[local], kind)
	}
}

// member is one rank's handle on a groupState.
type member struct {
	state  *groupState
	local  int
	fabric *Fabric
}

var _ Group = (*member)(nil)

func (m *member) Name() string   { return m.state.name }
func (m *member) Rank() int      { return m.local }
func (m *member) Size() int      { return len(m.state.ranks) }
func (m *member) Ranks() []int   { return append([]int(nil), m.state.ranks...) }
func (m *member) GlobalRank(local int) int {
	return m.state.ranks[local]
}

func (m *member) checkPeer(local int) error {
	if local < 0 || local >= len(m.state.ranks) {
		return errors.Errorf("group %s: local rank %d out of range [0, %d)", m.state.name, local, len(m.state.ranks))
	}
	return nil
}

func (m *member) Broadcast(ctx context.Context, t *tensor.Tensor, src int) error {
	if err := m.checkPeer(src); err != nil {
		return err
	}
	var input *tensor.Tensor
	if m.local == src {
		input = t
	}
	r, err := m.state.arrive(ctx, opBroadcast, m.local, input)
	if err != nil {
		return err
	}
	if m.local != src {
		ref := r.inputs[src]
		if ref.Numel() != t.Numel() {
			return errors.Errorf("group %s: broadcast size %d into tensor of size %d", m.state.name, ref.Numel(), t.Numel())
		}
		copy(t.DataPtr(), ref.DataPtr())
	}
	return nil
}

func (m *member) AllReduce(ctx context.Context, t *tensor.Tensor, op ReduceOp) error {
	r, err := m.state.arrive(ctx, opAllReduce, m.local, t)
	if err != nil {
		return err
	}
	// Every member reduces in local-rank order so results are bit-identical.
	out := t.DataPtr()
	for i := range out {
		out[i] = r.inputs[0].DataPtr()[i]
	}
	for _, in := range r.inputs[1:] {
		if in.Numel() != len(out) {
			return errors.Errorf("group %s: all_reduce size mismatch %d vs %d", m.state.name, in.Numel(), len(out))
		}
		src := in.DataPtr()
		for i := range out {
			switch op {
			case Max:
				if src[i] > out[i] {
					out[i] = src[i]
				}
			default:
				out[i] += src[i]
			}
		}
	}
	if op == Avg {
		t.ScaleInPlace(1 / float32(len(r.inputs)))
	}
	return nil
}

func (m *member) AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	r, err := m.state.arrive(ctx, opAllGather, m.local, t)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Tensor, len(r.inputs))
	for i, in := range r.inputs {
		out[i] = in.Clone()
	}
	return out, nil
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.state.arrive(ctx, opBarrier, m.local, nil)
	return err
}

func (m *member) Send(ctx context.Context, t *tensor.Tensor, dst int) error {
	if err := m.checkPeer(dst); err != nil {
		return err
	}
	ch := m.fabric.link(m.state.ranks[m.local], m.state.ranks[dst])
	select {
	case ch <- t.Clone():
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "send %d -> %d", m.state.ranks[m.local], m.state.ranks[dst])
	}
}

func (m *member) Recv(ctx context.Context, src int) (*tensor.Tensor, error) {
	if err := m.checkPeer(src); err != nil {
		return nil, err
	}
	ch := m.fabric.link(m.state.ranks[src], m.state.ranks[m.local])
	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "recv %d <- %d", m.state.ranks[m.local], m.state.ranks[src])
	}
}

// RanksKey is the canonical map key of a rank set: sorted, comma separated.
func RanksKey(ranks []int) string {
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

func (m *member) String() string {
	return fmt.Sprintf("%s(rank %d/%d)", m.state.name, m.local, len(m.state.ranks))
}
