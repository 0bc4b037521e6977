// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package dist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Topology is the shape of the rank grid. World ranks are laid out as
// arange(world).reshape(PP, DP, CP, TP): tensor-parallel peers are adjacent.
type Topology struct {
	TP, PP, DP, CP int
}

// WorldSize returns TP*PP*DP*CP.
func (t Topology) WorldSize() int { return t.TP * t.PP * t.DP * t.CP }

// Validate rejects non-positive dimensions.
func (t Topology) Validate() error {
	if t.TP < 1 || t.PP < 1 || t.DP < 1 || t.CP < 1 {
		return errors.Errorf("invalid topology %+v: every dimension must be >= 1", t)
	}
	return nil
}

// Coords are a rank's position in the grid.
type Coords struct {
	PP, DP, CP, TP int
}

// Rank returns the world rank at c.
func (t Topology) Rank(c Coords) int {
	return ((c.PP*t.DP+c.DP)*t.CP+c.CP)*t.TP + c.TP
}

// Coords returns the grid position of a world rank.
func (t Topology) Coords(rank int) Coords {
	c := Coords{TP: rank % t.TP}
	rank /= t.TP
	c.CP = rank % t.CP
	rank /= t.CP
	c.DP = rank % t.DP
	c.PP = rank / t.DP
	return c
}

// Fabric owns the shared state of every group and p2p link in one world.
type Fabric struct {
	topo Topology

	mu     sync.Mutex
	groups map[string]*groupState
	links  map[[2]int]chan *tensor.Tensor
}

// linkDepth bounds how many tensors may be in flight on one (src, dst) link.
const linkDepth = 64

// NewFabric creates the shared world for topo.
func NewFabric(topo Topology) (*Fabric, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &Fabric{
		topo:   topo,
		groups: make(map[string]*groupState),
		links:  make(map[[2]int]chan *tensor.Tensor),
	}, nil
}

// Topology returns the grid shape.
func (f *Fabric) Topology() Topology { return f.topo }

func (f *Fabric) state(name string, ranks []int) *groupState {
	key := name + ":" + RanksKey(ranks)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.groups[key]
	if !ok {
		s = &groupState{name: name, ranks: append([]int(nil), ranks...)}
		f.groups[key] = s
	}
	return s
}

func (f *Fabric) link(src, dst int) chan *tensor.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int{src, dst}
	ch, ok := f.links[k]
	if !ok {
		ch = make(chan *tensor.Tensor, linkDepth)
		f.links[k] = ch
	}
	return ch
}

func (f *Fabric) member(name string, ranks []int, worldRank int) (*member, error) {
	for i, r := range ranks {
		if r == worldRank {
			return &member{state: f.state(name, ranks), local: i, fabric: f}, nil
		}
	}
	return nil, errors.Errorf("rank %d is not a member of group %s [%s]", worldRank, name, RanksKey(ranks))
}

// ParallelContext is one rank's view of the world: its coordinates and the
// named groups it belongs to.
type ParallelContext struct {
	fabric    *Fabric
	worldRank int
	coords    Coords

	tp, pp, dp, cp, dpcp, world Group

	mu     sync.Mutex
	byRank map[string]Group
}

// Context builds the ParallelContext of worldRank.
func (f *Fabric) Context(worldRank int) (*ParallelContext, error) {
	t := f.topo
	if worldRank < 0 || worldRank >= t.WorldSize() {
		return nil, errors.Errorf("world rank %d out of range [0, %d)", worldRank, t.WorldSize())
	}
	c := t.Coords(worldRank)
	pc := &ParallelContext{fabric: f, worldRank: worldRank, coords: c, byRank: make(map[string]Group)}

	collect := func(vary func(i int) Coords, n int) []int {
		ranks := make([]int, n)
		for i := range ranks {
			ranks[i] = t.Rank(vary(i))
		}
		return ranks
	}
	groups := []struct {
		dst   *Group
		name  string
		ranks []int
	}{
		{&pc.tp, "tp", collect(func(i int) Coords { x := c; x.TP = i; return x }, t.TP)},
		{&pc.pp, "pp", collect(func(i int) Coords { x := c; x.PP = i; return x }, t.PP)},
		{&pc.dp, "dp", collect(func(i int) Coords { x := c; x.DP = i; return x }, t.DP)},
		{&pc.cp, "cp", collect(func(i int) Coords { x := c; x.CP = i; return x }, t.CP)},
		{&pc.dpcp, "dp_cp", collect(func(i int) Coords { x := c; x.DP, x.CP = i/t.CP, i%t.CP; return x }, t.DP*t.CP)},
		{&pc.world, "world", collect(func(i int) Coords { return t.Coords(i) }, t.WorldSize())},
	}
	for _, g := range groups {
		m, err := f.member(g.name, g.ranks, worldRank)
		if err != nil {
			return nil, err
		}
		*g.dst = m
	}
	return pc, nil
}

func (pc *ParallelContext) TP() Group    { return pc.tp }
func (pc *ParallelContext) PP() Group    { return pc.pp }
func (pc *ParallelContext) DP() Group    { return pc.dp }
func (pc *ParallelContext) CP() Group    { return pc.cp }
func (pc *ParallelContext) DPCP() Group  { return pc.dpcp }
func (pc *ParallelContext) World() Group { return pc.world }

// WorldRank returns this rank's index in the world group.
func (pc *ParallelContext) WorldRank() int { return pc.worldRank }

// WorldSize returns the number of ranks.
func (pc *ParallelContext) WorldSize() int { return pc.fabric.topo.WorldSize() }

// Coords returns this rank's grid position.
func (pc *ParallelContext) Coords() Coords { return pc.coords }

// Topology returns the grid shape.
func (pc *ParallelContext) Topology() Topology { return pc.fabric.topo }

// RankAt returns the world rank at the same coordinates as this rank except
// for the pipeline stage.
func (pc *ParallelContext) RankAt(ppRank int) int {
	c := pc.coords
	c.PP = ppRank
	return pc.fabric.topo.Rank(c)
}

// GroupForRanks returns the group over an arbitrary rank set containing this
// rank. Groups are cached by their sorted rank tuple.
func (pc *ParallelContext) GroupForRanks(ranks []int) (Group, error) {
	key := RanksKey(ranks)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if g, ok := pc.byRank[key]; ok {
		return g, nil
	}
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	m, err := pc.fabric.member("ranks["+key+"]", sorted, pc.worldRank)
	if err != nil {
		return nil, err
	}
	pc.byRank[key] = m
	return m, nil
}

func (pc *ParallelContext) String() string {
	return fmt.Sprintf("rank %d/%d (pp=%d dp=%d cp=%d tp=%d)", pc.worldRank, pc.WorldSize(),
		pc.coords.PP, pc.coords.DP, pc.coords.CP, pc.coords.TP)
}

// Launch runs fn once per rank of topo, each on its own goroutine, and
// returns the first error. Panics raised through exceptions.Panicf, and
// runtime errors, are converted to errors of the failing rank. When one rank
// fails the shared context is cancelled so peers blocked in collectives
// return instead of hanging.
func Launch(ctx context.Context, topo Topology, fn func(ctx context.Context, pc *ParallelContext) error) error {
	f, err := NewFabric(topo)
	if err != nil {
		return err
	}
	// Every context exists before the first rank starts, so a failure here
	// leaves no goroutine behind.
	contexts := make([]*ParallelContext, topo.WorldSize())
	for rank := range contexts {
		if contexts[rank], err = f.Context(rank); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range contexts {
		g.Go(func() error {
			var runErr error
			if panicErr := exceptions.TryCatch[error](func() { runErr = fn(gctx, pc) }); panicErr != nil {
				return errors.Wrapf(panicErr, "rank %d panicked", pc.worldRank)
			}
			return errors.Wrapf(runErr, "rank %d", pc.worldRank)
		})
	}
	return g.Wait()
}
