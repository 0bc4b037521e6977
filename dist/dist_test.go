// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package dist

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Rank layout has tp fastest and pp slowest.
func TestTopologyCoordsRoundTrip(t *testing.T) {
	topo := Topology{TP: 2, PP: 2, DP: 2, CP: 1}
	require.Equal(t, 8, topo.WorldSize())
	for r := 0; r < topo.WorldSize(); r++ {
		assert.Equal(t, r, topo.Rank(topo.Coords(r)))
	}
	assert.Equal(t, Coords{PP: 1, DP: 0, CP: 0, TP: 1}, topo.Coords(5))
	assert.Error(t, Topology{TP: 0, PP: 1, DP: 1, CP: 1}.Validate())
}

// Group membership follows the grid: tp peers are adjacent, pp peers are
// TP*CP*DP apart.
func TestNamedGroups(t *testing.T) {
	f, err := NewFabric(Topology{TP: 2, PP: 2, DP: 2, CP: 1})
	require.NoError(t, err)
	pc, err := f.Context(5)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5}, pc.TP().Ranks())
	assert.Equal(t, 1, pc.TP().Rank())
	assert.Equal(t, []int{1, 5}, pc.PP().Ranks())
	assert.Equal(t, []int{5, 7}, pc.DP().Ranks())
	assert.Equal(t, []int{5}, pc.CP().Ranks())
	assert.Equal(t, []int{5, 7}, pc.DPCP().Ranks())
	assert.Equal(t, 8, pc.World().Size())
	assert.Equal(t, 1, pc.RankAt(0))

	g, err := pc.GroupForRanks([]int{5, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, g.Ranks())
	_, err = pc.GroupForRanks([]int{0, 2})
	assert.Error(t, err)
}

// Every collective agrees across ranks.
func TestCollectives(t *testing.T) {
	topo := Topology{TP: 4, PP: 1, DP: 1, CP: 1}
	var mu sync.Mutex
	gathered := make(map[int][]float32)

	err := Launch(testContext(t), topo, func(ctx context.Context, pc *ParallelContext) error {
		r := float32(pc.WorldRank())
		g := pc.TP()

		sum := tensor.FromSlice([]float32{r, 1}, tensor.NewShape(2))
		if err := g.AllReduce(ctx, sum, Sum); err != nil {
			return err
		}
		if sum.DataPtr()[0] != 6 || sum.DataPtr()[1] != 4 {
			return errors.Errorf("sum = %v", sum.DataPtr())
		}

		mx := tensor.FromSlice([]float32{-r}, tensor.NewShape(1))
		if err := g.AllReduce(ctx, mx, Max); err != nil {
			return err
		}
		avg := tensor.FromSlice([]float32{r}, tensor.NewShape(1))
		if err := g.AllReduce(ctx, avg, Avg); err != nil {
			return err
		}
		if mx.DataPtr()[0] != 0 || avg.DataPtr()[0] != 1.5 {
			return errors.Errorf("max = %v avg = %v", mx.DataPtr(), avg.DataPtr())
		}

		b := tensor.FromSlice([]float32{r * 10}, tensor.NewShape(1))
		if err := g.Broadcast(ctx, b, 2); err != nil {
			return err
		}
		if b.DataPtr()[0] != 20 {
			return errors.Errorf("broadcast = %v", b.DataPtr())
		}

		parts, err := g.AllGather(ctx, tensor.FromSlice([]float32{r}, tensor.NewShape(1)))
		if err != nil {
			return err
		}
		flat := make([]float32, 0, len(parts))
		for _, p := range parts {
			flat = append(flat, p.DataPtr()...)
		}
		mu.Lock()
		gathered[pc.WorldRank()] = flat
		mu.Unlock()
		return g.Barrier(ctx)
	})
	require.NoError(t, err)
	for r := 0; r < 4; r++ {
		assert.Equal(t, []float32{0, 1, 2, 3}, gathered[r])
	}
}

// Sends are buffered, so a ring of send-then-recv does not deadlock.
func TestSendRecvRing(t *testing.T) {
	topo := Topology{TP: 1, PP: 3, DP: 1, CP: 1}
	err := Launch(testContext(t), topo, func(ctx context.Context, pc *ParallelContext) error {
		g := pc.PP()
		me, n := g.Rank(), g.Size()
		if err := g.Send(ctx, tensor.FromSlice([]float32{float32(me)}, tensor.NewShape(1)), (me+1)%n); err != nil {
			return err
		}
		got, err := g.Recv(ctx, (me+n-1)%n)
		if err != nil {
			return err
		}
		if int(got.DataPtr()[0]) != (me+n-1)%n {
			return errors.Errorf("rank %d got %v", me, got.DataPtr())
		}
		return nil
	})
	require.NoError(t, err)
}

// A rank that fails cancels peers stuck in a collective.
func TestLaunchPropagatesFailure(t *testing.T) {
	topo := Topology{TP: 2, PP: 1, DP: 1, CP: 1}
	boom := errors.New("boom")
	err := Launch(testContext(t), topo, func(ctx context.Context, pc *ParallelContext) error {
		if pc.WorldRank() == 1 {
			return boom
		}
		return pc.TP().Barrier(ctx)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

// A topology that cannot be built starts no rank at all.
func TestLaunchInvalidTopologyRunsNothing(t *testing.T) {
	var calls atomic.Int32
	err := Launch(testContext(t), Topology{TP: 2, PP: 0, DP: 1, CP: 1}, func(context.Context, *ParallelContext) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls.Load())

	err = Launch(testContext(t), Topology{TP: 2, PP: 2, DP: 1, CP: 1}, func(context.Context, *ParallelContext) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

// Mismatched collectives in one round are reported to every member.
func TestCollectiveMismatch(t *testing.T) {
	topo := Topology{TP: 2, PP: 1, DP: 1, CP: 1}
	err := Launch(testContext(t), topo, func(ctx context.Context, pc *ParallelContext) error {
		if pc.WorldRank() == 0 {
			return pc.TP().Barrier(ctx)
		}
		return pc.TP().AllReduce(ctx, tensor.Zeros(1), Sum)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCollectiveMismatch))
}

// Panics inside a rank become errors instead of crashing the process.
func TestLaunchRecoversPanics(t *testing.T) {
	err := Launch(testContext(t), Topology{TP: 1, PP: 1, DP: 1, CP: 1}, func(ctx context.Context, pc *ParallelContext) error {
		tensor.Zeros(2).Add(tensor.Zeros(3))
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
