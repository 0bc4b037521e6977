// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func randn(rng *rand.Rand, rows, cols int) *tensor.Tensor {
	return tensor.RandnWithStd(rng, tensor.NewShape(rows, cols), 1)
}

func params(heads, kv, d, window int) Params {
	return Params{Heads: heads, KVHeads: kv, HeadDim: d, Scale: 1 / float32(math.Sqrt(float64(d))), Window: window}
}

// Two documents of lengths 3 and 5.
var twoDocs = []int{0, 1, 2, 0, 1, 2, 3, 4}

// mask[i][j] is true iff j <= i and no segment starts in (j, i].
func TestCausalMaskBlockDiagonal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := [][]int{twoDocs, {-1, -1, -1}, {3, 4, 0, 1}}
	for c := 0; c < 20; c++ {
		var pos []int
		for len(pos) < 12 {
			n := 1 + rng.Intn(5)
			for p := 0; p < n; p++ {
				pos = append(pos, p)
			}
		}
		for rng.Intn(2) == 0 {
			pos = append(pos, -1)
		}
		cases = append(cases, pos)
	}
	for _, raw := range cases {
		pos := RemapPadding(raw)
		mask := CausalMask(pos)
		n := len(pos)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := j <= i
				for b := j + 1; b <= i && want; b++ {
					if pos[b] == 0 {
						want = false
					}
				}
				if j == i {
					want = true
				}
				require.Equal(t, want, mask[i*n+j], "positions %v: mask[%d][%d]", raw, i, j)
			}
		}
	}
}

func TestCuSeqlens(t *testing.T) {
	assert.Equal(t, []int{0, 3, 8}, CuSeqlens(twoDocs))
	assert.Equal(t, []int{0, 1, 2, 3}, CuSeqlens(RemapPadding([]int{-1, -1, -1})))
	assert.Equal(t, []int{0, 2, 4}, CuSeqlens([]int{3, 4, 0, 1}), "a chunk starting mid-document")
	assert.Equal(t, []int{0, 5, 6, 7, 8}, CuSeqlens(RemapPadding([]int{0, 1, 2, 3, 4, -1, -1, -1})))
	assert.Equal(t, []int{0, 0, 0, 3, 3, 3, 3, 3}, SegmentStarts(twoDocs))
}

// An all-padding batch degenerates to singleton segments: every token
// attends only to itself, so the output is its own value vector.
func TestAllPaddingAttendsToSelf(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	q, k, v := randn(rng, 5, 8), randn(rng, 5, 8), randn(rng, 5, 8)
	pos := []int{-1, -1, -1, -1, -1}
	for _, name := range []string{"sdpa", "flash_attention_2"} {
		impl := must.M1(Lookup(name, Deps{}))
		out, err := impl.Compute(context.Background(), q, k, v, BoundsFor(impl.Layout(), pos), params(2, 2, 4, 0))
		require.NoError(t, err, name)
		assert.InDeltaSlice(t, v.Data(), out.Data(), 1e-6, name)
	}
}

// sdpa and flash agree on outputs and gradients, with and without a window,
// including grouped-query attention.
func TestSdpaMatchesFlash(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pos := []int{0, 1, 2, 3, 4, 5, 0, 1, 2, -1}
	n := len(pos)
	for _, window := range []int{0, 3} {
		p := params(4, 2, 4, window)
		q, k, v := randn(rng, n, 16), randn(rng, n, 8), randn(rng, n, 8)
		dOut := randn(rng, n, 16)
		var outs [2]*tensor.Tensor
		var grads [2][3]*tensor.Tensor
		for i, name := range []string{"sdpa", "flash_attention_2"} {
			impl := must.M1(Lookup(name, Deps{}))
			b := BoundsFor(impl.Layout(), pos)
			outs[i] = must.M1(impl.Compute(context.Background(), q, k, v, b, p))
			dq, dk, dv, err := impl.Gradient(context.Background(), q, k, v, outs[i], dOut, b, p)
			require.NoError(t, err)
			grads[i] = [3]*tensor.Tensor{dq, dk, dv}
		}
		if diff := cmp.Diff(outs[0].Data(), outs[1].Data(), approx); diff != "" {
			t.Errorf("window %d output (-sdpa +flash):\n%s", window, diff)
		}
		for g := range grads[0] {
			if diff := cmp.Diff(grads[0][g].Data(), grads[1][g].Data(), approx); diff != "" {
				t.Errorf("window %d gradient %d (-sdpa +flash):\n%s", window, g, diff)
			}
		}
	}
}

// Grouped-query attention equals full attention with kv heads repeated.
func TestGroupedQueryMatchesRepeatedHeads(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n, d := 6, 4
	q, k, v := randn(rng, n, 4*d), randn(rng, n, 2*d), randn(rng, n, 2*d)
	repeat := func(x *tensor.Tensor) *tensor.Tensor {
		out := tensor.Zeros(n, 4*d)
		for h := 0; h < 4; h++ {
			out.SetCols(h*d, x.Cols((h/2)*d, (h/2+1)*d))
		}
		return out
	}
	impl := must.M1(Lookup("flash_attention_2", Deps{}))
	b := BoundsFor(impl.Layout(), []int{0, 1, 2, 3, 4, 5})
	gqa := must.M1(impl.Compute(context.Background(), q, k, v, b, params(4, 2, d, 0)))
	full := must.M1(impl.Compute(context.Background(), q, repeat(k), repeat(v), b, params(4, 4, d, 0)))
	assert.InDeltaSlice(t, full.Data(), gqa.Data(), 1e-6)
}

// newCore builds a single-rank core for a hidden=64, heads=4 layer.
func newCore(t *testing.T, impl string, window int) *Core {
	cfg := config.Tiny().Model.Qwen2
	cfg.AttnImplementation = impl
	if window > 0 {
		cfg.UseSlidingWindow, cfg.SlidingWindow = true, window
	}
	f := must.M1(dist.NewFabric(dist.Topology{TP: 1, PP: 1, DP: 1, CP: 1}))
	pc := must.M1(f.Context(0))
	c, err := NewCore(cfg, 0, pc.TP(), pc.CP())
	require.NoError(t, err)
	return c
}

// Changing keys and values of one document never changes the other's
// output: there is no cross-document attention.
func TestNoCrossDocumentAttention(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c := newCore(t, "flash_attention_2", 0)
	q, k, v := randn(rng, 8, 64), randn(rng, 8, 64), randn(rng, 8, 64)
	base := must.M1(c.Forward(context.Background(), q, k, v, twoDocs))
	require.True(t, base.Shape().Equal(tensor.NewShape(8, 64)))

	k2, v2 := k.Clone(), v.Clone()
	for r := 3; r < 8; r++ {
		for i := range k2.Row(r) {
			k2.Row(r)[i] += 1
			v2.Row(r)[i] -= 2
		}
	}
	got := must.M1(c.Forward(context.Background(), q, k2, v2, twoDocs))
	assert.Equal(t, base.Data()[:3*64], got.Data()[:3*64], "first document must not see the second")
	assert.NotEqual(t, base.Data()[3*64:], got.Data()[3*64:])
}

// A sliding window of 2 hides keys older than i-1.
func TestSlidingWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	c := newCore(t, "sdpa", 2)
	require.Equal(t, 2, c.Params().Window)
	pos := []int{0, 1, 2, 3, 4, 5}
	q, k, v := randn(rng, 6, 64), randn(rng, 6, 64), randn(rng, 6, 64)
	base := must.M1(c.Forward(context.Background(), q, k, v, pos))
	v2 := v.Clone()
	for i := range v2.Row(1) {
		v2.Row(1)[i] += 5
	}
	got := must.M1(c.Forward(context.Background(), q, k, v2, pos))
	assert.Equal(t, base.Row(0), got.Row(0))
	assert.NotEqual(t, base.Row(2), got.Row(2))
	assert.Equal(t, base.Row(3), got.Row(3), "position 3 sees only keys 2 and 3")
}

// Core backward, including the rotary inverse, matches finite differences.
func TestCoreGradientFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := newCore(t, "flash_attention_2", 0)
	pos := []int{0, 1, 2, 3, 0, 1}
	q := tensor.RandnWithStd(rng, tensor.NewShape(6, 64), 0.5)
	k := tensor.RandnWithStd(rng, tensor.NewShape(6, 64), 0.5)
	v := randn(rng, 6, 64)
	r := randn(rng, 6, 64)
	loss := func() float64 {
		out := must.M1(c.Forward(context.Background(), q, k, v, pos))
		s := 0.0
		for i, o := range out.DataPtr() {
			s += float64(o) * float64(r.DataPtr()[i])
		}
		return s
	}
	loss()
	dq, dk, dv, err := c.Backward(context.Background(), r)
	require.NoError(t, err)

	const eps = 1e-2
	for _, tc := range []struct {
		name string
		x, g *tensor.Tensor
	}{{"q", q, dq}, {"k", k, dk}, {"v", v, dv}} {
		for _, i := range []int{0, 17, 70, 133, 200, 320, 383} {
			orig := tc.x.DataPtr()[i]
			tc.x.DataPtr()[i] = orig + eps
			up := loss()
			tc.x.DataPtr()[i] = orig - eps
			down := loss()
			tc.x.DataPtr()[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), tc.g.DataPtr()[i], 5e-3, "d%s[%d]", tc.name, i)
		}
	}
}

// The rotation preserves norms and Inverse undoes Apply, in both layouts.
func TestRotaryRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := randn(rng, 3, 16)
	pos := []int{0, 7, 300}
	for _, interleaved := range []bool{false, true} {
		r := NewRotary(8, 512, 10000, interleaved)
		y := must.M1(r.Apply(x, pos))
		assert.Equal(t, x.Row(0), y.Row(0), "position 0 is the identity")
		for row := 0; row < 3; row++ {
			var nx, ny float64
			for i := range x.Row(row) {
				nx += float64(x.Row(row)[i] * x.Row(row)[i])
				ny += float64(y.Row(row)[i] * y.Row(row)[i])
			}
			assert.InDelta(t, nx, ny, 1e-4)
		}
		back := must.M1(r.Inverse(y, pos))
		assert.InDeltaSlice(t, x.Data(), back.Data(), 1e-5)
	}
	_, err := NewRotary(8, 4, 10000, false).Apply(randn(rng, 1, 8), []int{4})
	assert.Error(t, err)
}

// Ring attention over cp=2 reproduces flash attention over the whole
// sequence, including a document that straddles the chunk boundary.
func TestRingMatchesFlash(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	pos := []int{0, 1, 2, 3, 4, 5, 0, 1}
	n, p := len(pos), params(2, 1, 4, 0)
	q, k, v, dOut := randn(rng, n, 8), randn(rng, n, 4), randn(rng, n, 4), randn(rng, n, 8)

	flashImpl := must.M1(Lookup("flash_attention_2", Deps{}))
	b := BoundsFor(LayoutCuSeqlens, pos)
	want := must.M1(flashImpl.Compute(context.Background(), q, k, v, b, p))
	wdq, wdk, wdv, err := flashImpl.Gradient(context.Background(), q, k, v, want, dOut, b, p)
	require.NoError(t, err)

	var mu sync.Mutex
	got := map[int][4]*tensor.Tensor{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = dist.Launch(ctx, dist.Topology{TP: 1, PP: 1, DP: 1, CP: 2}, func(ctx context.Context, pc *dist.ParallelContext) error {
		impl, err := Lookup("ring", Deps{CP: pc.CP()})
		if err != nil {
			return err
		}
		r := pc.CP().Rank()
		lo, hi := r*n/2, (r+1)*n/2
		lq, lk, lv := q.RowRange(lo, hi), k.RowRange(lo, hi), v.RowRange(lo, hi)
		lb := BoundsFor(impl.Layout(), pos[lo:hi])
		out, err := impl.Compute(ctx, lq, lk, lv, lb, p)
		if err != nil {
			return err
		}
		dq, dk, dv, err := impl.Gradient(ctx, lq, lk, lv, out, dOut.RowRange(lo, hi), lb, p)
		if err != nil {
			return err
		}
		mu.Lock()
		got[r] = [4]*tensor.Tensor{out, dq, dk, dv}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for i, w := range []*tensor.Tensor{want, wdq, wdk, wdv} {
		joined := tensor.ConcatRows(got[0][i], got[1][i])
		if diff := cmp.Diff(w.Data(), joined.Data(), approx); diff != "" {
			t.Errorf("tensor %d (-flash +ring):\n%s", i, diff)
		}
	}
}

// Unknown kernels and non-zero dropout are configuration errors.
func TestConfigurationErrors(t *testing.T) {
	_, err := Lookup("xformers", Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))

	_, err = Lookup("ring", Deps{})
	assert.True(t, errors.Is(err, config.ErrInvalid))

	rng := rand.New(rand.NewSource(10))
	p := params(1, 1, 4, 0)
	p.Dropout = 0.1
	_, err = sdpa{}.Compute(context.Background(), randn(rng, 2, 4), randn(rng, 2, 4), randn(rng, 2, 4), BoundsFor(LayoutMask, []int{0, 1}), p)
	assert.True(t, errors.Is(err, config.ErrInvalid))
	assert.Equal(t, []string{"flash_attention_2", "ring", "sdpa"}, Names())
}
