// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The three gemm entry points against hand-computed products.
func TestMatmulVariants(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{1, 0, 0, 1, 1, 1}, NewShape(3, 2))

	got := Matmul(a, b)
	require.True(t, got.Shape().Equal(NewShape(2, 2)))
	assert.Equal(t, []float32{4, 5, 10, 11}, got.Data())

	// b^T stored as [2, 3]
	bt := FromSlice([]float32{1, 0, 1, 0, 1, 1}, NewShape(2, 3))
	assert.Equal(t, got.Data(), MatmulTransposedB(a, bt).Data())

	// a^T stored as [3, 2]
	at := FromSlice([]float32{1, 4, 2, 5, 3, 6}, NewShape(3, 2))
	assert.Equal(t, got.Data(), MatmulTransposedA(at, b).Data())
}

// Zero-sized products must not reach blas32.
func TestMatmulEmpty(t *testing.T) {
	a := New(NewShape(0, 3), F32)
	b := New(NewShape(4, 3), F32)
	out := MatmulTransposedB(a, b)
	assert.Equal(t, 0, out.Numel())
}

// Shape errors surface as error panics that TryCatch can convert.
func TestShapeMismatchPanicsWithError(t *testing.T) {
	err := exceptions.TryCatch[error](func() {
		Zeros(2, 3).Add(Zeros(3, 2))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestColsRoundTrip(t *testing.T) {
	x := FromSlice([]float32{0, 1, 2, 3, 4, 5, 6, 7}, NewShape(2, 4))
	mid := x.Cols(1, 3)
	assert.Equal(t, []float32{1, 2, 5, 6}, mid.Data())

	y := Zeros(2, 4)
	y.SetCols(1, mid)
	assert.Equal(t, []float32{0, 1, 2, 0, 0, 5, 6, 0}, y.Data())

	rows := x.RowRange(1, 2)
	assert.Equal(t, []float32{4, 5, 6, 7}, rows.Data())
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, ConcatRows(x.RowRange(0, 1), rows).Data())
}

func TestSoftmaxRowSumsToOne(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, -50, 0, 0, 0, 0}, NewShape(2, 4))
	for r := 0; r < 2; r++ {
		SoftmaxRow(x.Row(r))
	}
	assert.InDelta(t, 2.0, x.Sum(), 1e-5)
	assert.Greater(t, x.At(0, 2), x.At(0, 1))
	assert.InDelta(t, 0.25, x.At(1, 3), 1e-7)
}

func TestFloat32MathAccuracy(t *testing.T) {
	for _, x := range []float32{-10, -1, -0.3, 0, 0.5, 2, 10} {
		assert.InEpsilon(t, math.Exp(float64(x)), float64(ExpF32(x)), 1e-5, "exp(%v)", x)
	}
	for _, x := range []float32{0.01, 1, 2, 1000} {
		assert.InEpsilon(t, math.Sqrt(float64(x)), float64(SqrtF32(x)), 1e-5, "sqrt(%v)", x)
		assert.InDelta(t, math.Log(float64(x)), float64(LogF32(x)), 2e-4, "log(%v)", x)
	}
}

// Low-precision tags round stored values.
func TestRoundToDType(t *testing.T) {
	x := FromSlice([]float32{1.0001, 3.14159}, NewShape(2))
	x.SetDType(BF16)
	assert.Equal(t, BF16, x.DType())
	assert.Equal(t, float32(1), x.DataPtr()[0])
	assert.InDelta(t, 3.14159, x.DataPtr()[1], 0.02)

	y := FromSlice([]float32{1.0001}, NewShape(1))
	y.SetDType(F16)
	assert.InDelta(t, 1.0, y.DataPtr()[0], 1e-3)
}

func TestAllClose(t *testing.T) {
	rtol, atol := Tolerance(F32)
	assert.Nil(t, AllClose([]float32{1, 2, 3}, []float32{1, 2, 3}, rtol, atol))

	m := AllClose([]float32{1, 2, 3}, []float32{1, 2.5, 3}, rtol, atol)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Count)
	assert.Equal(t, 1, m.MaxAbsAt)
	assert.InDelta(t, 0.5, m.MaxAbsDiff, 1e-9)

	nan := float32(math.NaN())
	assert.NotNil(t, AllClose([]float32{nan}, []float32{0}, rtol, atol))
	assert.Nil(t, AllClose([]float32{nan}, []float32{nan}, rtol, atol))
}

func TestGradAccumulation(t *testing.T) {
	p := Zeros(3)
	assert.Nil(t, p.GradTensor())
	p.AccumulateGrad([]float32{1, 2, 3})
	p.AccumulateGrad([]float32{1, 1, 1})
	assert.Equal(t, []float32{2, 3, 4}, p.Grad)
	p.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, p.Grad)
	p.ClearGrad()
	assert.Nil(t, p.Grad)
	assert.True(t, IsFinite(1))
	assert.False(t, IsFinite(float32(math.Inf(-1))))
}

// FromSliceNoCopy aliases its input; ScaleInPlace writes through.
func TestNoCopyAliases(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	x := FromSliceNoCopy(data, NewShape(2, 2))
	x.ScaleInPlace(0.5)
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, data)
	assert.Equal(t, float32(5), x.Sum())

	y := FromSlice(data, NewShape(4))
	y.ScaleInPlace(2)
	assert.Equal(t, float32(0.5), data[0])
	assert.Panics(t, func() { FromSliceNoCopy(data, NewShape(3)) })
}
