// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package tensor is the flat float32 tensor engine used by every layer.
//
// Storage is a contiguous row-major []float32. Gradients live next to the
// data in Grad and are accumulated by hand-written backward passes; there is
// no tape. Matrix products go through gonum's blas32.
package tensor

import (
	"math/rand"

	"github.com/gomlx/exceptions"
)

// NegInf is the most negative finite float32, used as -infinity for masking.
const NegInf = -float32(3.4028234663852886e+38)

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// All operations allocate new tensors unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
	Grad  []float32 // per-element gradient, nil until accumulated
}

// New allocates a zero-filled tensor of the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape, dtype: dtype}
}

// Zeros allocates a zero-filled float32 tensor.
func Zeros(dims ...int) *Tensor { return New(NewShape(dims...), F32) }

// Ones allocates a float32 tensor filled with 1.
func Ones(dims ...int) *Tensor {
	t := Zeros(dims...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// FromSlice copies data into a new tensor. Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		exceptions.Panicf("data length %d != shape numel %d", len(data), shape.Numel())
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// FromSliceNoCopy wraps data without copying. The caller gives up ownership.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		exceptions.Panicf("data length %d != shape numel %d", len(data), shape.Numel())
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// FromInts encodes integer ids (tokens, positions, labels) as float32.
func FromInts(ids []int) *Tensor {
	d := make([]float32, len(ids))
	for i, v := range ids {
		d[i] = float32(v)
	}
	return &Tensor{data: d, shape: NewShape(len(ids)), dtype: F32}
}

// Ints decodes a tensor of float32-encoded ids.
func (t *Tensor) Ints() []int {
	out := make([]int, len(t.data))
	for i, v := range t.data {
		out[i] = int(v)
	}
	return out
}

// RandnWithStd fills a tensor with N(0, std²) samples drawn from rng.
func RandnWithStd(rng *rand.Rand, shape Shape, std float32) *Tensor {
	t := New(shape, F32)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's precision tag.
func (t *Tensor) DType() DType { return t.dtype }

// SetDType retags the tensor and rounds its values to the new precision.
func (t *Tensor) SetDType(d DType) {
	t.dtype = d
	RoundInPlace(t.data, d)
}

// Numel returns the element count.
func (t *Tensor) Numel() int { return len(t.data) }

// DataPtr returns the underlying storage slice directly (no copy).
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// Row returns a view of row i when the tensor is read as [Rows, last].
func (t *Tensor) Row(i int) []float32 {
	w := t.shape.At(-1)
	return t.data[i*w : (i+1)*w]
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		exceptions.Panicf("expected %d indices, got %d", t.shape.NDim(), len(indices))
	}
	idx, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape.dims[i] {
			exceptions.Panicf("index %d out of bounds for dim %d with size %d", indices[i], i, t.shape.dims[i])
		}
		idx += indices[i] * stride
		stride *= t.shape.dims[i]
	}
	return idx
}

// Clone returns a deep copy of the data. The gradient is not copied.
func (t *Tensor) Clone() *Tensor {
	c := FromSlice(t.data, t.shape)
	c.dtype = t.dtype
	return c
}

// Reshape returns a tensor sharing the same backing data with a new shape.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	s := NewShape(dims...)
	if t.shape.Numel() != s.Numel() {
		exceptions.Panicf("cannot reshape %v to %v: different numel", t.shape, s)
	}
	return &Tensor{data: t.data, shape: s, dtype: t.dtype}
}

// ZeroGrad zeroes Grad in place if allocated.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// ClearGrad drops the gradient buffer entirely.
func (t *Tensor) ClearGrad() { t.Grad = nil }

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if len(grad) != len(t.data) {
		exceptions.Panicf("gradient length %d != tensor numel %d", len(grad), len(t.data))
	}
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// GradTensor wraps Grad as a tensor of the same shape (sharing storage), or
// returns nil when no gradient has been accumulated.
func (t *Tensor) GradTensor() *Tensor {
	if t.Grad == nil {
		return nil
	}
	return &Tensor{data: t.Grad, shape: t.shape, dtype: t.dtype}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("shape mismatch: %v vs %v", t.shape, other.shape)
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape, t.dtype)
	for i, v := range t.data {
		r.data[i] = v * s
	}
	return r
}

// AddInPlace adds other to t element-wise.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// ScaleInPlace multiplies every element of t by s.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Cols copies columns [start, end) of a tensor read as [Rows, last].
func (t *Tensor) Cols(start, end int) *Tensor {
	w := t.shape.At(-1)
	if start < 0 || end > w || start > end {
		exceptions.Panicf("column range [%d, %d) out of bounds for width %d", start, end, w)
	}
	rows := t.shape.Rows()
	out := New(t.shape.WithLast(end-start), t.dtype)
	for r := 0; r < rows; r++ {
		copy(out.data[r*(end-start):(r+1)*(end-start)], t.data[r*w+start:r*w+end])
	}
	return out
}

// SetCols writes src into columns [start, start+src.width) of t.
func (t *Tensor) SetCols(start int, src *Tensor) {
	w, sw := t.shape.At(-1), src.shape.At(-1)
	rows := t.shape.Rows()
	if src.shape.Rows() != rows || start+sw > w {
		exceptions.Panicf("cannot place %v at column %d of %v", src.shape, start, t.shape)
	}
	for r := 0; r < rows; r++ {
		copy(t.data[r*w+start:r*w+start+sw], src.data[r*sw:(r+1)*sw])
	}
}

// RowRange copies the slab [start, end) of the leading dimension.
func (t *Tensor) RowRange(start, end int) *Tensor {
	dims := t.shape.Dims()
	if start < 0 || end > dims[0] || start > end {
		exceptions.Panicf("row range [%d, %d) out of bounds for %v", start, end, t.shape)
	}
	stride := 1
	for _, d := range dims[1:] {
		stride *= d
	}
	dims[0] = end - start
	out := New(NewShape(dims...), t.dtype)
	copy(out.data, t.data[start*stride:end*stride])
	return out
}

// ConcatRows stacks 2D tensors with the same width along the first axis.
func ConcatRows(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("ConcatRows needs at least one tensor")
	}
	w := parts[0].shape.At(-1)
	rows := 0
	for _, p := range parts {
		if p.shape.At(-1) != w {
			exceptions.Panicf("ConcatRows width mismatch: %d vs %d", p.shape.At(-1), w)
		}
		rows += p.shape.Rows()
	}
	out := New(NewShape(rows, w), parts[0].dtype)
	off := 0
	for _, p := range parts {
		off += copy(out.data[off:], p.data)
	}
	return out
}

// SoftmaxRow computes softmax of xs in place with max subtraction.
//
//	p_i = exp(x_i - max(x)) / sum_j(exp(x_j - max(x)))
func SoftmaxRow(xs []float32) {
	if len(xs) == 0 {
		return
	}
	maxVal := xs[0]
	for _, v := range xs[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range xs {
		e := ExpF32(v - maxVal)
		xs[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range xs {
		xs[i] *= inv
	}
}

// Sigmoid computes 1 / (1 + exp(-x)).
func Sigmoid(x float32) float32 { return 1 / (1 + ExpF32(-x)) }
