// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// DType tags the precision a tensor is meant to be stored at. Storage is
// always float32; F16 and BF16 tensors are rounded through RoundTo so that
// low-precision numerics (and their sync tolerances) are reproduced exactly.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

// Size returns the byte width of the data type.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	default:
		return 4
	}
}

// String returns the short name used in configuration files.
func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	}
	return "unknown"
}

// ParseDType maps a configuration name to a DType.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(name) {
	case "", "float32", "fp32", "f32":
		return F32, nil
	case "float16", "fp16", "f16":
		return F16, nil
	case "bfloat16", "bf16":
		return BF16, nil
	}
	return F32, fmt.Errorf("unknown dtype %q", name)
}

// Shape represents the dimensions of a tensor. The slice is private so a
// Shape can be passed by value without aliasing.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns the internal dimension slice. The caller must not mutate it.
func (s Shape) DimsRef() []int { return s.dims }

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements. A rank-0 shape holds nothing.
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// At returns the size of dimension dim. Negative indices count from the end.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		exceptions.Panicf("shape %v has no dimension %d", s, dim)
	}
	return s.dims[dim]
}

// Rows treats the shape as a matrix [Numel/last, last] and returns the row count.
func (s Shape) Rows() int {
	if len(s.dims) == 0 {
		return 0
	}
	last := s.dims[len(s.dims)-1]
	if last == 0 {
		return 0
	}
	return s.Numel() / last
}

// WithLast returns a copy of the shape with the last dimension replaced.
func (s Shape) WithLast(last int) Shape {
	d := s.Dims()
	d[len(d)-1] = last
	return Shape{dims: d}
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
