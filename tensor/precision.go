// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// RoundInPlace rounds every value to the nearest representable value of d.
// F32 is a no-op.
func RoundInPlace(xs []float32, d DType) {
	switch d {
	case F16:
		for i, v := range xs {
			xs[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range xs {
			xs[i] = bfloat16.FromFloat32(v).Float32()
		}
	}
}

// Tolerance returns the (rtol, atol) pair used when comparing tensors of
// dtype d. Values follow torch.testing.assert_close defaults.
func Tolerance(d DType) (rtol, atol float64) {
	switch d {
	case F16:
		return 1e-3, 1e-5
	case BF16:
		return 1.6e-2, 1e-5
	}
	return 1.3e-6, 1e-5
}

// Mismatch describes the first failing comparison in AllClose.
type Mismatch struct {
	Count      int     // elements outside tolerance
	Total      int     // elements compared
	MaxAbsDiff float64 // greatest absolute difference
	MaxAbsAt   int     // flat index of MaxAbsDiff
	MaxRelDiff float64 // greatest relative difference
	MaxRelAt   int
}

// AllClose checks |a - b| <= atol + rtol*|b| element-wise. NaNs compare
// equal only to NaNs at the same position. It returns nil when everything
// is within tolerance.
func AllClose(a, b []float32, rtol, atol float64) *Mismatch {
	if len(a) != len(b) {
		return &Mismatch{Count: max(len(a), len(b)), Total: max(len(a), len(b)), MaxAbsDiff: math.Inf(1)}
	}
	m := Mismatch{Total: len(a)}
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if math.IsNaN(x) || math.IsNaN(y) {
			if math.IsNaN(x) != math.IsNaN(y) {
				m.Count++
				m.MaxAbsDiff, m.MaxAbsAt = math.NaN(), i
			}
			continue
		}
		if x == y {
			continue
		}
		diff := math.Abs(x - y)
		if !math.IsNaN(m.MaxAbsDiff) && diff > m.MaxAbsDiff {
			m.MaxAbsDiff, m.MaxAbsAt = diff, i
		}
		if y != 0 {
			if rel := diff / math.Abs(y); rel > m.MaxRelDiff {
				m.MaxRelDiff, m.MaxRelAt = rel, i
			}
		}
		if diff > atol+rtol*math.Abs(y) {
			m.Count++
		}
	}
	if m.Count == 0 {
		return nil
	}
	return &m
}
