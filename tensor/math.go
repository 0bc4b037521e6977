// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import "math"

// ---------------------------------------------------------------------------
// Pure-float32 math functions
//
// These keep the hot compute path in float32 so repeated evaluation (for
// example a recompute pass during backward) is bit-identical to the first.
// ---------------------------------------------------------------------------

// ExpF32 computes exp(x) in pure float32.
//
// Algorithm: range reduction x = k*ln2 + r, then Horner polynomial on r.
//
//	exp(x) = 2^k * (1 + r + r^2/2! + r^3/3! + r^4/4! + r^5/5!)
//
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	// 2^k goes straight into the IEEE 754 exponent field.
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// SqrtF32 computes sqrt(x) via the fast inverse square root estimate
// followed by two Newton-Raphson refinement steps.
//
//	y_{n+1} = y_n * (1.5 - 0.5*x*y_n^2)
//	sqrt(x) = x * y_final
func SqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	bits := math.Float32bits(x)
	bits = 0x5f3759df - (bits >> 1)
	y := math.Float32frombits(bits)
	half := 0.5 * x
	y = y * (1.5 - half*y*y)
	y = y * (1.5 - half*y*y)
	return x * y
}

// LogF32 computes ln(x) via IEEE 754 decomposition x = 2^e * m, then the
// atanh series on s = (m-1)/(m+1).
//
//	ln(x) = e*ln(2) + 2*s*(1 + s^2/3 + s^4/5 + s^6/7)
func LogF32(x float32) float32 {
	if x <= 0 {
		return NegInf
	}
	bits := math.Float32bits(x)
	e := int32((bits>>23)&0xFF) - 127
	bits = (bits & 0x007FFFFF) | 0x3F800000
	m := math.Float32frombits(bits)
	s := (m - 1) / (m + 1)
	s2 := s * s
	p := 2.0 * s * (1 + s2*(0.33333334+s2*(0.2+s2*0.14285715)))
	return float32(e)*0.6931472 + p
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float32) bool {
	return v == v && v <= math.MaxFloat32 && v >= -math.MaxFloat32
}
