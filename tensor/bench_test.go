// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"
	"math/rand"
	"testing"
)

func BenchmarkMatmul(b *testing.B) {
	for _, n := range []int{64, 128, 256, 512} {
		rng := rand.New(rand.NewSource(42))
		x := RandnWithStd(rng, NewShape(n, n), 1)
		y := RandnWithStd(rng, NewShape(n, n), 1)
		b.Run(fmt.Sprintf("%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = MatmulTransposedB(x, y)
			}
		})
	}
}

func BenchmarkSoftmaxRow(b *testing.B) {
	for _, rows := range []int{64, 128, 256} {
		x := RandnWithStd(rand.New(rand.NewSource(42)), NewShape(rows, 1024), 1)
		b.Run(fmt.Sprintf("%dx1024", rows), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				y := x.Clone()
				for r := 0; r < rows; r++ {
					SoftmaxRow(y.Row(r))
				}
			}
		})
	}
}

func BenchmarkRoundBF16(b *testing.B) {
	x := RandnWithStd(rand.New(rand.NewSource(42)), NewShape(256, 256), 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RoundInPlace(x.DataPtr(), BF16)
	}
}
