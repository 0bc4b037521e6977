// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm computes C = alpha*op(A)@op(B) + beta*C on row-major buffers.
//
// op(A) is [m, k] and op(B) is [k, n]. When transA is set A is stored as
// [k, m]; when transB is set B is stored as [n, k]. Leading dimensions are
// the row strides of the stored matrices, so strided sub-matrices (one head
// out of [tokens, heads, dim]) can be passed without copying.
func gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	// blas32 rejects empty matrices, and there is nothing to compute anyway.
	if m == 0 || n == 0 || k == 0 {
		return
	}
	ga := blas32.General{Rows: m, Cols: k, Stride: lda, Data: a}
	ta := blas.NoTrans
	if transA {
		ga.Rows, ga.Cols = k, m
		ta = blas.Trans
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b}
	tb := blas.NoTrans
	if transB {
		gb.Rows, gb.Cols = n, k
		tb = blas.Trans
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

func matrixDims(t *Tensor, what string) (int, int) {
	if t.shape.NDim() != 2 {
		exceptions.Panicf("%s requires 2D tensors, got %v", what, t.shape)
	}
	return t.shape.dims[0], t.shape.dims[1]
}

// Matmul computes C = A @ B for A: [M, K], B: [K, N].
func Matmul(a, b *Tensor) *Tensor {
	m, k := matrixDims(a, "Matmul")
	bk, n := matrixDims(b, "Matmul")
	if k != bk {
		exceptions.Panicf("matmul dimension mismatch: %v @ %v", a.shape, b.shape)
	}
	out := New(NewShape(m, n), a.dtype)
	gemm(false, false, m, n, k, 1, a.data, k, b.data, n, 0, out.data, n)
	return out
}

// MatmulTransposedB computes C = A @ B^T for A: [M, K], B: [N, K] without
// materializing the transpose. This is the Linear forward path since weights
// are stored [out, in].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	m, k := matrixDims(a, "MatmulTransposedB")
	n, bk := matrixDims(b, "MatmulTransposedB")
	if k != bk {
		exceptions.Panicf("matmulT dimension mismatch: %v @ %v^T", a.shape, b.shape)
	}
	out := New(NewShape(m, n), a.dtype)
	gemm(false, true, m, n, k, 1, a.data, k, b.data, k, 0, out.data, n)
	return out
}

// MatmulTransposedA computes C = A^T @ B for A: [K, M], B: [K, N]. Used for
// weight gradients dW = dY^T @ X.
func MatmulTransposedA(a, b *Tensor) *Tensor {
	k, m := matrixDims(a, "MatmulTransposedA")
	bk, n := matrixDims(b, "MatmulTransposedA")
	if k != bk {
		exceptions.Panicf("matmulTA dimension mismatch: %v^T @ %v", a.shape, b.shape)
	}
	out := New(NewShape(m, n), a.dtype)
	gemm(true, false, m, n, k, 1, a.data, m, b.data, n, 0, out.data, n)
	return out
}
