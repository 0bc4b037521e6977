// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package attention

// Packed sequences carry one position id per token. -1 marks padding and is
// remapped to 0; every 0 then starts a new segment. Padding and a document
// that really starts at 0 are indistinguishable: each padding token becomes
// its own one-token segment that attends only to itself.
//
//	positions [0 1 2 0 1 2 3 4]  ->  segments [0,3) [3,8)
//	cu_seqlens                   ->  [0 3 8]

// RemapPadding returns a copy of positions with -1 replaced by 0.
func RemapPadding(positions []int) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		if p == -1 {
			p = 0
		}
		out[i] = p
	}
	return out
}

// CuSeqlens returns the cumulative segment boundaries of remapped positions:
// the index of every segment start followed by the total length. Index 0 is
// always a start, so a chunk that begins mid-document still forms a causal
// block.
func CuSeqlens(positions []int) []int {
	cu := make([]int, 0, 8)
	for i, p := range positions {
		if i == 0 || p == 0 {
			cu = append(cu, i)
		}
	}
	return append(cu, len(positions))
}

// SegmentStarts maps each token to the index where its segment starts.
func SegmentStarts(positions []int) []int {
	starts := make([]int, len(positions))
	cur := 0
	for i, p := range positions {
		if i == 0 || p == 0 {
			cur = i
		}
		starts[i] = cur
	}
	return starts
}

// CausalMask builds the flattened [n, n] block-diagonal causal mask:
// mask[i*n+j] is true iff j <= i and no segment starts in (j, i].
func CausalMask(positions []int) []bool {
	n := len(positions)
	mask := make([]bool, n*n)
	starts := SegmentStarts(positions)
	for i := 0; i < n; i++ {
		for j := starts[i]; j <= i; j++ {
			mask[i*n+j] = true
		}
	}
	return mask
}

// windowStart is the first key a query at i may see under a sliding window
// of size w (0 disables the window).
func windowStart(i, w int) int {
	if w <= 0 {
		return 0
	}
	return max(0, i-w+1)
}
