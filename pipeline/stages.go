// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package pipeline

// AssignStages places blocks on pipeline ranks by cumulative compute cost.
// Rank r's threshold is total*(r+1)/pp; the rank advances after the first
// block whose cumulative cost exceeds the current threshold.
//
//	costs [0 40960 40960 0 16384 0], pp=2  ->  [0 0 0 1 1 1]
func AssignStages(costs []int64, pp int) []int {
	var total int64
	for _, c := range costs {
		total += c
	}
	ranks := make([]int, len(costs))
	rank := 0
	var cum int64
	for i, c := range costs {
		cum += c
		ranks[i] = rank
		// cum > total*(rank+1)/pp, kept in integers.
		if cum*int64(pp) > total*int64(rank+1) && rank < pp-1 {
			rank++
		}
	}
	return ranks
}
