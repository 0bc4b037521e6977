// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package logging provides rank-filtered logging over klog.
package logging

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Level is the severity of a ranked log line.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

// AllRanks makes Rank emit on every rank.
const AllRanks = -1

// Ranked is anything that knows its world position.
type Ranked interface {
	WorldRank() int
	WorldSize() int
}

// Rank logs format on the rank equal to only, or on every rank when only is
// AllRanks. Lines are prefixed with "[rank r/n]".
func Rank(who Ranked, only int, level Level, format string, args ...any) {
	if only != AllRanks && who.WorldRank() != only {
		return
	}
	msg := fmt.Sprintf("[rank %d/%d] ", who.WorldRank(), who.WorldSize()) + fmt.Sprintf(format, args...)
	switch level {
	case Error:
		klog.ErrorDepth(1, msg)
	case Warning:
		klog.WarningDepth(1, msg)
	default:
		klog.InfoDepth(1, msg)
	}
}

// Debugf logs at verbosity 1 on every rank.
func Debugf(who Ranked, format string, args ...any) {
	if klog.V(1).Enabled() {
		klog.InfoDepth(1, fmt.Sprintf("[rank %d/%d] ", who.WorldRank(), who.WorldSize())+fmt.Sprintf(format, args...))
	}
}
