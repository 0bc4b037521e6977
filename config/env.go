// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package config

import (
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Environment overrides. Unset variables leave the loaded value alone.
const (
	EnvIgnoreSanityChecks = "QWENMOE_IGNORE_SANITY_CHECKS"
	EnvSeed               = "QWENMOE_SEED"
	EnvAttnImplementation = "QWENMOE_ATTN_IMPLEMENTATION"
)

// Var returns an environment variable stripped of surrounding whitespace and
// quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool reads key as a boolean. ok is false when the variable is unset or
// unparsable.
func Bool(key string) (value, ok bool) {
	s := Var(key)
	if s == "" {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		klog.Warningf("invalid boolean environment variable %s=%q, ignoring", key, s)
		return false, false
	}
	return b, true
}

// Int64 reads key as a base-10 integer.
func Int64(key string) (value int64, ok bool) {
	s := Var(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		klog.Warningf("invalid integer environment variable %s=%q, ignoring", key, s)
		return 0, false
	}
	return n, true
}

// ApplyEnv overrides fields from the QWENMOE_* environment variables.
func (c *Config) ApplyEnv() {
	if b, ok := Bool(EnvIgnoreSanityChecks); ok {
		c.General.IgnoreSanityChecks = b
	}
	if n, ok := Int64(EnvSeed); ok {
		c.General.Seed = n
	}
	if s := Var(EnvAttnImplementation); s != "" {
		c.Model.Qwen2.AttnImplementation = s
	}
}
