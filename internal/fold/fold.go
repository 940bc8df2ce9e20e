// Package fold provides the deterministic 32-bit hash folds the simulation
// is specified over. Every pseudo-random decision in the rule engine and the
// strategy compiler — exit jitter, entry tie-breaks, tick skips, sizing
// jitter, uniqueness perturbation — is an explicit fold of its named inputs,
// never a call into a random source. Same inputs, same fold, everywhere.
package fold

import (
	"strconv"
	"strings"
)

// FNV-1a 32-bit parameters.
const (
	offset32 = 2166136261
	prime32  = 16777619
)

// Of folds the given parts into a 32-bit value using FNV-1a over the
// pipe-joined byte string. The separator keeps ("ab","c") and ("a","bc")
// distinct.
func Of(parts ...string) uint32 {
	h := uint32(offset32)
	for i, p := range parts {
		if i > 0 {
			h ^= '|'
			h *= prime32
		}
		for j := 0; j < len(p); j++ {
			h ^= uint32(p[j])
			h *= prime32
		}
	}
	return h
}

// OfInt folds a string and an integer, for call sites that mix an address
// or symbol with a seed or timestamp.
func OfInt(s string, ns ...int64) uint32 {
	parts := make([]string, 1, 1+len(ns))
	parts[0] = s
	for _, n := range ns {
		parts = append(parts, strconv.FormatInt(n, 10))
	}
	return Of(parts...)
}

// Seed derives a participant's rule-engine seed from its id. The id is
// public and stable, so the derived seed is auditable.
func Seed(participantID string) int64 {
	return int64(Of(strings.ToLower(participantID)))
}

// Unit maps a fold to [0, 1).
func Unit(h uint32) float64 {
	return float64(h) / float64(1<<32)
}
