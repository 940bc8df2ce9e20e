package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"quote-arena/internal/config"
	"quote-arena/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSanitizeRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt string
	}{
		{"too long", strings.Repeat("a", MaxPromptLen+1)},
		{"http url", "buy tokens from http://evil.example/list"},
		{"https url", "see HTTPS://example.com"},
		{"www url", "check www.example.com for picks"},
		{"code fence", "```\nrm -rf /\n```"},
		{"script tag", "<script>alert(1)</script>"},
		{"javascript scheme", "click javascript:void(0)"},
		{"onerror handler", "img onerror=steal()"},
		{"empty after strip", "<><>  "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Sanitize(tc.prompt)
			var ipe *InvalidPromptError
			if !errors.As(err, &ipe) {
				t.Fatalf("error %v, want *InvalidPromptError", err)
			}
		})
	}
}

func TestSanitizeStripsAngleBrackets(t *testing.T) {
	t.Parallel()

	got, err := Sanitize("  buy <fast> tokens  ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "buy fast tokens" {
		t.Errorf("got %q", got)
	}
}

func TestParsePatternDefaults(t *testing.T) {
	t.Parallel()

	strat := ParsePattern("just trade sensibly")
	want := Defaults()
	if strat != want {
		t.Errorf("parse of neutral prompt = %+v, want defaults %+v", strat, want)
	}
	if err := Validate(strat); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestParsePatternExtraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt string
		check  func(t *testing.T, s types.Strategy)
	}{
		{
			"signals and risk numbers",
			"ride the momentum, take profit 40%, stop loss 20%",
			func(t *testing.T, s types.Strategy) {
				if s.Signal != types.SignalMomentum {
					t.Errorf("signal = %s", s.Signal)
				}
				if s.TakeProfitPct != 40 {
					t.Errorf("tp = %v", s.TakeProfitPct)
				}
				if s.StopLossPct != 20 {
					t.Errorf("sl = %v", s.StopLossPct)
				}
			},
		},
		{
			"volume spike with positions and allocation",
			"trade volume spikes, 5 positions, 0.2 BNB per trade",
			func(t *testing.T, s types.Strategy) {
				if s.Signal != types.SignalVolumeSpike {
					t.Errorf("signal = %s", s.Signal)
				}
				if s.MaxPositions != 5 {
					t.Errorf("positions = %d", s.MaxPositions)
				}
				if s.AllocationPerPosition != 0.2 {
					t.Errorf("alloc = %v", s.AllocationPerPosition)
				}
			},
		},
		{
			"launch sniping with filters",
			"snipe new launches younger than 2 hours, liquidity 50, 200 holders minimum",
			func(t *testing.T, s types.Strategy) {
				if s.Signal != types.SignalNewLaunch {
					t.Errorf("signal = %s", s.Signal)
				}
				if s.MaxAgeMinutes != 120 {
					t.Errorf("age = %v, want 120", s.MaxAgeMinutes)
				}
				if s.MinLiquidity != 50 {
					t.Errorf("liquidity = %v", s.MinLiquidity)
				}
				if s.MinHolders != 200 {
					t.Errorf("holders = %v", s.MinHolders)
				}
			},
		},
		{
			"social with trailing and time limit",
			"buy trending tokens, trailing stop 12%, exit after 6 hours max",
			func(t *testing.T, s types.Strategy) {
				if s.Signal != types.SignalSocialBuzz {
					t.Errorf("signal = %s", s.Signal)
				}
				if s.TrailingStopPct != 12 {
					t.Errorf("trailing = %v", s.TrailingStopPct)
				}
				if s.TimeLimitMin != 360 {
					t.Errorf("time limit = %v", s.TimeLimitMin)
				}
			},
		},
		{
			"out-of-range values clamp instead of failing",
			"take profit 9999%, stop loss 1%, 99 positions, threshold 50",
			func(t *testing.T, s types.Strategy) {
				if s.TakeProfitPct != 500 {
					t.Errorf("tp = %v, want clamped 500", s.TakeProfitPct)
				}
				if s.StopLossPct != 5 {
					t.Errorf("sl = %v, want clamped 5", s.StopLossPct)
				}
				if s.MaxPositions != 5 {
					t.Errorf("positions = %d, want clamped 5", s.MaxPositions)
				}
				if s.Threshold != 10 {
					t.Errorf("threshold = %v, want clamped 10", s.Threshold)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			strat := ParsePattern(tc.prompt)
			if err := Validate(strat); err != nil {
				t.Fatalf("pattern output must validate: %v", err)
			}
			tc.check(t, strat)
		})
	}
}

func TestValidateBounds(t *testing.T) {
	t.Parallel()

	base := Defaults()

	bad := []struct {
		name   string
		mutate func(*types.Strategy)
	}{
		{"unknown signal", func(s *types.Strategy) { s.Signal = "astrology" }},
		{"threshold low", func(s *types.Strategy) { s.Threshold = 0.4 }},
		{"threshold high", func(s *types.Strategy) { s.Threshold = 11 }},
		{"positions zero", func(s *types.Strategy) { s.MaxPositions = 0 }},
		{"alloc low", func(s *types.Strategy) { s.AllocationPerPosition = 0.005 }},
		{"alloc high", func(s *types.Strategy) { s.AllocationPerPosition = 1.5 }},
		{"tp low", func(s *types.Strategy) { s.TakeProfitPct = 4 }},
		{"sl high", func(s *types.Strategy) { s.StopLossPct = 60 }},
		{"age zero", func(s *types.Strategy) { s.MaxAgeMinutes = 0 }},
		{"trailing high", func(s *types.Strategy) { s.TrailingStopPct = 35 }},
		{"negative cooldown", func(s *types.Strategy) { s.CooldownSec = -1 }},
	}

	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := base
			tc.mutate(&s)
			if err := Validate(s); err == nil {
				t.Error("expected validation failure")
			}
		})
	}

	if err := Validate(base); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestInjectUniquenessDeterministic(t *testing.T) {
	t.Parallel()

	base := Defaults()
	a := InjectUniqueness(base, 42)
	b := InjectUniqueness(base, 42)
	if a != b {
		t.Errorf("same seed produced different strategies:\n%+v\n%+v", a, b)
	}
}

// maxFieldDivergence is the largest per-field difference between two
// strategies, relative to the base strategy's value for that field.
func maxFieldDivergence(base, a, b types.Strategy) float64 {
	rel := func(x, y, ref float64) float64 { return math.Abs(x-y) / ref }
	d := rel(a.Threshold, b.Threshold, base.Threshold)
	if v := rel(a.TakeProfitPct, b.TakeProfitPct, base.TakeProfitPct); v > d {
		d = v
	}
	if v := rel(a.StopLossPct, b.StopLossPct, base.StopLossPct); v > d {
		d = v
	}
	if v := rel(a.AllocationPerPosition, b.AllocationPerPosition, base.AllocationPerPosition); v > d {
		d = v
	}
	return d
}

func TestInjectUniquenessDivergesAcrossSeeds(t *testing.T) {
	t.Parallel()

	base := Defaults()

	// Pairs of both parities, including unix-second style registration seeds.
	pairs := [][2]int64{
		{1, 2}, {1, 3}, {2, 4}, {5, 7}, {100, 102}, {11, 13},
		{1_700_000_000, 1_700_000_050},
	}
	for _, p := range pairs {
		a := InjectUniqueness(base, p[0])
		b := InjectUniqueness(base, p[1])
		if d := maxFieldDivergence(base, a, b); d < 0.05 {
			t.Errorf("seeds %d/%d: max field divergence %.4f < 0.05\na=%+v\nb=%+v", p[0], p[1], d, a, b)
		}
	}
}

func TestInjectUniquenessSeparatesAllSeedsModulo256(t *testing.T) {
	t.Parallel()

	// Any two seeds that differ modulo 256 must yield strategies at least 5%
	// apart on some field. Exhaustive over one full period.
	base := Defaults()
	out := make([]types.Strategy, 256)
	for seed := range out {
		out[seed] = InjectUniqueness(base, int64(seed))
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if d := maxFieldDivergence(base, out[i], out[j]); d < 0.05 {
				t.Fatalf("seeds %d/%d: max field divergence %.4f < 0.05", i, j, d)
			}
		}
	}
}

func TestInjectUniquenessStaysInBounds(t *testing.T) {
	t.Parallel()

	// Edge strategies: fields at the top and bottom of their ranges must
	// still validate after perturbation.
	edges := []types.Strategy{
		func() types.Strategy {
			s := Defaults()
			s.Threshold = 10
			s.TakeProfitPct = 500
			s.StopLossPct = 50
			s.AllocationPerPosition = 1.0
			return s
		}(),
		func() types.Strategy {
			s := Defaults()
			s.Threshold = 0.5
			s.TakeProfitPct = 5
			s.StopLossPct = 5
			s.AllocationPerPosition = 0.01
			return s
		}(),
	}

	for _, s := range edges {
		for seed := int64(0); seed < 20; seed++ {
			out := InjectUniqueness(s, seed)
			if err := Validate(out); err != nil {
				t.Errorf("seed %d: perturbed strategy invalid: %v", seed, err)
			}
		}
	}
}

func TestCompilePatternPath(t *testing.T) {
	t.Parallel()

	c := New(config.CompilerConfig{}, testLogger())
	strat, err := c.Compile(context.Background(), "momentum, take profit 30%, stop loss 15%", 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(strat); err != nil {
		t.Errorf("compiled strategy invalid: %v", err)
	}
	if strat.Signal != types.SignalMomentum {
		t.Errorf("signal = %s", strat.Signal)
	}
	// Uniqueness must have moved the extracted numbers off their literal values.
	if strat.TakeProfitPct == 30 {
		t.Error("take profit not perturbed")
	}
}

func TestCompileRejectsBadPrompt(t *testing.T) {
	t.Parallel()

	c := New(config.CompilerConfig{}, testLogger())
	_, err := c.Compile(context.Background(), "visit http://example.com", 1)
	var ipe *InvalidPromptError
	if !errors.As(err, &ipe) {
		t.Fatalf("error = %v, want InvalidPromptError", err)
	}
}

func TestCompileLLMPath(t *testing.T) {
	t.Parallel()

	want := Defaults()
	want.Signal = types.SignalNewLaunch
	want.Threshold = 4

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		body, _ := json.Marshal(want)
		reply := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": string(body)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	c := New(config.CompilerConfig{
		LLMBaseURL: srv.URL,
		LLMModel:   "test-model",
		LLMAPIKey:  "test-key",
		LLMTimeout: 5 * time.Second,
	}, testLogger())

	strat, err := c.Compile(context.Background(), "snipe launches aggressively", 3)
	if err != nil {
		t.Fatal(err)
	}
	if strat.Signal != types.SignalNewLaunch {
		t.Errorf("signal = %s, want new_launch from LLM", strat.Signal)
	}
	// Threshold 4 ± 5-10% stays well inside bounds but off the literal value.
	if strat.Threshold == 4 {
		t.Error("threshold not perturbed")
	}
}

func TestCompileLLMGarbageIsParseError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "I cannot help with that."}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	c := New(config.CompilerConfig{
		LLMBaseURL: srv.URL,
		LLMModel:   "test-model",
		LLMAPIKey:  "test-key",
		LLMTimeout: 5 * time.Second,
	}, testLogger())

	_, err := c.Compile(context.Background(), "do something", 1)
	if err == nil {
		t.Fatal("expected ParseError")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("error %T, want *ParseError", err)
	}
}

func TestTokenBucketBlocksAndRefills(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 50) // 50 tokens/s: refill is fast enough to test
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	begin := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed < 10*time.Millisecond {
		t.Errorf("third call returned in %v, expected a refill wait", elapsed)
	}
}

func TestTokenBucketCancellation(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cctx); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
