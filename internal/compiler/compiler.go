// Package compiler turns a participant's free-text prompt into a validated
// strategy description.
//
// Pipeline: sanitize → parse (pattern regexes, or an LLM completion when a
// key is configured) → validate schema bounds → uniqueness injection. The
// last step deterministically perturbs four strategy fields from a seed so
// two participants submitting identical prompts still diverge during play.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"quote-arena/internal/config"
	"quote-arena/pkg/types"
)

// MaxPromptLen bounds the raw prompt size.
const MaxPromptLen = 500

// InvalidPromptError is returned by the sanitize step. The reason is safe
// to show to the submitting user.
type InvalidPromptError struct {
	Reason string
}

func (e *InvalidPromptError) Error() string {
	return "invalid prompt: " + e.Reason
}

// ParseError wraps a parser failure (LLM transport, malformed output, or
// out-of-bounds fields). The caller may retry with a different prompt.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "strategy parse failed: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Compiler compiles prompts. Safe for concurrent use.
type Compiler struct {
	llm    *llmClient // nil when no LLM key is configured
	logger *slog.Logger
	now    func() time.Time
}

// New creates a compiler. The LLM path is enabled only when cfg.LLMAPIKey
// is set; otherwise the pattern parser handles everything.
func New(cfg config.CompilerConfig, logger *slog.Logger) *Compiler {
	c := &Compiler{
		logger: logger.With("component", "compiler"),
		now:    time.Now,
	}
	if cfg.LLMAPIKey != "" {
		c.llm = newLLMClient(cfg, c.logger)
	}
	return c
}

// Compile runs the full pipeline. The seed drives uniqueness injection and
// is typically derived from the participant id and submission time.
func (c *Compiler) Compile(ctx context.Context, prompt string, seed int64) (types.Strategy, error) {
	clean, err := Sanitize(prompt)
	if err != nil {
		return types.Strategy{}, err
	}

	var strat types.Strategy
	if c.llm != nil {
		strat, err = c.llm.parse(ctx, clean)
		if err != nil {
			// No silent default: an LLM failure is surfaced, not papered over.
			return types.Strategy{}, &ParseError{Err: err}
		}
	} else {
		strat = ParsePattern(clean)
	}

	if err := Validate(strat); err != nil {
		return types.Strategy{}, &ParseError{Err: err}
	}

	strat = InjectUniqueness(strat, seed)
	return strat, nil
}

// Preview compiles without any persistence side effect, seeding uniqueness
// from the current time so repeated previews visibly differ.
func (c *Compiler) Preview(ctx context.Context, prompt string) (types.Strategy, error) {
	return c.Compile(ctx, prompt, c.now().Unix())
}

// ————————————————————————————————————————————————————————————————————————
// Sanitize
// ————————————————————————————————————————————————————————————————————————

var (
	reURL    = regexp.MustCompile(`(?i)https?://|www\.`)
	reFence  = regexp.MustCompile("```")
	reScript = regexp.MustCompile(`(?i)<\s*script|javascript:|onerror\s*=`)
)

// Sanitize applies length and content checks, strips angle brackets, and
// trims whitespace.
func Sanitize(prompt string) (string, error) {
	if len(prompt) > MaxPromptLen {
		return "", &InvalidPromptError{Reason: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLen)}
	}
	if reURL.MatchString(prompt) {
		return "", &InvalidPromptError{Reason: "URLs are not allowed"}
	}
	if reFence.MatchString(prompt) {
		return "", &InvalidPromptError{Reason: "code blocks are not allowed"}
	}
	if reScript.MatchString(prompt) {
		return "", &InvalidPromptError{Reason: "script content is not allowed"}
	}

	clean := strings.NewReplacer("<", "", ">", "").Replace(prompt)
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return "", &InvalidPromptError{Reason: "prompt is empty"}
	}
	return clean, nil
}

// ————————————————————————————————————————————————————————————————————————
// Pattern parser
// ————————————————————————————————————————————————————————————————————————

// Defaults returns the strategy every parse starts from. All values sit
// inside the schema bounds.
func Defaults() types.Strategy {
	return types.Strategy{
		MaxAgeMinutes:         1440,
		MinLiquidity:          10,
		MinHolders:            50,
		Signal:                types.SignalMomentum,
		Threshold:             2,
		MaxPositions:          3,
		AllocationPerPosition: 0.1,
		TakeProfitPct:         30,
		StopLossPct:           15,
		CooldownSec:           60,
		TimeLimitMin:          0,
		TrailingStopPct:       0,
		MaxTaxPct:             10,
		RejectHoneypots:       true,
	}
}

var (
	reTakeProfit = regexp.MustCompile(`(?i)(?:take\s*profit|tp)\D{0,5}([\d.]+)`)
	reStopLoss   = regexp.MustCompile(`(?i)(?:stop\s*loss|\bsl\b)\D{0,5}([\d.]+)`)
	rePositions  = regexp.MustCompile(`(?i)([\d]+)\s*positions?`)
	reAlloc      = regexp.MustCompile(`(?i)([\d.]+)\s*(?:bnb|quote)\s*(?:per|each)`)
	reLiquidity  = regexp.MustCompile(`(?i)liquidity\D{0,5}([\d.]+)`)
	reTimeLimit  = regexp.MustCompile(`(?i)([\d.]+)\s*hours?\s*max`)
	reTrailing   = regexp.MustCompile(`(?i)trailing(?:\s*stop)?\D{0,5}([\d.]+)`)
	reThreshold  = regexp.MustCompile(`(?i)threshold\D{0,5}([\d.]+)`)
	reHolders    = regexp.MustCompile(`(?i)([\d]+)\s*holders`)
	reAgeMinutes = regexp.MustCompile(`(?i)(?:age|younger\s*than)\D{0,5}([\d.]+)\s*(minutes?|mins?|hours?|h\b)?`)
)

// ParsePattern extracts keywords and numeric phrases from a sanitized
// prompt, filling a description initialized to defaults. It never fails:
// anything it cannot read keeps its default.
func ParsePattern(prompt string) types.Strategy {
	strat := Defaults()
	lower := strings.ToLower(prompt)

	switch {
	case strings.Contains(lower, "volume"):
		strat.Signal = types.SignalVolumeSpike
	case strings.Contains(lower, "launch") || strings.Contains(lower, "snipe"):
		strat.Signal = types.SignalNewLaunch
	case strings.Contains(lower, "social") || strings.Contains(lower, "buzz") || strings.Contains(lower, "trending"):
		strat.Signal = types.SignalSocialBuzz
	case strings.Contains(lower, "momentum") || strings.Contains(lower, "pump"):
		strat.Signal = types.SignalMomentum
	}

	if v, ok := extract(reTakeProfit, prompt); ok {
		strat.TakeProfitPct = v
	}
	if v, ok := extract(reStopLoss, prompt); ok {
		strat.StopLossPct = v
	}
	if v, ok := extract(rePositions, prompt); ok {
		strat.MaxPositions = int(v)
	}
	if v, ok := extract(reAlloc, prompt); ok {
		strat.AllocationPerPosition = v
	}
	if v, ok := extract(reLiquidity, prompt); ok {
		strat.MinLiquidity = v
	}
	if v, ok := extract(reTimeLimit, prompt); ok {
		strat.TimeLimitMin = v * 60
	}
	if v, ok := extract(reTrailing, prompt); ok {
		strat.TrailingStopPct = v
	}
	if v, ok := extract(reThreshold, prompt); ok {
		strat.Threshold = v
	}
	if v, ok := extract(reHolders, prompt); ok {
		strat.MinHolders = v
	}
	if m := reAgeMinutes.FindStringSubmatch(prompt); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if unit := strings.ToLower(m[2]); strings.HasPrefix(unit, "h") {
				v *= 60
			}
			strat.MaxAgeMinutes = v
		}
	}

	return clampToBounds(strat)
}

func extract(re *regexp.Regexp, prompt string) (float64, bool) {
	m := re.FindStringSubmatch(prompt)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampToBounds pulls every field inside the schema so the pattern parser's
// permissive extraction cannot produce an invalid description.
func clampToBounds(s types.Strategy) types.Strategy {
	s.MaxAgeMinutes = clampf(s.MaxAgeMinutes, 1, 10080)
	s.MinLiquidity = clampf(s.MinLiquidity, 0, 1e12)
	s.MinHolders = clampf(s.MinHolders, 0, 1e12)
	s.Threshold = clampf(s.Threshold, 0.5, 10)
	if s.MaxPositions < 1 {
		s.MaxPositions = 1
	}
	if s.MaxPositions > 5 {
		s.MaxPositions = 5
	}
	s.AllocationPerPosition = clampf(s.AllocationPerPosition, 0.01, 1.0)
	s.TakeProfitPct = clampf(s.TakeProfitPct, 5, 500)
	s.StopLossPct = clampf(s.StopLossPct, 5, 50)
	if s.CooldownSec < 0 {
		s.CooldownSec = 0
	}
	s.TimeLimitMin = clampf(s.TimeLimitMin, 0, 1440)
	s.TrailingStopPct = clampf(s.TrailingStopPct, 0, 30)
	if s.MaxTaxPct < 0 {
		s.MaxTaxPct = 0
	}
	return s
}

// Validate checks every schema bound of the strategy description.
func Validate(s types.Strategy) error {
	switch s.Signal {
	case types.SignalMomentum, types.SignalVolumeSpike, types.SignalNewLaunch, types.SignalSocialBuzz:
	default:
		return fmt.Errorf("unknown signal %q", s.Signal)
	}
	if s.MaxAgeMinutes < 1 || s.MaxAgeMinutes > 10080 {
		return fmt.Errorf("max_age_minutes %v out of [1, 10080]", s.MaxAgeMinutes)
	}
	if s.MinLiquidity < 0 {
		return fmt.Errorf("min_liquidity %v must be ≥ 0", s.MinLiquidity)
	}
	if s.MinHolders < 0 {
		return fmt.Errorf("min_holders %v must be ≥ 0", s.MinHolders)
	}
	if s.Threshold < 0.5 || s.Threshold > 10 {
		return fmt.Errorf("threshold %v out of [0.5, 10]", s.Threshold)
	}
	if s.MaxPositions < 1 || s.MaxPositions > 5 {
		return fmt.Errorf("max_positions %d out of [1, 5]", s.MaxPositions)
	}
	if s.AllocationPerPosition < 0.01 || s.AllocationPerPosition > 1.0 {
		return fmt.Errorf("allocation_per_position %v out of [0.01, 1.0]", s.AllocationPerPosition)
	}
	if s.TakeProfitPct < 5 || s.TakeProfitPct > 500 {
		return fmt.Errorf("take_profit_pct %v out of [5, 500]", s.TakeProfitPct)
	}
	if s.StopLossPct < 5 || s.StopLossPct > 50 {
		return fmt.Errorf("stop_loss_pct %v out of [5, 50]", s.StopLossPct)
	}
	if s.CooldownSec < 0 {
		return fmt.Errorf("cooldown_sec %v must be ≥ 0", s.CooldownSec)
	}
	if s.TimeLimitMin < 0 || s.TimeLimitMin > 1440 {
		return fmt.Errorf("time_limit_min %v out of [0, 1440]", s.TimeLimitMin)
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct > 30 {
		return fmt.Errorf("trailing_stop_pct %v out of [0, 30]", s.TrailingStopPct)
	}
	if s.MaxTaxPct < 0 {
		return fmt.Errorf("max_tax_pct %v must be ≥ 0", s.MaxTaxPct)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Uniqueness injection
// ————————————————————————————————————————————————————————————————————————

// perturbSteps are the quantized perturbation levels, in percent. Any two
// distinct levels are at least 5 points apart, so strategies landing on
// different steps for a field differ by at least 5% of that field's base.
var perturbSteps = [4]float64{-10, -5, 5, 10}

// InjectUniqueness perturbs threshold, takeProfitPct, stopLossPct, and
// allocationPerPosition by a deterministic ±5% or ±10%, re-clamping to
// schema bounds. Field n takes its step from base-4 digit n of the seed, so
// any two seeds that differ modulo 256 disagree on at least one digit and
// the strategies diverge by at least 5% on that field. (Four fields within
// a ±10% envelope admit only 256 distinct outcomes, so modulo 256 is the
// strongest separation the envelope allows.)
func InjectUniqueness(s types.Strategy, seed int64) types.Strategy {
	s.Threshold = clampf(perturb(s.Threshold, seed, 0), 0.5, 10)
	s.TakeProfitPct = clampf(perturb(s.TakeProfitPct, seed, 1), 5, 500)
	s.StopLossPct = clampf(perturb(s.StopLossPct, seed, 2), 5, 50)
	s.AllocationPerPosition = clampf(perturb(s.AllocationPerPosition, seed, 3), 0.01, 1.0)
	return s
}

func perturb(v float64, seed int64, field int) float64 {
	digit := (uint64(seed) >> (2 * uint(field))) & 3
	return v * (1 + perturbSteps[digit]/100)
}
