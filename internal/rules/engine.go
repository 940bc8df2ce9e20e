// Package rules implements the per-tick decision function. Evaluate is pure:
// it reads nothing but its arguments, so the same (strategy, portfolio,
// snapshot, time, seed) always yields the same intents, in the same order.
package rules

import (
	"fmt"
	"math"
	"sort"
	"time"

	"quote-arena/internal/fold"
	"quote-arena/pkg/types"
)

// MinTradeSize is the smallest buy the engine will emit, in QUOTE.
const MinTradeSize = 0.01

// Position is the engine's read-only view of one holding.
type Position struct {
	TokenAddress   string
	Symbol         string
	Qty            float64
	AvgPrice       float64
	HighWaterPrice float64
	OpenedAt       time.Time
}

// PortfolioView is the engine's read-only view of a participant's state.
type PortfolioView struct {
	Balance   float64
	Positions []Position
}

// Evaluate produces the ordered intents for one tick. Exits are evaluated
// before entries so freed capital from a sell this tick is NOT available for
// buys until the next tick (intents execute in emission order against the
// balance as it evolves, but sizing here uses the balance as passed in).
func Evaluate(strat types.Strategy, view PortfolioView, snap types.Snapshot, now time.Time, seed int64) []types.Intent {
	var intents []types.Intent

	prices := snap.PriceByAddress()

	intents = append(intents, exitIntents(strat, view, prices, now)...)
	intents = append(intents, entryIntents(strat, view, snap, now, seed)...)
	return intents
}

// ————————————————————————————————————————————————————————————————————————
// Exits
// ————————————————————————————————————————————————————————————————————————

// exitIntents checks every open position against its exit rules. Positions
// whose token is absent from the snapshot are held: an incomplete snapshot
// is not a sell signal.
func exitIntents(strat types.Strategy, view PortfolioView, prices map[string]float64, now time.Time) []types.Intent {
	var intents []types.Intent
	for _, pos := range view.Positions {
		price, ok := prices[pos.TokenAddress]
		if !ok || price <= 0 || pos.AvgPrice <= 0 {
			continue
		}

		pnlPct := (price - pos.AvgPrice) / pos.AvgPrice * 100

		// Per-position jitter desynchronizes exits across participants
		// holding the same token: ±10% on both thresholds, folded from the
		// symbol and entry time.
		j := exitJitter(pos.Symbol, pos.OpenedAt)
		tp := strat.TakeProfitPct * (1 + j)
		sl := strat.StopLossPct * (1 + j)

		var reason string
		switch {
		case trailingStopHit(strat, pos, price):
			reason = fmt.Sprintf("trailing stop: %.1f%% off high water", strat.TrailingStopPct)
		case pnlPct >= tp:
			reason = fmt.Sprintf("take profit: %+.1f%% ≥ %.1f%%", pnlPct, tp)
		case pnlPct <= -sl:
			reason = fmt.Sprintf("stop loss: %+.1f%% ≤ -%.1f%%", pnlPct, sl)
		case strat.TimeLimitMin > 0 && now.Sub(pos.OpenedAt).Minutes() >= strat.TimeLimitMin:
			reason = fmt.Sprintf("time limit: held ≥ %.0f min", strat.TimeLimitMin)
		default:
			continue
		}

		intents = append(intents, types.Intent{
			Side:         types.SELL,
			TokenAddress: pos.TokenAddress,
			Symbol:       pos.Symbol,
			AmountQuote:  pos.Qty * price, // full close
			Reason:       reason,
		})
	}
	return intents
}

// exitJitter maps fold(symbol, entryUnix) to [-0.10, +0.10).
func exitJitter(symbol string, openedAt time.Time) float64 {
	h := fold.OfInt(symbol, openedAt.Unix())
	return (fold.Unit(h) - 0.5) * 0.2
}

// trailingStopHit fires when the price has retraced TrailingStopPct off the
// position's high-water mark. The mark is maintained by the execution layer
// on every unrealized-pnl update.
func trailingStopHit(strat types.Strategy, pos Position, price float64) bool {
	if strat.TrailingStopPct <= 0 || pos.HighWaterPrice <= 0 {
		return false
	}
	drop := (pos.HighWaterPrice - price) / pos.HighWaterPrice * 100
	return drop >= strat.TrailingStopPct
}

// ————————————————————————————————————————————————————————————————————————
// Entries
// ————————————————————————————————————————————————————————————————————————

type candidate struct {
	token types.Token
	score float64
}

func entryIntents(strat types.Strategy, view PortfolioView, snap types.Snapshot, now time.Time, seed int64) []types.Intent {
	slots := strat.MaxPositions - len(view.Positions)
	if slots <= 0 {
		return nil
	}

	held := make(map[string]bool, len(view.Positions))
	for _, pos := range view.Positions {
		held[pos.TokenAddress] = true
	}

	universe := filterUniverse(strat, snap.Tokens)

	cands := make([]candidate, 0, len(universe))
	for _, tok := range universe {
		s := score(strat.Signal, tok)
		if !passesThreshold(strat, s) {
			continue
		}
		cands = append(cands, candidate{token: tok, score: s})
	}

	// Descending by score; ties broken per-bot so identical strategies
	// diverge on tied markets.
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return fold.OfInt(cands[i].token.Address, seed) < fold.OfInt(cands[j].token.Address, seed)
	})

	var intents []types.Intent
	for _, c := range cands {
		if slots == 0 {
			break
		}
		if held[c.token.Address] {
			continue
		}
		// Timing variation: 20% of (address, seed, tick) combinations sit
		// out, dispersing entry prices across participants.
		if fold.OfInt(c.token.Address, seed, now.Unix())%100 < 20 {
			continue
		}

		size := positionSize(strat, view.Balance, c, seed)
		if size < MinTradeSize {
			continue
		}

		intents = append(intents, types.Intent{
			Side:         types.BUY,
			TokenAddress: c.token.Address,
			Symbol:       c.token.Symbol,
			AmountQuote:  size,
			Reason:       fmt.Sprintf("%s score %.2f", strat.Signal, c.score),
		})
		slots--
	}
	return intents
}

// filterUniverse applies the universe and blacklist gates, then relaxes
// progressively when nothing survives. The hard blacklist gates (honeypot,
// tax) are never relaxed; the ownership flags are dropped at the last tier
// so a strategy demanding properties the market lacks can still trade.
func filterUniverse(strat types.Strategy, tokens []types.Token) []types.Token {
	full := func(t types.Token) bool {
		return t.AgeMinutes <= strat.MaxAgeMinutes &&
			t.LiquidityQuote >= strat.MinLiquidity &&
			t.Holders >= strat.MinHolders
	}
	aged := func(t types.Token) bool {
		return t.AgeMinutes <= strat.MaxAgeMinutes*10 &&
			t.LiquidityQuote >= strat.MinLiquidity &&
			t.Holders >= strat.MinHolders
	}
	loose := func(t types.Token) bool {
		return t.AgeMinutes <= strat.MaxAgeMinutes*100 &&
			t.LiquidityQuote >= strat.MinLiquidity/2 &&
			t.Holders >= strat.MinHolders/2
	}
	any := func(types.Token) bool { return true }

	tiers := []struct {
		gate      func(types.Token) bool
		ownership bool // apply require_renounced / require_liquidity_locked
	}{
		{full, true},
		{aged, true},
		{loose, true},
		{any, false},
	}
	for _, tier := range tiers {
		var out []types.Token
		for _, t := range tokens {
			if hardBlacklisted(strat, t) {
				continue
			}
			if tier.ownership && ownershipBlacklisted(strat, t) {
				continue
			}
			if tier.gate(t) {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func hardBlacklisted(strat types.Strategy, t types.Token) bool {
	if strat.RejectHoneypots && t.Honeypot {
		return true
	}
	if strat.MaxTaxPct > 0 && t.TaxPct > strat.MaxTaxPct {
		return true
	}
	return false
}

func ownershipBlacklisted(strat types.Strategy, t types.Token) bool {
	if strat.RequireRenounced && !t.Renounced {
		return true
	}
	if strat.RequireLiquidityLocked && !t.LiquidityLocked {
		return true
	}
	return false
}

func score(signal types.Signal, t types.Token) float64 {
	switch signal {
	case types.SignalVolumeSpike:
		if t.LiquidityQuote <= 0 {
			return 0
		}
		return t.VolumeUSD24h / (t.LiquidityQuote * 300)
	case types.SignalNewLaunch:
		return (1440 - t.AgeMinutes) / 1440 * 10
	case types.SignalSocialBuzz:
		return math.Log10(t.Holders + 1)
	default: // momentum
		return t.PriceChange24h
	}
}

// passesThreshold gates the score. NewLaunch scores youth on a 0–10 scale
// where higher threshold should mean MORE permissive on age, hence the
// inverted gate.
func passesThreshold(strat types.Strategy, s float64) bool {
	if strat.Signal == types.SignalNewLaunch {
		return s >= 10-strat.Threshold
	}
	return s >= strat.Threshold
}

// ————————————————————————————————————————————————————————————————————————
// Sizing
// ————————————————————————————————————————————————————————————————————————

// positionSize computes a Kelly-inspired notional: a composite of risk
// (looser stop permits a larger bet), signal confidence, and a
// diversification discount, with a deterministic ±15% per-address jitter.
func positionSize(strat types.Strategy, balance float64, c candidate, seed int64) float64 {
	mult := riskMultiplier(strat.StopLossPct) *
		confidenceMultiplier(strat, c.score) *
		diversificationMultiplier(strat.MaxPositions)

	size := math.Min(balance*mult*0.15, strat.AllocationPerPosition*mult)

	// ±15% address jitter.
	h := fold.OfInt(c.token.Address, seed)
	size *= 1 + (fold.Unit(h)-0.5)*0.3

	// Leave a fee margin so the execution layer's buffer check passes.
	if max := balance * 0.99 / 1.1; size > max {
		size = max
	}
	return size
}

// riskMultiplier is piecewise linear in the stop-loss width:
// 0.5× at 5%, 1.0× at 25%, 1.5× at ≥50%.
func riskMultiplier(stopLossPct float64) float64 {
	switch {
	case stopLossPct <= 5:
		return 0.5
	case stopLossPct <= 25:
		return 0.5 + (stopLossPct-5)/20*0.5
	case stopLossPct < 50:
		return 1.0 + (stopLossPct-25)/25*0.5
	default:
		return 1.5
	}
}

// confidenceMultiplier scales with how far the score clears the gate,
// capped at 1.5×.
func confidenceMultiplier(strat types.Strategy, score float64) float64 {
	gate := strat.Threshold
	if strat.Signal == types.SignalNewLaunch {
		gate = 10 - strat.Threshold
	}
	if gate <= 0 {
		return 1.0
	}
	conf := score / gate
	if conf > 1.5 {
		conf = 1.5
	}
	if conf < 1.0 {
		conf = 1.0
	}
	return conf
}

func diversificationMultiplier(maxPositions int) float64 {
	switch maxPositions {
	case 1:
		return 1.2
	case 2:
		return 1.1
	case 3:
		return 1.0
	case 4:
		return 0.8
	default:
		return 0.7
	}
}
