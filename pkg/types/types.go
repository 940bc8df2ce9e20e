// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arena — tokens, market
// snapshots, strategy descriptions, trade intents, and executed orders.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Signal enumerates the entry signals a strategy can trade on.
type Signal string

const (
	SignalMomentum    Signal = "momentum"     // ranks by 24h percent price change
	SignalVolumeSpike Signal = "volume_spike" // ranks by volume relative to liquidity
	SignalNewLaunch   Signal = "new_launch"   // ranks by token youth (younger wins)
	SignalSocialBuzz  Signal = "social_buzz"  // ranks by estimated holder count
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchPending MatchStatus = "pending"
	MatchRunning MatchStatus = "running"
	MatchSettled MatchStatus = "settled"
)

// SnapshotSource records which path produced a snapshot. Live snapshots come
// straight from the upstream feed; cache/stale come from the blob store;
// fallback is the hard-coded synthetic snapshot of last resort.
type SnapshotSource string

const (
	SourceLive     SnapshotSource = "live"
	SourceCache    SnapshotSource = "cache"
	SourceStale    SnapshotSource = "stale"
	SourceFallback SnapshotSource = "fallback"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Token is one tradeable token observed in a snapshot. Tokens are values,
// produced fresh every fetch; only Address is stable across snapshots and
// is the key for every price lookup. Prices and liquidity are quoted in
// QUOTE, the simulation's numeraire asset.
type Token struct {
	Address        string  `json:"address"` // opaque unique identifier
	Symbol         string  `json:"symbol"`  // human symbol, truncated to 20 chars
	PriceQuote     float64 `json:"price_quote"`
	LiquidityQuote float64 `json:"liquidity_quote"`
	AgeMinutes     float64 `json:"age_minutes"`
	VolumeUSD24h   float64 `json:"volume_usd_24h"`
	PriceChange24h float64 `json:"price_change_24h"` // percent

	// Safety flags. Zero values are permissive: an upstream that does not
	// report them leaves every token eligible.
	TaxPct          float64 `json:"tax_pct"`
	Honeypot        bool    `json:"honeypot"`
	Renounced       bool    `json:"renounced"`
	LiquidityLocked bool    `json:"liquidity_locked"`

	// Holders is estimated from volume when the upstream has no holder data:
	// max(volumeUSD/100, 20).
	Holders float64 `json:"holders"`
}

// Snapshot is an ordered list of Tokens observed at one logical instant.
type Snapshot struct {
	Tokens    []Token        `json:"tokens"`
	FetchedAt time.Time      `json:"fetched_at"`
	Source    SnapshotSource `json:"source"`
}

// PriceByAddress builds the address → price index used by the rule and
// execution engines. Symbols are not unique across pools, addresses are.
func (s Snapshot) PriceByAddress() map[string]float64 {
	m := make(map[string]float64, len(s.Tokens))
	for _, t := range s.Tokens {
		m[t.Address] = t.PriceQuote
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// Strategy description
// ————————————————————————————————————————————————————————————————————————

// Strategy is the validated description the rule engine consumes. Produced
// by the compiler from a free-text prompt; never constructed from raw user
// input without Validate.
type Strategy struct {
	// Universe filter
	MaxAgeMinutes float64 `json:"max_age_minutes"` // [1, 10080]
	MinLiquidity  float64 `json:"min_liquidity"`   // ≥ 0, in QUOTE
	MinHolders    float64 `json:"min_holders"`     // ≥ 0

	// Entry
	Signal                Signal  `json:"signal"`
	Threshold             float64 `json:"threshold"`               // [0.5, 10]
	MaxPositions          int     `json:"max_positions"`           // [1, 5]
	AllocationPerPosition float64 `json:"allocation_per_position"` // [0.01, 1.0] QUOTE

	// Risk
	TakeProfitPct float64 `json:"take_profit_pct"` // [5, 500]
	StopLossPct   float64 `json:"stop_loss_pct"`   // [5, 50]
	CooldownSec   float64 `json:"cooldown_sec"`    // ≥ 0

	// Exits
	TimeLimitMin    float64 `json:"time_limit_min"`    // [0, 1440], 0 = none
	TrailingStopPct float64 `json:"trailing_stop_pct"` // [0, 30], 0 = none

	// Blacklist
	MaxTaxPct              float64 `json:"max_tax_pct"`
	RejectHoneypots        bool    `json:"reject_honeypots"`
	RequireRenounced       bool    `json:"require_renounced"`
	RequireLiquidityLocked bool    `json:"require_liquidity_locked"`
}

// ————————————————————————————————————————————————————————————————————————
// Intents and orders
// ————————————————————————————————————————————————————————————————————————

// Intent is a pure, not-yet-executed trade request emitted by the rule
// engine. AmountQuote is the notional in QUOTE the strategy wants to trade.
type Intent struct {
	Side         Side    `json:"side"`
	TokenAddress string  `json:"token_address"`
	Symbol       string  `json:"symbol"`
	AmountQuote  float64 `json:"amount_quote"`
	Reason       string  `json:"reason"`
}

// Order is an executed intent: append-only record of a simulated fill.
// ID is monotonic per portfolio. Timestamp carries the simulated latency
// offset (it is shifted forward, execution is never actually delayed).
type Order struct {
	ID            int64     `json:"id"`
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
	TokenAddress  string    `json:"token_address"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	FillPrice     float64   `json:"fill_price"`
	Fee           float64   `json:"fee"`
	SlippageBps   float64   `json:"slippage_bps"`
}

// BalancePoint is one entry of the coordinator's bounded balance-curve
// history: every participant's total value at one tick.
type BalancePoint struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"` // participantID → total value
}

// MatchResult is one row of the settlement outcome, ordered by FinalValue
// descending. The canonical JSON of the full list is what the result hash
// covers.
type MatchResult struct {
	ParticipantID string  `json:"id"`
	Owner         string  `json:"owner"`
	FinalValue    float64 `json:"finalValue"`
	GainPct       float64 `json:"gainPct"`
}
