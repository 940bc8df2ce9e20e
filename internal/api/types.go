package api

import (
	"time"

	"quote-arena/pkg/types"
)

// CreateBotRequest is the public bot-registration payload.
type CreateBotRequest struct {
	Name   string `json:"name"`
	Owner  string `json:"owner"`
	Prompt string `json:"prompt"`
}

// CreateBotResponse returns the registered bot and its compiled strategy.
type CreateBotResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Owner    string         `json:"owner"`
	MatchID  string         `json:"match_id"`
	Strategy types.Strategy `json:"strategy"`
}

// PreviewRequest compiles a prompt without registering anything.
type PreviewRequest struct {
	Prompt string `json:"prompt"`
}

// LeaderboardRow merges relational roster data with live coordinator state.
// Participants the coordinator has not yet picked up show the start balance
// and status "waiting".
type LeaderboardRow struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Owner      string  `json:"owner"`
	TotalValue float64 `json:"total_value"`
	GainPct    float64 `json:"gain_pct"`
	Positions  int     `json:"positions"`
	OrderCount int     `json:"order_count"`
	Status     string  `json:"status"` // "active" | "waiting"
}

// MatchSummary is one history row.
type MatchSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartTs    time.Time `json:"start_ts"`
	EndTs      time.Time `json:"end_ts"`
	ResultHash string    `json:"result_hash,omitempty"`
}

// ResultRow is one settled ranking row as served to clients.
type ResultRow struct {
	ParticipantID string  `json:"id"`
	Owner         string  `json:"owner"`
	Rank          int     `json:"rank"`
	EndBalance    float64 `json:"end_balance"`
	GainPct       float64 `json:"gain_pct"`
	Prize         float64 `json:"prize"`
	Paid          bool    `json:"paid"`
}

// MarkPaidRequest records a payout transaction hash.
type MarkPaidRequest struct {
	TxHash string `json:"tx_hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}
