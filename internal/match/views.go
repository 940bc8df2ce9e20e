package match

import (
	"time"

	"github.com/shopspring/decimal"

	"quote-arena/internal/sim"
	"quote-arena/pkg/types"
)

func decimalFrom(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Standing is one live leaderboard row.
type Standing struct {
	ParticipantID string  `json:"id"`
	Owner         string  `json:"owner"`
	Name          string  `json:"name"`
	TotalValue    float64 `json:"total_value"`
	GainPct       float64 `json:"gain_pct"`
	Positions     int     `json:"positions"`
	OrderCount    int     `json:"order_count"`
	ScanCount     int     `json:"scan_count"`
}

// BotDetail is the live view of one participant.
type BotDetail struct {
	Standing
	Strategy      types.Strategy `json:"strategy"`
	Balance       float64        `json:"balance"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	OpenPositions []sim.Position `json:"open_positions"`
	RecentOrders  []types.Order  `json:"recent_orders"`
}

// Info is the public summary of the match.
type Info struct {
	MatchID      string            `json:"id"`
	Status       types.MatchStatus `json:"status"`
	StartTs      time.Time         `json:"start_ts"`
	EndTs        time.Time         `json:"end_ts"`
	TickCount    int               `json:"tick_count"`
	Participants int               `json:"participants"`
}

// MatchID returns the coordinator's match id. Immutable, no lock needed.
func (c *Coordinator) MatchID() string { return c.state.MatchID }

// Info snapshots the match summary.
func (c *Coordinator) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		MatchID:      c.state.MatchID,
		Status:       c.state.Status,
		StartTs:      c.state.StartTs,
		EndTs:        c.state.EndTs,
		TickCount:    c.state.TickCount,
		Participants: len(c.state.Roster),
	}
}

// Status returns the lifecycle state.
func (c *Coordinator) Status() types.MatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status
}

// latestValueLocked reads a participant's total value from the newest
// balance point, falling back to the raw balance before the first tick.
func (c *Coordinator) latestValueLocked(id string) float64 {
	if n := len(c.state.History); n > 0 {
		if v, ok := c.state.History[n-1].Values[id]; ok {
			return v
		}
	}
	if p := c.state.Portfolios[id]; p != nil {
		return p.Balance
	}
	return sim.StartBalance
}

// Standings returns the live leaderboard in roster (stable) order; ranking
// is the caller's concern.
func (c *Coordinator) Standings() []Standing {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := make([]Standing, 0, len(c.state.Roster))
	for _, e := range c.state.Roster {
		p := c.state.Portfolios[e.ID]
		if p == nil {
			continue
		}
		value := c.latestValueLocked(e.ID)
		rows = append(rows, Standing{
			ParticipantID: e.ID,
			Owner:         e.Owner,
			Name:          e.Name,
			TotalValue:    value,
			GainPct:       (value - sim.StartBalance) / sim.StartBalance * 100,
			Positions:     len(p.Positions),
			OrderCount:    p.OrderCount,
			ScanCount:     p.ScanCount,
		})
	}
	return rows
}

// Detail returns the live view of one participant, or false if absent.
func (c *Coordinator) Detail(id string) (BotDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.state.Portfolios[id]
	if p == nil {
		return BotDetail{}, false
	}
	var entrant Entrant
	for _, e := range c.state.Roster {
		if e.ID == id {
			entrant = e
			break
		}
	}

	value := c.latestValueLocked(id)
	detail := BotDetail{
		Standing: Standing{
			ParticipantID: id,
			Owner:         entrant.Owner,
			Name:          entrant.Name,
			TotalValue:    value,
			GainPct:       (value - sim.StartBalance) / sim.StartBalance * 100,
			Positions:     len(p.Positions),
			OrderCount:    p.OrderCount,
			ScanCount:     p.ScanCount,
		},
		Strategy:      entrant.Strategy,
		Balance:       p.Balance,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		OpenPositions: make([]sim.Position, 0, len(p.Positions)),
		RecentOrders:  append([]types.Order(nil), p.Orders...),
	}
	for _, pos := range p.Positions {
		detail.OpenPositions = append(detail.OpenPositions, *pos)
	}
	return detail, true
}

// History returns a copy of the bounded balance-curve ring.
func (c *Coordinator) History() []types.BalancePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.BalancePoint(nil), c.state.History...)
}
