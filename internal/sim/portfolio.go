// Package sim owns the simulated market model: portfolios, positions, and
// the execution of trade intents against snapshot prices.
package sim

import (
	"time"

	"quote-arena/internal/rules"
	"quote-arena/pkg/types"
)

// Fixed parameters of the simulated market.
const (
	StartBalance  = 1.0    // QUOTE
	FeePct        = 0.0025 // 0.25% taker fee
	SlippagePct   = 0.001  // 10 bps
	LatencyOffset = 2000 * time.Millisecond
	MaxOrders     = 1000 // per participant per match
	DustThreshold = 1e-4
	MinTradeSize  = 0.01
	OrderRingSize = 10 // recent orders kept on the portfolio
)

// Position is one holding, keyed by token address. HighWaterPrice tracks the
// best price seen while the position was open; the rule engine's trailing
// stop measures retrace from it.
type Position struct {
	TokenAddress   string    `json:"token_address"`
	Symbol         string    `json:"symbol"`
	Qty            float64   `json:"qty"`
	AvgPrice       float64   `json:"avg_price"`
	HighWaterPrice float64   `json:"high_water_price"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	OpenedAt       time.Time `json:"opened_at"`
}

// Portfolio is one participant's full simulation state. Serialized to JSON
// as part of the coordinator's persisted match state. Not safe for
// concurrent use: the coordinator serializes all access.
type Portfolio struct {
	ParticipantID string               `json:"participant_id"`
	Balance       float64              `json:"balance"`
	Positions     map[string]*Position `json:"positions"` // by token address

	Orders     []types.Order `json:"orders"` // most recent, ring of OrderRingSize
	OrderCount int           `json:"order_count"`
	ScanCount  int           `json:"scan_count"`
	BuyCount   int           `json:"buy_count"`
	SellCount  int           `json:"sell_count"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	LastOrderTime time.Time `json:"last_order_time"`
}

// NewPortfolio creates a fresh portfolio with the standard start balance.
func NewPortfolio(participantID string) *Portfolio {
	return &Portfolio{
		ParticipantID: participantID,
		Balance:       StartBalance,
		Positions:     make(map[string]*Position),
	}
}

// View projects the portfolio into the rule engine's read-only input shape,
// with positions in deterministic (address-sorted) order.
func (p *Portfolio) View() rules.PortfolioView {
	view := rules.PortfolioView{
		Balance:   p.Balance,
		Positions: make([]rules.Position, 0, len(p.Positions)),
	}
	for _, addr := range p.sortedAddresses() {
		pos := p.Positions[addr]
		view.Positions = append(view.Positions, rules.Position{
			TokenAddress:   pos.TokenAddress,
			Symbol:         pos.Symbol,
			Qty:            pos.Qty,
			AvgPrice:       pos.AvgPrice,
			HighWaterPrice: pos.HighWaterPrice,
			OpenedAt:       pos.OpenedAt,
		})
	}
	return view
}

func (p *Portfolio) sortedAddresses() []string {
	addrs := make([]string, 0, len(p.Positions))
	for a := range p.Positions {
		addrs = append(addrs, a)
	}
	// Insertion sort: position counts are ≤ 5.
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && addrs[j] < addrs[j-1]; j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
	return addrs
}

// UpdateUnrealized marks every position to the given prices and ratchets
// high-water marks. Positions absent from the price map keep their prior
// unrealized value.
func (p *Portfolio) UpdateUnrealized(priceByAddress map[string]float64) {
	total := 0.0
	for _, pos := range p.Positions {
		if price, ok := priceByAddress[pos.TokenAddress]; ok && price > 0 {
			pos.UnrealizedPnL = pos.Qty * (price - pos.AvgPrice)
			if price > pos.HighWaterPrice {
				pos.HighWaterPrice = price
			}
		}
		total += pos.UnrealizedPnL
	}
	p.UnrealizedPnL = total
}

// TotalValue is balance plus every position marked to the given prices.
// Positions with no current price are valued at their entry average.
func (p *Portfolio) TotalValue(priceByAddress map[string]float64) float64 {
	total := p.Balance
	for _, pos := range p.Positions {
		price, ok := priceByAddress[pos.TokenAddress]
		if !ok || price <= 0 {
			price = pos.AvgPrice
		}
		total += pos.Qty * price
	}
	return total
}

// GainPct is the percent gain over the start balance.
func (p *Portfolio) GainPct(priceByAddress map[string]float64) float64 {
	return (p.TotalValue(priceByAddress) - StartBalance) / StartBalance * 100
}

// Prize maps a final gain to a payout in QUOTE: 1 QUOTE per 100% gain,
// capped at 5.0, floored at 0.
func Prize(gainPct float64) float64 {
	if gainPct <= 0 {
		return 0
	}
	if gainPct > 500 {
		gainPct = 500
	}
	prize := gainPct / 100
	if prize > 5 {
		prize = 5
	}
	return prize
}

// TrimOrders drops all but the most recent OrderRingSize orders. Called by
// the coordinator after each tick to bound persisted state.
func (p *Portfolio) TrimOrders() {
	if len(p.Orders) > OrderRingSize {
		p.Orders = append(p.Orders[:0], p.Orders[len(p.Orders)-OrderRingSize:]...)
	}
}

func (p *Portfolio) appendOrder(o types.Order) {
	p.Orders = append(p.Orders, o)
	p.OrderCount++
	p.LastOrderTime = o.Timestamp
}
