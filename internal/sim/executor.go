package sim

import (
	"errors"
	"fmt"
	"time"

	"quote-arena/pkg/types"
)

// Typed execution failures. The coordinator logs these per participant and
// moves on; none of them abort a tick.
var (
	ErrTooManyOrders       = errors.New("order cap reached for this match")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPosition          = errors.New("no position in token")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrUnknownToken        = errors.New("token not in snapshot")
)

// feeBuffer is the headroom the buy path requires above the order notional,
// so fees can never drive the balance negative.
const feeBuffer = 1.1

// Execute applies one intent to the portfolio at the snapshot's price for
// that token. On success the portfolio is mutated and the resulting order is
// returned; on failure the portfolio is untouched.
func Execute(p *Portfolio, intent types.Intent, priceByAddress map[string]float64, now time.Time) (types.Order, error) {
	if p.OrderCount >= MaxOrders {
		return types.Order{}, ErrTooManyOrders
	}

	price, ok := priceByAddress[intent.TokenAddress]
	if !ok || price <= 0 {
		return types.Order{}, fmt.Errorf("%w: %s", ErrUnknownToken, intent.TokenAddress)
	}

	switch intent.Side {
	case types.BUY:
		return executeBuy(p, intent, price, now)
	case types.SELL:
		return executeSell(p, intent, price, now)
	default:
		return types.Order{}, fmt.Errorf("unknown side %q", intent.Side)
	}
}

func executeBuy(p *Portfolio, intent types.Intent, price float64, now time.Time) (types.Order, error) {
	amount := intent.AmountQuote
	if amount < MinTradeSize {
		return types.Order{}, fmt.Errorf("%w: %v below min trade size", ErrInvalidQuantity, amount)
	}
	if amount > p.Balance || amount*feeBuffer > p.Balance {
		return types.Order{}, fmt.Errorf("%w: need %.4f (with fee buffer), have %.4f",
			ErrInsufficientBalance, amount*feeBuffer, p.Balance)
	}

	fillPrice := price * (1 + SlippagePct)
	fee := amount * FeePct
	qty := (amount - fee) / fillPrice

	p.Balance -= amount

	if pos, ok := p.Positions[intent.TokenAddress]; ok {
		totalCost := pos.AvgPrice*pos.Qty + fillPrice*qty
		pos.Qty += qty
		pos.AvgPrice = totalCost / pos.Qty
		if fillPrice > pos.HighWaterPrice {
			pos.HighWaterPrice = fillPrice
		}
	} else {
		p.Positions[intent.TokenAddress] = &Position{
			TokenAddress:   intent.TokenAddress,
			Symbol:         intent.Symbol,
			Qty:            qty,
			AvgPrice:       fillPrice,
			HighWaterPrice: fillPrice,
			OpenedAt:       now,
		}
	}

	order := types.Order{
		ID:            int64(p.OrderCount + 1),
		ParticipantID: p.ParticipantID,
		Timestamp:     now.Add(LatencyOffset),
		TokenAddress:  intent.TokenAddress,
		Symbol:        intent.Symbol,
		Side:          types.BUY,
		Qty:           qty,
		FillPrice:     fillPrice,
		Fee:           fee,
		SlippageBps:   SlippagePct * 10000,
	}
	p.appendOrder(order)
	p.BuyCount++
	return order, nil
}

func executeSell(p *Portfolio, intent types.Intent, price float64, now time.Time) (types.Order, error) {
	pos, ok := p.Positions[intent.TokenAddress]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrNoPosition, intent.TokenAddress)
	}

	qtyToSell := pos.Qty
	if want := intent.AmountQuote / price; want < qtyToSell {
		qtyToSell = want
	}
	if qtyToSell <= 0 {
		return types.Order{}, fmt.Errorf("%w: %v", ErrInvalidQuantity, qtyToSell)
	}

	fillPrice := price * (1 - SlippagePct)
	gross := qtyToSell * fillPrice
	fee := gross * FeePct
	net := gross - fee

	p.Balance += net
	p.RealizedPnL += net - qtyToSell*pos.AvgPrice

	pos.Qty -= qtyToSell
	if pos.Qty < DustThreshold {
		delete(p.Positions, intent.TokenAddress)
	}

	order := types.Order{
		ID:            int64(p.OrderCount + 1),
		ParticipantID: p.ParticipantID,
		Timestamp:     now.Add(LatencyOffset),
		TokenAddress:  intent.TokenAddress,
		Symbol:        intent.Symbol,
		Side:          types.SELL,
		Qty:           qtyToSell,
		FillPrice:     fillPrice,
		Fee:           fee,
		SlippageBps:   SlippagePct * 10000,
	}
	p.appendOrder(order)
	p.SellCount++
	return order, nil
}
