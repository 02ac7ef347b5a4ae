package risk

import (
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// orderExposure returns the candidate order's notional value. MARKET orders
// carry no price, so the current quote stands in; with no quote available the
// exposure is unknown and ratio rules skip.
func orderExposure(order *types.Order, market *types.MarketSnapshot) decimal.Decimal {
	price := order.Price
	if price.IsZero() && market != nil {
		if order.Side == types.SideSell {
			price = market.Bid
		} else {
			price = market.Ask
		}
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return order.Quantity.Mul(price)
}

// positionNotional returns a position's notional at the freshest known price.
func positionNotional(p types.Position) decimal.Decimal {
	price := p.CurrentPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return p.Quantity.Mul(price)
}

// totalNotional sums notional across all open positions.
func totalNotional(positions []types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(positionNotional(p))
	}
	return total
}

// symbolNotional sums notional across open positions in one symbol.
func symbolNotional(positions []types.Position, symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Symbol == symbol {
			total = total.Add(positionNotional(p))
		}
	}
	return total
}
