// Package sim provides an in-memory venue for development and tests. It
// implements the same connector contract as the bridge client, fills market
// orders synchronously and crosses pending orders when quotes move.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/types"
)

// Retcodes mirror the venue trade server so engine handling stays uniform.
const (
	retcodePlaced   = 10008
	retcodeFilled   = 10013
	retcodeModified = 10009
	retcodeRejected = 10006
)

// Config holds simulated venue settings.
type Config struct {
	AccountID        string
	Currency         string
	InitialBalance   decimal.Decimal
	Leverage         int
	SlippagePoints   int
	CommissionPerLot decimal.Decimal
}

// DefaultConfig returns the default simulation config.
func DefaultConfig() Config {
	return Config{
		AccountID:        "SIM-1",
		Currency:         "USD",
		InitialBalance:   decimal.NewFromInt(10000),
		Leverage:         100,
		SlippagePoints:   1,
		CommissionPerLot: decimal.NewFromFloat(3.50),
	}
}

// Connector implements broker.Connector against in-memory state.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	accountMu sync.RWMutex
	balance   decimal.Decimal

	symbolsMu  sync.RWMutex
	symbols    map[string]types.SymbolSpec
	subscribed map[string]bool

	positionsMu sync.RWMutex
	positions   map[string]*types.Position // keyed by symbol, one live per symbol

	ordersMu sync.RWMutex
	orders   map[string]*types.Order // working pending orders by broker id

	ticksMu sync.RWMutex
	ticks   map[string][]types.Tick
	rates   map[string][]types.Rate

	rejectMu   sync.Mutex
	nextReject string

	idempotency *cache.Cache
	nextTicket  atomic.Int64
	connectedAt atomic.Int64
	reconnects  atomic.Int64
}

// New creates a simulated venue.
func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connector{
		cfg:         cfg,
		logger:      logger.With("component", "sim"),
		balance:     cfg.InitialBalance,
		symbols:     make(map[string]types.SymbolSpec),
		subscribed:  make(map[string]bool),
		positions:   make(map[string]*types.Position),
		orders:      make(map[string]*types.Order),
		ticks:       make(map[string][]types.Tick),
		rates:       make(map[string][]types.Rate),
		idempotency: cache.New(cache.NoExpiration, 0),
	}
	c.state.Store(int32(broker.StateDisconnected))
	c.nextTicket.Store(1000000)
	return c
}

var _ broker.Connector = (*Connector)(nil)

// SetSymbol registers a tradable symbol with its spec and current quotes.
func (c *Connector) SetSymbol(spec types.SymbolSpec) {
	c.symbolsMu.Lock()
	c.symbols[spec.Name] = spec
	c.symbolsMu.Unlock()
}

// SetQuote moves the market for a symbol: positions are re-marked and
// crossed pending orders fill at the new quote.
func (c *Connector) SetQuote(symbol string, bid, ask decimal.Decimal) {
	c.symbolsMu.Lock()
	spec, ok := c.symbols[symbol]
	if !ok {
		c.symbolsMu.Unlock()
		return
	}
	spec.Bid = bid
	spec.Ask = ask
	c.symbols[symbol] = spec
	c.symbolsMu.Unlock()

	c.ticksMu.Lock()
	c.ticks[symbol] = append(c.ticks[symbol], types.Tick{
		Symbol: symbol,
		Time:   time.Now().UTC(),
		Bid:    bid,
		Ask:    ask,
	})
	c.ticksMu.Unlock()

	c.markPositions(symbol, bid, ask, spec)
	c.crossPendingOrders(spec)
}

// SetRates seeds canned history bars returned by GetRates.
func (c *Connector) SetRates(symbol string, bars []types.Rate) {
	c.ticksMu.Lock()
	c.rates[symbol] = bars
	c.ticksMu.Unlock()
}

// RejectNext makes the next ExecuteOrder come back as a venue rejection with
// the given message. One-shot.
func (c *Connector) RejectNext(message string) {
	c.rejectMu.Lock()
	c.nextReject = message
	c.rejectMu.Unlock()
}

func (c *Connector) takeReject() (string, bool) {
	c.rejectMu.Lock()
	defer c.rejectMu.Unlock()
	if c.nextReject == "" {
		return "", false
	}
	msg := c.nextReject
	c.nextReject = ""
	return msg, true
}

// Connect marks the venue reachable.
func (c *Connector) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	c.state.Store(int32(broker.StateConnected))
	c.connectedAt.Store(time.Now().UnixNano())
	c.logger.Info("simulated venue connected", "balance", c.cfg.InitialBalance)
	return nil
}

// Disconnect marks the venue unreachable.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.state.Store(int32(broker.StateDisconnected))
	c.logger.Info("simulated venue disconnected")
	return nil
}

// Reconnect flips straight back to connected.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.reconnects.Add(1)
	return c.Connect(ctx)
}

// IsConnected returns true while connected.
func (c *Connector) IsConnected() bool {
	return broker.ConnectionState(c.state.Load()) == broker.StateConnected
}

// Health reports the simulated session state.
func (c *Connector) Health() types.ConnectorHealth {
	connected := c.IsConnected()
	health := types.ConnectorHealth{
		Connected:      connected,
		ReconnectCount: int(c.reconnects.Load()),
	}
	if connected {
		if ns := c.connectedAt.Load(); ns > 0 {
			health.Uptime = time.Since(time.Unix(0, ns))
		}
		health.LastHeartbeat = time.Now().UTC()
	}
	return health
}

// WarmIdempotency seeds the duplicate-suppression map.
func (c *Connector) WarmIdempotency(index map[string]string) {
	for clientID, brokerID := range index {
		c.idempotency.Set(clientID, brokerID, cache.NoExpiration)
	}
}

func (c *Connector) ticket() string {
	return strconv.FormatInt(c.nextTicket.Add(1), 10)
}

func (c *Connector) spec(symbol string) (types.SymbolSpec, bool) {
	c.symbolsMu.RLock()
	defer c.symbolsMu.RUnlock()
	spec, ok := c.symbols[symbol]
	return spec, ok
}

// ExecuteOrder validates and fills (market) or parks (pending) an order.
func (c *Connector) ExecuteOrder(ctx context.Context, order *types.Order) (*broker.ExecutionResult, error) {
	if order.ClientOrderID != "" {
		if brokerID, found := c.idempotency.Get(order.ClientOrderID); found {
			return &broker.ExecutionResult{
				OK:            true,
				Duplicate:     true,
				BrokerOrderID: brokerID.(string),
			}, nil
		}
	}
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}
	if order.Symbol == "" || !order.Quantity.IsPositive() {
		return &broker.ExecutionResult{Error: "invalid order payload"}, nil
	}

	spec, ok := c.spec(order.Symbol)
	if !ok {
		return &broker.ExecutionResult{Error: "symbol not found"}, nil
	}
	switch spec.TradeMode {
	case types.TradeModeDisabled:
		return &broker.ExecutionResult{Error: "symbol trade mode disabled"}, nil
	case types.TradeModeCloseOnly:
		return &broker.ExecutionResult{Error: "symbol is close-only"}, nil
	}
	if order.Quantity.LessThan(spec.VolumeMin) || order.Quantity.GreaterThan(spec.VolumeMax) {
		return &broker.ExecutionResult{Error: "volume outside range"}, nil
	}

	price := order.Price
	if price.IsZero() {
		if order.Side == types.SideBuy {
			price = spec.Ask
		} else {
			price = spec.Bid
		}
	}
	if price.IsZero() {
		return &broker.ExecutionResult{Error: "no market tick"}, nil
	}

	if required := c.marginFor(spec, order.Quantity, price); required.GreaterThan(c.freeMargin()) {
		return &broker.ExecutionResult{Error: "insufficient margin"}, nil
	}

	if msg, scripted := c.takeReject(); scripted {
		return &broker.ExecutionResult{
			Retcode:        retcodeRejected,
			RetcodeMessage: "Request rejected",
			Error:          msg,
		}, nil
	}

	ticket := c.ticket()
	if order.Type == types.OrderTypeMarket {
		fillPrice := c.applySlippage(spec, order.Side, price)
		c.applyFill(order.Symbol, order.Side, order.Quantity, fillPrice, spec)

		result := &broker.ExecutionResult{
			OK:             true,
			Retcode:        retcodeFilled,
			RetcodeMessage: "Order filled fully",
			BrokerOrderID:  ticket,
			Deal:           c.ticket(),
			Volume:         order.Quantity,
			Price:          fillPrice,
		}
		c.remember(order.ClientOrderID, ticket)
		c.logger.Info("simulated fill",
			"symbol", order.Symbol,
			"side", order.Side,
			"volume", order.Quantity,
			"price", fillPrice,
		)
		return result, nil
	}

	working := *order
	working.BrokerOrderID = ticket
	working.Status = types.OrderStatusSubmitted
	working.Price = price
	c.ordersMu.Lock()
	c.orders[ticket] = &working
	c.ordersMu.Unlock()

	c.remember(order.ClientOrderID, ticket)
	c.logger.Info("simulated pending order parked",
		"symbol", order.Symbol,
		"type", order.Type,
		"price", price,
		"broker_order_id", ticket,
	)

	return &broker.ExecutionResult{
		OK:             true,
		Retcode:        retcodePlaced,
		RetcodeMessage: "Order placed",
		BrokerOrderID:  ticket,
		Volume:         order.Quantity,
		Price:          price,
	}, nil
}

func (c *Connector) remember(clientOrderID, ticket string) {
	if clientOrderID != "" {
		c.idempotency.Set(clientOrderID, ticket, cache.NoExpiration)
	}
}

func (c *Connector) applySlippage(spec types.SymbolSpec, side types.Side, price decimal.Decimal) decimal.Decimal {
	slip := spec.Point.Mul(decimal.NewFromInt(int64(c.cfg.SlippagePoints)))
	if side == types.SideBuy {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

func (c *Connector) marginFor(spec types.SymbolSpec, volume, price decimal.Decimal) decimal.Decimal {
	if c.cfg.Leverage <= 0 {
		return decimal.Zero
	}
	return price.Mul(volume).Mul(spec.ContractSize).Div(decimal.NewFromInt(int64(c.cfg.Leverage)))
}

func (c *Connector) freeMargin() decimal.Decimal {
	used := decimal.Zero
	unrealized := decimal.Zero

	c.positionsMu.RLock()
	for _, pos := range c.positions {
		spec, ok := c.spec(pos.Symbol)
		if !ok {
			continue
		}
		used = used.Add(c.marginFor(spec, pos.Quantity, pos.EntryPrice))
		unrealized = unrealized.Add(pos.UnrealizedPL)
	}
	c.positionsMu.RUnlock()

	c.accountMu.RLock()
	equity := c.balance.Add(unrealized)
	c.accountMu.RUnlock()

	return equity.Sub(used)
}

// applyFill merges a fill into the symbol's position: same side averages in,
// opposite side reduces, closes or flips, realizing P&L into the balance.
func (c *Connector) applyFill(symbol string, side types.Side, volume, price decimal.Decimal, spec types.SymbolSpec) {
	commission := c.cfg.CommissionPerLot.Mul(volume)

	c.positionsMu.Lock()
	pos, exists := c.positions[symbol]
	switch {
	case !exists:
		now := time.Now().UTC()
		c.positions[symbol] = &types.Position{
			ID:           c.ticket(),
			AccountID:    c.cfg.AccountID,
			Symbol:       symbol,
			Side:         side,
			Quantity:     volume,
			EntryPrice:   price,
			CurrentPrice: price,
			Version:      1,
			OpenedAt:     now,
		}
	case pos.Side == side:
		totalCost := pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(volume))
		pos.Quantity = pos.Quantity.Add(volume)
		pos.EntryPrice = totalCost.Div(pos.Quantity)
		pos.CurrentPrice = price
	default:
		closed := decimal.Min(volume, pos.Quantity)
		pnl := c.realizedPnL(pos, price, closed, spec)
		c.credit(pnl)
		pos.RealizedPL = pos.RealizedPL.Add(pnl)

		remainder := volume.Sub(pos.Quantity)
		switch {
		case remainder.IsPositive(): // flip
			pos.Side = side
			pos.Quantity = remainder
			pos.EntryPrice = price
			pos.CurrentPrice = price
			pos.UnrealizedPL = decimal.Zero
		case remainder.IsZero(): // full close
			delete(c.positions, symbol)
		default: // partial close
			pos.Quantity = pos.Quantity.Sub(volume)
			pos.CurrentPrice = price
		}
	}
	c.positionsMu.Unlock()

	c.credit(commission.Neg())
}

func (c *Connector) realizedPnL(pos *types.Position, exitPrice, volume decimal.Decimal, spec types.SymbolSpec) decimal.Decimal {
	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == types.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(volume).Mul(spec.ContractSize)
}

func (c *Connector) credit(amount decimal.Decimal) {
	c.accountMu.Lock()
	c.balance = c.balance.Add(amount)
	c.accountMu.Unlock()
}

func (c *Connector) markPositions(symbol string, bid, ask decimal.Decimal, spec types.SymbolSpec) {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()

	pos, ok := c.positions[symbol]
	if !ok {
		return
	}

	// Longs mark at the bid, shorts at the ask: the price the close would get.
	mark := bid
	if pos.Side == types.SideSell {
		mark = ask
	}
	diff := mark.Sub(pos.EntryPrice)
	if pos.Side == types.SideSell {
		diff = diff.Neg()
	}
	pos.CurrentPrice = mark
	pos.UnrealizedPL = diff.Mul(pos.Quantity).Mul(spec.ContractSize)
}

// crossPendingOrders fills working orders whose trigger the new quote
// reached.
func (c *Connector) crossPendingOrders(spec types.SymbolSpec) {
	c.ordersMu.Lock()
	var crossed []*types.Order
	for ticket, order := range c.orders {
		if order.Symbol != spec.Name {
			continue
		}
		if c.isCrossed(order, spec) {
			crossed = append(crossed, order)
			delete(c.orders, ticket)
		}
	}
	c.ordersMu.Unlock()

	for _, order := range crossed {
		c.applyFill(order.Symbol, order.Side, order.Quantity, order.Price, spec)
		c.logger.Info("simulated pending order crossed",
			"symbol", order.Symbol,
			"side", order.Side,
			"price", order.Price,
			"broker_order_id", order.BrokerOrderID,
		)
	}
}

func (c *Connector) isCrossed(order *types.Order, spec types.SymbolSpec) bool {
	switch order.Type {
	case types.OrderTypeLimit:
		if order.Side == types.SideBuy {
			return spec.Ask.LessThanOrEqual(order.Price)
		}
		return spec.Bid.GreaterThanOrEqual(order.Price)
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		if order.Side == types.SideBuy {
			return spec.Ask.GreaterThanOrEqual(order.Price)
		}
		return spec.Bid.LessThanOrEqual(order.Price)
	default:
		return false
	}
}

// ModifyOrder updates a working order in place.
func (c *Connector) ModifyOrder(ctx context.Context, brokerOrderID string, changes broker.OrderChanges) (*broker.ExecutionResult, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()

	order, ok := c.orders[brokerOrderID]
	if !ok {
		return &broker.ExecutionResult{Error: "order not found"}, nil
	}
	if changes.Price != nil {
		order.Price = *changes.Price
	}
	if changes.StopPrice != nil {
		order.StopPrice = *changes.StopPrice
	}
	if changes.LimitPrice != nil {
		order.LimitPrice = *changes.LimitPrice
	}
	if changes.Quantity != nil {
		order.Quantity = *changes.Quantity
	}

	return &broker.ExecutionResult{
		OK:             true,
		Retcode:        retcodeModified,
		RetcodeMessage: "Order modified",
		BrokerOrderID:  brokerOrderID,
	}, nil
}

// CancelOrder removes a working order.
func (c *Connector) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if !c.IsConnected() {
		return types.ErrNotConnected
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()

	if _, ok := c.orders[brokerOrderID]; !ok {
		return fmt.Errorf("cancel rejected: order %s not found", brokerOrderID)
	}
	delete(c.orders, brokerOrderID)
	return nil
}

// ClosePosition closes a position at the current quote.
func (c *Connector) ClosePosition(ctx context.Context, positionID string, deviation int) (*broker.ExecutionResult, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.positionsMu.RLock()
	var target *types.Position
	for _, pos := range c.positions {
		if pos.ID == positionID {
			target = pos
			break
		}
	}
	c.positionsMu.RUnlock()

	if target == nil {
		return &broker.ExecutionResult{Error: "position not found"}, nil
	}

	spec, ok := c.spec(target.Symbol)
	if !ok {
		return &broker.ExecutionResult{Error: "symbol not found"}, nil
	}

	closeSide := types.SideSell
	price := spec.Bid
	if target.Side == types.SideSell {
		closeSide = types.SideBuy
		price = spec.Ask
	}
	volume := target.Quantity

	c.applyFill(target.Symbol, closeSide, volume, price, spec)

	return &broker.ExecutionResult{
		OK:             true,
		Retcode:        retcodeFilled,
		RetcodeMessage: "Order filled fully",
		Deal:           c.ticket(),
		Volume:         volume,
		Price:          price,
	}, nil
}

// CloseAllPositions closes every open position, optionally filtered by
// symbol.
func (c *Connector) CloseAllPositions(ctx context.Context, symbol string) ([]broker.ExecutionResult, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.positionsMu.RLock()
	var ids []string
	for _, pos := range c.positions {
		if symbol == "" || pos.Symbol == symbol {
			ids = append(ids, pos.ID)
		}
	}
	c.positionsMu.RUnlock()

	results := make([]broker.ExecutionResult, 0, len(ids))
	for _, id := range ids {
		res, err := c.ClosePosition(ctx, id, 0)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// GetAccountInfo returns the simulated account snapshot.
func (c *Connector) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	used := decimal.Zero
	unrealized := decimal.Zero
	c.positionsMu.RLock()
	for _, pos := range c.positions {
		if spec, ok := c.spec(pos.Symbol); ok {
			used = used.Add(c.marginFor(spec, pos.Quantity, pos.EntryPrice))
		}
		unrealized = unrealized.Add(pos.UnrealizedPL)
	}
	c.positionsMu.RUnlock()

	c.accountMu.RLock()
	balance := c.balance
	c.accountMu.RUnlock()

	equity := balance.Add(unrealized)
	level := decimal.Zero
	if used.IsPositive() {
		level = equity.Div(used).Mul(decimal.NewFromInt(100))
	}

	return &types.AccountInfo{
		AccountID:   c.cfg.AccountID,
		Currency:    c.cfg.Currency,
		Balance:     balance,
		Equity:      equity,
		Margin:      used,
		FreeMargin:  equity.Sub(used),
		MarginLevel: level,
		Profit:      unrealized,
		Leverage:    c.cfg.Leverage,
	}, nil
}

// GetPositions returns open positions, optionally filtered by symbol.
func (c *Connector) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.positionsMu.RLock()
	defer c.positionsMu.RUnlock()

	positions := make([]types.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		if symbol == "" || pos.Symbol == symbol {
			positions = append(positions, *pos)
		}
	}
	return positions, nil
}

// GetOrders returns working pending orders, optionally filtered by symbol.
func (c *Connector) GetOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()

	orders := make([]types.Order, 0, len(c.orders))
	for _, order := range c.orders {
		if symbol == "" || order.Symbol == symbol {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

// GetTicks returns quotes recorded by SetQuote within the window.
func (c *Connector) GetTicks(ctx context.Context, symbol string, from, to time.Time, count int) ([]types.Tick, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.ticksMu.RLock()
	defer c.ticksMu.RUnlock()

	var out []types.Tick
	for _, tick := range c.ticks[symbol] {
		if tick.Time.Before(from) {
			continue
		}
		if !to.IsZero() && tick.Time.After(to) {
			continue
		}
		out = append(out, tick)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// GetRates returns bars seeded with SetRates.
func (c *Connector) GetRates(ctx context.Context, symbol, timeframe string, from time.Time, count int) ([]types.Rate, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.ticksMu.RLock()
	defer c.ticksMu.RUnlock()

	bars := c.rates[symbol]
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]types.Rate, len(bars))
	copy(out, bars)
	return out, nil
}

// SubscribeMarketData marks symbols subscribed. Unknown symbols report false.
func (c *Connector) SubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return c.setSubscribed(symbols, true)
}

// UnsubscribeMarketData clears subscriptions.
func (c *Connector) UnsubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return c.setSubscribed(symbols, false)
}

func (c *Connector) setSubscribed(symbols []string, on bool) (map[string]bool, error) {
	if !c.IsConnected() {
		return nil, types.ErrNotConnected
	}

	c.symbolsMu.Lock()
	defer c.symbolsMu.Unlock()

	out := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		_, known := c.symbols[symbol]
		if known {
			c.subscribed[symbol] = on
		}
		out[symbol] = known
	}
	return out, nil
}
