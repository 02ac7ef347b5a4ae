package execution

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// memRepo is an in-memory Repository with the same idempotent-insert and
// version-check semantics as the SQL implementations.
type memRepo struct {
	mu       sync.Mutex
	orders   map[string]*types.Order
	byClient map[string]string
	trades   []types.Trade

	saveErr   error
	updateErr error
	conflict  bool // force UpdateOrderStatus to miss
}

var _ persistence.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		orders:   make(map[string]*types.Order),
		byClient: make(map[string]string),
	}
}

// seed installs an order as-is, bypassing SaveOrder's defaulting.
func (m *memRepo) seed(order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	m.byClient[order.ClientOrderID] = order.ID
}

func (m *memRepo) order(id string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

func (m *memRepo) SaveOrder(ctx context.Context, order *types.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if id, ok := m.byClient[order.ClientOrderID]; ok {
		return id, nil
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	cp := *order
	m.orders[order.ID] = &cp
	m.byClient[order.ClientOrderID] = order.ID
	return order.ID, nil
}

func (m *memRepo) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memRepo) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	cp := *m.orders[id]
	return &cp, nil
}

func (m *memRepo) UpdateOrder(ctx context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memRepo) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, update persistence.OrderUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	if m.conflict {
		return false, nil
	}
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	o.Status = status
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	if update.Reason != nil {
		o.Reason = *update.Reason
	}
	if update.FilledQuantity != nil {
		o.FilledQuantity = *update.FilledQuantity
	}
	if update.BrokerOrderID != nil {
		o.BrokerOrderID = *update.BrokerOrderID
	}
	if update.Commission != nil {
		o.Commission = *update.Commission
	}
	if update.Swap != nil {
		o.Swap = *update.Swap
	}
	if update.Profit != nil {
		o.Profit = *update.Profit
	}
	if update.OpenedAt != nil {
		o.OpenedAt = update.OpenedAt
	}
	if update.ClosedAt != nil {
		o.ClosedAt = update.ClosedAt
	}
	return true, nil
}

func (m *memRepo) GetOpenOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.Status.IsFinal() {
			continue
		}
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *memRepo) ListNonTerminalOrders(ctx context.Context, olderThan time.Time) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.Status.IsFinal() || !o.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *memRepo) LoadIdempotencyIndex(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, o := range m.orders {
		if o.BrokerOrderID != "" {
			out[o.ClientOrderID] = o.BrokerOrderID
		}
	}
	return out, nil
}

func (m *memRepo) SaveTrade(ctx context.Context, trade *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *memRepo) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

func (m *memRepo) GetPosition(ctx context.Context, accountID, symbol string) (*types.Position, error) {
	return nil, types.ErrPositionNotFound
}

func (m *memRepo) UpdatePosition(ctx context.Context, position *types.Position) error { return nil }

func (m *memRepo) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, closedAt time.Time) error {
	return nil
}

func (m *memRepo) GetOpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return nil, nil
}

func (m *memRepo) GetAccountState(ctx context.Context, accountID string) (*persistence.AccountState, error) {
	return nil, nil
}

func (m *memRepo) SaveAccountState(ctx context.Context, state persistence.AccountState) error {
	return nil
}

func (m *memRepo) SaveRiskIncident(ctx context.Context, incident *types.RiskIncident) error {
	return nil
}

func (m *memRepo) GetRiskIncidents(ctx context.Context, accountID string, limit int) ([]types.RiskIncident, error) {
	return nil, nil
}

func (m *memRepo) SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error { return nil }

func (m *memRepo) Migrate(ctx context.Context) error { return nil }

func (m *memRepo) Close() error { return nil }

// stubRisk approves everything unless configured otherwise.
type stubRisk struct {
	mu       sync.Mutex
	approval *types.Approval
	err      error
	calls    int
}

var _ RiskChecker = (*stubRisk)(nil)

func (s *stubRisk) PreTradeCheck(ctx context.Context, order *types.Order, account *types.AccountInfo,
	positions []types.Position, market *types.MarketSnapshot) (*types.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.approval != nil {
		return s.approval, nil
	}
	return &types.Approval{Approved: true}, nil
}

func (s *stubRisk) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// venueStub is a controllable broker.Connector for engine tests.
type venueStub struct {
	mu sync.Mutex

	connected  bool
	execResult *broker.ExecutionResult
	execErr    error
	execCalls  int

	canceled  []string
	cancelErr error

	working   []types.Order
	ordersErr error

	accountErr   error
	positionsErr error
}

var _ broker.Connector = (*venueStub)(nil)

func newVenueStub() *venueStub {
	return &venueStub{
		connected: true,
		execResult: &broker.ExecutionResult{
			OK:            true,
			Retcode:       10009,
			BrokerOrderID: "900001",
		},
	}
}

func (v *venueStub) Connect(ctx context.Context) error    { return nil }
func (v *venueStub) Disconnect(ctx context.Context) error { return nil }
func (v *venueStub) Reconnect(ctx context.Context) error  { return nil }

func (v *venueStub) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *venueStub) Health() types.ConnectorHealth {
	return types.ConnectorHealth{Connected: v.IsConnected()}
}

func (v *venueStub) ExecuteOrder(ctx context.Context, order *types.Order) (*broker.ExecutionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.execCalls++
	if v.execErr != nil {
		return nil, v.execErr
	}
	r := *v.execResult
	return &r, nil
}

func (v *venueStub) executeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.execCalls
}

func (v *venueStub) ModifyOrder(ctx context.Context, brokerOrderID string, changes broker.OrderChanges) (*broker.ExecutionResult, error) {
	return &broker.ExecutionResult{OK: true, Retcode: 10009}, nil
}

func (v *venueStub) CancelOrder(ctx context.Context, brokerOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.canceled = append(v.canceled, brokerOrderID)
	return nil
}

func (v *venueStub) canceledIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.canceled))
	copy(out, v.canceled)
	return out
}

func (v *venueStub) ClosePosition(ctx context.Context, positionID string, deviation int) (*broker.ExecutionResult, error) {
	return &broker.ExecutionResult{OK: true, Retcode: 10013}, nil
}

func (v *venueStub) CloseAllPositions(ctx context.Context, symbol string) ([]broker.ExecutionResult, error) {
	return nil, nil
}

func (v *venueStub) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.accountErr != nil {
		return nil, v.accountErr
	}
	return &types.AccountInfo{
		AccountID: "acc-1",
		Currency:  "USD",
		Balance:   decimal.NewFromInt(10000),
		Equity:    decimal.NewFromInt(10000),
	}, nil
}

func (v *venueStub) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.positionsErr != nil {
		return nil, v.positionsErr
	}
	return nil, nil
}

func (v *venueStub) GetOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ordersErr != nil {
		return nil, v.ordersErr
	}
	out := make([]types.Order, len(v.working))
	copy(out, v.working)
	return out, nil
}

func (v *venueStub) GetTicks(ctx context.Context, symbol string, from, to time.Time, count int) ([]types.Tick, error) {
	return nil, nil
}

func (v *venueStub) GetRates(ctx context.Context, symbol, timeframe string, from time.Time, count int) ([]types.Rate, error) {
	return nil, nil
}

func (v *venueStub) SubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return nil, nil
}

func (v *venueStub) UnsubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return nil, nil
}

func (v *venueStub) WarmIdempotency(index map[string]string) {}

// newTestEngine wires an engine over fresh fakes.
func newTestEngine(t *testing.T) (*Engine, *memRepo, *stubRisk, *venueStub) {
	t.Helper()
	repo := newMemRepo()
	venue := newVenueStub()
	riskStub := &stubRisk{}
	events, err := NewEvents(2, slog.Default())
	if err != nil {
		t.Fatalf("NewEvents failed: %v", err)
	}
	t.Cleanup(events.Close)
	engine := NewEngine(Config{AccountID: "acc-1"}, repo, venue, riskStub, events, nil)
	return engine, repo, riskStub, venue
}

// pendingOrder builds a minimal market order ready for Submit.
func pendingOrder(clientID string) *types.Order {
	return &types.Order{
		ClientOrderID: clientID,
		AccountID:     "acc-1",
		Symbol:        "EURUSD",
		Side:          types.SideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.10"),
		Price:         decimal.RequireFromString("1.1000"),
	}
}
