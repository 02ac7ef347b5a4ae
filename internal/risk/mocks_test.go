package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// stubConnector is a controllable broker.Connector for engine tests.
type stubConnector struct {
	mu sync.Mutex

	account   *types.AccountInfo
	positions []types.Position

	accountErr   error
	positionsErr error

	closeAllCalls int
	closeAllErr   error
	closeResults  []broker.ExecutionResult
}

var _ broker.Connector = (*stubConnector)(nil)

func newStubConnector(balance, equity int64) *stubConnector {
	return &stubConnector{
		account: &types.AccountInfo{
			AccountID: "acc-1",
			Currency:  "USD",
			Balance:   decimal.NewFromInt(balance),
			Equity:    decimal.NewFromInt(equity),
		},
	}
}

func (c *stubConnector) Connect(ctx context.Context) error    { return nil }
func (c *stubConnector) Disconnect(ctx context.Context) error { return nil }
func (c *stubConnector) Reconnect(ctx context.Context) error  { return nil }
func (c *stubConnector) IsConnected() bool                    { return true }
func (c *stubConnector) Health() types.ConnectorHealth        { return types.ConnectorHealth{Connected: true} }

func (c *stubConnector) ExecuteOrder(ctx context.Context, order *types.Order) (*broker.ExecutionResult, error) {
	return &broker.ExecutionResult{OK: true, Retcode: 10009}, nil
}

func (c *stubConnector) ModifyOrder(ctx context.Context, brokerOrderID string, changes broker.OrderChanges) (*broker.ExecutionResult, error) {
	return &broker.ExecutionResult{OK: true, Retcode: 10009}, nil
}

func (c *stubConnector) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }

func (c *stubConnector) ClosePosition(ctx context.Context, positionID string, deviation int) (*broker.ExecutionResult, error) {
	return &broker.ExecutionResult{OK: true, Retcode: 10013}, nil
}

func (c *stubConnector) CloseAllPositions(ctx context.Context, symbol string) ([]broker.ExecutionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAllCalls++
	if c.closeAllErr != nil {
		return nil, c.closeAllErr
	}
	if c.closeResults != nil {
		return c.closeResults, nil
	}
	results := make([]broker.ExecutionResult, len(c.positions))
	for i := range c.positions {
		results[i] = broker.ExecutionResult{OK: true, Retcode: 10013}
	}
	c.positions = nil
	return results, nil
}

func (c *stubConnector) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountErr != nil {
		return nil, c.accountErr
	}
	info := *c.account
	return &info, nil
}

func (c *stubConnector) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.positionsErr != nil {
		return nil, c.positionsErr
	}
	out := make([]types.Position, len(c.positions))
	copy(out, c.positions)
	return out, nil
}

func (c *stubConnector) GetOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return nil, nil
}

func (c *stubConnector) GetTicks(ctx context.Context, symbol string, from, to time.Time, count int) ([]types.Tick, error) {
	return nil, nil
}

func (c *stubConnector) GetRates(ctx context.Context, symbol, timeframe string, from time.Time, count int) ([]types.Rate, error) {
	return nil, nil
}

func (c *stubConnector) SubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out, nil
}

func (c *stubConnector) UnsubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out, nil
}

func (c *stubConnector) WarmIdempotency(index map[string]string) {}

func (c *stubConnector) closeAllCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeAllCalls
}

// memStore captures persisted incidents, audit entries and account states.
type memStore struct {
	mu        sync.Mutex
	incidents []types.RiskIncident
	audits    []types.AuditEntry
	states    []persistence.AccountState
	saveErr   error
}

var _ IncidentStore = (*memStore)(nil)

func (s *memStore) SaveRiskIncident(ctx context.Context, incident *types.RiskIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.incidents = append(s.incidents, *incident)
	return nil
}

func (s *memStore) SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *memStore) SaveAccountState(ctx context.Context, state persistence.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *memStore) incidentsByAction(action string) []types.RiskIncident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RiskIncident
	for _, inc := range s.incidents {
		if inc.ActionTaken == action {
			out = append(out, inc)
		}
	}
	return out
}

// memFlagger is an in-memory Flagger with a forceable read error.
type memFlagger struct {
	mu      sync.Mutex
	active  bool
	reason  string
	readErr error
}

var _ Flagger = (*memFlagger)(nil)

func (f *memFlagger) SetKillSwitch(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.reason = reason
	return nil
}

func (f *memFlagger) ClearKillSwitch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.reason = ""
	return nil
}

func (f *memFlagger) KillSwitchActive(ctx context.Context) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, "", f.readErr
	}
	return f.active, f.reason, nil
}

// countingCanceler counts sweeps and fails the first failN calls.
type countingCanceler struct {
	mu    sync.Mutex
	calls int
	failN int
	err   error
}

var _ OrderCanceler = (*countingCanceler)(nil)

func (c *countingCanceler) CancelAllOrders(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failN {
		return 0, c.err
	}
	return 2, nil
}

func (c *countingCanceler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// marketOrder builds a minimal valid candidate order for checks.
func marketOrder(symbol string, side types.Side, qty, price string) *types.Order {
	return &types.Order{
		ID:            "ord-1",
		ClientOrderID: "cli-1",
		AccountID:     "acc-1",
		Symbol:        symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.RequireFromString(qty),
		Price:         decimal.RequireFromString(price),
		Status:        types.OrderStatusPending,
	}
}

func hardRule(rt types.RuleType, params map[string]any) types.RiskRule {
	return types.RiskRule{
		ID:       "rule-" + string(rt),
		Type:     rt,
		Params:   params,
		Severity: types.SeverityHard,
		Enabled:  true,
	}
}

func softRule(rt types.RuleType, params map[string]any) types.RiskRule {
	r := hardRule(rt, params)
	r.Severity = types.SeveritySoft
	return r
}
