package persistence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

func setupTestDB(t *testing.T) (*SQLiteRepository, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "tradecore-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	repo, err := NewSQLiteRepository(path, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(path)
	}

	return repo, cleanup
}

func newTestOrder(clientID string) *types.Order {
	return &types.Order{
		ClientOrderID: clientID,
		AccountID:     "acct-1",
		Symbol:        "EURUSD",
		Side:          types.SideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.10"),
		Status:        types.OrderStatusPending,
	}
}

func TestSQLiteRepository_SaveOrder_Idempotent(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// First save assigns an id
	first := newTestOrder("client-1")
	id1, err := repo.SaveOrder(ctx, first)
	if err != nil {
		t.Fatalf("save order: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty order id")
	}

	// Second save with the same client_order_id returns the same id
	second := newTestOrder("client-1")
	second.Quantity = decimal.RequireFromString("0.50")
	id2, err := repo.SaveOrder(ctx, second)
	if err != nil {
		t.Fatalf("save duplicate order: %v", err)
	}
	if id2 != id1 {
		t.Errorf("duplicate save id = %s, want %s", id2, id1)
	}

	// The stored row keeps the first order's fields
	stored, err := repo.GetOrder(ctx, id1)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored == nil {
		t.Fatal("expected order, got nil")
	}
	if !stored.Quantity.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("quantity = %s, want 0.10", stored.Quantity)
	}
	if stored.Version != 1 {
		t.Errorf("version = %d, want 1", stored.Version)
	}
}

func TestSQLiteRepository_GetOrder(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	order := newTestOrder("client-get")
	order.StopPrice = decimal.RequireFromString("1.0800")
	order.LimitPrice = decimal.RequireFromString("1.0950")
	id, err := repo.SaveOrder(ctx, order)
	if err != nil {
		t.Fatalf("save order: %v", err)
	}

	// By id
	got, err := repo.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got == nil {
		t.Fatal("expected order, got nil")
	}
	if got.ClientOrderID != "client-get" {
		t.Errorf("client order id = %s, want client-get", got.ClientOrderID)
	}
	if !got.StopPrice.Equal(order.StopPrice) {
		t.Errorf("stop price = %s, want %s", got.StopPrice, order.StopPrice)
	}
	if got.OpenedAt != nil || got.ClosedAt != nil {
		t.Error("opened_at and closed_at should be nil for a fresh order")
	}

	// By client id
	got, err = repo.GetOrderByClientID(ctx, "client-get")
	if err != nil {
		t.Fatalf("get order by client id: %v", err)
	}
	if got == nil || got.ID != id {
		t.Errorf("get by client id = %+v, want id %s", got, id)
	}

	// Missing orders come back nil without error
	got, err = repo.GetOrder(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("get missing order: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing order, got %+v", got)
	}
}

func TestSQLiteRepository_UpdateOrderStatus(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	id, err := repo.SaveOrder(ctx, newTestOrder("client-status"))
	if err != nil {
		t.Fatalf("save order: %v", err)
	}

	// Transition with field updates
	closedAt := time.Now().UTC().Truncate(time.Second)
	matched, err := repo.UpdateOrderStatus(ctx, id, types.OrderStatusFilled, OrderUpdate{
		FilledQuantity: Decimal(decimal.RequireFromString("0.10")),
		BrokerOrderID:  String("987654"),
		Commission:     Decimal(decimal.RequireFromString("0.07")),
		ClosedAt:       Time(closedAt),
	})
	if err != nil {
		t.Fatalf("update order status: %v", err)
	}
	if !matched {
		t.Fatal("expected matched update")
	}

	got, err := repo.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if !got.FilledQuantity.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("filled quantity = %s, want 0.10", got.FilledQuantity)
	}
	if got.BrokerOrderID != "987654" {
		t.Errorf("broker order id = %s, want 987654", got.BrokerOrderID)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(closedAt) {
		t.Errorf("closed_at = %v, want %v", got.ClosedAt, closedAt)
	}

	// Unknown order id reports no match, not an error
	matched, err = repo.UpdateOrderStatus(ctx, "no-such-id", types.OrderStatusCanceled, OrderUpdate{})
	if err != nil {
		t.Fatalf("update missing order: %v", err)
	}
	if matched {
		t.Error("expected no match for missing order")
	}
}

func TestSQLiteRepository_UpdateOrder_VersionConflict(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	order := newTestOrder("client-conflict")
	if _, err := repo.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save order: %v", err)
	}

	// Fresh version succeeds and bumps version
	order.Status = types.OrderStatusValidated
	if err := repo.UpdateOrder(ctx, order); err != nil {
		t.Fatalf("update order: %v", err)
	}
	if order.Version != 2 {
		t.Errorf("version after update = %d, want 2", order.Version)
	}

	// Stale version is rejected
	stale := *order
	stale.Version = 1
	stale.Status = types.OrderStatusCanceled
	err := repo.UpdateOrder(ctx, &stale)
	if !errors.Is(err, types.ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	// The store kept the first writer's status
	got, err := repo.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != types.OrderStatusValidated {
		t.Errorf("status = %s, want VALIDATED", got.Status)
	}
}

func TestSQLiteRepository_OpenOrders(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Two in-flight orders, one terminal
	for i, status := range []types.OrderStatus{
		types.OrderStatusPending,
		types.OrderStatusSubmitted,
		types.OrderStatusFilled,
	} {
		order := newTestOrder("client-open-" + string(rune('a'+i)))
		order.Status = status
		if _, err := repo.SaveOrder(ctx, order); err != nil {
			t.Fatalf("save order %d: %v", i, err)
		}
	}

	open, err := repo.GetOpenOrders(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get open orders: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("open orders = %d, want 2", len(open))
	}
	for _, o := range open {
		if o.Status.IsFinal() {
			t.Errorf("open orders contained terminal order %s (%s)", o.ID, o.Status)
		}
	}

	// Different account sees nothing
	open, err = repo.GetOpenOrders(ctx, "acct-2")
	if err != nil {
		t.Fatalf("get open orders for other account: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open orders for other account = %d, want 0", len(open))
	}
}

func TestSQLiteRepository_ListNonTerminalOrders(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	order := newTestOrder("client-stale")
	order.Status = types.OrderStatusSubmitted
	if _, err := repo.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save order: %v", err)
	}

	// Cutoff in the future includes the order
	stale, err := repo.ListNonTerminalOrders(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("list non-terminal orders: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale orders = %d, want 1", len(stale))
	}

	// Cutoff in the past excludes it
	stale, err = repo.ListNonTerminalOrders(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list with past cutoff: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale orders with past cutoff = %d, want 0", len(stale))
	}
}

func TestSQLiteRepository_Position(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Open a position
	position := types.Position{
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Side:       types.SideBuy,
		Quantity:   decimal.RequireFromString("0.20"),
		EntryPrice: decimal.RequireFromString("1.0850"),
	}
	if err := repo.UpdatePosition(ctx, &position); err != nil {
		t.Fatalf("save position: %v", err)
	}
	if position.ID == "" {
		t.Fatal("expected position id to be assigned")
	}

	got, err := repo.GetPosition(ctx, "acct-1", "EURUSD")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got == nil {
		t.Fatal("expected position, got nil")
	}
	if !got.EntryPrice.Equal(position.EntryPrice) {
		t.Errorf("entry price = %s, want %s", got.EntryPrice, position.EntryPrice)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	// Upsert bumps the version
	position.CurrentPrice = decimal.RequireFromString("1.0900")
	position.UnrealizedPL = decimal.RequireFromString("10")
	if err := repo.UpdatePosition(ctx, &position); err != nil {
		t.Fatalf("update position: %v", err)
	}
	got, err = repo.GetPosition(ctx, "acct-1", "EURUSD")
	if err != nil {
		t.Fatalf("get updated position: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version after update = %d, want 2", got.Version)
	}
	if !got.CurrentPrice.Equal(decimal.RequireFromString("1.0900")) {
		t.Errorf("current price = %s, want 1.0900", got.CurrentPrice)
	}

	// Close it
	closedAt := time.Now().UTC().Truncate(time.Second)
	if err := repo.ClosePosition(ctx, position.ID, decimal.RequireFromString("1.0910"), closedAt); err != nil {
		t.Fatalf("close position: %v", err)
	}

	got, err = repo.GetPosition(ctx, "acct-1", "EURUSD")
	if err != nil {
		t.Fatalf("get position after close: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil live position after close, got %+v", got)
	}

	// Closing again reports not found
	err = repo.ClosePosition(ctx, position.ID, decimal.RequireFromString("1.0910"), closedAt)
	if !errors.Is(err, types.ErrPositionNotFound) {
		t.Errorf("double close error = %v, want ErrPositionNotFound", err)
	}
}

func TestSQLiteRepository_GetOpenPositions(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for _, symbol := range []string{"EURUSD", "GBPUSD"} {
		p := types.Position{
			AccountID:  "acct-1",
			Symbol:     symbol,
			Side:       types.SideBuy,
			Quantity:   decimal.RequireFromString("0.10"),
			EntryPrice: decimal.RequireFromString("1.1000"),
		}
		if err := repo.UpdatePosition(ctx, &p); err != nil {
			t.Fatalf("save position %s: %v", symbol, err)
		}
	}

	positions, err := repo.GetOpenPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get open positions: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("open positions = %d, want 2", len(positions))
	}
}

func TestSQLiteRepository_AccountState(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Initially no state
	state, err := repo.GetAccountState(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get initial state: %v", err)
	}
	if state != nil {
		t.Error("expected nil state initially")
	}

	// Save two snapshots, latest wins
	base := time.Now().UTC().Truncate(time.Second)
	for i, equity := range []string{"10000", "10250"} {
		snap := AccountState{
			AccountID:     "acct-1",
			Balance:       decimal.RequireFromString("10000"),
			Equity:        decimal.RequireFromString(equity),
			OpenPositions: i,
			DailyPnL:      decimal.RequireFromString("250").Mul(decimal.NewFromInt(int64(i))),
			RecordedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.SaveAccountState(ctx, snap); err != nil {
			t.Fatalf("save state %d: %v", i, err)
		}
	}

	state, err = repo.GetAccountState(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil {
		t.Fatal("expected state, got nil")
	}
	if !state.Equity.Equal(decimal.RequireFromString("10250")) {
		t.Errorf("equity = %s, want 10250", state.Equity)
	}
	if state.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", state.OpenPositions)
	}
}

func TestSQLiteRepository_RiskIncidents(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	incident := types.RiskIncident{
		RuleType:    types.RuleMaxDrawdown,
		Severity:    types.SeverityHard,
		Params:      map[string]any{"max_percent": 10.0},
		Observed:    map[string]any{"drawdown_percent": 12.5},
		AccountID:   "acct-1",
		ActionTaken: types.ActionKillSwitch,
		TriggeredBy: "monitor",
	}
	if err := repo.SaveRiskIncident(ctx, &incident); err != nil {
		t.Fatalf("save incident: %v", err)
	}
	if incident.ID == "" {
		t.Fatal("expected incident id to be assigned")
	}

	incidents, err := repo.GetRiskIncidents(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("get incidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}

	got := incidents[0]
	if got.RuleType != types.RuleMaxDrawdown {
		t.Errorf("rule type = %s, want MAX_DRAWDOWN", got.RuleType)
	}
	if got.ActionTaken != types.ActionKillSwitch {
		t.Errorf("action = %s, want kill_switch", got.ActionTaken)
	}
	if v, ok := got.Observed["drawdown_percent"].(float64); !ok || v != 12.5 {
		t.Errorf("observed drawdown = %v, want 12.5", got.Observed["drawdown_percent"])
	}
}

func TestSQLiteRepository_AuditLog(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	entry := types.AuditEntry{
		Actor:    "ops@example.com",
		Action:   "kill_switch_release",
		Entity:   "account",
		EntityID: "acct-1",
		Payload:  map[string]any{"note": "manual review complete"},
	}
	if err := repo.SaveAuditLog(ctx, &entry); err != nil {
		t.Fatalf("save audit log: %v", err)
	}

	var count int
	if err := repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE actor = ?`, "ops@example.com").Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1", count)
	}
}

func TestSQLiteRepository_SaveTrade(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	trade := types.Trade{
		OrderID:      "order-1",
		AccountID:    "acct-1",
		Symbol:       "EURUSD",
		Side:         types.SideSell,
		Quantity:     decimal.RequireFromString("0.10"),
		Price:        decimal.RequireFromString("1.0875"),
		Commission:   decimal.RequireFromString("0.07"),
		BrokerDealID: "deal-55",
		ExecutedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := repo.SaveTrade(ctx, &trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}
	if trade.ID == "" {
		t.Fatal("expected trade id to be assigned")
	}
}

func TestSQLiteRepository_NoData(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	orders, err := repo.GetOpenOrders(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get open orders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("open orders = %d, want 0", len(orders))
	}

	positions, err := repo.GetOpenPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions = %d, want 0", len(positions))
	}

	index, err := repo.LoadIdempotencyIndex(ctx)
	if err != nil {
		t.Fatalf("load idempotency index: %v", err)
	}
	if len(index) != 0 {
		t.Errorf("idempotency index = %d entries, want 0", len(index))
	}

	incidents, err := repo.GetRiskIncidents(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("get incidents: %v", err)
	}
	if len(incidents) != 0 {
		t.Errorf("incidents = %d, want 0", len(incidents))
	}
}
