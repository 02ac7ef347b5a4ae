package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/metrics"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// RiskChecker is the pre-trade gate consulted before every submission.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, order *types.Order, account *types.AccountInfo,
		positions []types.Position, market *types.MarketSnapshot) (*types.Approval, error)
}

// Config holds the execution engine configuration.
type Config struct {
	AccountID string
}

// Engine drives orders through the state machine: persist, risk check,
// broker submit, fill bookkeeping. State-changing operations serialize on
// one mutex; cross-instance safety rides on the repository version column.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	repo      persistence.Repository
	connector broker.Connector
	risk      RiskChecker
	events    *Events
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

// NewEngine creates the execution engine.
func NewEngine(
	cfg Config,
	repo persistence.Repository,
	connector broker.Connector,
	risk RiskChecker,
	events *Events,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		connector: connector,
		risk:      risk,
		events:    events,
		recorder:  metrics.NewRecorder(),
		logger:    logger.With("component", "execution"),
	}
}

// Submit runs the full order pipeline. Business rejections (validation,
// risk, broker refusal) come back as a REJECTED order with a reason and a
// nil error; the error return is reserved for infrastructure failures where
// the outcome is unknown.
func (e *Engine) Submit(ctx context.Context, order *types.Order) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	timer := metrics.NewTimer()
	defer timer.ObserveSubmit()

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = order.ID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = types.OrderStatusPending
	}
	if order.Status != types.OrderStatusPending {
		return nil, fmt.Errorf("submit %s: %w", order.ID,
			&TransitionError{From: order.Status, To: types.OrderStatusValidated})
	}

	id, err := e.repo.SaveOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	if id != order.ID {
		// The client_order_id was already accepted; hand back that order
		// untouched instead of running the pipeline twice.
		existing, err := e.repo.GetOrder(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load duplicate order: %w", err)
		}
		e.logger.Warn("duplicate client order id",
			"client_order_id", order.ClientOrderID,
			"order_id", id,
		)
		return existing, nil
	}

	if !order.Quantity.IsPositive() {
		if err := e.reject(ctx, order, "quantity must be positive"); err != nil {
			return nil, err
		}
		return order, nil
	}

	if !e.connector.IsConnected() {
		if err := e.reject(ctx, order, "broker unavailable"); err != nil {
			return nil, err
		}
		return order, nil
	}

	account, err := e.connector.GetAccountInfo(ctx)
	if err != nil {
		e.logger.Error("failed to read account info", "order_id", order.ID, "err", err)
		if err := e.reject(ctx, order, "broker unavailable"); err != nil {
			return nil, err
		}
		return order, nil
	}
	positions, err := e.connector.GetPositions(ctx, order.Symbol)
	if err != nil {
		e.logger.Error("failed to read positions", "order_id", order.ID, "err", err)
		if err := e.reject(ctx, order, "broker unavailable"); err != nil {
			return nil, err
		}
		return order, nil
	}

	approval, err := e.risk.PreTradeCheck(ctx, order, account, positions, nil)
	if err != nil {
		return nil, fmt.Errorf("pre-trade check: %w", err)
	}
	if !approval.Approved {
		if err := e.reject(ctx, order, approval.Reason); err != nil {
			return nil, err
		}
		return order, nil
	}
	for _, w := range approval.Warnings {
		e.logger.Warn("risk warning", "order_id", order.ID, "warning", w)
	}

	if err := e.applyStatus(ctx, order, types.OrderStatusValidated, persistence.OrderUpdate{}); err != nil {
		return nil, err
	}
	e.events.Emit(ctx, types.EventOrderCreated, order)

	result, err := e.connector.ExecuteOrder(ctx, order)
	if err != nil {
		if ctx.Err() != nil {
			// Outcome unknown; the reconciler resolves the stranded order.
			return nil, ctx.Err()
		}
		e.logger.Error("broker execute failed", "order_id", order.ID, "err", err)
		if err := e.reject(ctx, order, "broker unavailable"); err != nil {
			return nil, err
		}
		return order, nil
	}
	if !result.OK {
		reason := result.Error
		if reason == "" {
			reason = result.RetcodeMessage
		}
		if reason == "" {
			reason = fmt.Sprintf("broker retcode %d", result.Retcode)
		}
		if err := e.reject(ctx, order, reason); err != nil {
			return nil, err
		}
		return order, nil
	}

	openedAt := time.Now().UTC()
	update := persistence.OrderUpdate{OpenedAt: persistence.Time(openedAt)}
	if result.BrokerOrderID != "" {
		update.BrokerOrderID = persistence.String(result.BrokerOrderID)
	}
	if err := e.applyStatus(ctx, order, types.OrderStatusSubmitted, update); err != nil {
		return nil, err
	}

	if result.Deal != "" {
		if err := e.fill(ctx, order, result); err != nil {
			return nil, err
		}
	}

	e.recorder.RecordOrder(order.Symbol, string(order.Side), string(order.Status))
	e.logger.Info("order submitted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"status", order.Status,
		"broker_order_id", order.BrokerOrderID,
	)
	return order, nil
}

// Cancel withdraws a working order. Legal only before the order reaches a
// terminal state.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	switch order.Status {
	case types.OrderStatusPending, types.OrderStatusValidated,
		types.OrderStatusSubmitted, types.OrderStatusPartial:
	default:
		return nil, fmt.Errorf("cancel %s in %s: %w", orderID, order.Status, types.ErrCancelNotAllowed)
	}

	if order.BrokerOrderID != "" {
		if err := e.connector.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			return nil, fmt.Errorf("cancel at broker: %w", err)
		}
	}

	update := persistence.OrderUpdate{ClosedAt: persistence.Time(time.Now().UTC())}
	if err := e.applyStatus(ctx, order, types.OrderStatusCanceled, update); err != nil {
		return nil, err
	}
	e.events.Emit(ctx, types.EventOrderCanceled, order)
	e.recorder.RecordOrder(order.Symbol, string(order.Side), string(types.OrderStatusCanceled))
	e.logger.Info("order canceled", "order_id", order.ID, "symbol", order.Symbol)
	return order, nil
}

// CancelAllOrders sweeps every open order on the configured account. Used by
// the risk engine's kill switch. Returns the number canceled; the last
// failure is reported after the sweep completes.
func (e *Engine) CancelAllOrders(ctx context.Context) (int, error) {
	open, err := e.repo.GetOpenOrders(ctx, e.cfg.AccountID)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	canceled := 0
	var lastErr error
	for i := range open {
		if _, err := e.Cancel(ctx, open[i].ID); err != nil {
			lastErr = err
			e.logger.Error("cancel sweep failed", "order_id", open[i].ID, "err", err)
			continue
		}
		canceled++
	}
	return canceled, lastErr
}

// UpdateStatus applies an externally observed transition (fill callbacks,
// reconciliation). The move is validated against the state machine and
// persisted with a version bump; order_updated is emitted, plus
// order_rejected when the new status is REJECTED.
func (e *Engine) UpdateStatus(ctx context.Context, orderID string, status types.OrderStatus, update persistence.OrderUpdate) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if err := e.applyStatus(ctx, order, status, update); err != nil {
		return nil, err
	}

	e.events.Emit(ctx, types.EventOrderUpdated, order)
	if status == types.OrderStatusRejected {
		e.events.Emit(ctx, types.EventOrderRejected, order)
	}
	e.recorder.RecordOrder(order.Symbol, string(order.Side), string(status))
	return order, nil
}

// applyStatus validates and persists one transition, then mirrors the
// written fields into the in-memory order. Must be called with the engine
// mutex held.
func (e *Engine) applyStatus(ctx context.Context, order *types.Order, status types.OrderStatus, update persistence.OrderUpdate) error {
	if err := ValidateTransition(order.Status, status); err != nil {
		return err
	}

	ok, err := e.repo.UpdateOrderStatus(ctx, order.ID, status, update)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, types.ErrVersionConflict)
	}

	order.Status = status
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	if update.Reason != nil {
		order.Reason = *update.Reason
	}
	if update.FilledQuantity != nil {
		order.FilledQuantity = *update.FilledQuantity
	}
	if update.BrokerOrderID != nil {
		order.BrokerOrderID = *update.BrokerOrderID
	}
	if update.Commission != nil {
		order.Commission = *update.Commission
	}
	if update.Swap != nil {
		order.Swap = *update.Swap
	}
	if update.Profit != nil {
		order.Profit = *update.Profit
	}
	if update.OpenedAt != nil {
		order.OpenedAt = update.OpenedAt
	}
	if update.ClosedAt != nil {
		order.ClosedAt = update.ClosedAt
	}
	return nil
}

// reject moves the order to REJECTED with a reason and emits the event.
func (e *Engine) reject(ctx context.Context, order *types.Order, reason string) error {
	update := persistence.OrderUpdate{Reason: persistence.String(reason)}
	if err := e.applyStatus(ctx, order, types.OrderStatusRejected, update); err != nil {
		return err
	}
	e.logger.Warn("order rejected",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"reason", reason,
	)
	e.events.Emit(ctx, types.EventOrderRejected, order)
	e.recorder.RecordOrder(order.Symbol, string(order.Side), string(types.OrderStatusRejected))
	return nil
}

// fill finalizes an order the broker filled synchronously: FILLED status,
// fill bookkeeping, trade record, order_filled event.
func (e *Engine) fill(ctx context.Context, order *types.Order, result *broker.ExecutionResult) error {
	filledAt := time.Now().UTC()
	quantity := order.Quantity
	if !result.Volume.IsZero() {
		quantity = result.Volume
	}

	update := persistence.OrderUpdate{
		FilledQuantity: persistence.Decimal(quantity),
		ClosedAt:       persistence.Time(filledAt),
	}
	if err := e.applyStatus(ctx, order, types.OrderStatusFilled, update); err != nil {
		return err
	}

	price := result.Price
	if price.IsZero() {
		price = order.Price
	}
	trade := &types.Trade{
		ID:           uuid.New().String(),
		OrderID:      order.ID,
		AccountID:    order.AccountID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     quantity,
		Price:        price,
		BrokerDealID: result.Deal,
		ExecutedAt:   filledAt,
	}
	if err := e.repo.SaveTrade(ctx, trade); err != nil {
		// The fill stands regardless; the trade record is bookkeeping.
		e.logger.Error("failed to persist trade", "order_id", order.ID, "err", err)
	}

	e.events.Emit(ctx, types.EventOrderFilled, order)
	e.logger.Info("order filled",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"quantity", quantity,
		"price", price,
		"deal", result.Deal,
	)
	return nil
}
