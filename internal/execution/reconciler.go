package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// ReconcilerConfig holds the reconciliation loop settings.
type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultReconcilerConfig returns the default reconciliation settings.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   30 * time.Second,
		StaleAfter: time.Minute,
	}
}

// Reconciler completes transitions a crashed or canceled submit left behind.
// It compares stale non-terminal orders in the repository against the
// broker's working orders and re-applies whatever move is missing.
type Reconciler struct {
	cfg       ReconcilerConfig
	engine    *Engine
	repo      persistence.Repository
	connector broker.Connector
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReconciler creates the reconciliation task.
func NewReconciler(cfg ReconcilerConfig, engine *Engine, repo persistence.Repository, connector broker.Connector, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return &Reconciler{
		cfg:       cfg,
		engine:    engine,
		repo:      repo,
		connector: connector,
		logger:    logger.With("component", "reconciler"),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.cfg.Interval)

	for {
		select {
		case <-ticker.C:
			n, err := r.Reconcile(ctx)
			if err != nil {
				r.logger.Warn("reconciliation pass failed", "err", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reconciled stranded orders", "count", n)
			}
		case <-r.done:
			r.logger.Info("reconciler stopped")
			return
		case <-ctx.Done():
			r.logger.Info("reconciler stopped", "reason", "context canceled")
			return
		}
	}
}

// Reconcile runs one pass and returns the number of transitions applied.
//
// PENDING and VALIDATED orders that never made it to the broker are
// rejected; VALIDATED orders the broker does know advance to SUBMITTED;
// SUBMITTED and PARTIAL orders the broker no longer lists expire.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stale, err := r.repo.ListNonTerminalOrders(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal orders: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	working, err := r.connector.GetOrders(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list broker orders: %w", err)
	}
	byClientID := make(map[string]types.Order, len(working))
	for _, o := range working {
		if o.ClientOrderID != "" {
			byClientID[o.ClientOrderID] = o
		}
	}

	applied := 0
	for i := range stale {
		order := &stale[i]
		brokerOrder, atBroker := byClientID[order.ClientOrderID]

		var applyErr error
		switch order.Status {
		case types.OrderStatusPending:
			applyErr = r.rejectStranded(ctx, order)

		case types.OrderStatusValidated:
			if atBroker {
				update := persistence.OrderUpdate{
					BrokerOrderID: persistence.String(brokerOrder.BrokerOrderID),
					OpenedAt:      persistence.Time(time.Now().UTC()),
				}
				_, applyErr = r.engine.UpdateStatus(ctx, order.ID, types.OrderStatusSubmitted, update)
			} else {
				applyErr = r.rejectStranded(ctx, order)
			}

		case types.OrderStatusSubmitted, types.OrderStatusPartial:
			if atBroker {
				continue // still working, nothing to repair
			}
			update := persistence.OrderUpdate{
				Reason:   persistence.String("no longer working at broker"),
				ClosedAt: persistence.Time(time.Now().UTC()),
			}
			_, applyErr = r.engine.UpdateStatus(ctx, order.ID, types.OrderStatusExpired, update)

		default:
			continue
		}

		if applyErr != nil {
			r.logger.Error("failed to reconcile order",
				"order_id", order.ID,
				"status", order.Status,
				"err", applyErr,
			)
			continue
		}
		applied++
		r.logger.Warn("reconciled order",
			"order_id", order.ID,
			"from", order.Status,
		)
	}
	return applied, nil
}

func (r *Reconciler) rejectStranded(ctx context.Context, order *types.Order) error {
	update := persistence.OrderUpdate{Reason: persistence.String("submission interrupted")}
	_, err := r.engine.UpdateStatus(ctx, order.ID, types.OrderStatusRejected, update)
	return err
}
