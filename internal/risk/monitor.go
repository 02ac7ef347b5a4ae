package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/alerting"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// Start launches the background position monitor.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.monitorLoop(ctx)
}

// Stop terminates the monitor and waits for it to exit.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	e.logger.Info("position monitor started",
		"interval", e.cfg.MonitorInterval,
	)

	for {
		select {
		case <-ticker.C:
			if err := e.MonitorPositions(ctx, e.cfg.AccountID); err != nil {
				e.logger.Warn("position monitor pass failed", "err", err)
			}
		case <-e.done:
			e.logger.Info("position monitor stopped")
			return
		case <-ctx.Done():
			e.logger.Info("position monitor stopped", "reason", "context canceled")
			return
		}
	}
}

// MonitorPositions runs one monitoring pass: refresh account and positions,
// roll the daily loss accumulator, feed the correlation windows and enforce
// the aggregate exposure cap.
func (e *Engine) MonitorPositions(ctx context.Context, accountID string) error {
	account, err := e.connector.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("get account info: %w", err)
	}
	positions, err := e.connector.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}

	e.mu.Lock()
	day := time.Now().UTC().Format("2006-01-02")
	if day != e.dailyDate {
		e.dailyDate = day
		e.dayStartBalance = account.Balance
	}
	e.dailyPnL = account.Equity.Sub(e.dayStartBalance)
	dailyPnL := e.dailyPnL

	for _, p := range positions {
		if !p.CurrentPrice.IsZero() {
			e.observePriceLocked(p.Symbol, p.CurrentPrice)
		}
	}

	total := totalNotional(positions)
	limit, capped := e.exposureCapLocked()
	e.mu.Unlock()

	if e.equity.Update(account.Equity) {
		e.logger.Info("new equity peak", "equity", account.Equity)
	}

	e.recorder.RecordEquity(account.Equity)
	e.recorder.RecordDailyPL(dailyPnL)
	e.recorder.RecordExposure(total)
	counts := make(map[string]int)
	for _, p := range positions {
		counts[p.Symbol]++
	}
	for sym, n := range counts {
		e.recorder.RecordOpenPositions(sym, n)
	}

	if e.store != nil {
		state := persistence.AccountState{
			AccountID:     accountID,
			Balance:       account.Balance,
			Equity:        account.Equity,
			Margin:        account.Margin,
			FreeMargin:    account.FreeMargin,
			OpenPositions: len(positions),
			DailyPnL:      dailyPnL,
			RecordedAt:    time.Now().UTC(),
		}
		if err := e.store.SaveAccountState(ctx, state); err != nil {
			e.logger.Warn("failed to persist account state", "err", err)
		}
	}

	if capped && total.GreaterThan(limit) {
		e.reduceExposure(ctx, accountID, total, limit)
	}

	if dailyPnL.IsNegative() && e.alerter != nil {
		if err := e.alerter.Alert(ctx, alerting.SeverityWarning, "Daily loss",
			"account_id", accountID,
			"daily_pnl", dailyPnL,
		); err != nil {
			e.logger.Warn("failed to send daily loss alert", "err", err)
		}
	}

	return nil
}

// DailyPnL returns the current day's running profit and loss.
func (e *Engine) DailyPnL() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyPnL
}

// exposureCapLocked resolves the aggregate exposure cap from the configured
// MAX_EXPOSURE rule. Must be called with the lock held.
func (e *Engine) exposureCapLocked() (decimal.Decimal, bool) {
	for _, r := range e.rules {
		if r.Type != types.RuleMaxExposure || !r.Enabled {
			continue
		}
		if limit, ok := r.Param("max_exposure"); ok {
			return decimal.NewFromFloat(limit), true
		}
	}
	return decimal.Zero, false
}

// reduceExposure closes the whole book and records a position_reduced
// incident.
func (e *Engine) reduceExposure(ctx context.Context, accountID string, total, limit decimal.Decimal) {
	e.logger.Error("aggregate exposure over limit, closing all positions",
		"exposure", total,
		"limit", limit,
	)

	results, err := e.connector.CloseAllPositions(ctx, "")
	if err != nil {
		e.logger.Error("failed to close positions", "err", err)
		e.recorder.RecordError("position_reduce")
		return
	}
	closed := 0
	for _, r := range results {
		if r.OK {
			closed++
		}
	}

	e.recordIncident(ctx, &types.RiskIncident{
		ID:       uuid.New().String(),
		RuleType: types.RuleMaxExposure,
		Severity: types.SeverityHard,
		Observed: map[string]any{
			"exposure":     total.String(),
			"max_exposure": limit.String(),
			"closed":       closed,
		},
		AccountID:   accountID,
		ActionTaken: types.ActionPositionReduced,
		CreatedAt:   time.Now().UTC(),
	})

	if e.alerter != nil {
		if err := e.alerter.Alert(ctx, alerting.SeverityHigh, "Exposure limit breached, positions closed",
			"exposure", total,
			"limit", limit,
			"closed", closed,
		); err != nil {
			e.logger.Warn("failed to send exposure alert", "err", err)
		}
	}
}
