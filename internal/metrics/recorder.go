package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records an order reaching a status.
func (r *Recorder) RecordOrder(symbol, side, status string) {
	OrdersTotal.WithLabelValues(symbol, side, status).Inc()
}

// RecordTrade records a completed fill.
func (r *Recorder) RecordTrade(symbol, side string, profitable bool) {
	outcome := "loss"
	if profitable {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(symbol, side, outcome).Inc()
}

// RecordSubmitLatency records the duration of an order submit.
func (r *Recorder) RecordSubmitLatency(duration time.Duration) {
	SubmitLatency.Observe(duration.Seconds())
}

// RecordRiskViolation records a risk rule violation.
func (r *Recorder) RecordRiskViolation(rule, action string) {
	RiskViolationsTotal.WithLabelValues(rule, action).Inc()
}

// RecordKillSwitch records the kill switch state.
func (r *Recorder) RecordKillSwitch(active bool) {
	if active {
		KillSwitchEngaged.Set(1)
	} else {
		KillSwitchEngaged.Set(0)
	}
}

// RecordOpenPositions records the open position count for a symbol.
func (r *Recorder) RecordOpenPositions(symbol string, count int) {
	PositionsOpen.WithLabelValues(symbol).Set(float64(count))
}

// RecordExposure records the aggregate notional exposure.
func (r *Recorder) RecordExposure(total decimal.Decimal) {
	ExposureCurrent.Set(total.InexactFloat64())
}

// RecordEquity records the broker-reported equity.
func (r *Recorder) RecordEquity(equity decimal.Decimal) {
	EquityCurrent.Set(equity.InexactFloat64())
}

// RecordDailyPL records the running day profit/loss.
func (r *Recorder) RecordDailyPL(pl decimal.Decimal) {
	DailyPL.Set(pl.InexactFloat64())
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordBrokerReconnect records a reconnect attempt.
func (r *Recorder) RecordBrokerReconnect() {
	BrokerReconnectsTotal.Inc()
}

// RecordEvent records an emitted order lifecycle event.
func (r *Recorder) RecordEvent(event string) {
	EventsEmittedTotal.WithLabelValues(event).Inc()
}

// RecordWSConnected records a WebSocket connection being accepted.
func (r *Recorder) RecordWSConnected() {
	WSConnectionsActive.Inc()
}

// RecordWSDisconnected records a WebSocket connection closing.
func (r *Recorder) RecordWSDisconnected() {
	WSConnectionsActive.Dec()
}

// RecordWSMessage records a gateway message. Direction is "in" or "out".
func (r *Recorder) RecordWSMessage(direction string) {
	WSMessagesTotal.WithLabelValues(direction).Inc()
}

// RecordWSBroadcast records a fan-out delivery on a channel.
func (r *Recorder) RecordWSBroadcast(channel string) {
	WSBroadcastsTotal.WithLabelValues(channel).Inc()
}

// RecordWSRateLimited records a rate-limit denial.
// Kind is one of "connection", "message", "subscription".
func (r *Recorder) RecordWSRateLimited(kind string) {
	WSRateLimitedTotal.WithLabelValues(kind).Inc()
}

// RecordBusError records a shared-bus operation failure.
func (r *Recorder) RecordBusError(op string) {
	BusErrorsTotal.WithLabelValues(op).Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordHeartbeat records a successful broker heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveSubmit observes the elapsed time as submit latency.
func (t *Timer) ObserveSubmit() {
	SubmitLatency.Observe(t.Elapsed().Seconds())
}
