package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/mlukyanov/tradecore/internal/metrics"
	"github.com/mlukyanov/tradecore/internal/types"
)

// Handler consumes one lifecycle event. Errors are logged and swallowed;
// a failing handler never affects the order pipeline.
type Handler func(ctx context.Context, order *types.Order) error

// Events dispatches order lifecycle events to subscribed handlers on a
// worker pool, keeping handler latency off the submit path. Each handler
// receives its own copy of the order.
type Events struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	pool     *ants.Pool
	inflight sync.WaitGroup
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewEvents creates the event bus with the given number of dispatch workers.
func NewEvents(workers int, logger *slog.Logger) (*Events, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 8
	}
	log := logger.With("component", "events")

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		log.Error("event handler panicked", "panic", v)
	}))
	if err != nil {
		return nil, err
	}

	return &Events{
		handlers: make(map[string][]Handler),
		pool:     pool,
		recorder: metrics.NewRecorder(),
		logger:   log,
	}, nil
}

// Subscribe registers a handler for an event name. Handlers registered for
// the same event run independently; their order is not guaranteed.
func (e *Events) Subscribe(event string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], h)
}

// Emit schedules all handlers for the event. The order is snapshotted per
// handler, so late mutation by the caller is invisible to them. Emission
// never blocks on handler work.
func (e *Events) Emit(ctx context.Context, event string, order *types.Order) {
	e.recorder.RecordEvent(event)

	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	// Handlers outlive the request that emitted the event.
	hctx := context.WithoutCancel(ctx)

	for _, h := range handlers {
		h := h
		snapshot := *order
		e.inflight.Add(1)
		err := e.pool.Submit(func() {
			defer e.inflight.Done()
			if err := h(hctx, &snapshot); err != nil {
				e.logger.Error("event handler failed",
					"event", event,
					"order_id", snapshot.ID,
					"err", err,
				)
			}
		})
		if err != nil {
			e.inflight.Done()
			e.logger.Warn("event dispatch refused",
				"event", event,
				"order_id", order.ID,
				"err", err,
			)
		}
	}
}

// Drain blocks until every scheduled handler has finished.
func (e *Events) Drain() {
	e.inflight.Wait()
}

// Close drains in-flight handlers and releases the worker pool.
func (e *Events) Close() {
	e.inflight.Wait()
	e.pool.Release()
}
