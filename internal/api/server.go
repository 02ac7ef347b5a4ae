// Package api exposes the order pipeline over HTTP: order submission and
// lookup, account snapshots and a readiness probe.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
)

// Config holds the API server settings.
type Config struct {
	Host string
	Port int
}

// Submitter drives the execution pipeline.
type Submitter interface {
	Submit(ctx context.Context, order *types.Order) (*types.Order, error)
	Cancel(ctx context.Context, orderID string) (*types.Order, error)
}

// Store reads order and account state.
type Store interface {
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	GetAccountState(ctx context.Context, accountID string) (*persistence.AccountState, error)
}

// ReadyFunc reports whether the pipeline can accept orders.
type ReadyFunc func() bool

// Server is the HTTP front of the trading binary.
type Server struct {
	cfg        Config
	engine     Submitter
	store      Store
	ready      ReadyFunc
	validate   *validator.Validate
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the order API. A nil ready func means always ready.
func NewServer(cfg Config, engine Submitter, store Store, ready ReadyFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		ready:    ready,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.handleCreateOrder)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /account/{account_id}", s.handleGetAccount)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler. Used by tests and by binaries that mount
// the API under their own server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	s.logger.Info("starting api server", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}
