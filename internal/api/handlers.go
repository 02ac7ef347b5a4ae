package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// createOrderRequest is the POST /orders body. Quantity and prices accept
// JSON numbers or strings; both decode into decimals without float rounding.
type createOrderRequest struct {
	AccountID     string          `json:"account_id" validate:"required"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol" validate:"required"`
	Side          string          `json:"side" validate:"required,oneof=BUY SELL"`
	OrderType     string          `json:"order_type" validate:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StrategyID    string          `json:"strategy_id"`
	ModelID       string          `json:"model_id"`
}

type accountResponse struct {
	AccountID     string          `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	Margin        decimal.Decimal `json:"margin"`
	FreeMargin    decimal.Decimal `json:"free_margin"`
	OpenPositions int             `json:"open_positions"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeDetail(w, http.StatusServiceUnavailable, "order pipeline not ready")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Quantity.IsPositive() {
		writeDetail(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.New().String()
	}

	order := &types.Order{
		ClientOrderID: clientOrderID,
		AccountID:     req.AccountID,
		StrategyID:    req.StrategyID,
		ModelID:       req.ModelID,
		Symbol:        req.Symbol,
		Side:          types.Side(req.Side),
		Type:          types.OrderType(req.OrderType),
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		LimitPrice:    req.LimitPrice,
		Status:        types.OrderStatusPending,
	}

	submitted, err := s.engine.Submit(r.Context(), order)
	if err != nil {
		s.logger.Error("order submit failed",
			"client_order_id", clientOrderID,
			"err", err)
		writeDetail(w, http.StatusInternalServerError, "order submission failed")
		return
	}

	// Business rejections still serialize as orders; the status tells the
	// caller what happened.
	writeJSON(w, http.StatusOK, submitted)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, types.ErrOrderNotFound) {
			writeDetail(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("order lookup failed", "order_id", r.PathValue("id"), "err", err)
		writeDetail(w, http.StatusInternalServerError, "order lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, types.ErrOrderNotFound):
			writeDetail(w, http.StatusNotFound, "order not found")
		case errors.Is(err, types.ErrCancelNotAllowed):
			writeDetail(w, http.StatusConflict, "order cannot be canceled in its current state")
		default:
			s.logger.Error("order cancel failed", "order_id", r.PathValue("id"), "err", err)
			writeDetail(w, http.StatusInternalServerError, "order cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	state, err := s.store.GetAccountState(r.Context(), accountID)
	if err != nil {
		s.logger.Error("account lookup failed", "account_id", accountID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	if state == nil {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		AccountID:     state.AccountID,
		Balance:       state.Balance,
		Equity:        state.Equity,
		Margin:        state.Margin,
		FreeMargin:    state.FreeMargin,
		OpenPositions: state.OpenPositions,
		DailyPnL:      state.DailyPnL,
		RecordedAt:    state.RecordedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}
