package mt5

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mlukyanov/tradecore/internal/alerting"
	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/types"
)

const (
	maxFrameBytes = 1 << 20

	// breakerCooldown is how long the circuit stays open before probing the
	// bridge again.
	breakerCooldown = 30 * time.Second
)

// bridgeError is an application-level refusal reported by the bridge, as
// opposed to a transport failure. It does not trip the circuit breaker.
type bridgeError struct {
	method string
	msg    string
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.method, e.msg)
}

// session is one live bridge connection. The closed channel unblocks every
// goroutine tied to it when the connection dies.
type session struct {
	conn      net.Conn
	reader    *bufio.Reader
	closed    chan struct{}
	closeOnce sync.Once
	reconnect sync.Once
}

func (s *session) shut() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

type callResult struct {
	resp response
	err  error
}

// Client implements broker.Connector against the MT5 bridge.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	alerter alerting.Alerter

	// Session. stateMu serializes connect/disconnect; state reads are
	// lock-free.
	stateMu     sync.RWMutex
	sess        *session
	state       atomic.Int32
	connectedAt time.Time

	// dial is overridable in tests.
	dial func(ctx context.Context) (net.Conn, error)

	// Request correlation
	nextReqID atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan callResult
	writeMu   sync.Mutex

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	// client_order_id -> broker_order_id, consulted before every submit.
	idempotency *cache.Cache

	reconnectCount atomic.Int64
	lastHeartbeat  atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a bridge client. It does not connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger.With("component", "mt5"),
		pending:     make(map[int64]chan callResult),
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		idempotency: cache.New(cache.NoExpiration, 0),
		done:        make(chan struct{}),
	}

	c.dial = func(ctx context.Context) (net.Conn, error) {
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		return dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mt5-bridge",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var bErr *bridgeError
			if errors.As(err, &bErr) {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	c.state.Store(int32(broker.StateDisconnected))
	c.nextReqID.Store(1000)

	return c
}

var _ broker.Connector = (*Client)(nil)

// SetAlerter wires connectivity alerts. Call before Connect.
func (c *Client) SetAlerter(a alerting.Alerter) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.alerter = a
}

// notify pushes a connectivity alert when an alerter is wired. Delivery
// failures are logged, never propagated.
func (c *Client) notify(severity alerting.Severity, message string, fields ...any) {
	c.stateMu.RLock()
	alerter := c.alerter
	c.stateMu.RUnlock()
	if alerter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alerter.Alert(ctx, severity, message, fields...); err != nil {
		c.logger.Warn("alert delivery failed", "err", err)
	}
}

// Connect dials the bridge, logs in and starts the read and heartbeat loops.
// Idempotent while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	select {
	case <-c.done:
		return types.ErrNotConnected
	default:
	}
	if c.State() == broker.StateConnected {
		return nil
	}

	c.state.Store(int32(broker.StateConnecting))
	c.logger.Info("connecting to bridge",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"server", c.cfg.Server,
	)

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("dial bridge: %w", err)
	}

	s := &session{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		closed: make(chan struct{}),
	}

	if err := c.login(s); err != nil {
		_ = conn.Close()
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("login: %w", err)
	}

	c.sess = s
	c.connectedAt = time.Now()
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.state.Store(int32(broker.StateConnected))

	c.wg.Add(2)
	go c.readLoop(s)
	go c.heartbeatLoop(s)

	c.logger.Info("connected to bridge", "login", c.cfg.Login)
	return nil
}

// login performs the synchronous authentication exchange before the read
// loop takes over the connection.
func (c *Client) login(s *session) error {
	req := request{
		ID:     c.nextReqID.Add(1),
		Method: methodLogin,
		Params: marshalParams(loginParams{
			Login:    c.cfg.Login,
			Password: c.cfg.Password,
			Server:   c.cfg.Server,
		}),
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}
	if _, err := s.conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write login: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("bridge refused login: %s", resp.Error)
	}
	return nil
}

// readLoop decodes inbound frames and routes them to waiting callers.
func (c *Client) readLoop(s *session) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			c.logger.Debug("dropping malformed frame", "err", err)
			continue
		}
		c.dispatch(resp)
	}

	select {
	case <-c.done:
		return
	case <-s.closed:
		return
	default:
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("bridge read failed", "err", err)
	} else {
		c.logger.Warn("bridge closed connection")
	}
	c.teardown(s)
}

func (c *Client) dispatch(resp response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- callResult{resp: resp}
	} else {
		c.logger.Debug("response without waiter", "id", resp.ID)
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- callResult{err: types.ErrNotConnected}:
		default:
		}
	}
}

// heartbeatLoop polls terminal info every heartbeat interval. A failed poll
// kills the session and starts reconnection.
func (c *Client) heartbeatLoop(s *session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.call(ctx, methodTerminalInfo, nil, nil)
		cancel()
		if err != nil {
			c.logger.Warn("heartbeat failed", "err", err)
			c.teardown(s)
			return
		}
		c.lastHeartbeat.Store(time.Now().UnixNano())
	}
}

// teardown kills a session and, unless the client is shutting down, starts
// background reconnection. Safe to call from multiple goroutines.
func (c *Client) teardown(s *session) {
	s.shut()
	c.failPending()

	select {
	case <-c.done:
		return
	default:
	}

	s.reconnect.Do(func() {
		c.state.Store(int32(broker.StateError))
		c.logger.Warn("bridge connection lost")
		c.notify(alerting.EventSeverity(alerting.EventBrokerDisconnected), "Broker connection lost",
			"host", c.cfg.Host,
			"port", c.cfg.Port,
		)
		go func() {
			if err := c.Reconnect(context.Background()); err != nil {
				c.logger.Error("reconnect abandoned", "err", err)
				c.state.Store(int32(broker.StateDisconnected))
				c.notify(alerting.SeverityCritical, "Broker reconnect abandoned",
					"err", err.Error(),
				)
			}
		}()
	})
}

// Reconnect retries Connect up to the configured attempt count, waiting
// delay·multiplier^attempt between tries. Succeeds iff any attempt does.
func (c *Client) Reconnect(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return types.ErrNotConnected
		case <-time.After(delay):
		}

		c.reconnectCount.Add(1)
		c.logger.Info("attempting reconnect", "attempt", attempt)

		if err := c.Connect(ctx); err == nil {
			c.logger.Info("reconnected", "attempt", attempt)
			c.notify(alerting.EventSeverity(alerting.EventBrokerReconnected), "Broker connection restored",
				"attempt", attempt,
			)
			return nil
		} else {
			c.logger.Warn("reconnect failed", "attempt", attempt, "err", err)
		}

		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
	}
	return fmt.Errorf("%w: reconnect attempts exhausted", types.ErrBrokerUnavailable)
}

// Disconnect stops the heartbeat, closes the session and waits for loops to
// drain, bounded by ctx.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.State() == broker.StateDisconnected {
		c.stateMu.Unlock()
		return nil
	}
	s := c.sess
	c.state.Store(int32(broker.StateDisconnected))
	c.stateMu.Unlock()

	close(c.done)
	if s != nil {
		s.shut()
	}
	c.failPending()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info("disconnected from bridge")
	return nil
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if a session is live.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// Health reports session uptime, last heartbeat and reconnect count.
func (c *Client) Health() types.ConnectorHealth {
	connected := c.IsConnected()

	var uptime time.Duration
	c.stateMu.RLock()
	if connected && !c.connectedAt.IsZero() {
		uptime = time.Since(c.connectedAt)
	}
	c.stateMu.RUnlock()

	var last time.Time
	if ns := c.lastHeartbeat.Load(); ns > 0 {
		last = time.Unix(0, ns).UTC()
	}

	return types.ConnectorHealth{
		Uptime:         uptime,
		LastHeartbeat:  last,
		ReconnectCount: int(c.reconnectCount.Load()),
		Connected:      connected,
	}
}

// WarmIdempotency seeds the client-to-broker order id map from the
// repository.
func (c *Client) WarmIdempotency(index map[string]string) {
	for clientID, brokerID := range index {
		c.idempotency.Set(clientID, brokerID, cache.NoExpiration)
	}
	c.logger.Info("idempotency cache warmed", "entries", len(index))
}

// roundTrip runs one request/response exchange through the rate limiter and
// circuit breaker.
func (c *Client) roundTrip(ctx context.Context, method string, params, result any) error {
	if !c.IsConnected() {
		return types.ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.call(ctx, method, params, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.stateMu.RLock()
	s := c.sess
	c.stateMu.RUnlock()
	if s == nil {
		return types.ErrNotConnected
	}

	id := c.nextReqID.Add(1)
	req := request{ID: id, Method: method}
	if params != nil {
		req.Params = marshalParams(params)
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = s.conn.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-s.closed:
		c.removePending(id)
		return types.ErrNotConnected
	case <-timer.C:
		c.removePending(id)
		return fmt.Errorf("%s: %w", method, types.ErrRequestTimeout)
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if !res.resp.OK {
			return &bridgeError{method: method, msg: res.resp.Error}
		}
		if result != nil && len(res.resp.Result) > 0 {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// ExecuteOrder runs the validation pipeline and submits the trade request.
// Venue rejections and validation failures come back in the result with OK
// false; only transport failures surface as errors.
func (c *Client) ExecuteOrder(ctx context.Context, order *types.Order) (*broker.ExecutionResult, error) {
	// Duplicate submits return the stored broker id without re-submission.
	if order.ClientOrderID != "" {
		if brokerID, found := c.idempotency.Get(order.ClientOrderID); found {
			c.logger.Info("duplicate order suppressed",
				"client_order_id", order.ClientOrderID,
				"broker_order_id", brokerID,
			)
			return &broker.ExecutionResult{
				OK:            true,
				Duplicate:     true,
				BrokerOrderID: brokerID.(string),
			}, nil
		}
	}

	if order.Symbol == "" || !order.Quantity.IsPositive() {
		return &broker.ExecutionResult{Error: "invalid order payload"}, nil
	}

	var info symbolInfo
	if err := c.roundTrip(ctx, methodSymbolInfo, symbolParams{Symbol: order.Symbol}, &info); err != nil {
		var bErr *bridgeError
		if errors.As(err, &bErr) {
			return &broker.ExecutionResult{Error: "symbol not found"}, nil
		}
		return nil, err
	}
	spec := info.toSpec()

	if ok, msg := validateSymbol(spec); !ok {
		return &broker.ExecutionResult{Error: msg}, nil
	}
	if ok, msg := validateVolume(spec, order.Quantity); !ok {
		return &broker.ExecutionResult{Error: msg}, nil
	}

	price := order.Price
	if price.IsZero() {
		if order.Side == types.SideBuy {
			price = spec.Ask
		} else {
			price = spec.Bid
		}
	}
	if price.IsZero() {
		return &broker.ExecutionResult{Error: "no market tick"}, nil
	}
	if ok, msg := validatePriceTick(spec, price); !ok {
		return &broker.ExecutionResult{Error: msg}, nil
	}
	if ok, msg := validateStops(spec, price, order.StopPrice, order.LimitPrice); !ok {
		return &broker.ExecutionResult{Error: msg}, nil
	}

	enable := true
	var selected bool
	if err := c.roundTrip(ctx, methodSymbolSelect, symbolParams{Symbol: order.Symbol, Enable: &enable}, &selected); err != nil {
		return nil, err
	}
	if !selected {
		return &broker.ExecutionResult{Error: "symbol select failed"}, nil
	}

	orderType := orderTypeBuy
	if order.Side == types.SideSell {
		orderType = orderTypeSell
	}
	priceF, _ := price.Float64()
	volumeF, _ := order.Quantity.Float64()

	var margin marginResult
	if err := c.roundTrip(ctx, methodOrderCalcMargin, marginParams{
		Type:   orderType,
		Symbol: order.Symbol,
		Volume: volumeF,
		Price:  priceF,
	}, &margin); err != nil {
		return nil, err
	}
	var acct accountInfo
	if err := c.roundTrip(ctx, methodAccountInfo, nil, &acct); err != nil {
		return nil, err
	}
	if acct.MarginFree < margin.Margin {
		return &broker.ExecutionResult{Error: "insufficient margin"}, nil
	}

	action := actionDeal
	if order.Type != types.OrderTypeMarket {
		action = actionPending
	}
	slF, _ := order.StopPrice.Float64()
	tpF, _ := order.LimitPrice.Float64()
	comment := order.ClientOrderID
	if len(comment) > 31 {
		comment = comment[:31]
	}

	var res tradeResult
	err := c.roundTrip(ctx, methodOrderSend, tradeRequest{
		Action:      action,
		Symbol:      order.Symbol,
		Volume:      volumeF,
		Type:        orderType,
		Price:       priceF,
		SL:          slF,
		TP:          tpF,
		Deviation:   c.cfg.Deviation,
		Magic:       c.cfg.Magic,
		Comment:     comment,
		TypeTime:    timeGTC,
		TypeFilling: fillingReturn,
	}, &res)
	if err != nil {
		var bErr *bridgeError
		if errors.As(err, &bErr) {
			return &broker.ExecutionResult{Error: bErr.msg}, nil
		}
		return nil, err
	}

	ticket := res.Order
	if ticket == 0 {
		ticket = res.Deal
	}

	result := &broker.ExecutionResult{
		OK:             isExecuteSuccess(res.Retcode),
		Retcode:        res.Retcode,
		RetcodeMessage: retcodeMessage(res.Retcode),
		Volume:         decimal.NewFromFloat(res.Volume),
		Price:          decimal.NewFromFloat(res.Price),
		Raw:            res.raw(),
	}
	if ticket != 0 {
		result.BrokerOrderID = strconv.FormatInt(ticket, 10)
	}
	if res.Deal != 0 {
		result.Deal = strconv.FormatInt(res.Deal, 10)
	}

	if order.ClientOrderID != "" && ticket != 0 {
		c.idempotency.Set(order.ClientOrderID, result.BrokerOrderID, cache.NoExpiration)
	}

	c.logger.Info("order executed",
		"client_order_id", order.ClientOrderID,
		"symbol", order.Symbol,
		"retcode", res.Retcode,
		"ok", result.OK,
		"broker_order_id", result.BrokerOrderID,
	)

	return result, nil
}

// ModifyOrder updates price, stops or volume of a working order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, changes broker.OrderChanges) (*broker.ExecutionResult, error) {
	ticket, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return &broker.ExecutionResult{Error: "invalid broker order id"}, nil
	}

	req := tradeRequest{Action: actionModify, Order: ticket, TypeTime: timeGTC}
	if changes.Price != nil {
		req.Price, _ = changes.Price.Float64()
	}
	if changes.StopPrice != nil {
		req.SL, _ = changes.StopPrice.Float64()
	}
	if changes.LimitPrice != nil {
		req.TP, _ = changes.LimitPrice.Float64()
	}
	if changes.Quantity != nil {
		req.Volume, _ = changes.Quantity.Float64()
	}

	var res tradeResult
	if err := c.roundTrip(ctx, methodOrderSend, req, &res); err != nil {
		var bErr *bridgeError
		if errors.As(err, &bErr) {
			return &broker.ExecutionResult{Error: bErr.msg}, nil
		}
		return nil, err
	}

	return &broker.ExecutionResult{
		OK:             isModifySuccess(res.Retcode),
		Retcode:        res.Retcode,
		RetcodeMessage: retcodeMessage(res.Retcode),
		BrokerOrderID:  brokerOrderID,
		Raw:            res.raw(),
	}, nil
}

// CancelOrder removes a working order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	ticket, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse broker order id: %w", err)
	}

	var res tradeResult
	if err := c.roundTrip(ctx, methodOrderSend, tradeRequest{Action: actionRemove, Order: ticket}, &res); err != nil {
		return err
	}
	if !isCancelSuccess(res.Retcode) {
		return fmt.Errorf("cancel rejected: %s", retcodeMessage(res.Retcode))
	}
	return nil
}

// ClosePosition closes one position with an opposite-side deal.
func (c *Client) ClosePosition(ctx context.Context, positionID string, deviation int) (*broker.ExecutionResult, error) {
	ticket, err := strconv.ParseInt(positionID, 10, 64)
	if err != nil {
		return &broker.ExecutionResult{Error: "invalid position id"}, nil
	}

	var rows []positionInfo
	if err := c.roundTrip(ctx, methodPositionsGet, positionsParams{Ticket: ticket}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &broker.ExecutionResult{Error: "position not found"}, nil
	}
	pos := rows[0]

	var info symbolInfo
	if err := c.roundTrip(ctx, methodSymbolInfo, symbolParams{Symbol: pos.Symbol}, &info); err != nil {
		return nil, err
	}

	closeType := orderTypeSell
	price := info.Bid
	if pos.Type == positionTypeSell {
		closeType = orderTypeBuy
		price = info.Ask
	}
	if deviation <= 0 {
		deviation = c.cfg.Deviation
	}

	var res tradeResult
	if err := c.roundTrip(ctx, methodOrderSend, tradeRequest{
		Action:      actionDeal,
		Position:    ticket,
		Symbol:      pos.Symbol,
		Volume:      pos.Volume,
		Type:        closeType,
		Price:       price,
		Deviation:   deviation,
		TypeTime:    timeGTC,
		TypeFilling: fillingIOC,
	}, &res); err != nil {
		var bErr *bridgeError
		if errors.As(err, &bErr) {
			return &broker.ExecutionResult{Error: bErr.msg}, nil
		}
		return nil, err
	}

	result := &broker.ExecutionResult{
		OK:             isCloseSuccess(res.Retcode),
		Retcode:        res.Retcode,
		RetcodeMessage: retcodeMessage(res.Retcode),
		Volume:         decimal.NewFromFloat(res.Volume),
		Price:          decimal.NewFromFloat(res.Price),
		Raw:            res.raw(),
	}
	if res.Deal != 0 {
		result.Deal = strconv.FormatInt(res.Deal, 10)
	}
	return result, nil
}

// CloseAllPositions closes every open position, optionally filtered by
// symbol. Partial failures are reported per position, not as an error.
func (c *Client) CloseAllPositions(ctx context.Context, symbol string) ([]broker.ExecutionResult, error) {
	var rows []positionInfo
	if err := c.roundTrip(ctx, methodPositionsGet, positionsParams{Symbol: symbol}, &rows); err != nil {
		return nil, err
	}

	results := make([]broker.ExecutionResult, 0, len(rows))
	for _, pos := range rows {
		res, err := c.ClosePosition(ctx, strconv.FormatInt(pos.Ticket, 10), c.cfg.Deviation)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// GetAccountInfo returns the venue account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	var acct accountInfo
	if err := c.roundTrip(ctx, methodAccountInfo, nil, &acct); err != nil {
		return nil, err
	}
	return acct.toAccount(), nil
}

// GetPositions returns open venue positions, optionally filtered by symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	var rows []positionInfo
	if err := c.roundTrip(ctx, methodPositionsGet, positionsParams{Symbol: symbol}, &rows); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, row.toPosition())
	}
	return positions, nil
}

// GetOrders returns working venue orders, optionally filtered by symbol.
func (c *Client) GetOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	var rows []orderInfo
	if err := c.roundTrip(ctx, methodOrdersGet, positionsParams{Symbol: symbol}, &rows); err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toOrder())
	}
	return orders, nil
}

// GetTicks returns historical ticks. A zero to falls back to count-based
// retrieval from the starting time.
func (c *Client) GetTicks(ctx context.Context, symbol string, from, to time.Time, count int) ([]types.Tick, error) {
	params := rangeParams{Symbol: symbol, From: from.Unix(), Count: count}
	if !to.IsZero() {
		params.To = to.Unix()
	}
	var rows []tickInfo
	if err := c.roundTrip(ctx, methodCopyTicks, params, &rows); err != nil {
		return nil, err
	}
	ticks := make([]types.Tick, 0, len(rows))
	for _, row := range rows {
		ticks = append(ticks, row.toTick(symbol))
	}
	return ticks, nil
}

// GetRates returns OHLC bars for a symbol and timeframe.
func (c *Client) GetRates(ctx context.Context, symbol, timeframe string, from time.Time, count int) ([]types.Rate, error) {
	params := rangeParams{Symbol: symbol, Timeframe: timeframe, From: from.Unix(), Count: count}
	var rows []rateInfo
	if err := c.roundTrip(ctx, methodCopyRates, params, &rows); err != nil {
		return nil, err
	}
	rates := make([]types.Rate, 0, len(rows))
	for _, row := range rows {
		rates = append(rates, row.toRate(symbol))
	}
	return rates, nil
}

// SubscribeMarketData selects symbols in the terminal. Returns a per-symbol
// success map.
func (c *Client) SubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return c.selectSymbols(ctx, symbols, true)
}

// UnsubscribeMarketData deselects symbols in the terminal.
func (c *Client) UnsubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error) {
	return c.selectSymbols(ctx, symbols, false)
}

func (c *Client) selectSymbols(ctx context.Context, symbols []string, enable bool) (map[string]bool, error) {
	out := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		var selected bool
		err := c.roundTrip(ctx, methodSymbolSelect, symbolParams{Symbol: symbol, Enable: &enable}, &selected)
		if err != nil {
			var bErr *bridgeError
			if errors.As(err, &bErr) {
				out[symbol] = false
				continue
			}
			return out, err
		}
		out[symbol] = selected
	}
	return out, nil
}
