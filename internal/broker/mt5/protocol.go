package mt5

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// Bridge methods. Names mirror the terminal API calls the bridge forwards.
const (
	methodLogin           = "login"
	methodTerminalInfo    = "terminal_info"
	methodAccountInfo     = "account_info"
	methodSymbolInfo      = "symbol_info"
	methodSymbolSelect    = "symbol_select"
	methodOrderCalcMargin = "order_calc_margin"
	methodOrderSend       = "order_send"
	methodPositionsGet    = "positions_get"
	methodOrdersGet       = "orders_get"
	methodCopyTicks       = "copy_ticks"
	methodCopyRates       = "copy_rates"
)

// Trade request actions and enums, numeric values as the terminal defines them.
const (
	actionDeal    = 1
	actionPending = 5
	actionSLTP    = 6
	actionModify  = 7
	actionRemove  = 8

	orderTypeBuy  = 0
	orderTypeSell = 1

	positionTypeBuy  = 0
	positionTypeSell = 1

	timeGTC = 0

	fillingIOC    = 1
	fillingReturn = 2
)

// request is one outbound frame. Frames are newline-delimited JSON; the id
// correlates the response.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is one inbound frame.
type response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type loginParams struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type symbolParams struct {
	Symbol string `json:"symbol"`
	Enable *bool  `json:"enable,omitempty"`
}

type marginParams struct {
	Type   int     `json:"type"`
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"`
	Price  float64 `json:"price"`
}

type marginResult struct {
	Margin float64 `json:"margin"`
}

type rangeParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe,omitempty"`
	From      int64  `json:"from"`
	To        int64  `json:"to,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// positionsParams filters positions_get and orders_get. Zero values mean no
// filter.
type positionsParams struct {
	Symbol string `json:"symbol,omitempty"`
	Ticket int64  `json:"ticket,omitempty"`
}

// tradeRequest is the order_send payload. Field names match the terminal's
// trade request structure.
type tradeRequest struct {
	Action      int     `json:"action"`
	Symbol      string  `json:"symbol,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	Type        int     `json:"type"`
	Price       float64 `json:"price,omitempty"`
	SL          float64 `json:"sl"`
	TP          float64 `json:"tp"`
	Deviation   int     `json:"deviation,omitempty"`
	Magic       int64   `json:"magic,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	Order       int64   `json:"order,omitempty"`
	Position    int64   `json:"position,omitempty"`
	TypeTime    int     `json:"type_time"`
	TypeFilling int     `json:"type_filling"`
}

type tradeResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Deal    int64   `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

func (r tradeResult) raw() map[string]any {
	return map[string]any{
		"retcode": r.Retcode,
		"order":   r.Order,
		"deal":    r.Deal,
		"volume":  r.Volume,
		"price":   r.Price,
		"comment": r.Comment,
	}
}

type symbolInfo struct {
	Name            string  `json:"name"`
	TradeMode       int     `json:"trade_mode"`
	Digits          int     `json:"digits"`
	Point           float64 `json:"point"`
	TradeTickSize   float64 `json:"trade_tick_size"`
	VolumeMin       float64 `json:"volume_min"`
	VolumeMax       float64 `json:"volume_max"`
	VolumeStep      float64 `json:"volume_step"`
	TradeStopsLevel int     `json:"trade_stops_level"`
	ContractSize    float64 `json:"trade_contract_size"`
	Bid             float64 `json:"bid"`
	Ask             float64 `json:"ask"`
}

func (s symbolInfo) toSpec() types.SymbolSpec {
	return types.SymbolSpec{
		Name:         s.Name,
		TradeMode:    s.TradeMode,
		Digits:       s.Digits,
		Point:        decimal.NewFromFloat(s.Point),
		TickSize:     decimal.NewFromFloat(s.TradeTickSize),
		VolumeMin:    decimal.NewFromFloat(s.VolumeMin),
		VolumeMax:    decimal.NewFromFloat(s.VolumeMax),
		VolumeStep:   decimal.NewFromFloat(s.VolumeStep),
		StopsLevel:   s.TradeStopsLevel,
		ContractSize: decimal.NewFromFloat(s.ContractSize),
		Bid:          decimal.NewFromFloat(s.Bid),
		Ask:          decimal.NewFromFloat(s.Ask),
	}
}

type accountInfo struct {
	Login       int64   `json:"login"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Leverage    int     `json:"leverage"`
}

func (a accountInfo) toAccount() *types.AccountInfo {
	return &types.AccountInfo{
		AccountID:   strconv.FormatInt(a.Login, 10),
		Currency:    a.Currency,
		Balance:     decimal.NewFromFloat(a.Balance),
		Equity:      decimal.NewFromFloat(a.Equity),
		Margin:      decimal.NewFromFloat(a.Margin),
		FreeMargin:  decimal.NewFromFloat(a.MarginFree),
		MarginLevel: decimal.NewFromFloat(a.MarginLevel),
		Profit:      decimal.NewFromFloat(a.Profit),
		Leverage:    a.Leverage,
	}
}

type positionInfo struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         int     `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Time         int64   `json:"time"`
}

func (p positionInfo) toPosition() types.Position {
	side := types.SideBuy
	if p.Type == positionTypeSell {
		side = types.SideSell
	}
	return types.Position{
		ID:           strconv.FormatInt(p.Ticket, 10),
		Symbol:       p.Symbol,
		Side:         side,
		Quantity:     decimal.NewFromFloat(p.Volume),
		EntryPrice:   decimal.NewFromFloat(p.PriceOpen),
		CurrentPrice: decimal.NewFromFloat(p.PriceCurrent),
		UnrealizedPL: decimal.NewFromFloat(p.Profit),
		OpenedAt:     time.Unix(p.Time, 0).UTC(),
	}
}

type orderInfo struct {
	Ticket        int64   `json:"ticket"`
	Symbol        string  `json:"symbol"`
	Type          int     `json:"type"`
	VolumeCurrent float64 `json:"volume_current"`
	PriceOpen     float64 `json:"price_open"`
	SL            float64 `json:"sl"`
	TP            float64 `json:"tp"`
	Comment       string  `json:"comment"`
	TimeSetup     int64   `json:"time_setup"`
}

func (o orderInfo) toOrder() types.Order {
	side := types.SideBuy
	if o.Type == orderTypeSell {
		side = types.SideSell
	}
	return types.Order{
		BrokerOrderID: strconv.FormatInt(o.Ticket, 10),
		ClientOrderID: o.Comment,
		Symbol:        o.Symbol,
		Side:          side,
		Quantity:      decimal.NewFromFloat(o.VolumeCurrent),
		Price:         decimal.NewFromFloat(o.PriceOpen),
		StopPrice:     decimal.NewFromFloat(o.SL),
		LimitPrice:    decimal.NewFromFloat(o.TP),
		Status:        types.OrderStatusSubmitted,
		CreatedAt:     time.Unix(o.TimeSetup, 0).UTC(),
	}
}

type tickInfo struct {
	Time   int64   `json:"time"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

func (t tickInfo) toTick(symbol string) types.Tick {
	return types.Tick{
		Symbol: symbol,
		Time:   time.Unix(t.Time, 0).UTC(),
		Bid:    decimal.NewFromFloat(t.Bid),
		Ask:    decimal.NewFromFloat(t.Ask),
		Last:   decimal.NewFromFloat(t.Last),
		Volume: t.Volume,
	}
}

type rateInfo struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
	Spread     int     `json:"spread"`
}

func (r rateInfo) toRate(symbol string) types.Rate {
	return types.Rate{
		Symbol:     symbol,
		Time:       time.Unix(r.Time, 0).UTC(),
		Open:       decimal.NewFromFloat(r.Open),
		High:       decimal.NewFromFloat(r.High),
		Low:        decimal.NewFromFloat(r.Low),
		Close:      decimal.NewFromFloat(r.Close),
		TickVolume: r.TickVolume,
		Spread:     r.Spread,
	}
}

func marshalParams(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
