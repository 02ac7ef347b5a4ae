package mt5

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

func testSymbolInfo() symbolInfo {
	return symbolInfo{
		Name:            "EURUSD",
		TradeMode:       types.TradeModeFull,
		Digits:          5,
		Point:           0.00001,
		TradeTickSize:   0.00001,
		VolumeMin:       0.01,
		VolumeMax:       100,
		VolumeStep:      0.01,
		TradeStopsLevel: 10,
		ContractSize:    100000,
		Bid:             1.0864,
		Ask:             1.0865,
	}
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		mode    int
		wantOK  bool
		wantMsg string
	}{
		{name: "full access", mode: types.TradeModeFull, wantOK: true},
		{name: "long only", mode: types.TradeModeLongOnly, wantOK: true},
		{name: "short only", mode: types.TradeModeShortOnly, wantOK: true},
		{name: "disabled", mode: types.TradeModeDisabled, wantOK: false, wantMsg: "symbol trade mode disabled"},
		{name: "close only", mode: types.TradeModeCloseOnly, wantOK: false, wantMsg: "symbol is close-only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testSymbolInfo()
			info.TradeMode = tt.mode

			ok, msg := validateSymbol(info.toSpec())
			if ok != tt.wantOK {
				t.Errorf("validateSymbol() ok = %v, want %v", ok, tt.wantOK)
			}
			if msg != tt.wantMsg {
				t.Errorf("validateSymbol() msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestValidateVolume(t *testing.T) {
	spec := testSymbolInfo().toSpec()

	tests := []struct {
		name    string
		volume  string
		wantOK  bool
		wantMsg string
	}{
		{name: "normal lot", volume: "0.10", wantOK: true},
		{name: "exact minimum", volume: "0.01", wantOK: true},
		{name: "exact maximum", volume: "100", wantOK: true},
		{name: "below minimum", volume: "0.005", wantOK: false, wantMsg: "volume outside range"},
		{name: "above maximum", volume: "150", wantOK: false, wantMsg: "volume outside range"},
		{name: "off step grid", volume: "0.015", wantOK: false, wantMsg: "volume step invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := validateVolume(spec, decimal.RequireFromString(tt.volume))
			if ok != tt.wantOK {
				t.Errorf("validateVolume(%s) ok = %v, want %v", tt.volume, ok, tt.wantOK)
			}
			if msg != tt.wantMsg {
				t.Errorf("validateVolume(%s) msg = %q, want %q", tt.volume, msg, tt.wantMsg)
			}
		})
	}
}

func TestValidateVolume_ZeroStepSkipsGridCheck(t *testing.T) {
	info := testSymbolInfo()
	info.VolumeStep = 0

	ok, msg := validateVolume(info.toSpec(), decimal.RequireFromString("0.015"))
	if !ok {
		t.Errorf("validateVolume() ok = false (%q), want true", msg)
	}
}

func TestValidatePriceTick(t *testing.T) {
	spec := testSymbolInfo().toSpec()

	if ok, msg := validatePriceTick(spec, decimal.RequireFromString("1.08650")); !ok {
		t.Errorf("validatePriceTick(aligned) ok = false (%q), want true", msg)
	}
	if ok, msg := validatePriceTick(spec, decimal.RequireFromString("1.086505")); ok || msg != "price not aligned to tick size" {
		t.Errorf("validatePriceTick(misaligned) = (%v, %q), want (false, %q)", ok, msg, "price not aligned to tick size")
	}
}

func TestValidatePriceTick_ZeroTickSizeSkipsCheck(t *testing.T) {
	info := testSymbolInfo()
	info.TradeTickSize = 0

	if ok, msg := validatePriceTick(info.toSpec(), decimal.RequireFromString("1.086505017")); !ok {
		t.Errorf("validatePriceTick() ok = false (%q), want true", msg)
	}
}

// Stop distances must strictly exceed stops_level points. A stop exactly at
// the limit distance is rejected; one point further out is accepted.
func TestValidateStops_BoundaryIsExclusive(t *testing.T) {
	spec := testSymbolInfo().toSpec()
	price := decimal.RequireFromString("1.08650") // min distance = 10 * 0.00001 = 0.00010

	tests := []struct {
		name    string
		stop    string
		limit   string
		wantOK  bool
		wantMsg string
	}{
		{name: "no stops", wantOK: true},
		{name: "stop at exact limit distance", stop: "1.08640", wantOK: false, wantMsg: "stop loss too close"},
		{name: "stop one point further", stop: "1.08639", wantOK: true},
		{name: "take profit at exact limit distance", limit: "1.08660", wantOK: false, wantMsg: "take profit too close"},
		{name: "take profit one point further", limit: "1.08661", wantOK: true},
		{name: "both comfortably away", stop: "1.08500", limit: "1.08800", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := decimal.Zero
			if tt.stop != "" {
				stop = decimal.RequireFromString(tt.stop)
			}
			limit := decimal.Zero
			if tt.limit != "" {
				limit = decimal.RequireFromString(tt.limit)
			}

			ok, msg := validateStops(spec, price, stop, limit)
			if ok != tt.wantOK {
				t.Errorf("validateStops() ok = %v, want %v", ok, tt.wantOK)
			}
			if msg != tt.wantMsg {
				t.Errorf("validateStops() msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}
