package mt5

import (
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// alignmentEpsilon absorbs float noise when checking step and tick multiples.
var alignmentEpsilon = decimal.NewFromFloat(1e-9)

// validateSymbol checks the symbol accepts new trades. The caller has already
// established the symbol exists.
func validateSymbol(spec types.SymbolSpec) (bool, string) {
	switch spec.TradeMode {
	case types.TradeModeDisabled:
		return false, "symbol trade mode disabled"
	case types.TradeModeCloseOnly:
		return false, "symbol is close-only"
	}
	return true, ""
}

// validateVolume checks the volume fits [volume_min, volume_max] and is an
// integer multiple of volume_step.
func validateVolume(spec types.SymbolSpec, volume decimal.Decimal) (bool, string) {
	if volume.LessThan(spec.VolumeMin) || volume.GreaterThan(spec.VolumeMax) {
		return false, "volume outside range"
	}
	if spec.VolumeStep.IsPositive() {
		ratio := volume.Div(spec.VolumeStep)
		if ratio.Sub(ratio.Round(0)).Abs().GreaterThan(alignmentEpsilon) {
			return false, "volume step invalid"
		}
	}
	return true, ""
}

// validatePriceTick checks the price is aligned to the symbol's tick size.
func validatePriceTick(spec types.SymbolSpec, price decimal.Decimal) (bool, string) {
	if !spec.TickSize.IsPositive() {
		return true, ""
	}
	ticks := price.Div(spec.TickSize)
	if ticks.Sub(ticks.Round(0)).Abs().GreaterThan(alignmentEpsilon) {
		return false, "price not aligned to tick size"
	}
	return true, ""
}

// validateStops checks stop-loss and take-profit distances strictly exceed
// stops_level points. A distance exactly at the limit is rejected.
func validateStops(spec types.SymbolSpec, price, stopPrice, limitPrice decimal.Decimal) (bool, string) {
	minDistance := spec.Point.Mul(decimal.NewFromInt(int64(spec.StopsLevel)))
	if !stopPrice.IsZero() && price.Sub(stopPrice).Abs().LessThanOrEqual(minDistance) {
		return false, "stop loss too close"
	}
	if !limitPrice.IsZero() && price.Sub(limitPrice).Abs().LessThanOrEqual(minDistance) {
		return false, "take profit too close"
	}
	return true, ""
}
