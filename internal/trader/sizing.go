package trader

import (
	"github.com/shopspring/decimal"

	"mt-trading-engine/internal/broker"
)

// ComputeVolume sizes a position from the account risk budget:
//
//	volume = risk_amount / (stop_distance_pips * pip_value_per_lot)
//
// The result is clamped to the configured bounds and rounded DOWN to the
// broker's lot step. Decimal arithmetic avoids the float drift that
// otherwise makes 0.49999 lots round to 0.04 steps.
func ComputeVolume(riskAmount, refPrice, stopLoss float64, info *broker.SymbolInfo, minSize, maxSize float64) float64 {
	distance := refPrice - stopLoss
	if distance < 0 {
		distance = -distance
	}
	if distance == 0 || info.PipSize == 0 || info.PipValuePerLot == 0 || riskAmount <= 0 {
		return 0
	}

	// Prices arrive as float64, so the distance carries binary noise around
	// the tenth-of-a-pip mark. Quotes never resolve finer than that.
	distancePips := decimal.NewFromFloat(distance).Div(decimal.NewFromFloat(info.PipSize)).Round(1)
	riskPerLot := distancePips.Mul(decimal.NewFromFloat(info.PipValuePerLot))
	if riskPerLot.IsZero() {
		return 0
	}
	volume := decimal.NewFromFloat(riskAmount).Div(riskPerLot)

	lo := decimal.NewFromFloat(minSize)
	if b := decimal.NewFromFloat(info.MinLot); b.GreaterThan(lo) {
		lo = b
	}
	hi := decimal.NewFromFloat(maxSize)
	if b := decimal.NewFromFloat(info.MaxLot); b.LessThan(hi) {
		hi = b
	}
	if volume.GreaterThan(hi) {
		volume = hi
	}

	// Round down to the lot step before the lower-bound check so a volume
	// below min_position_size stays below it and the trade is skipped.
	step := decimal.NewFromFloat(info.LotStep)
	if step.IsPositive() {
		volume = volume.Div(step).Floor().Mul(step)
	}
	if volume.LessThan(lo) {
		return 0
	}
	f, _ := volume.Float64()
	return f
}
