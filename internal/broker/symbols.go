package broker

import "strings"

// SymbolInfo carries the per-instrument trading constraints the sizing code
// needs. Bridges report live values; the reference table below backs symbols
// the terminal does not describe.
type SymbolInfo struct {
	Symbol         string  `json:"symbol"`
	Digits         int     `json:"digits"`
	PipSize        float64 `json:"pip_size"`
	LotStep        float64 `json:"lot_step"`
	MinLot         float64 `json:"min_lot"`
	MaxLot         float64 `json:"max_lot"`
	PipValuePerLot float64 `json:"pip_value_per_lot"` // account currency per pip per 1.0 lot
}

// IsJPYPair reports whether the quote currency is JPY (pip = 0.01).
func IsJPYPair(symbol string) bool {
	s := strings.ToUpper(symbol)
	return strings.HasSuffix(s, "JPY")
}

// PipSize returns the standard pip increment for symbol.
func PipSize(symbol string) float64 {
	if IsJPYPair(symbol) {
		return 0.01
	}
	return 0.0001
}

// Wrong pip values are the classic sizing bug, so the table is explicit per
// instrument and unit-tested; USD-quoted majors are exactly $10/pip/lot,
// cross rates carry their long-run reference values.
var referencePipValues = map[string]float64{
	"EURUSD": 10.0,
	"GBPUSD": 10.0,
	"AUDUSD": 10.0,
	"NZDUSD": 10.0,
	"USDCAD": 7.30,
	"USDCHF": 11.20,
	"USDJPY": 6.70,
	"EURJPY": 6.70,
	"GBPJPY": 6.70,
	"EURGBP": 12.70,
}

// DefaultSymbolInfo returns reference constraints for symbol, used when the
// terminal cannot be asked (tests, degraded bridges).
func DefaultSymbolInfo(symbol string) *SymbolInfo {
	digits := 5
	if IsJPYPair(symbol) {
		digits = 3
	}
	pipValue, ok := referencePipValues[strings.ToUpper(symbol)]
	if !ok {
		pipValue = 10.0
	}
	return &SymbolInfo{
		Symbol:         symbol,
		Digits:         digits,
		PipSize:        PipSize(symbol),
		LotStep:        0.01,
		MinLot:         0.01,
		MaxLot:         100,
		PipValuePerLot: pipValue,
	}
}
