package strategy

import "time"

// SignalKind is the direction of a trading signal.
type SignalKind string

const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
	SignalHold SignalKind = "HOLD"
)

// Directional reports whether the kind is BUY or SELL.
func (k SignalKind) Directional() bool {
	return k == SignalBuy || k == SignalSell
}

// Opposite returns the mirrored direction; HOLD maps to HOLD.
func (k SignalKind) Opposite() SignalKind {
	switch k {
	case SignalBuy:
		return SignalSell
	case SignalSell:
		return SignalBuy
	}
	return SignalHold
}

// Signal is the output of the signal engine, later enriched by the decision
// pipeline. HOLD signals carry no stop loss or take profit.
type Signal struct {
	Symbol      string     `json:"symbol"`
	Kind        SignalKind `json:"kind"`
	GeneratedAt time.Time  `json:"generated_at"`
	RefPrice    float64    `json:"ref_price"`
	StopLoss    float64    `json:"stop_loss,omitempty"`
	TakeProfit  float64    `json:"take_profit,omitempty"`
	Confidence  float64    `json:"confidence"`
	Strategy    string     `json:"strategy_name"`
	Reason      string     `json:"reason"`

	MLEnhanced          bool    `json:"ml_enhanced,omitempty"`
	MLConfidence        float64 `json:"ml_confidence,omitempty"`
	SentimentLabel      string  `json:"sentiment_label,omitempty"`
	SentimentConfidence float64 `json:"sentiment_confidence,omitempty"`
}
