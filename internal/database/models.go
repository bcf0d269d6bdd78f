package database

import "time"

// Trade status values. Transitions: PENDING -> {OPEN, REJECTED, CANCELLED},
// OPEN -> CLOSED.
const (
	TradePending   = "PENDING"
	TradeOpen      = "OPEN"
	TradeClosed    = "CLOSED"
	TradeCancelled = "CANCELLED"
	TradeRejected  = "REJECTED"
)

// Trade is the broker-facing order/position record.
type Trade struct {
	ID           int64      `json:"id"`
	Ticket       *int64     `json:"ticket,omitempty"`
	AccountID    string     `json:"account_id"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Status       string     `json:"status"`
	EntryPrice   float64    `json:"entry_price"`
	EntryTime    time.Time  `json:"entry_time"`
	Volume       float64    `json:"volume"`
	StopLoss     *float64   `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	Profit       *float64   `json:"profit,omitempty"`
	Pips         *float64   `json:"pips,omitempty"`
	StrategyName string     `json:"strategy_name"`
	MLEnhanced   bool       `json:"ml_enhanced"`
	AIApproved   bool       `json:"ai_approved"`
	AIReason     *string    `json:"ai_reason,omitempty"`
	SignalID     *int64     `json:"signal_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SignalRow is a persisted signal.
type SignalRow struct {
	ID                  int64     `json:"id"`
	AccountID           string    `json:"account_id"`
	Symbol              string    `json:"symbol"`
	Kind                string    `json:"kind"`
	GeneratedAt         time.Time `json:"generated_at"`
	RefPrice            float64   `json:"ref_price"`
	StopLoss            *float64  `json:"stop_loss,omitempty"`
	TakeProfit          *float64  `json:"take_profit,omitempty"`
	Confidence          float64   `json:"confidence"`
	StrategyName        string    `json:"strategy_name"`
	Reason              string    `json:"reason"`
	MLEnhanced          bool      `json:"ml_enhanced"`
	MLConfidence        *float64  `json:"ml_confidence,omitempty"`
	SentimentLabel      *string   `json:"sentiment_label,omitempty"`
	SentimentConfidence *float64  `json:"sentiment_confidence,omitempty"`
	Executed            bool      `json:"executed"`
	CreatedAt           time.Time `json:"created_at"`
}

// AccountSnapshot is one write-only ledger sample of account state.
type AccountSnapshot struct {
	ID                int64     `json:"id"`
	AccountID         string    `json:"account_id"`
	Broker            string    `json:"broker"`
	Server            string    `json:"server"`
	Balance           float64   `json:"balance"`
	Equity            float64   `json:"equity"`
	Profit            float64   `json:"profit"`
	Margin            float64   `json:"margin"`
	FreeMargin        float64   `json:"free_margin"`
	OpenPositionCount int       `json:"open_position_count"`
	TotalVolume       float64   `json:"total_volume"`
	SampledAt         time.Time `json:"sampled_at"`
}

// DailyMetrics is the upsert payload for daily_performance.
type DailyMetrics struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"`
	NetProfit   float64 `json:"net_profit"`
}

// DailyPerformance is the stored rollup keyed by (account_id, date).
type DailyPerformance struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Date         time.Time `json:"date"`
	Trades       int       `json:"trades"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	GrossProfit  float64   `json:"gross_profit"`
	GrossLoss    float64   `json:"gross_loss"`
	NetProfit    float64   `json:"net_profit"`
	WinRate      *float64  `json:"win_rate,omitempty"`
	ProfitFactor *float64  `json:"profit_factor,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
