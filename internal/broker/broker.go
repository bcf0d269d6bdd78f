// Package broker defines the capability boundary to a single MT4/MT5-class
// terminal. One Session equals one broker login; sessions are process
// exclusive because terminal SDKs keep process-global state.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Bar is one immutable OHLCV sample. Low <= Open,Close <= High.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// AccountInfo is a point-in-time account snapshot from the terminal.
type AccountInfo struct {
	Login        int64   `json:"login"`
	Server       string  `json:"server"`
	Broker       string  `json:"broker"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Profit       float64 `json:"profit"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"free_margin"`
	Leverage     int     `json:"leverage"`
	TradeAllowed bool    `json:"trade_allowed"`
}

// OrderRequest describes a market order submission.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"` // 0 = market
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Magic      int64   `json:"magic"`
	Deviation  int     `json:"deviation"`
	Comment    string  `json:"comment"`
}

// OrderResult is the terminal's answer to SendOrder.
type OrderResult struct {
	OK        bool    `json:"ok"`
	Ticket    int64   `json:"ticket,omitempty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	ErrorCode int     `json:"error_code,omitempty"`
	ErrorMsg  string  `json:"error_msg,omitempty"`
}

// OpenPosition is a live position as reported by the terminal.
type OpenPosition struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Profit     float64   `json:"profit"`
	OpenTime   time.Time `json:"open_time"`
	Magic      int64     `json:"magic"`
}

// Quote is the current bid/ask for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Session is the capability the trading core consumes. Mutating calls
// (SendOrder, ModifyPosition, ClosePosition) must be serialised by the
// caller; reads may fan out.
type Session interface {
	Connect(ctx context.Context, login int64, password, server string) error
	Disconnect(ctx context.Context) error
	Connected() bool

	AccountInfo(ctx context.Context) (*AccountInfo, error)
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Bars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	SendOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error
	ClosePosition(ctx context.Context, ticket int64, volume float64) error
	Positions(ctx context.Context) ([]OpenPosition, error)

	AutoTradingEnabled(ctx context.Context) (bool, error)
}

// ConnectKind distinguishes the two connect-time failures.
type ConnectKind string

const (
	AuthFailed  ConnectKind = "auth_failed"
	Unreachable ConnectKind = "unreachable"
)

// ConnectionError reports a failed or lost terminal connection.
type ConnectionError struct {
	Kind ConnectKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrDataNotAvailable marks an unknown instrument or an empty bar response.
var ErrDataNotAvailable = errors.New("broker: data not available")

// ErrNotConnected marks calls made on a disconnected session.
var ErrNotConnected = errors.New("broker: not connected")

// OrderError carries the terminal's rejection of an order operation.
type OrderError struct {
	Code int
	Msg  string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("broker order error %d: %s", e.Code, e.Msg)
}

// Common MT-style retcodes surfaced by bridges.
const (
	CodeRejected      = 10006
	CodeInvalidVolume = 10014
	CodeMarketClosed  = 10018
	CodeNoAutoTrading = 10027
)
