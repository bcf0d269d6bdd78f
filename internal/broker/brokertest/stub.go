// Package brokertest provides an in-memory broker.Session for tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"mt-trading-engine/internal/broker"
)

// Stub is a scriptable broker.Session. All fields may be set before use;
// zero values give a connected account with 10000 balance and no positions.
type Stub struct {
	mu sync.Mutex

	ConnectErr     error
	AccountInfoErr error
	Account        broker.AccountInfo
	BarsBySymbol   map[string][]broker.Bar
	Quotes         map[string]broker.Quote
	OpenPositions  []broker.OpenPosition
	AutoTrading    bool
	SendOrderFn    func(req *broker.OrderRequest) (*broker.OrderResult, error)

	connected    bool
	connectCalls int
	nextTicket   int64

	SentOrders    []broker.OrderRequest
	Modifications []Modification
	Closes        []Close
}

// Modification records one ModifyPosition call.
type Modification struct {
	Ticket int64
	SL, TP float64
}

// Close records one ClosePosition call.
type Close struct {
	Ticket int64
	Volume float64
}

// New returns a connected stub with sane defaults.
func New() *Stub {
	return &Stub{
		Account:      broker.AccountInfo{Login: 1001, Balance: 10000, Equity: 10000, TradeAllowed: true},
		BarsBySymbol: make(map[string][]broker.Bar),
		Quotes:       make(map[string]broker.Quote),
		AutoTrading:  true,
		nextTicket:   5000,
	}
}

func (s *Stub) Connect(ctx context.Context, login int64, password, server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

// ConnectCalls reports how many Connect attempts the stub has seen.
func (s *Stub) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// SetConnectErr scripts the next Connect outcomes; safe while a session is
// running.
func (s *Stub) SetConnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectErr = err
}

// SetAccountInfoErr scripts AccountInfo failures; safe while a session is
// running.
func (s *Stub) SetAccountInfoErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccountInfoErr = err
}

func (s *Stub) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Stub) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected flips connection state without a Connect call.
func (s *Stub) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *Stub) AccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AccountInfoErr != nil {
		return nil, s.AccountInfoErr
	}
	info := s.Account
	return &info, nil
}

func (s *Stub) Quote(ctx context.Context, symbol string) (*broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.Quotes[symbol]; ok {
		return &q, nil
	}
	return nil, broker.ErrDataNotAvailable
}

func (s *Stub) Bars(ctx context.Context, symbol, timeframe string, count int) ([]broker.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.BarsBySymbol[symbol]
	if !ok || len(bars) == 0 {
		return nil, broker.ErrDataNotAvailable
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]broker.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *Stub) SymbolInfo(ctx context.Context, symbol string) (*broker.SymbolInfo, error) {
	return broker.DefaultSymbolInfo(symbol), nil
}

func (s *Stub) SendOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentOrders = append(s.SentOrders, *req)
	if s.SendOrderFn != nil {
		return s.SendOrderFn(req)
	}
	s.nextTicket++
	fill := req.Price
	if fill == 0 {
		if q, ok := s.Quotes[req.Symbol]; ok {
			if req.Side == broker.Buy {
				fill = q.Ask
			} else {
				fill = q.Bid
			}
		}
	}
	s.OpenPositions = append(s.OpenPositions, broker.OpenPosition{
		Ticket:     s.nextTicket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   time.Now().UTC(),
		Magic:      req.Magic,
	})
	return &broker.OrderResult{OK: true, Ticket: s.nextTicket, FillPrice: fill}, nil
}

func (s *Stub) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Modifications = append(s.Modifications, Modification{Ticket: ticket, SL: sl, TP: tp})
	for i := range s.OpenPositions {
		if s.OpenPositions[i].Ticket == ticket {
			if sl != 0 {
				s.OpenPositions[i].StopLoss = sl
			}
			if tp != 0 {
				s.OpenPositions[i].TakeProfit = tp
			}
			return nil
		}
	}
	return &broker.OrderError{Code: broker.CodeRejected, Msg: "unknown ticket"}
}

func (s *Stub) ClosePosition(ctx context.Context, ticket int64, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes = append(s.Closes, Close{Ticket: ticket, Volume: volume})
	for i := range s.OpenPositions {
		p := &s.OpenPositions[i]
		if p.Ticket != ticket {
			continue
		}
		if volume <= 0 || volume >= p.Volume {
			s.OpenPositions = append(s.OpenPositions[:i], s.OpenPositions[i+1:]...)
		} else {
			p.Volume -= volume
		}
		return nil
	}
	return &broker.OrderError{Code: broker.CodeRejected, Msg: "unknown ticket"}
}

func (s *Stub) Positions(ctx context.Context) ([]broker.OpenPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.OpenPosition, len(s.OpenPositions))
	copy(out, s.OpenPositions)
	return out, nil
}

func (s *Stub) AutoTradingEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AutoTrading, nil
}
