package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/broker/brokertest"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/portfolio"
	"mt-trading-engine/internal/strategy"
)

// fakeStore records the persistence calls the trader makes. Unimplemented
// Store methods panic via the embedded nil interface; the trader never
// reaches them.
type fakeStore struct {
	database.Store

	signals        []database.SignalRow
	trades         []database.Trade
	links          [][2]int64
	createTradeErr error
}

func (f *fakeStore) CreateSignal(ctx context.Context, sig *database.SignalRow) (int64, error) {
	f.signals = append(f.signals, *sig)
	return int64(len(f.signals)), nil
}

func (f *fakeStore) CreateTrade(ctx context.Context, t *database.Trade) (int64, error) {
	if f.createTradeErr != nil {
		return 0, f.createTradeErr
	}
	f.trades = append(f.trades, *t)
	return int64(len(f.trades)), nil
}

func (f *fakeStore) LinkSignalToTrade(ctx context.Context, signalID, tradeID int64) error {
	f.links = append(f.links, [2]int64{signalID, tradeID})
	return nil
}

// crossoverBars declines steadily so the 3-bar MA sits below the 6-bar MA,
// then rallies hard on the final bar to cross it.
func crossoverBars(symbol string) []broker.Bar {
	closes := make([]float64, 30)
	for i := 0; i < 29; i++ {
		closes[i] = 1.1000 - float64(i)*0.0002
	}
	closes[29] = closes[28] + 0.0040

	bars := make([]broker.Bar, len(closes))
	start := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = broker.Bar{
			Symbol: symbol,
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:   c, High: c + 0.0003, Low: c - 0.0003, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func instrumentCfg() config.InstrumentConfig {
	return config.InstrumentConfig{
		Symbol:      "EURUSD",
		Enabled:     true,
		RiskPercent: 1.0,
		Timeframe:   "M15",
		Strategy: config.StrategyParams{
			Kind: config.StrategyCrossover, FastPeriod: 3, SlowPeriod: 6,
			StopLossPips: 20, TakeProfitPips: 40,
		},
		MaxPositionSize: 1.0,
		MinPositionSize: 0.01,
		Cooldown:        time.Hour,
		MinConfidence:   0.3,
	}
}

func newTestTrader(stub *brokertest.Stub, store database.Store, cfg config.InstrumentConfig, mgr *portfolio.Manager) *Trader {
	if mgr == nil {
		mgr = portfolio.New(false, portfolio.DefaultThresholds())
	}
	var mu sync.Mutex
	return New("acct", cfg, config.ExecutionParams{}, stub, store, nil, nil, mgr, &mu, 777, zerolog.Nop())
}

func TestRunExecutedCycle(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	store := &fakeStore{}

	tr := newTestTrader(stub, store, instrumentCfg(), nil)
	res := tr.Run(context.Background(), true)

	if res.Outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s (reason %q, err %v), want executed", res.Outcome, res.Reason, res.Err)
	}
	if res.Ticket == 0 {
		t.Error("no ticket on executed cycle")
	}
	if len(stub.SentOrders) != 1 {
		t.Fatalf("sent %d orders, want 1", len(stub.SentOrders))
	}
	order := stub.SentOrders[0]
	if order.Side != broker.Buy {
		t.Errorf("side = %s, want BUY", order.Side)
	}
	// 10k balance at 1% risk over a 20 pip stop is exactly half a lot.
	if order.Volume != 0.5 {
		t.Errorf("volume = %v, want 0.5", order.Volume)
	}
	if order.Magic != 777 {
		t.Errorf("magic = %d, want 777", order.Magic)
	}
	if order.Comment != "ma_crossover_3_6" {
		t.Errorf("comment = %q, want strategy name", order.Comment)
	}
	if order.StopLoss != res.Signal.StopLoss || order.TakeProfit != res.Signal.TakeProfit {
		t.Error("order stops differ from the signal's")
	}

	if len(store.signals) != 1 {
		t.Fatalf("persisted %d signals, want 1", len(store.signals))
	}
	if len(store.trades) != 1 {
		t.Fatalf("persisted %d trades, want 1", len(store.trades))
	}
	trade := store.trades[0]
	if trade.Status != database.TradeOpen || trade.Side != "BUY" || trade.Volume != 0.5 {
		t.Errorf("trade row = %+v", trade)
	}
	if len(store.links) != 1 || store.links[0] != [2]int64{1, 1} {
		t.Errorf("links = %v, want signal 1 linked to trade 1", store.links)
	}
}

func TestRunOutsideTradingHours(t *testing.T) {
	stub := brokertest.New()
	cfg := instrumentCfg()
	// An empty window admits nothing.
	cfg.TradingHours = &config.TradingHours{Start: "00:00", End: "00:00"}

	tr := newTestTrader(stub, nil, cfg, nil)
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeHold || res.Reason != "outside trading hours" {
		t.Errorf("got %s %q, want HOLD outside trading hours", res.Outcome, res.Reason)
	}
	if len(stub.SentOrders) != 0 {
		t.Error("order sent outside trading hours")
	}
}

func TestRunCooldownSkips(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")

	tr := newTestTrader(stub, nil, instrumentCfg(), nil)
	if res := tr.Run(context.Background(), true); res.Outcome != OutcomeExecuted {
		t.Fatalf("first cycle = %s (%q, %v)", res.Outcome, res.Reason, res.Err)
	}
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeSkipped || res.Reason != "cooldown" {
		t.Errorf("second cycle = %s %q, want cooldown skip", res.Outcome, res.Reason)
	}
	if len(stub.SentOrders) != 1 {
		t.Errorf("sent %d orders, want 1", len(stub.SentOrders))
	}
}

func TestRunDuplicateSignalSkips(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")

	cfg := instrumentCfg()
	cfg.Strategy.Kind = config.StrategyPosition
	cfg.TradeOnSignalChange = false
	cfg.Cooldown = 0

	tr := newTestTrader(stub, nil, cfg, nil)
	if res := tr.Run(context.Background(), true); res.Outcome != OutcomeExecuted {
		t.Fatalf("first cycle = %s (%q, %v)", res.Outcome, res.Reason, res.Err)
	}
	// Same bars, same direction: a position strategy must not stack entries.
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeSkipped || res.Reason != "duplicate signal" {
		t.Errorf("second cycle = %s %q, want duplicate-signal skip", res.Outcome, res.Reason)
	}

	// With trade_on_signal_change the repeat is allowed through.
	cfg.TradeOnSignalChange = true
	tr2 := newTestTrader(stub, nil, cfg, nil)
	tr2.Run(context.Background(), true)
	if res := tr2.Run(context.Background(), true); res.Outcome != OutcomeExecuted {
		t.Errorf("trade_on_signal_change cycle = %s %q", res.Outcome, res.Reason)
	}
}

func TestRunPortfolioBlocked(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	stub.OpenPositions = []broker.OpenPosition{
		{Ticket: 1, Symbol: "GBPUSD", Side: broker.Buy, Volume: 0.1, Profit: -60},
		{Ticket: 2, Symbol: "USDJPY", Side: broker.Buy, Volume: 0.1, Profit: -60},
	}

	mgr := portfolio.New(true, portfolio.DefaultThresholds())
	tr := newTestTrader(stub, nil, instrumentCfg(), mgr)
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s (%q), want skip under drawdown", res.Outcome, res.Reason)
	}
	if res.Signal == nil || res.Signal.Kind != strategy.SignalBuy {
		t.Error("blocked cycle should still carry the analysed signal")
	}
	if len(stub.SentOrders) != 0 {
		t.Error("order sent while portfolio manager blocked trading")
	}
	// -120 blocks new trades but is above the shedding threshold.
	if len(stub.Closes) != 0 {
		t.Errorf("closes = %v, want none", stub.Closes)
	}
}

func TestRunSubmitGate(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")

	tr := newTestTrader(stub, nil, instrumentCfg(), nil)
	res := tr.Run(context.Background(), false)
	if res.Outcome != OutcomeSkipped || res.Reason != "trading stopped" {
		t.Errorf("got %s %q, want skip with trading stopped", res.Outcome, res.Reason)
	}
	if len(stub.SentOrders) != 0 {
		t.Error("order sent while trading stopped")
	}
}

func TestRunOrderRejected(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	stub.SendOrderFn = func(req *broker.OrderRequest) (*broker.OrderResult, error) {
		return &broker.OrderResult{OK: false, ErrorCode: broker.CodeRejected, ErrorMsg: "market closed"}, nil
	}
	store := &fakeStore{}

	tr := newTestTrader(stub, store, instrumentCfg(), nil)
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	var oerr *broker.OrderError
	if !errors.As(res.Err, &oerr) || oerr.Code != broker.CodeRejected {
		t.Errorf("err = %v, want *broker.OrderError with rejected code", res.Err)
	}
	if len(store.trades) != 0 {
		t.Error("rejected order persisted as a trade")
	}
	// The signal itself was still worth recording.
	if len(store.signals) != 1 {
		t.Errorf("persisted %d signals, want 1", len(store.signals))
	}
}

func TestRunBarsUnavailable(t *testing.T) {
	stub := brokertest.New()

	tr := newTestTrader(stub, nil, instrumentCfg(), nil)
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Errorf("got %s err=%v, want failed with error", res.Outcome, res.Err)
	}
}

func TestRunPersistFailureDoesNotBlockExecution(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	store := &fakeStore{createTradeErr: errors.New("connection refused")}

	tr := newTestTrader(stub, store, instrumentCfg(), nil)
	res := tr.Run(context.Background(), true)
	if res.Outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s (%q, %v), want executed despite persist failure", res.Outcome, res.Reason, res.Err)
	}
	if len(store.links) != 0 {
		t.Error("signal linked to a trade that was never persisted")
	}
}
