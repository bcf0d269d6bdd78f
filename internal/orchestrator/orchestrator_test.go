package orchestrator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/broker/brokertest"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/position"
)

type closedCall struct {
	Ticket    int64
	ExitPrice float64
	Profit    float64
	Pips      float64
}

// ledgerStore is an in-memory database.Store covering the calls the
// orchestrator and trader make during a cycle.
type ledgerStore struct {
	database.Store

	open        []database.Trade
	created     []database.Trade
	closed      []closedCall
	snapshots   []database.AccountSnapshot
	rangeTrades []database.Trade
	settled     []database.DailyMetrics
	cancelCalls int
}

func (s *ledgerStore) CreateSignal(ctx context.Context, sig *database.SignalRow) (int64, error) {
	return 1, nil
}

func (s *ledgerStore) CreateTrade(ctx context.Context, t *database.Trade) (int64, error) {
	s.created = append(s.created, *t)
	s.open = append(s.open, *t)
	return int64(len(s.created)), nil
}

func (s *ledgerStore) LinkSignalToTrade(ctx context.Context, signalID, tradeID int64) error {
	return nil
}

func (s *ledgerStore) OpenTrades(ctx context.Context, accountID string) ([]database.Trade, error) {
	out := make([]database.Trade, len(s.open))
	copy(out, s.open)
	return out, nil
}

func (s *ledgerStore) CloseTrade(ctx context.Context, ticket int64, exitPrice float64, exitTime time.Time, profit, pips float64) error {
	s.closed = append(s.closed, closedCall{Ticket: ticket, ExitPrice: exitPrice, Profit: profit, Pips: pips})
	for i := range s.open {
		if s.open[i].Ticket != nil && *s.open[i].Ticket == ticket {
			s.open = append(s.open[:i], s.open[i+1:]...)
			break
		}
	}
	return nil
}

func (s *ledgerStore) CancelStalePending(ctx context.Context, accountID string, olderThan time.Time) (int64, error) {
	s.cancelCalls++
	return 0, nil
}

func (s *ledgerStore) CreateSnapshot(ctx context.Context, snap *database.AccountSnapshot) error {
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *ledgerStore) TradesByDateRange(ctx context.Context, accountID string, from, to time.Time) ([]database.Trade, error) {
	return s.rangeTrades, nil
}

func (s *ledgerStore) UpsertDailyPerformance(ctx context.Context, accountID string, date time.Time, m database.DailyMetrics) error {
	s.settled = append(s.settled, m)
	return nil
}

func testProfile(symbols ...string) *config.AccountProfile {
	p := &config.AccountProfile{
		Name: "acct", Login: 1001, Server: "Demo-1", Broker: "TestBroker", Enabled: true,
		Execution: config.ExecutionParams{Interval: time.Second, MaxWorkers: 1},
	}
	for _, s := range symbols {
		p.Instruments = append(p.Instruments, config.InstrumentConfig{
			Symbol:      s,
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
		})
	}
	return p
}

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
			Symbol: symbol, OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open: c, High: c + 0.0003, Low: c - 0.0003, Close: c, Volume: 1000,
		}
	}
	return bars
}

type capture struct {
	events []events.Event
}

func (c *capture) emit(e events.Event) { c.events = append(c.events, e) }

func (c *capture) ofType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(profile *config.AccountProfile, stub *brokertest.Stub, store database.Store) (*Orchestrator, *capture) {
	cap := &capture{}
	o := New(profile, stub, store, position.NewMemoryStateStore(), nil, cap.emit, zerolog.Nop())
	return o, cap
}

func TestRunCycleExecutes(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	store := &ledgerStore{}

	o, cap := newTestOrchestrator(testProfile("EURUSD"), stub, store)
	summary := o.RunCycle(context.Background())

	if summary.Cycle != 1 || summary.Executed != 1 || summary.Errors != 0 || summary.Halted {
		t.Fatalf("summary = %+v, want one executed instrument", summary)
	}
	if len(stub.SentOrders) != 1 {
		t.Fatalf("sent %d orders", len(stub.SentOrders))
	}
	if len(cap.ofType(events.EventOrderPlaced)) != 1 {
		t.Error("no order_placed event")
	}
	done := cap.ofType(events.EventCycleComplete)
	if len(done) != 1 || done[0].Data["executed"] != 1 {
		t.Errorf("cycle_complete = %+v", done)
	}
	if len(store.created) != 1 || len(store.snapshots) != 1 {
		t.Errorf("persisted %d trades, %d snapshots", len(store.created), len(store.snapshots))
	}

	// Second cycle: the instrument cools down, and the trade the trader
	// persisted must not be re-inserted by reconciliation.
	summary = o.RunCycle(context.Background())
	if summary.Cycle != 2 || summary.Skipped != 1 || summary.Executed != 0 {
		t.Errorf("second summary = %+v, want cooldown skip", summary)
	}
	if len(store.created) != 1 {
		t.Errorf("reconciliation duplicated the trade: %d rows", len(store.created))
	}
}

func TestRunCycleEmergencyStopAll(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	stub.OpenPositions = []broker.OpenPosition{
		{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.5, EntryPrice: 1.1000},
	}

	profile := testProfile("EURUSD")
	profile.Emergency = config.EmergencyParams{StopAll: true, CloseAllOnStop: true}

	o, _ := newTestOrchestrator(profile, stub, nil)
	summary := o.RunCycle(context.Background())

	if !summary.Halted {
		t.Fatal("summary not halted under stop_all")
	}
	if summary.Executed != 0 || len(stub.SentOrders) != 0 {
		t.Error("order submitted during emergency halt")
	}
	if len(stub.Closes) != 1 || stub.Closes[0].Ticket != 1 {
		t.Errorf("closes = %v, want position 1 flattened", stub.Closes)
	}
}

func TestRunCycleDailyLossHalt(t *testing.T) {
	stub := brokertest.New()
	profile := testProfile()
	profile.Emergency = config.EmergencyParams{MaxDailyLossPercent: 5}

	o, _ := newTestOrchestrator(profile, stub, nil)
	if s := o.RunCycle(context.Background()); s.Halted {
		t.Fatal("halted before any loss")
	}

	// Equity drops 10% against the day-start balance.
	stub.Account.Equity = 9000
	if s := o.RunCycle(context.Background()); !s.Halted {
		t.Error("10%% daily loss did not halt with a 5%% limit")
	}
}

func TestRunCycleDrawdownHalt(t *testing.T) {
	stub := brokertest.New()
	stub.Account.Equity = 12000
	profile := testProfile()
	profile.Emergency = config.EmergencyParams{MaxDrawdownPercent: 10}

	o, _ := newTestOrchestrator(profile, stub, nil)
	if s := o.RunCycle(context.Background()); s.Halted {
		t.Fatal("halted at peak equity")
	}

	// 12000 -> 10500 is a 12.5% drawdown from the peak.
	stub.Account.Equity = 10500
	if s := o.RunCycle(context.Background()); !s.Halted {
		t.Error("drawdown past the limit did not halt")
	}
}

func TestSetTradingGatesSubmission(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")

	o, _ := newTestOrchestrator(testProfile("EURUSD"), stub, nil)
	o.SetTrading(false)

	summary := o.RunCycle(context.Background())
	if summary.Executed != 0 || summary.Skipped != 1 {
		t.Errorf("summary = %+v, want skip while trading stopped", summary)
	}
	if len(stub.SentOrders) != 0 {
		t.Error("order sent while trading stopped")
	}
}

func TestReconcileInsertsBrokerPosition(t *testing.T) {
	stub := brokertest.New()
	stub.OpenPositions = []broker.OpenPosition{{
		Ticket: 42, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.3,
		EntryPrice: 1.1000, OpenTime: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
	}}
	store := &ledgerStore{}

	o, _ := newTestOrchestrator(testProfile(), stub, store)
	o.RunCycle(context.Background())

	if len(store.created) != 1 {
		t.Fatalf("created %d rows, want 1", len(store.created))
	}
	row := store.created[0]
	if row.Ticket == nil || *row.Ticket != 42 || row.StrategyName != "reconciled" || row.Status != database.TradeOpen {
		t.Errorf("reconciled row = %+v", row)
	}
	if store.cancelCalls != 1 {
		t.Errorf("stale pending sweep ran %d times, want 1", store.cancelCalls)
	}
}

func TestReconcileClosesVanishedTicket(t *testing.T) {
	stub := brokertest.New()
	stub.Quotes["EURUSD"] = broker.Quote{Symbol: "EURUSD", Bid: 1.1020, Ask: 1.1021}

	ticket := int64(77)
	store := &ledgerStore{open: []database.Trade{{
		Ticket: &ticket, AccountID: "acct", Symbol: "EURUSD", Side: "BUY",
		Status: database.TradeOpen, EntryPrice: 1.1000, Volume: 0.5,
	}}}

	o, _ := newTestOrchestrator(testProfile(), stub, store)
	o.RunCycle(context.Background())

	if len(store.closed) != 1 {
		t.Fatalf("closed %d rows, want 1", len(store.closed))
	}
	got := store.closed[0]
	if got.Ticket != 77 || got.ExitPrice != 1.1020 {
		t.Errorf("close = %+v", got)
	}
	// 20 pips at $10/pip/lot on half a lot.
	if math.Abs(got.Pips-20) > 0.01 || math.Abs(got.Profit-100) > 0.1 {
		t.Errorf("pips = %v profit = %v, want ~20 / ~100", got.Pips, got.Profit)
	}
}

func TestSettleDailyRollup(t *testing.T) {
	stub := brokertest.New()
	win, loss := 50.0, -20.0
	store := &ledgerStore{rangeTrades: []database.Trade{
		{Status: database.TradeClosed, Profit: &win},
		{Status: database.TradeClosed, Profit: &loss},
		{Status: database.TradeOpen},
	}}

	o, _ := newTestOrchestrator(testProfile(), stub, store)
	o.RunCycle(context.Background())

	if len(store.settled) != 1 {
		t.Fatalf("settled %d times, want 1", len(store.settled))
	}
	m := store.settled[0]
	if m.Trades != 2 || m.Wins != 1 || m.Losses != 1 || m.NetProfit != 30 {
		t.Errorf("metrics = %+v", m)
	}

	// Within the same minute a second cycle does not re-settle.
	o.RunCycle(context.Background())
	if len(store.settled) != 1 {
		t.Errorf("settled %d times after second cycle, want still 1", len(store.settled))
	}
}

func TestCloseSymbol(t *testing.T) {
	stub := brokertest.New()
	stub.OpenPositions = []broker.OpenPosition{
		{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.1},
		{Ticket: 2, Symbol: "GBPUSD", Side: broker.Sell, Volume: 0.1},
		{Ticket: 3, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.2},
	}

	o, _ := newTestOrchestrator(testProfile(), stub, nil)
	closed, err := o.CloseSymbol(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("CloseSymbol: %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
	remaining, _ := stub.Positions(context.Background())
	if len(remaining) != 1 || remaining[0].Symbol != "GBPUSD" {
		t.Errorf("remaining = %+v, want only GBPUSD", remaining)
	}
}

func TestSwapProfileRebuildsTraders(t *testing.T) {
	stub := brokertest.New()
	o, _ := newTestOrchestrator(testProfile("EURUSD", "GBPUSD"), stub, nil)

	if n := len(o.ActiveSymbols()); n != 2 {
		t.Fatalf("active symbols = %d, want 2", n)
	}

	next := testProfile("EURUSD", "GBPUSD", "USDJPY")
	next.Instruments[1].Enabled = false
	o.SwapProfile(next)

	symbols := o.ActiveSymbols()
	if len(symbols) != 2 {
		t.Fatalf("active symbols after swap = %v", symbols)
	}
	for _, s := range symbols {
		if s == "GBPUSD" {
			t.Error("disabled instrument still active after swap")
		}
	}
}

// gatedSession holds the first SendOrder open so the test can cancel the run
// loop mid-cycle, and records the context state the order ran under.
type gatedSession struct {
	*brokertest.Stub
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (g *gatedSession) SendOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
		g.ctxErr = ctx.Err()
	})
	return g.Stub.SendOrder(ctx, req)
}

func TestRunDrainsInFlightCycleOnShutdown(t *testing.T) {
	stub := brokertest.New()
	stub.BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")
	session := &gatedSession{Stub: stub, entered: make(chan struct{}), release: make(chan struct{})}
	store := &ledgerStore{}

	profile := testProfile("EURUSD")
	profile.Execution.Interval = 10 * time.Millisecond

	cap := &capture{}
	o := New(profile, session, store, position.NewMemoryStateStore(), nil, cap.emit, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	// Cancel while an order submission is in flight, then let it proceed.
	<-session.entered
	cancel()
	close(session.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if session.ctxErr != nil {
		t.Errorf("in-flight order saw %v, want the cycle to finish undisturbed", session.ctxErr)
	}
	if len(store.created) != 1 {
		t.Errorf("trades persisted = %d, want the in-flight trade recorded", len(store.created))
	}
}
