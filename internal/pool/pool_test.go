package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/broker/brokertest"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/orchestrator"
	"mt-trading-engine/internal/position"
	workerpkg "mt-trading-engine/internal/worker"
)

func testProfile(name string, symbols ...string) *config.AccountProfile {
	p := &config.AccountProfile{
		Name: name, Login: 1001, Password: "pw", Server: "Demo-1", Enabled: true,
		Execution: config.ExecutionParams{Interval: time.Hour, MaxWorkers: 1},
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

// pipeHandle runs a real worker in-process behind the Handle interface.
type pipeHandle struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cancel context.CancelFunc
	done   chan error
	kill   sync.Once
	inR    *io.PipeReader
}

func (h *pipeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *pipeHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *pipeHandle) Wait() error           { return <-h.done }
func (h *pipeHandle) PID() int              { return 0 }

func (h *pipeHandle) Kill() error {
	h.kill.Do(func() {
		h.cancel()
		h.inR.Close()
	})
	return nil
}

// pipeLauncher fabricates one in-process worker per account, each with its
// own broker stub.
type pipeLauncher struct {
	stubs    map[string]*brokertest.Stub
	profiles map[string]*config.AccountProfile
	launches map[string]int
}

func newPipeLauncher() *pipeLauncher {
	return &pipeLauncher{
		stubs:    make(map[string]*brokertest.Stub),
		profiles: make(map[string]*config.AccountProfile),
		launches: make(map[string]int),
	}
}

func (l *pipeLauncher) stub(account string) *brokertest.Stub {
	if s, ok := l.stubs[account]; ok {
		return s
	}
	s := brokertest.New()
	l.stubs[account] = s
	return s
}

func (l *pipeLauncher) Launch(ctx context.Context, account string) (Handle, error) {
	l.launches[account]++
	stub := l.stub(account)
	profile, ok := l.profiles[account]
	if !ok {
		profile = testProfile(account)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	var w *workerpkg.Worker
	orch := orchestrator.New(profile, stub, nil, position.NewMemoryStateStore(), nil,
		func(ev events.Event) { w.EmitEvent(ev) }, zerolog.Nop())
	w = workerpkg.New(profile, stub, orch, inR, outW, zerolog.Nop())

	wctx, cancel := context.WithCancel(context.Background())
	h := &pipeHandle{stdin: inW, stdout: outR, cancel: cancel, done: make(chan error, 1), inR: inR}
	go func() {
		err := w.Run(wctx)
		outW.Close()
		h.done <- err
	}()
	return h, nil
}

type busLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *busLog) record(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *busLog) count(t events.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestManager() (*Manager, *pipeLauncher, *busLog) {
	launcher := newPipeLauncher()
	bus := events.NewBus()
	log := &busLog{}
	bus.SubscribeAll(log.record)
	return NewManager(launcher, bus, zerolog.Nop()), launcher, log
}

func TestStartStopWorker(t *testing.T) {
	m, _, log := newTestManager()
	ctx := context.Background()

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	workers := m.Workers()
	if len(workers) != 1 || workers[0].Status != StatusRunning || workers[0].Account != "demo-main" {
		t.Fatalf("workers = %+v", workers)
	}
	if log.count(events.EventWorkerReady) != 1 {
		t.Error("no worker_ready on the bus")
	}

	if err := m.StopWorker(ctx, "demo-main"); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}
	if len(m.Accounts()) != 0 {
		t.Errorf("accounts after stop = %v", m.Accounts())
	}
	if log.count(events.EventWorkerStopped) == 0 {
		t.Error("no worker_stopped on the bus")
	}
}

func TestStartWorkerAuthFailureIsolated(t *testing.T) {
	m, launcher, log := newTestManager()
	ctx := context.Background()

	launcher.stub("bad").ConnectErr = &broker.ConnectionError{
		Kind: broker.AuthFailed, Err: errors.New("invalid account"),
	}

	if err := m.StartWorker(ctx, "good", false); err != nil {
		t.Fatalf("StartWorker(good): %v", err)
	}
	defer m.StopAll(ctx)

	if err := m.StartWorker(ctx, "bad", false); err == nil {
		t.Fatal("StartWorker(bad) succeeded with bad credentials")
	}

	// The failed account is gone; the healthy one is untouched.
	accounts := m.Accounts()
	if len(accounts) != 1 || accounts[0] != "good" {
		t.Errorf("accounts = %v, want only good", accounts)
	}
	if _, err := m.Status(ctx, "good"); err != nil {
		t.Errorf("good worker unreachable after bad one failed: %v", err)
	}
	if log.count(events.EventWorkerFailed) != 1 {
		t.Error("no worker_failed on the bus")
	}
}

func TestStartWorkerSecondStartIsNoOp(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer m.StopAll(ctx)

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if n := launcher.launches["demo-main"]; n != 1 {
		t.Errorf("launches = %d, want the second start to be a no-op", n)
	}
	if n := len(m.Accounts()); n != 1 {
		t.Errorf("accounts = %d, want one worker per account", n)
	}
}

func TestStartWorkerForceReplaces(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer m.StopAll(ctx)

	if err := m.StartWorker(ctx, "demo-main", true); err != nil {
		t.Fatalf("forced start: %v", err)
	}
	if n := launcher.launches["demo-main"]; n != 2 {
		t.Errorf("launches = %d, want a fresh worker on force", n)
	}
	if n := len(m.Accounts()); n != 1 {
		t.Errorf("accounts = %d, want one worker per account", n)
	}
}

func TestStatusAndTradingGate(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()
	launcher.profiles["demo-main"] = testProfile("demo-main", "EURUSD")

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	report, err := m.Status(ctx, "demo-main")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !report.Connected || !report.Trading || report.Balance != 10000 {
		t.Errorf("report = %+v", report)
	}

	if err := m.SetTrading(ctx, "demo-main", false); err != nil {
		t.Fatalf("SetTrading: %v", err)
	}
	report, err = m.Status(ctx, "demo-main")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Trading {
		t.Error("still trading after SetTrading(false)")
	}
}

func TestExecuteCycle(t *testing.T) {
	m, launcher, log := newTestManager()
	ctx := context.Background()

	launcher.profiles["demo-main"] = testProfile("demo-main", "EURUSD")
	launcher.stub("demo-main").BarsBySymbol["EURUSD"] = crossoverBars("EURUSD")

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	payload, err := m.ExecuteCycle(ctx, "demo-main")
	if err != nil {
		t.Fatalf("ExecuteCycle: %v", err)
	}
	var summary struct {
		Cycle    int64 `json:"cycle"`
		Executed int   `json:"executed"`
	}
	if err := json.Unmarshal(payload, &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Cycle != 1 || summary.Executed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	// The uncorrelated order_placed event was mirrored onto the bus.
	if log.count(events.EventOrderPlaced) != 1 {
		t.Error("order_placed not mirrored onto the bus")
	}
}

func TestCheckAutoTrading(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()
	launcher.stub("demo-main").AutoTrading = false

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	enabled, err := m.CheckAutoTrading(ctx, "demo-main")
	if err != nil {
		t.Fatalf("CheckAutoTrading: %v", err)
	}
	if enabled {
		t.Error("reported enabled, terminal has algo trading off")
	}
}

func TestCloseSymbolThroughWorker(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()

	stub := launcher.stub("demo-main")
	stub.OpenPositions = []broker.OpenPosition{
		{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.1},
		{Ticket: 2, Symbol: "GBPUSD", Side: broker.Sell, Volume: 0.1},
	}

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	if err := m.CloseSymbol(ctx, "demo-main", "EURUSD"); err != nil {
		t.Fatalf("CloseSymbol: %v", err)
	}
	remaining, _ := stub.Positions(ctx)
	if len(remaining) != 1 || remaining[0].Symbol != "GBPUSD" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestReloadProfile(t *testing.T) {
	m, launcher, _ := newTestManager()
	ctx := context.Background()
	launcher.profiles["demo-main"] = testProfile("demo-main", "EURUSD")

	if err := m.StartWorker(ctx, "demo-main", false); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer m.StopAll(ctx)

	if err := m.ReloadProfile(ctx, testProfile("demo-main", "EURUSD", "GBPUSD")); err != nil {
		t.Fatalf("ReloadProfile: %v", err)
	}
	report, err := m.Status(ctx, "demo-main")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(report.Symbols) != 2 {
		t.Errorf("symbols after reload = %v, want 2", report.Symbols)
	}
}

func TestRequestWithoutWorker(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.Status(context.Background(), "ghost"); err == nil {
		t.Error("Status for unknown account succeeded")
	}
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
