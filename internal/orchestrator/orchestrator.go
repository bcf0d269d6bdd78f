// Package orchestrator drives one account: the fixed-cadence cycle loop that
// runs position management, every enabled instrument trader, the account
// snapshot and the broker/store reconciliation sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/ai/ml"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/portfolio"
	"mt-trading-engine/internal/position"
	"mt-trading-engine/internal/trader"
)

// CycleSummary is emitted after every cycle.
type CycleSummary struct {
	Cycle    int64         `json:"cycle"`
	Executed int           `json:"executed"`
	Skipped  int           `json:"skipped"`
	Holds    int           `json:"holds"`
	Errors   int           `json:"errors"`
	Halted   bool          `json:"halted"`
	Duration time.Duration `json:"duration"`
}

const pendingGracePeriod = 10 * time.Minute

// Orchestrator owns the per-account loop. One instance per worker process.
type Orchestrator struct {
	accountID string
	session   broker.Session
	store     database.Store
	stateStr  position.StateStore
	sentiment trader.SentimentSource
	emit      func(events.Event)
	log       zerolog.Logger

	mutateMu  sync.Mutex // serialises mutating broker calls within the session
	cycleMu   sync.Mutex // cycles for one account never overlap
	profile   atomic.Pointer[config.AccountProfile]
	predictor *ml.Predictor

	traders    map[string]*trader.Trader
	posManager *position.Manager
	cycleNum   atomic.Int64
	submitting atomic.Bool

	dayStart     time.Time
	dayStartBal  float64
	peakEquity   float64
	lastSettleAt time.Time
}

// New wires the orchestrator for one resolved account profile.
func New(profile *config.AccountProfile, session broker.Session, store database.Store,
	stateStore position.StateStore, sent trader.SentimentSource, emit func(events.Event), log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		accountID: profile.Name,
		session:   session,
		store:     store,
		stateStr:  stateStore,
		sentiment: sent,
		emit:      emit,
		log:       log.With().Str("component", "orchestrator").Str("account", profile.Name).Logger(),
		predictor: ml.New(nil),
	}
	if o.emit == nil {
		o.emit = func(events.Event) {}
	}
	o.posManager = position.NewManager(profile.Name, session, stateStore, &o.mutateMu, log)
	o.SwapProfile(profile)
	o.submitting.Store(true)
	return o
}

// SwapProfile atomically installs a new resolved profile between cycles and
// rebuilds the trader set. Live positions are untouched.
func (o *Orchestrator) SwapProfile(profile *config.AccountProfile) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.profile.Store(profile)
	manager := portfolio.New(profile.Execution.UseIntelligentManager, portfolio.DefaultThresholds())

	traders := make(map[string]*trader.Trader, len(profile.Instruments))
	for _, ic := range profile.Instruments {
		if !ic.Enabled {
			continue
		}
		magic := magicFor(profile.Login, ic.Symbol)
		traders[ic.Symbol] = trader.New(
			profile.Name, ic, profile.Execution, o.session, o.store,
			o.predictor, o.sentiment, manager, &o.mutateMu, magic, o.log,
		)
	}
	o.traders = traders
	o.log.Info().Int("instruments", len(traders)).Msg("profile installed")
}

// SetTrading gates the order-submission side of cycles. Position management
// keeps running while stopped.
func (o *Orchestrator) SetTrading(enabled bool) {
	o.submitting.Store(enabled)
}

// Trading reports the submission gate.
func (o *Orchestrator) Trading() bool { return o.submitting.Load() }

// Cycles reports how many cycles have run.
func (o *Orchestrator) Cycles() int64 { return o.cycleNum.Load() }

// ActiveSymbols lists the enabled instruments in the installed profile.
func (o *Orchestrator) ActiveSymbols() []string {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	out := make([]string, 0, len(o.traders))
	for sym := range o.traders {
		out = append(out, sym)
	}
	return out
}

// Run executes cycles at the profile interval until ctx is cancelled. An
// overrunning cycle makes the next tick fire immediately; missed ticks are
// not queued.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.profile.Load().Execution.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cancellation takes effect between cycles. A cycle that is
			// already submitting orders runs to completion, otherwise the
			// broker and the trade store diverge mid-trade.
			o.RunCycle(context.WithoutCancel(ctx))
			// The interval can change with a profile swap.
			if ni := o.profile.Load().Execution.Interval; ni != interval {
				interval = ni
				ticker.Reset(interval)
			}
		}
	}
}

// RunCycle executes exactly one cycle. Cycles for one account are
// serialised; a concurrent call blocks until the previous cycle finishes.
// Any panic inside a cycle is caught and the cycle ends early.
func (o *Orchestrator) RunCycle(ctx context.Context) (summary CycleSummary) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	started := time.Now()
	summary.Cycle = o.cycleNum.Add(1)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Int64("cycle", summary.Cycle).Msg("cycle aborted")
			summary.Errors++
		}
		summary.Duration = time.Since(started)
		o.emit(events.Event{
			Type:      events.EventCycleComplete,
			AccountID: o.accountID,
			Data: map[string]any{
				"cycle": summary.Cycle, "executed": summary.Executed, "skipped": summary.Skipped,
				"holds": summary.Holds, "errors": summary.Errors, "halted": summary.Halted,
				"duration_ms": summary.Duration.Milliseconds(),
			},
		})
	}()

	profile := o.profile.Load()
	account, err := o.session.AccountInfo(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("account info unavailable, cycle skipped")
		summary.Errors++
		return summary
	}
	o.trackEquity(account)

	halted, reason := o.emergencyHalted(profile, account)
	summary.Halted = halted
	if halted {
		o.log.Warn().Str("reason", reason).Msg("emergency halt: no new submissions")
		if profile.Emergency.CloseAllOnStop {
			o.closeAll(ctx)
		}
	}

	positions, err := o.session.Positions(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("positions unavailable, cycle skipped")
		summary.Errors++
		return summary
	}

	// Position management completes before any new order for this account.
	mods := o.posManager.Step(ctx, positions, func(symbol string) *config.InstrumentConfig {
		return profile.Instrument(symbol)
	})
	for _, mod := range mods {
		o.emit(events.Event{
			Type:      events.EventPositionMod,
			AccountID: o.accountID,
			Data:      map[string]any{"ticket": mod.Ticket, "symbol": mod.Symbol, "kind": string(mod.Kind), "new_sl": mod.NewStopLoss, "closed_volume": mod.ClosedVolume},
		})
	}

	o.reconcile(ctx, positions)

	submitAllowed := o.submitting.Load() && !halted
	results := o.runTraders(ctx, profile, submitAllowed)
	for _, res := range results {
		switch res.Outcome {
		case trader.OutcomeExecuted:
			summary.Executed++
			o.emit(events.Event{
				Type:      events.EventOrderPlaced,
				AccountID: o.accountID,
				Data:      map[string]any{"symbol": res.Symbol, "ticket": res.Ticket, "kind": string(res.Signal.Kind)},
			})
		case trader.OutcomeSkipped:
			summary.Skipped++
		case trader.OutcomeHold:
			summary.Holds++
		case trader.OutcomeFailed:
			summary.Errors++
			data := map[string]any{"symbol": res.Symbol, "error": res.Err.Error()}
			var oe *broker.OrderError
			if errors.As(res.Err, &oe) {
				data["code"] = oe.Code
			}
			o.emit(events.Event{Type: events.EventOrderRejected, AccountID: o.accountID, Data: data})
			o.log.Warn().Str("symbol", res.Symbol).Err(res.Err).Msg("instrument failed this cycle")
		}
	}

	o.snapshot(ctx, profile, account)
	o.settleDaily(ctx)
	return summary
}

// runTraders executes every enabled instrument, optionally in parallel. The
// broker session's mutating calls stay serialised behind mutateMu either way.
func (o *Orchestrator) runTraders(ctx context.Context, profile *config.AccountProfile, submitAllowed bool) []trader.CycleResult {
	results := make([]trader.CycleResult, 0, len(o.traders))

	if !profile.Execution.ParallelExecution || profile.Execution.MaxWorkers <= 1 {
		for _, t := range o.traders {
			results = append(results, t.Run(ctx, submitAllowed))
		}
		return results
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, profile.Execution.MaxWorkers)
	)
	for _, t := range o.traders {
		wg.Add(1)
		go func(t *trader.Trader) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := t.Run(ctx, submitAllowed)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) trackEquity(account *broker.AccountInfo) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !o.dayStart.Equal(today) {
		o.dayStart = today
		o.dayStartBal = account.Balance
		o.peakEquity = account.Equity
	}
	if account.Equity > o.peakEquity {
		o.peakEquity = account.Equity
	}
}

func (o *Orchestrator) emergencyHalted(profile *config.AccountProfile, account *broker.AccountInfo) (bool, string) {
	em := profile.Emergency
	if em.StopAll {
		return true, "emergency stop_all flag set"
	}
	if em.MaxDailyLossPercent > 0 && o.dayStartBal > 0 {
		loss := (o.dayStartBal - account.Equity) / o.dayStartBal * 100
		if loss >= em.MaxDailyLossPercent {
			return true, fmt.Sprintf("daily loss %.2f%% over limit", loss)
		}
	}
	if em.MaxDrawdownPercent > 0 && o.peakEquity > 0 {
		dd := (o.peakEquity - account.Equity) / o.peakEquity * 100
		if dd >= em.MaxDrawdownPercent {
			return true, fmt.Sprintf("drawdown %.2f%% over limit", dd)
		}
	}
	return false, ""
}

// CloseSymbol closes every open position in one instrument. It returns the
// number closed and the first error encountered; later tickets are still
// attempted.
func (o *Orchestrator) CloseSymbol(ctx context.Context, symbol string) (int, error) {
	positions, err := o.session.Positions(ctx)
	if err != nil {
		return 0, err
	}
	var closed int
	var firstErr error
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		o.mutateMu.Lock()
		err := o.session.ClosePosition(ctx, p.Ticket, 0)
		o.mutateMu.Unlock()
		if err != nil {
			o.log.Error().Int64("ticket", p.Ticket).Err(err).Msg("close failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

// closeAll is best effort per ticket; every failure is reported.
func (o *Orchestrator) closeAll(ctx context.Context) {
	positions, err := o.session.Positions(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("close-all: positions unavailable")
		return
	}
	for _, p := range positions {
		o.mutateMu.Lock()
		err := o.session.ClosePosition(ctx, p.Ticket, 0)
		o.mutateMu.Unlock()
		if err != nil {
			o.log.Error().Int64("ticket", p.Ticket).Err(err).Msg("close-all: ticket failed")
			o.emit(events.Event{Type: events.EventError, AccountID: o.accountID,
				Data: map[string]any{"where": "close_all", "ticket": p.Ticket, "reason": err.Error()}})
		}
	}
}

// reconcile repairs the local ledger against the broker's view: OPEN broker
// positions without a local row are inserted, local OPEN rows whose ticket
// vanished are closed with the best available price, and stale PENDING rows
// are cancelled after the grace period.
func (o *Orchestrator) reconcile(ctx context.Context, positions []broker.OpenPosition) {
	if o.store == nil {
		return
	}
	local, err := o.store.OpenTrades(ctx, o.accountID)
	if err != nil {
		o.log.Warn().Err(err).Msg("reconcile: open trades unavailable")
		return
	}
	localByTicket := make(map[int64]*database.Trade, len(local))
	for i := range local {
		if local[i].Ticket != nil {
			localByTicket[*local[i].Ticket] = &local[i]
		}
	}
	brokerTickets := make(map[int64]bool, len(positions))

	for _, p := range positions {
		brokerTickets[p.Ticket] = true
		if _, ok := localByTicket[p.Ticket]; ok {
			continue
		}
		ticket := p.Ticket
		row := &database.Trade{
			Ticket:       &ticket,
			AccountID:    o.accountID,
			Symbol:       p.Symbol,
			Side:         string(p.Side),
			Status:       database.TradeOpen,
			EntryPrice:   p.EntryPrice,
			EntryTime:    p.OpenTime,
			Volume:       p.Volume,
			StrategyName: "reconciled",
		}
		if _, err := o.store.CreateTrade(ctx, row); err != nil {
			o.log.Warn().Int64("ticket", p.Ticket).Err(err).Msg("reconcile: insert failed")
		} else {
			o.log.Info().Int64("ticket", p.Ticket).Str("symbol", p.Symbol).Msg("reconciled broker-side position")
		}
	}

	// Local OPEN rows gone at the broker were closed there; settle them with
	// the last quote since the fill price is no longer observable.
	for ticket, row := range localByTicket {
		if brokerTickets[ticket] {
			continue
		}
		o.closeVanished(ctx, row)
	}

	cutoff := time.Now().UTC().Add(-pendingGracePeriod)
	if n, err := o.store.CancelStalePending(ctx, o.accountID, cutoff); err != nil {
		o.log.Warn().Err(err).Msg("reconcile: stale pending sweep failed")
	} else if n > 0 {
		o.log.Warn().Int64("cancelled", n).Msg("reconcile: cancelled stale pending rows")
	}
}

func (o *Orchestrator) closeVanished(ctx context.Context, row *database.Trade) {
	quote, err := o.session.Quote(ctx, row.Symbol)
	if err != nil {
		o.log.Warn().Int64("ticket", *row.Ticket).Err(err).Msg("reconcile: no quote for vanished position")
		return
	}
	exit := quote.Bid
	if row.Side == string(broker.Sell) {
		exit = quote.Ask
	}
	pip := broker.PipSize(row.Symbol)
	pips := (exit - row.EntryPrice) / pip
	if row.Side == string(broker.Sell) {
		pips = -pips
	}
	profit := pips * broker.DefaultSymbolInfo(row.Symbol).PipValuePerLot * row.Volume
	if err := o.store.CloseTrade(ctx, *row.Ticket, exit, time.Now().UTC(), profit, pips); err != nil {
		o.log.Warn().Int64("ticket", *row.Ticket).Err(err).Msg("reconcile: close failed")
	}
}

func (o *Orchestrator) snapshot(ctx context.Context, profile *config.AccountProfile, account *broker.AccountInfo) {
	if o.store == nil {
		return
	}
	positions, err := o.session.Positions(ctx)
	if err != nil {
		positions = nil
	}
	var totalVolume float64
	for _, p := range positions {
		totalVolume += p.Volume
	}
	snap := &database.AccountSnapshot{
		AccountID:         o.accountID,
		Broker:            profile.Broker,
		Server:            profile.Server,
		Balance:           account.Balance,
		Equity:            account.Equity,
		Profit:            account.Profit,
		Margin:            account.Margin,
		FreeMargin:        account.FreeMargin,
		OpenPositionCount: len(positions),
		TotalVolume:       totalVolume,
		SampledAt:         time.Now().UTC(),
	}
	if err := o.store.CreateSnapshot(ctx, snap); err != nil {
		o.log.Warn().Err(err).Msg("snapshot persist failed, cycle continues")
	}
}

// settleDaily recomputes today's rollup from the trade ledger, at most once
// a minute.
func (o *Orchestrator) settleDaily(ctx context.Context) {
	if o.store == nil || time.Since(o.lastSettleAt) < time.Minute {
		return
	}
	o.lastSettleAt = time.Now()

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	trades, err := o.store.TradesByDateRange(ctx, o.accountID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		o.log.Warn().Err(err).Msg("daily settle: query failed")
		return
	}
	var m database.DailyMetrics
	for _, t := range trades {
		if t.Status != database.TradeClosed || t.Profit == nil {
			continue
		}
		m.Trades++
		m.NetProfit += *t.Profit
		if *t.Profit >= 0 {
			m.Wins++
			m.GrossProfit += *t.Profit
		} else {
			m.Losses++
			m.GrossLoss += *t.Profit
		}
	}
	if m.Trades == 0 {
		return
	}
	if err := o.store.UpsertDailyPerformance(ctx, o.accountID, dayStart, m); err != nil {
		o.log.Warn().Err(err).Msg("daily settle: upsert failed")
	}
}

func magicFor(login int64, symbol string) int64 {
	var h int64 = 1125899906842597 % 1000003
	for _, c := range symbol {
		h = (h*31 + int64(c)) % 1000003
	}
	return 720000000 + (login%1000)*1000000 + h
}
