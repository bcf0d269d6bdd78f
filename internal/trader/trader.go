// Package trader drives one instrument through the per-cycle pipeline:
// analyse -> decide -> size -> execute -> persist.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/ai/ml"
	"mt-trading-engine/internal/ai/sentiment"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/decision"
	"mt-trading-engine/internal/portfolio"
	"mt-trading-engine/internal/strategy"
)

// Predictor is the optional ML capability. A nil Predictor means ML is off.
type Predictor interface {
	Predict(ctx context.Context, symbol string, bars []broker.Bar) (*ml.Prediction, error)
}

// SentimentSource is the optional sentiment capability.
type SentimentSource interface {
	Sentiment(ctx context.Context, symbol string) (*sentiment.Reading, error)
}

const (
	barsToFetch      = 100
	predictorTimeout = 3 * time.Second
	sentimentTimeout = 5 * time.Second
)

// Outcome classifies how a cycle ended for this instrument.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeHold     Outcome = "hold"
	OutcomeFailed   Outcome = "failed"
)

// CycleResult is what one Run returns to the orchestrator.
type CycleResult struct {
	Symbol  string
	Outcome Outcome
	Signal  *strategy.Signal
	Ticket  int64
	Reason  string
	Err     error
}

// Trader owns one instrument's cycle state for one account.
type Trader struct {
	accountID string
	cfg       config.InstrumentConfig
	exec      config.ExecutionParams
	session   broker.Session
	store     database.Store
	predictor Predictor
	sentiment SentimentSource
	manager   *portfolio.Manager
	mutateMu  *sync.Mutex
	magic     int64
	log       zerolog.Logger

	lastExecutedKind strategy.SignalKind
	lastTradeTime    time.Time
}

// New builds a trader. store may be nil in dry harnesses; persistence calls
// are then skipped.
func New(accountID string, cfg config.InstrumentConfig, exec config.ExecutionParams, session broker.Session,
	store database.Store, predictor Predictor, sent SentimentSource, manager *portfolio.Manager,
	mutateMu *sync.Mutex, magic int64, log zerolog.Logger) *Trader {
	return &Trader{
		accountID: accountID,
		cfg:       cfg,
		exec:      exec,
		session:   session,
		store:     store,
		predictor: predictor,
		sentiment: sent,
		manager:   manager,
		mutateMu:  mutateMu,
		magic:     magic,
		log:       log.With().Str("component", "trader").Str("symbol", cfg.Symbol).Logger(),
	}
}

// Symbol returns the instrument this trader drives.
func (t *Trader) Symbol() string { return t.cfg.Symbol }

// Run executes one cycle for this instrument. submitAllowed gates the order
// side: when false the pipeline still analyses but never submits.
func (t *Trader) Run(ctx context.Context, submitAllowed bool) CycleResult {
	now := time.Now().UTC()

	if t.cfg.TradingHours != nil && !t.cfg.TradingHours.Contains(now) {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeHold, Reason: "outside trading hours"}
	}
	if !t.lastTradeTime.IsZero() && now.Sub(t.lastTradeTime) < t.cfg.Cooldown {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Reason: "cooldown"}
	}

	bars, err := t.session.Bars(ctx, t.cfg.Symbol, t.cfg.Timeframe, barsToFetch)
	if err != nil {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeFailed, Err: fmt.Errorf("bars: %w", err)}
	}

	technical := strategy.Analyse(bars, t.cfg.Strategy)

	var signalID int64
	if technical.Kind != strategy.SignalHold {
		signalID = t.persistSignal(ctx, technical)
	}

	pred, sent := t.consultProviders(ctx, bars)
	flags := decision.Flags{
		UseML:         t.exec.UseML,
		UseSentiment:  t.exec.UseSentiment,
		MinConfidence: t.cfg.MinConfidence,
	}
	final := decision.Fuse(technical, pred, sent, flags)

	// Position strategies re-emit the same direction every bar; without
	// trade_on_signal_change an unchanged direction is a duplicate.
	if t.cfg.Strategy.Kind == config.StrategyPosition &&
		final.Kind.Directional() &&
		final.Kind == t.lastExecutedKind &&
		!t.cfg.TradeOnSignalChange {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Signal: final, Reason: "duplicate signal"}
	}

	positions, err := t.session.Positions(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("positions unavailable, assuming empty portfolio")
		positions = nil
	}
	dec := t.manager.Decide(final, portfolio.StateFromPositions(positions))
	for _, ticket := range dec.PositionsToClose {
		t.mutateMu.Lock()
		err := t.session.ClosePosition(ctx, ticket, 0)
		t.mutateMu.Unlock()
		if err != nil {
			t.log.Warn().Int64("ticket", ticket).Err(err).Msg("portfolio-manager close failed")
		} else {
			t.log.Info().Int64("ticket", ticket).Msg("closed worst loser on portfolio manager advice")
		}
	}

	if final.Kind == strategy.SignalHold {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeHold, Signal: final, Reason: final.Reason}
	}
	if !dec.AllowNewTrade {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Signal: final, Reason: dec.Reason}
	}
	if !submitAllowed {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Signal: final, Reason: "trading stopped"}
	}

	final.Confidence *= dec.ConfidenceMultiplier
	if final.Confidence < t.cfg.MinConfidence {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Signal: final, Reason: "below confidence threshold after portfolio adjustment"}
	}

	// A kind introduced by fusion has no stops yet; derive them from the
	// strategy's pip distances around the reference price.
	if final.StopLoss == 0 || final.TakeProfit == 0 {
		applyStops(final, t.cfg.Strategy)
	}

	return t.submit(ctx, final, signalID, dec)
}

func (t *Trader) persistSignal(ctx context.Context, sig *strategy.Signal) int64 {
	if t.store == nil {
		return 0
	}
	id, err := t.store.CreateSignal(ctx, signalRow(t.accountID, sig))
	if err != nil {
		t.log.Warn().Err(err).Msg("signal persist failed, continuing cycle")
		return 0
	}
	return id
}

// consultProviders runs ML and sentiment in parallel, each under its own
// timeout. A provider failure is absorbed as an absent input.
func (t *Trader) consultProviders(ctx context.Context, bars []broker.Bar) (*ml.Prediction, *sentiment.Reading) {
	var (
		wg   sync.WaitGroup
		pred *ml.Prediction
		sent *sentiment.Reading
	)
	if t.exec.UseML && t.predictor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, predictorTimeout)
			defer cancel()
			p, err := t.predictor.Predict(pctx, t.cfg.Symbol, bars)
			if err != nil {
				t.log.Warn().Err(err).Msg("predictor failed, treating as absent")
				return
			}
			pred = p
		}()
	}
	if t.exec.UseSentiment && t.sentiment != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, sentimentTimeout)
			defer cancel()
			s, err := t.sentiment.Sentiment(sctx, t.cfg.Symbol)
			if err != nil {
				t.log.Warn().Err(err).Msg("sentiment failed, treating as absent")
				return
			}
			sent = s
		}()
	}
	wg.Wait()
	return pred, sent
}

func (t *Trader) submit(ctx context.Context, final *strategy.Signal, signalID int64, dec portfolio.Decision) CycleResult {
	info, err := t.session.SymbolInfo(ctx, t.cfg.Symbol)
	if err != nil || info == nil {
		info = broker.DefaultSymbolInfo(t.cfg.Symbol)
	}
	account, err := t.session.AccountInfo(ctx)
	if err != nil {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeFailed, Signal: final, Err: fmt.Errorf("account info: %w", err)}
	}

	riskAmount := account.Balance * t.cfg.RiskPercent / 100
	volume := ComputeVolume(riskAmount, final.RefPrice, final.StopLoss, info, t.cfg.MinPositionSize, t.cfg.MaxPositionSize)
	if volume <= 0 {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeSkipped, Signal: final, Reason: "computed volume below minimum"}
	}

	side := broker.Buy
	if final.Kind == strategy.SignalSell {
		side = broker.Sell
	}
	req := &broker.OrderRequest{
		Symbol:     t.cfg.Symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   final.StopLoss,
		TakeProfit: final.TakeProfit,
		Magic:      t.magic,
		Deviation:  10,
		Comment:    final.Strategy,
	}

	t.mutateMu.Lock()
	result, err := t.session.SendOrder(ctx, req)
	t.mutateMu.Unlock()
	if err != nil {
		return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeFailed, Signal: final, Err: fmt.Errorf("send order: %w", err)}
	}
	if !result.OK {
		return CycleResult{
			Symbol: t.cfg.Symbol, Outcome: OutcomeFailed, Signal: final,
			Err: &broker.OrderError{Code: result.ErrorCode, Msg: result.ErrorMsg},
		}
	}

	t.persistTrade(ctx, final, result, volume, signalID, dec)
	t.lastExecutedKind = final.Kind
	t.lastTradeTime = time.Now().UTC()

	t.log.Info().
		Str("side", string(side)).
		Float64("volume", volume).
		Int64("ticket", result.Ticket).
		Float64("fill", result.FillPrice).
		Msg("order filled")
	return CycleResult{Symbol: t.cfg.Symbol, Outcome: OutcomeExecuted, Signal: final, Ticket: result.Ticket}
}

func (t *Trader) persistTrade(ctx context.Context, final *strategy.Signal, result *broker.OrderResult, volume float64, signalID int64, dec portfolio.Decision) {
	if t.store == nil {
		return
	}
	entry := result.FillPrice
	if entry == 0 {
		entry = final.RefPrice
	}
	row := &database.Trade{
		Ticket:       &result.Ticket,
		AccountID:    t.accountID,
		Symbol:       t.cfg.Symbol,
		Side:         string(final.Kind),
		Status:       database.TradeOpen,
		EntryPrice:   entry,
		EntryTime:    time.Now().UTC(),
		Volume:       volume,
		StrategyName: final.Strategy,
		MLEnhanced:   final.MLEnhanced,
		AIApproved:   dec.Action == portfolio.ActionOpen,
	}
	if final.StopLoss != 0 {
		row.StopLoss = &final.StopLoss
	}
	if final.TakeProfit != 0 {
		row.TakeProfit = &final.TakeProfit
	}
	if dec.Reason != "" {
		row.AIReason = &dec.Reason
	}

	tradeID, err := t.store.CreateTrade(ctx, row)
	if err != nil {
		// The broker accepted the order; the reconciliation sweep will
		// insert the missing row on the next Positions() pass.
		t.log.Warn().Err(err).Int64("ticket", result.Ticket).Msg("trade persist failed, will reconcile")
		return
	}
	if signalID != 0 {
		if err := t.store.LinkSignalToTrade(ctx, signalID, tradeID); err != nil {
			t.log.Warn().Err(err).Msg("signal link failed")
		}
	}
}

func applyStops(sig *strategy.Signal, params config.StrategyParams) {
	pip := broker.PipSize(sig.Symbol)
	if sig.Kind == strategy.SignalBuy {
		sig.StopLoss = sig.RefPrice - params.StopLossPips*pip
		sig.TakeProfit = sig.RefPrice + params.TakeProfitPips*pip
	} else {
		sig.StopLoss = sig.RefPrice + params.StopLossPips*pip
		sig.TakeProfit = sig.RefPrice - params.TakeProfitPips*pip
	}
}

func signalRow(accountID string, sig *strategy.Signal) *database.SignalRow {
	row := &database.SignalRow{
		AccountID:    accountID,
		Symbol:       sig.Symbol,
		Kind:         string(sig.Kind),
		GeneratedAt:  sig.GeneratedAt,
		RefPrice:     sig.RefPrice,
		Confidence:   sig.Confidence,
		StrategyName: sig.Strategy,
		Reason:       sig.Reason,
		MLEnhanced:   sig.MLEnhanced,
	}
	if sig.StopLoss != 0 {
		row.StopLoss = &sig.StopLoss
	}
	if sig.TakeProfit != 0 {
		row.TakeProfit = &sig.TakeProfit
	}
	if sig.MLConfidence != 0 {
		row.MLConfidence = &sig.MLConfidence
	}
	if sig.SentimentLabel != "" {
		row.SentimentLabel = &sig.SentimentLabel
		row.SentimentConfidence = &sig.SentimentConfidence
	}
	return row
}
