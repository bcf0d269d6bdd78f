// Package strategy contains the pure indicator and signal engine: bar series
// in, Signal out. No I/O happens here; the engine is deterministic given its
// inputs.
package strategy

import (
	"fmt"
	"time"

	"mt-trading-engine/internal/broker"

	"mt-trading-engine/config"
)

const baselineConfidence = 0.5

// Analyse evaluates the configured moving-average strategy against the bar
// series. Bars must be closed bars, oldest first.
//
// Position kind: BUY while fast MA > slow MA on the last bar, SELL while
// below, HOLD when equal. Crossover kind: BUY/SELL only on the bar where the
// fast MA crosses the slow MA, HOLD otherwise.
func Analyse(bars []broker.Bar, params config.StrategyParams) *Signal {
	now := time.Now().UTC()
	if len(bars) == 0 {
		return &Signal{Kind: SignalHold, GeneratedAt: now, Confidence: baselineConfidence,
			Strategy: name(params), Reason: "insufficient data"}
	}

	symbol := bars[len(bars)-1].Symbol
	hold := &Signal{
		Symbol:      symbol,
		Kind:        SignalHold,
		GeneratedAt: now,
		RefPrice:    bars[len(bars)-1].Close,
		Confidence:  baselineConfidence,
		Strategy:    name(params),
	}

	// The crossover comparison needs the previous bar's averages as well.
	need := params.SlowPeriod
	if params.Kind == config.StrategyCrossover {
		need++
	}
	if len(bars) < need {
		hold.Reason = "insufficient data"
		return hold
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	last := len(closes) - 1
	fast := SMA(closes, params.FastPeriod, last)
	slow := SMA(closes, params.SlowPeriod, last)

	var kind SignalKind
	var reason string
	switch params.Kind {
	case config.StrategyCrossover:
		prevFast := SMA(closes, params.FastPeriod, last-1)
		prevSlow := SMA(closes, params.SlowPeriod, last-1)
		switch {
		case prevFast <= prevSlow && fast > slow:
			kind = SignalBuy
			reason = fmt.Sprintf("fast MA %.5f crossed above slow MA %.5f", fast, slow)
		case prevFast >= prevSlow && fast < slow:
			kind = SignalSell
			reason = fmt.Sprintf("fast MA %.5f crossed below slow MA %.5f", fast, slow)
		default:
			hold.Reason = "no crossover"
			return hold
		}
	default: // position
		switch {
		case fast > slow:
			kind = SignalBuy
			reason = fmt.Sprintf("fast MA %.5f above slow MA %.5f", fast, slow)
		case fast < slow:
			kind = SignalSell
			reason = fmt.Sprintf("fast MA %.5f below slow MA %.5f", fast, slow)
		default:
			hold.Reason = "moving averages equal"
			return hold
		}
	}

	ref := closes[last]
	pip := broker.PipSize(symbol)
	sig := &Signal{
		Symbol:      symbol,
		Kind:        kind,
		GeneratedAt: now,
		RefPrice:    ref,
		Confidence:  baselineConfidence,
		Strategy:    name(params),
		Reason:      reason,
	}
	if kind == SignalBuy {
		sig.StopLoss = ref - params.StopLossPips*pip
		sig.TakeProfit = ref + params.TakeProfitPips*pip
	} else {
		sig.StopLoss = ref + params.StopLossPips*pip
		sig.TakeProfit = ref - params.TakeProfitPips*pip
	}
	return sig
}

func name(params config.StrategyParams) string {
	return fmt.Sprintf("ma_%s_%d_%d", params.Kind, params.FastPeriod, params.SlowPeriod)
}
