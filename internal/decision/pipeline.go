// Package decision fuses the technical signal with optional ML and sentiment
// inputs into the final signal for one instrument. Provider failures never
// reach this package; callers pass nil for an absent input.
package decision

import (
	"mt-trading-engine/internal/ai/ml"
	"mt-trading-engine/internal/ai/sentiment"
	"mt-trading-engine/internal/strategy"
)

// Flags select which optional inputs participate in the fusion.
type Flags struct {
	UseML         bool
	UseSentiment  bool
	MinConfidence float64
}

// Promotion threshold for ML overriding a technical HOLD.
const mlPromoteConfidence = 0.65

// Veto threshold for opposing sentiment.
const sentimentVetoConfidence = 0.7

// Fuse applies the layered policy: baseline technical, then ML, then
// sentiment, then the confidence floor. HOLD wins whenever rules collide.
// The input signal is not mutated.
func Fuse(technical *strategy.Signal, pred *ml.Prediction, sent *sentiment.Reading, flags Flags) *strategy.Signal {
	final := *technical

	if flags.UseML && pred != nil {
		fuseML(&final, technical, pred)
	}
	if flags.UseSentiment && sent != nil {
		fuseSentiment(&final, sent)
	}
	if final.Kind.Directional() && final.Confidence < flags.MinConfidence {
		downgrade(&final, "below confidence threshold")
	}
	return &final
}

func fuseML(final, technical *strategy.Signal, pred *ml.Prediction) {
	switch {
	case technical.Kind == strategy.SignalHold && pred.Kind.Directional() && pred.Confidence >= mlPromoteConfidence:
		// ML promotes a flat technical read into a trade.
		final.Kind = pred.Kind
		final.Confidence = 0.7 * pred.Confidence
		final.Reason = "ml promotion: " + technical.Reason
		final.StopLoss = 0
		final.TakeProfit = 0
	case technical.Kind.Directional() && technical.Kind == pred.Kind:
		final.Confidence = 0.3*technical.Confidence + 0.7*pred.Confidence
	case technical.Kind.Directional() && pred.Kind.Directional() && technical.Kind != pred.Kind:
		// ML overrides, with a disagreement penalty.
		final.Kind = pred.Kind
		final.Confidence = 0.7 * pred.Confidence * 0.85
		final.Reason = "ml override: " + technical.Reason
		final.StopLoss = 0
		final.TakeProfit = 0
	default:
		return
	}
	final.MLEnhanced = true
	final.MLConfidence = pred.Confidence
}

func fuseSentiment(final *strategy.Signal, sent *sentiment.Reading) {
	final.SentimentLabel = sent.Label
	final.SentimentConfidence = sent.Confidence

	sentKind := kindFromLabel(sent.Label)
	if !final.Kind.Directional() || !sentKind.Directional() {
		return
	}
	if sentKind == final.Kind {
		boost := 1.0 + 0.2*sent.Confidence
		if boost > 1.2 {
			boost = 1.2
		}
		final.Confidence *= boost
		if final.Confidence > 1.0 {
			final.Confidence = 1.0
		}
		return
	}
	if sent.Confidence >= sentimentVetoConfidence {
		downgrade(final, "sentiment veto")
	}
}

func kindFromLabel(label string) strategy.SignalKind {
	switch label {
	case sentiment.Bullish:
		return strategy.SignalBuy
	case sentiment.Bearish:
		return strategy.SignalSell
	}
	return strategy.SignalHold
}

func downgrade(sig *strategy.Signal, reason string) {
	sig.Kind = strategy.SignalHold
	sig.Reason = reason
	sig.StopLoss = 0
	sig.TakeProfit = 0
}
