// Package ml implements a lightweight feature-based direction classifier.
// It scores momentum, mean reversion and trend features over recent bars and
// maps the blended score to a direction plus confidence.
package ml

import (
	"context"
	"math"
	"sync"
	"time"

	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/strategy"
)

// Prediction is the classifier output consumed by the decision pipeline.
type Prediction struct {
	Symbol     string              `json:"symbol"`
	Kind       strategy.SignalKind `json:"kind"`
	Confidence float64             `json:"confidence"` // 0..1
	Score      float64             `json:"score"`      // signed blended score
	Features   map[string]float64  `json:"features"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Config weights the individual feature groups.
type Config struct {
	MomentumWeight      float64
	MeanReversionWeight float64
	TrendWeight         float64
	MinBars             int
	CacheTTL            time.Duration
}

// DefaultConfig returns the weights used in live trading.
func DefaultConfig() *Config {
	return &Config{
		MomentumWeight:      0.4,
		MeanReversionWeight: 0.25,
		TrendWeight:         0.35,
		MinBars:             30,
		CacheTTL:            20 * time.Second,
	}
}

// Predictor caches one prediction per symbol for a short TTL so parallel
// instrument traders do not recompute features within the same cycle.
type Predictor struct {
	cfg   *Config
	mu    sync.RWMutex
	cache map[string]*Prediction
}

// New creates a predictor; nil config selects DefaultConfig.
func New(cfg *Config) *Predictor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Predictor{cfg: cfg, cache: make(map[string]*Prediction)}
}

// Predict classifies the next move for symbol from its recent closed bars.
func (p *Predictor) Predict(ctx context.Context, symbol string, bars []broker.Bar) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	if cached, ok := p.cache[symbol]; ok && time.Since(cached.CreatedAt) < p.cfg.CacheTTL {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	pred := p.classify(symbol, bars)
	p.mu.Lock()
	p.cache[symbol] = pred
	p.mu.Unlock()
	return pred, nil
}

func (p *Predictor) classify(symbol string, bars []broker.Bar) *Prediction {
	now := time.Now().UTC()
	if len(bars) < p.cfg.MinBars {
		return &Prediction{Symbol: symbol, Kind: strategy.SignalHold, CreatedAt: now}
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	features := map[string]float64{
		"momentum":       momentumScore(closes),
		"mean_reversion": meanReversionScore(closes),
		"trend":          trendScore(closes),
	}
	score := p.cfg.MomentumWeight*features["momentum"] +
		p.cfg.MeanReversionWeight*features["mean_reversion"] +
		p.cfg.TrendWeight*features["trend"]

	// Volatility scales confidence down in choppy markets.
	atr := strategy.ATR(highs, lows, closes, 14)
	ref := closes[len(closes)-1]
	volPenalty := 1.0
	if ref > 0 && atr/ref > 0.004 {
		volPenalty = 0.8
	}

	kind := strategy.SignalHold
	if score > 0.15 {
		kind = strategy.SignalBuy
	} else if score < -0.15 {
		kind = strategy.SignalSell
	}
	confidence := math.Min(math.Abs(score)*volPenalty, 1.0)
	if kind == strategy.SignalHold {
		confidence = 0
	}

	return &Prediction{
		Symbol:     symbol,
		Kind:       kind,
		Confidence: confidence,
		Score:      score,
		Features:   features,
		CreatedAt:  now,
	}
}

// momentumScore blends short-horizon returns into [-1, 1].
func momentumScore(closes []float64) float64 {
	n := len(closes)
	r5 := ret(closes, n-1, 5)
	r10 := ret(closes, n-1, 10)
	r20 := ret(closes, n-1, 20)
	// Returns on FX majors rarely exceed a few tenths of a percent per bar
	// window, scale so typical moves land mid-range.
	return clamp((r5*0.5+r10*0.3+r20*0.2)*400, -1, 1)
}

// meanReversionScore leans against RSI extremes.
func meanReversionScore(closes []float64) float64 {
	rsi := strategy.RSI(closes, 14)
	switch {
	case rsi >= 70:
		return -(rsi - 70) / 30
	case rsi <= 30:
		return (30 - rsi) / 30
	}
	return 0
}

// trendScore measures how consistently the 10-bar SMA slopes one way.
func trendScore(closes []float64) float64 {
	n := len(closes)
	var up, down int
	for i := n - 10; i < n; i++ {
		cur := strategy.SMA(closes, 10, i)
		prev := strategy.SMA(closes, 10, i-1)
		if cur > prev {
			up++
		} else if cur < prev {
			down++
		}
	}
	return float64(up-down) / 10
}

func ret(closes []float64, i, lookback int) float64 {
	if i-lookback < 0 || closes[i-lookback] == 0 {
		return 0
	}
	return (closes[i] - closes[i-lookback]) / closes[i-lookback]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
