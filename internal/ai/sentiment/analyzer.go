// Package sentiment polls an external market-sentiment feed and exposes the
// latest reading per currency. Readings are cached and refreshed in the
// background; a stale or failing feed is reported as an error and treated as
// "absent" by the decision pipeline.
package sentiment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Label values of a sentiment reading.
const (
	Bullish = "BULLISH"
	Bearish = "BEARISH"
	Neutral = "NEUTRAL"
)

// Reading is one sentiment sample for a symbol.
type Reading struct {
	Symbol     string    `json:"symbol"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"` // 0..1
	Score      float64   `json:"score"`      // -1..1, negative = bearish
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config holds the feed endpoint and refresh cadence.
type Config struct {
	Endpoint       string        // returns JSON: {"pairs": {"EURUSD": {"score": 0.4}}}
	UpdateInterval time.Duration
	StaleAfter     time.Duration
}

// DefaultConfig keeps readings for at most 30 minutes.
func DefaultConfig(endpoint string) *Config {
	return &Config{
		Endpoint:       endpoint,
		UpdateInterval: 10 * time.Minute,
		StaleAfter:     30 * time.Minute,
	}
}

type feedResponse struct {
	Pairs map[string]struct {
		Score float64 `json:"score"`
	} `json:"pairs"`
}

// Analyzer implements the sentiment source capability.
type Analyzer struct {
	cfg    *Config
	http   *resty.Client
	log    zerolog.Logger
	mu     sync.RWMutex
	latest map[string]*Reading
}

// New creates an analyzer. Call Run to start background refresh.
func New(cfg *Config, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		http:   resty.New().SetTimeout(5 * time.Second),
		log:    log.With().Str("component", "sentiment").Logger(),
		latest: make(map[string]*Reading),
	}
}

// Run refreshes the cache until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()

	if err := a.refresh(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial sentiment refresh failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.refresh(ctx); err != nil {
				a.log.Warn().Err(err).Msg("sentiment refresh failed")
			}
		}
	}
}

// Sentiment returns the latest fresh reading for symbol.
func (a *Analyzer) Sentiment(ctx context.Context, symbol string) (*Reading, error) {
	a.mu.RLock()
	r, ok := a.latest[strings.ToUpper(symbol)]
	a.mu.RUnlock()
	if !ok {
		// Cold cache: one synchronous fetch bounded by the caller's timeout.
		if err := a.refresh(ctx); err != nil {
			return nil, err
		}
		a.mu.RLock()
		r, ok = a.latest[strings.ToUpper(symbol)]
		a.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("sentiment: no reading for %s", symbol)
		}
	}
	if time.Since(r.UpdatedAt) > a.cfg.StaleAfter {
		return nil, fmt.Errorf("sentiment: reading for %s is stale", symbol)
	}
	return r, nil
}

func (a *Analyzer) refresh(ctx context.Context) error {
	var feed feedResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&feed).
		Get(a.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("sentiment feed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sentiment feed: status %s", resp.Status())
	}

	now := time.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	for pair, entry := range feed.Pairs {
		a.latest[strings.ToUpper(pair)] = readingFromScore(pair, entry.Score, now)
	}
	return nil
}

func readingFromScore(symbol string, score float64, now time.Time) *Reading {
	label := Neutral
	if score > 0.1 {
		label = Bullish
	} else if score < -0.1 {
		label = Bearish
	}
	conf := score
	if conf < 0 {
		conf = -conf
	}
	if conf > 1 {
		conf = 1
	}
	return &Reading{
		Symbol:     strings.ToUpper(symbol),
		Label:      label,
		Confidence: conf,
		Score:      score,
		UpdatedAt:  now,
	}
}
