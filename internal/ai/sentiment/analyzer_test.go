package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func feedServer(t *testing.T, scores map[string]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pairs := make(map[string]map[string]float64, len(scores))
		for pair, score := range scores {
			pairs[pair] = map[string]float64{"score": score}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"pairs": pairs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSentimentColdFetchAndLabels(t *testing.T) {
	srv := feedServer(t, map[string]float64{
		"EURUSD": 0.4,
		"GBPUSD": -0.3,
		"USDJPY": 0.05,
	})
	a := New(DefaultConfig(srv.URL), zerolog.Nop())
	ctx := context.Background()

	// Lowercase symbol exercises the case fold on lookup.
	r, err := a.Sentiment(ctx, "eurusd")
	if err != nil {
		t.Fatalf("Sentiment: %v", err)
	}
	if r.Label != Bullish || r.Confidence != 0.4 {
		t.Errorf("EURUSD = %+v, want BULLISH at 0.4", r)
	}

	cases := []struct {
		symbol string
		label  string
	}{
		{"GBPUSD", Bearish},
		{"USDJPY", Neutral},
	}
	for _, tc := range cases {
		r, err := a.Sentiment(ctx, tc.symbol)
		if err != nil {
			t.Fatalf("Sentiment(%s): %v", tc.symbol, err)
		}
		if r.Label != tc.label {
			t.Errorf("%s label = %s, want %s", tc.symbol, r.Label, tc.label)
		}
	}
}

func TestSentimentStaleReadingRejected(t *testing.T) {
	srv := feedServer(t, map[string]float64{"EURUSD": 0.4})
	cfg := &Config{Endpoint: srv.URL, UpdateInterval: time.Hour, StaleAfter: -time.Second}
	a := New(cfg, zerolog.Nop())

	if _, err := a.Sentiment(context.Background(), "EURUSD"); err == nil {
		t.Fatal("want error for stale reading")
	}
}

func TestSentimentFeedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	a := New(DefaultConfig(srv.URL), zerolog.Nop())
	if _, err := a.Sentiment(context.Background(), "EURUSD"); err == nil {
		t.Fatal("want error when the feed is failing")
	}
}
