package portfolio

import (
	"math"
	"testing"

	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/strategy"
)

func position(ticket int64, symbol string, profit float64) broker.OpenPosition {
	return broker.OpenPosition{Ticket: ticket, Symbol: symbol, Side: broker.Buy, Volume: 0.1, Profit: profit}
}

func buySignal(symbol string) *strategy.Signal {
	return &strategy.Signal{Symbol: symbol, Kind: strategy.SignalBuy, Confidence: 0.8}
}

func TestDecideDisabledApprovesEverything(t *testing.T) {
	m := New(false, DefaultThresholds())
	st := StateFromPositions([]broker.OpenPosition{
		position(1, "EURUSD", -500),
		position(2, "GBPUSD", -500),
	})
	d := m.Decide(buySignal("EURUSD"), st)
	if d.Action != ActionOpen || !d.AllowNewTrade || d.ConfidenceMultiplier != 1.0 {
		t.Errorf("disabled manager = %+v, want unconditional OPEN", d)
	}
	if len(d.PositionsToClose) != 0 {
		t.Error("disabled manager suggested closes")
	}
}

func TestDecideCloseWorst(t *testing.T) {
	m := New(true, DefaultThresholds())
	st := StateFromPositions([]broker.OpenPosition{
		position(10, "EURUSD", -40),
		position(11, "GBPUSD", -90), // worst
		position(12, "USDJPY", -25),
	})
	d := m.Decide(buySignal("AUDUSD"), st)
	if d.Action != ActionCloseWorst || d.AllowNewTrade {
		t.Fatalf("decision = %+v, want CLOSE_WORST at P&L %.0f", d, st.FloatingPnL)
	}
	if len(d.PositionsToClose) != 1 || d.PositionsToClose[0] != 11 {
		t.Errorf("close list = %v, want worst ticket 11", d.PositionsToClose)
	}
}

func TestDecideBlocksOnDrawdown(t *testing.T) {
	m := New(true, DefaultThresholds())

	// -100 blocks but does not shed.
	st := StateFromPositions([]broker.OpenPosition{
		position(1, "EURUSD", -60),
		position(2, "GBPUSD", -40),
		position(3, "USDJPY", 0),
	})
	d := m.Decide(buySignal("AUDUSD"), st)
	if d.Action != ActionHold || d.AllowNewTrade {
		t.Errorf("decision = %+v, want HOLD at -100", d)
	}
}

func TestDecideBlocksOnLoserRatio(t *testing.T) {
	m := New(true, DefaultThresholds())

	// 2 losers vs 1 winner, small P&L: still blocked.
	st := StateFromPositions([]broker.OpenPosition{
		position(1, "EURUSD", 30),
		position(2, "GBPUSD", -5),
		position(3, "USDJPY", -5),
	})
	d := m.Decide(buySignal("AUDUSD"), st)
	if d.Action != ActionHold {
		t.Errorf("decision = %+v, want HOLD with losers >= 2x winners", d)
	}

	// A single loser with no winners is already a one-sided book.
	st = StateFromPositions([]broker.OpenPosition{
		position(4, "EURUSD", -5),
	})
	d = m.Decide(buySignal("AUDUSD"), st)
	if d.Action != ActionHold || d.AllowNewTrade {
		t.Errorf("decision = %+v, want HOLD with a sole loser", d)
	}

	// An empty portfolio must never be blocked by the ratio rule.
	d = m.Decide(buySignal("EURUSD"), StateFromPositions(nil))
	if d.Action != ActionOpen || !d.AllowNewTrade {
		t.Errorf("empty portfolio = %+v, want OPEN", d)
	}
}

func TestDecideSameSymbolDecay(t *testing.T) {
	m := New(true, DefaultThresholds())
	st := StateFromPositions([]broker.OpenPosition{
		position(1, "EURUSD", 10),
		position(2, "EURUSD", 20),
	})
	d := m.Decide(buySignal("EURUSD"), st)
	if d.Action != ActionOpen {
		t.Fatalf("decision = %+v", d)
	}
	if want := 0.7 * 0.7; math.Abs(d.ConfidenceMultiplier-want) > 1e-9 {
		t.Errorf("multiplier = %v, want %v for two same-symbol positions", d.ConfidenceMultiplier, want)
	}
}

func TestDecideCrowdingPenalty(t *testing.T) {
	m := New(true, DefaultThresholds())

	build := func(n int) State {
		var ps []broker.OpenPosition
		for i := 0; i < n; i++ {
			ps = append(ps, position(int64(i+1), "GBPUSD", 10))
		}
		return StateFromPositions(ps)
	}

	cases := []struct {
		open int
		want float64
	}{
		{4, 1.0},
		{5, 0.8},
		{8, 0.6},
		{10, 0.4},
	}
	for _, tc := range cases {
		d := m.Decide(buySignal("EURUSD"), build(tc.open))
		if d.Action != ActionOpen {
			t.Fatalf("open=%d decision = %+v", tc.open, d)
		}
		if math.Abs(d.ConfidenceMultiplier-tc.want) > 1e-9 {
			t.Errorf("open=%d multiplier = %v, want %v", tc.open, d.ConfidenceMultiplier, tc.want)
		}
	}
}

func TestDecidePositionLimit(t *testing.T) {
	m := New(true, DefaultThresholds())

	var ps []broker.OpenPosition
	for i := 0; i < 15; i++ {
		ps = append(ps, position(int64(i+1), "GBPUSD", 10))
	}
	d := m.Decide(buySignal("EURUSD"), StateFromPositions(ps))
	if d.Action != ActionHold {
		t.Errorf("decision = %+v, want HOLD at base limit 15", d)
	}

	// Strong profit raises the limit to 20.
	ps[0].Profit = 200
	d = m.Decide(buySignal("EURUSD"), StateFromPositions(ps))
	if d.Action != ActionOpen {
		t.Errorf("decision = %+v, want OPEN with bonus limit", d)
	}
}
