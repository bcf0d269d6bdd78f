// Package portfolio implements the cross-instrument veto and sizing layer.
// Before a new order is submitted the manager inspects the whole account's
// open positions and may block the trade, shrink its confidence, or ask for
// the worst loser to be closed.
package portfolio

import (
	"math"

	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/strategy"
)

// Action is the manager's recommendation for this cycle.
type Action string

const (
	ActionOpen       Action = "OPEN"
	ActionHold       Action = "HOLD"
	ActionCloseWorst Action = "CLOSE_WORST"
)

// Decision is the manager's answer for one candidate signal.
type Decision struct {
	Action               Action
	AllowNewTrade        bool
	ConfidenceMultiplier float64
	PositionsToClose     []int64
	Reason               string
}

// State is the live portfolio input.
type State struct {
	Positions   []broker.OpenPosition
	FloatingPnL float64
	Winners     int
	Losers      int
}

// StateFromPositions derives the aggregate inputs from the raw position list.
func StateFromPositions(positions []broker.OpenPosition) State {
	st := State{Positions: positions}
	for _, p := range positions {
		st.FloatingPnL += p.Profit
		if p.Profit > 0 {
			st.Winners++
		} else if p.Profit < 0 {
			st.Losers++
		}
	}
	return st
}

// Thresholds tune the policy. Defaults are the tested live values.
type Thresholds struct {
	CloseWorstPnL     float64 // portfolio P&L at or below this closes the worst loser
	BlockPnL          float64 // portfolio P&L at or below this blocks new trades
	BasePositionLimit int
	LimitCut          int     // removed from the limit when P&L <= BlockPnL
	LimitBonus        int     // added when P&L >= BonusPnL
	BonusPnL          float64
	LimitFloor        int
	LimitCap          int
}

// DefaultThresholds returns the normative policy values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CloseWorstPnL:     -150,
		BlockPnL:          -100,
		BasePositionLimit: 15,
		LimitCut:          5,
		LimitBonus:        5,
		BonusPnL:          200,
		LimitFloor:        3,
		LimitCap:          20,
	}
}

// Manager evaluates candidate trades against portfolio state.
type Manager struct {
	enabled    bool
	thresholds Thresholds
}

// New creates a manager. When disabled it approves everything unchanged.
func New(enabled bool, thresholds Thresholds) *Manager {
	return &Manager{enabled: enabled, thresholds: thresholds}
}

// Decide applies the policy to a new signal given the live portfolio state.
func (m *Manager) Decide(sig *strategy.Signal, st State) Decision {
	if !m.enabled {
		return Decision{Action: ActionOpen, AllowNewTrade: true, ConfidenceMultiplier: 1.0}
	}
	t := m.thresholds

	if st.FloatingPnL <= t.CloseWorstPnL {
		var worst *broker.OpenPosition
		for i := range st.Positions {
			p := &st.Positions[i]
			if p.Profit < 0 && (worst == nil || p.Profit < worst.Profit) {
				worst = p
			}
		}
		d := Decision{
			Action:               ActionCloseWorst,
			AllowNewTrade:        false,
			ConfidenceMultiplier: 0,
			Reason:               "portfolio drawdown, shedding worst loser",
		}
		if worst != nil {
			d.PositionsToClose = []int64{worst.Ticket}
		}
		return d
	}

	// With no winners any loser at all means the book is one-sided, so a
	// single losing position already blocks; an empty book stays open.
	if st.FloatingPnL <= t.BlockPnL || (st.Winners > 0 && st.Losers >= 2*st.Winners) || (st.Winners == 0 && st.Losers >= 1) {
		return Decision{
			Action:               ActionHold,
			AllowNewTrade:        false,
			ConfidenceMultiplier: 0,
			Reason:               "portfolio losing, blocking new trades",
		}
	}

	limit := t.BasePositionLimit
	if st.FloatingPnL <= t.BlockPnL {
		limit -= t.LimitCut
	}
	if st.FloatingPnL >= t.BonusPnL {
		limit += t.LimitBonus
	}
	if limit < t.LimitFloor {
		limit = t.LimitFloor
	}
	if limit > t.LimitCap {
		limit = t.LimitCap
	}
	if len(st.Positions) >= limit {
		return Decision{
			Action:               ActionHold,
			AllowNewTrade:        false,
			ConfidenceMultiplier: 0,
			Reason:               "dynamic position limit reached",
		}
	}

	multiplier := 1.0
	// Repeated exposure to the same instrument decays confidence
	// geometrically.
	same := 0
	for _, p := range st.Positions {
		if p.Symbol == sig.Symbol {
			same++
		}
	}
	if same > 0 {
		multiplier *= math.Pow(0.7, float64(same))
	}
	switch open := len(st.Positions); {
	case open >= 10:
		multiplier *= 0.4
	case open >= 8:
		multiplier *= 0.6
	case open >= 5:
		multiplier *= 0.8
	}

	return Decision{Action: ActionOpen, AllowNewTrade: true, ConfidenceMultiplier: multiplier}
}
