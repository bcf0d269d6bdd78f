// Package position mutates stop-loss/take-profit of live positions:
// breakeven, trailing stop and milestone partial closes. It runs at the
// start of every cycle, before any new order is submitted.
package position

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/broker"
)

// ModKind labels what a Modification did.
type ModKind string

const (
	ModBreakeven    ModKind = "breakeven"
	ModTrail        ModKind = "trail"
	ModPartialClose ModKind = "partial_close"
)

// Modification records one mutation issued to the broker.
type Modification struct {
	Ticket       int64
	Symbol       string
	Kind         ModKind
	NewStopLoss  float64
	ClosedVolume float64
}

// Manager walks the account's open positions each cycle.
type Manager struct {
	accountID string
	session   broker.Session
	store     StateStore
	mutateMu  *sync.Mutex // serialises mutating broker calls with the traders
	log       zerolog.Logger

	tracked map[int64]bool // tickets live in the previous cycle
}

// NewManager builds a manager sharing the session mutator lock with the
// instrument traders.
func NewManager(accountID string, session broker.Session, store StateStore, mutateMu *sync.Mutex, log zerolog.Logger) *Manager {
	return &Manager{
		accountID: accountID,
		session:   session,
		store:     store,
		mutateMu:  mutateMu,
		log:       log.With().Str("component", "position-manager").Logger(),
		tracked:   make(map[int64]bool),
	}
}

// Step applies the management rules to every open position whose symbol has
// rules configured. Broker errors are logged and retried next cycle; local
// state only advances on success because the authoritative position state
// lives at the broker.
func (m *Manager) Step(ctx context.Context, positions []broker.OpenPosition, rulesFor func(symbol string) *config.InstrumentConfig) []Modification {
	var mods []Modification

	live := make(map[int64]bool, len(positions))
	for i := range positions {
		pos := &positions[i]
		live[pos.Ticket] = true

		cfg := rulesFor(pos.Symbol)
		if cfg == nil {
			continue
		}
		rules := cfg.PositionMgmt
		if !rules.Breakeven.Enabled && !rules.TrailingStop.Enabled && !rules.PartialClose.Enabled {
			continue
		}

		quote, err := m.session.Quote(ctx, pos.Symbol)
		if err != nil {
			m.log.Warn().Str("symbol", pos.Symbol).Err(err).Msg("quote unavailable, skipping position")
			continue
		}

		pip := broker.PipSize(pos.Symbol)
		var current float64
		var pips float64
		if pos.Side == broker.Buy {
			current = quote.Bid
			pips = (current - pos.EntryPrice) / pip
		} else {
			current = quote.Ask
			pips = (pos.EntryPrice - current) / pip
		}

		st, err := m.store.Get(ctx, m.accountID, pos.Ticket)
		if err != nil {
			m.log.Warn().Int64("ticket", pos.Ticket).Err(err).Msg("state load failed")
		}
		if st == nil {
			st = &RuntimeState{Ticket: pos.Ticket, TrailHighWater: pos.EntryPrice}
		}

		if mod := m.manageStop(ctx, pos, st, rules, pip, current, pips); mod != nil {
			mods = append(mods, *mod)
		}
		if mod := m.managePartial(ctx, pos, st, rules.PartialClose, pips); mod != nil {
			mods = append(mods, *mod)
		}
	}

	// Positions gone from the broker no longer need runtime state.
	m.pruneState(ctx, live)
	return mods
}

// manageStop issues at most one SL change per position per cycle; breakeven
// has priority over trailing.
func (m *Manager) manageStop(ctx context.Context, pos *broker.OpenPosition, st *RuntimeState, rules config.PositionManagement, pip, current, pips float64) *Modification {
	be := rules.Breakeven
	if be.Enabled && !st.BreakevenApplied && pips >= be.TriggerPips {
		newSL := pos.EntryPrice + be.OffsetPips*pip
		if pos.Side == broker.Sell {
			newSL = pos.EntryPrice - be.OffsetPips*pip
		}
		if tightens(pos.Side, pos.StopLoss, newSL) {
			if err := m.modify(ctx, pos.Ticket, newSL, pos.TakeProfit); err != nil {
				m.log.Warn().Int64("ticket", pos.Ticket).Err(err).Msg("breakeven modify failed, retrying next cycle")
				return nil
			}
			st.BreakevenApplied = true
			st.LastModifiedAt = time.Now().UTC()
			m.saveState(ctx, st)
			return &Modification{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ModBreakeven, NewStopLoss: newSL}
		}
		// Stop already beyond breakeven, nothing to move.
		st.BreakevenApplied = true
		m.saveState(ctx, st)
	}

	tr := rules.TrailingStop
	if tr.Enabled && pips >= tr.TriggerPips {
		newSL := current - tr.DistancePips*pip
		if pos.Side == broker.Sell {
			newSL = current + tr.DistancePips*pip
		}
		if tightens(pos.Side, pos.StopLoss, newSL) {
			if err := m.modify(ctx, pos.Ticket, newSL, pos.TakeProfit); err != nil {
				m.log.Warn().Int64("ticket", pos.Ticket).Err(err).Msg("trail modify failed, retrying next cycle")
				return nil
			}
			if pos.Side == broker.Buy && current > st.TrailHighWater {
				st.TrailHighWater = current
			}
			if pos.Side == broker.Sell && (st.TrailHighWater == 0 || current < st.TrailHighWater) {
				st.TrailHighWater = current
			}
			st.LastModifiedAt = time.Now().UTC()
			m.saveState(ctx, st)
			return &Modification{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ModTrail, NewStopLoss: newSL}
		}
	}
	return nil
}

func (m *Manager) managePartial(ctx context.Context, pos *broker.OpenPosition, st *RuntimeState, pc config.PartialCloseRule, pips float64) *Modification {
	if !pc.Enabled || pc.TriggerPips <= 0 || pc.Percent <= 0 {
		return nil
	}
	milestone := float64(st.PartialsTaken+1) * pc.TriggerPips
	if pips < milestone {
		return nil
	}
	volume := roundVolume(pos.Volume * pc.Percent / 100)
	if volume <= 0 || volume >= pos.Volume {
		return nil
	}
	m.mutateMu.Lock()
	err := m.session.ClosePosition(ctx, pos.Ticket, volume)
	m.mutateMu.Unlock()
	if err != nil {
		m.log.Warn().Int64("ticket", pos.Ticket).Err(err).Msg("partial close failed, retrying next cycle")
		return nil
	}
	st.PartialsTaken++
	st.LastModifiedAt = time.Now().UTC()
	m.saveState(ctx, st)
	return &Modification{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ModPartialClose, ClosedVolume: volume}
}

func (m *Manager) modify(ctx context.Context, ticket int64, sl, tp float64) error {
	m.mutateMu.Lock()
	defer m.mutateMu.Unlock()
	return m.session.ModifyPosition(ctx, ticket, sl, tp)
}

func (m *Manager) saveState(ctx context.Context, st *RuntimeState) {
	if err := m.store.Put(ctx, m.accountID, st); err != nil {
		m.log.Warn().Int64("ticket", st.Ticket).Err(err).Msg("state save failed")
	}
}

// pruneState deletes runtime state for tickets that were live last cycle and
// have since left the broker. It goes through the store interface so Redis
// entries are removed too; the Redis TTL only backstops state left behind by
// a crashed run.
func (m *Manager) pruneState(ctx context.Context, live map[int64]bool) {
	for ticket := range m.tracked {
		if live[ticket] {
			continue
		}
		if err := m.store.Delete(ctx, m.accountID, ticket); err != nil {
			m.log.Warn().Int64("ticket", ticket).Err(err).Msg("state prune failed")
		}
	}
	m.tracked = live
}

// tightens reports whether newSL moves the stop toward current price: up for
// BUY, down for SELL. A zero previous stop is always tightened.
func tightens(side broker.Side, prevSL, newSL float64) bool {
	if prevSL == 0 {
		return true
	}
	if side == broker.Buy {
		return newSL > prevSL
	}
	return newSL < prevSL
}

func roundVolume(v float64) float64 {
	return math.Floor(v*100) / 100
}
