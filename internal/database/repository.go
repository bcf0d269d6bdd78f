package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store is the persistence contract the trading plane consumes. Every call
// runs in its own short transaction; failures come back as *PersistenceError.
type Store interface {
	CreateSignal(ctx context.Context, sig *SignalRow) (int64, error)
	CreateTrade(ctx context.Context, t *Trade) (int64, error)
	CloseTrade(ctx context.Context, ticket int64, exitPrice float64, exitTime time.Time, profit, pips float64) error
	LinkSignalToTrade(ctx context.Context, signalID, tradeID int64) error
	CreateSnapshot(ctx context.Context, snap *AccountSnapshot) error
	UpsertDailyPerformance(ctx context.Context, accountID string, date time.Time, m DailyMetrics) error

	TradeByTicket(ctx context.Context, ticket int64) (*Trade, error)
	OpenTrades(ctx context.Context, accountID string) ([]Trade, error)
	CancelStalePending(ctx context.Context, accountID string, olderThan time.Time) (int64, error)
	TradesByDateRange(ctx context.Context, accountID string, from, to time.Time) ([]Trade, error)
	RecentSignals(ctx context.Context, accountID string, limit int) ([]SignalRow, error)
	PerformanceRange(ctx context.Context, accountID string, from, to time.Time) ([]DailyPerformance, error)
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("database: not found")

// Repository implements Store on PostgreSQL.
type Repository struct {
	db *DB
}

// NewRepository wraps the pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// withTx runs fn inside one transaction. The op timeout bounds the whole
// transaction, statements included, so fn must issue its queries on the ctx
// it receives rather than the caller's.
func (r *Repository) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.Pool.Begin(cctx)
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	if err := fn(cctx, tx); err != nil {
		_ = tx.Rollback(cctx)
		return &PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(cctx); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

// CreateSignal inserts a signal row and returns its id.
func (r *Repository) CreateSignal(ctx context.Context, sig *SignalRow) (int64, error) {
	var id int64
	err := r.withTx(ctx, "create_signal", func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO signals (
				account_id, symbol, kind, generated_at, ref_price,
				stop_loss, take_profit, confidence, strategy_name, reason,
				ml_enhanced, ml_confidence, sentiment_label, sentiment_confidence, executed
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id`,
			sig.AccountID, sig.Symbol, sig.Kind, sig.GeneratedAt.UTC(), sig.RefPrice,
			sig.StopLoss, sig.TakeProfit, sig.Confidence, sig.StrategyName, sig.Reason,
			sig.MLEnhanced, sig.MLConfidence, sig.SentimentLabel, sig.SentimentConfidence, sig.Executed,
		).Scan(&id)
	})
	return id, err
}

// CreateTrade inserts a trade row and returns its id. Ticket uniqueness is
// enforced by the store.
func (r *Repository) CreateTrade(ctx context.Context, t *Trade) (int64, error) {
	var id int64
	err := r.withTx(ctx, "create_trade", func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO trades (
				ticket, account_id, symbol, side, status,
				entry_price, entry_time, volume, stop_loss, take_profit,
				strategy_name, ml_enhanced, ai_approved, ai_reason, signal_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id`,
			t.Ticket, t.AccountID, t.Symbol, t.Side, t.Status,
			t.EntryPrice, t.EntryTime.UTC(), t.Volume, t.StopLoss, t.TakeProfit,
			t.StrategyName, t.MLEnhanced, t.AIApproved, t.AIReason, t.SignalID,
		).Scan(&id)
	})
	return id, err
}

// CloseTrade finalises an OPEN trade by ticket.
func (r *Repository) CloseTrade(ctx context.Context, ticket int64, exitPrice float64, exitTime time.Time, profit, pips float64) error {
	return r.withTx(ctx, "close_trade", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trades
			SET status = $1, exit_price = $2, exit_time = $3, profit = $4, pips = $5, updated_at = NOW()
			WHERE ticket = $6 AND status = $7`,
			TradeClosed, exitPrice, exitTime.UTC(), profit, pips, ticket, TradeOpen,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LinkSignalToTrade stamps the foreign keys both ways and marks the signal
// executed.
func (r *Repository) LinkSignalToTrade(ctx context.Context, signalID, tradeID int64) error {
	return r.withTx(ctx, "link_signal_trade", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE trades SET signal_id = $1, updated_at = NOW() WHERE id = $2`, signalID, tradeID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE signals SET executed = TRUE WHERE id = $1`, signalID)
		return err
	})
}

// CreateSnapshot appends one account snapshot.
func (r *Repository) CreateSnapshot(ctx context.Context, snap *AccountSnapshot) error {
	return r.withTx(ctx, "create_snapshot", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO account_snapshots (
				account_id, broker, server, balance, equity, profit,
				margin, free_margin, open_position_count, total_volume, sampled_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			snap.AccountID, snap.Broker, snap.Server, snap.Balance, snap.Equity, snap.Profit,
			snap.Margin, snap.FreeMargin, snap.OpenPositionCount, snap.TotalVolume, snap.SampledAt.UTC(),
		)
		return err
	})
}

// UpsertDailyPerformance writes the (account_id, date) rollup. Idempotent
// under concurrent writers on the same key.
func (r *Repository) UpsertDailyPerformance(ctx context.Context, accountID string, date time.Time, m DailyMetrics) error {
	winRate, profitFactor := deriveRatios(m)
	return r.withTx(ctx, "upsert_daily_performance", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO daily_performance (
				account_id, date, trades, wins, losses,
				gross_profit, gross_loss, net_profit, win_rate, profit_factor, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
			ON CONFLICT (account_id, date) DO UPDATE SET
				trades = EXCLUDED.trades,
				wins = EXCLUDED.wins,
				losses = EXCLUDED.losses,
				gross_profit = EXCLUDED.gross_profit,
				gross_loss = EXCLUDED.gross_loss,
				net_profit = EXCLUDED.net_profit,
				win_rate = EXCLUDED.win_rate,
				profit_factor = EXCLUDED.profit_factor,
				updated_at = NOW()`,
			accountID, date.UTC().Truncate(24*time.Hour), m.Trades, m.Wins, m.Losses,
			m.GrossProfit, m.GrossLoss, m.NetProfit, winRate, profitFactor,
		)
		return err
	})
}

func deriveRatios(m DailyMetrics) (winRate, profitFactor *float64) {
	if m.Trades > 0 {
		wr := float64(m.Wins) / float64(m.Trades)
		winRate = &wr
	}
	if m.GrossLoss != 0 {
		pf := m.GrossProfit / -m.GrossLoss
		if pf < 0 {
			pf = -pf
		}
		profitFactor = &pf
	}
	return
}

const tradeColumns = `
	id, ticket, account_id, symbol, side, status, entry_price, entry_time,
	volume, stop_loss, take_profit, exit_price, exit_time, profit, pips,
	strategy_name, ml_enhanced, ai_approved, ai_reason, signal_id, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.Ticket, &t.AccountID, &t.Symbol, &t.Side, &t.Status, &t.EntryPrice, &t.EntryTime,
		&t.Volume, &t.StopLoss, &t.TakeProfit, &t.ExitPrice, &t.ExitTime, &t.Profit, &t.Pips,
		&t.StrategyName, &t.MLEnhanced, &t.AIApproved, &t.AIReason, &t.SignalID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TradeByTicket fetches one trade by broker ticket.
func (r *Repository) TradeByTicket(ctx context.Context, ticket int64) (*Trade, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	t, err := scanTrade(r.db.Pool.QueryRow(cctx,
		`SELECT `+tradeColumns+` FROM trades WHERE ticket = $1`, ticket))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "trade_by_ticket", Err: err}
	}
	return t, nil
}

// OpenTrades lists trades with status OPEN for the account.
func (r *Repository) OpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	return r.queryTrades(ctx, "open_trades",
		`SELECT `+tradeColumns+` FROM trades WHERE account_id = $1 AND status = $2 ORDER BY entry_time`,
		accountID, TradeOpen)
}

// CancelStalePending marks PENDING rows older than the cutoff as CANCELLED
// and returns how many were affected. Used by the reconciliation sweep.
func (r *Repository) CancelStalePending(ctx context.Context, accountID string, olderThan time.Time) (int64, error) {
	var n int64
	err := r.withTx(ctx, "cancel_stale_pending", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trades SET status = $1, updated_at = NOW()
			WHERE account_id = $2 AND status = $3 AND created_at < $4`,
			TradeCancelled, accountID, TradePending, olderThan.UTC(),
		)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// TradesByDateRange lists trades entered inside [from, to).
func (r *Repository) TradesByDateRange(ctx context.Context, accountID string, from, to time.Time) ([]Trade, error) {
	return r.queryTrades(ctx, "trades_by_date_range",
		`SELECT `+tradeColumns+` FROM trades
		 WHERE account_id = $1 AND entry_time >= $2 AND entry_time < $3 ORDER BY entry_time`,
		accountID, from.UTC(), to.UTC())
}

func (r *Repository) queryTrades(ctx context.Context, op, sql string, args ...any) ([]Trade, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := r.db.Pool.Query(cctx, sql, args...)
	if err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, &PersistenceError{Op: op, Err: err}
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

// RecentSignals lists the newest signals for the account.
func (r *Repository) RecentSignals(ctx context.Context, accountID string, limit int) ([]SignalRow, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := r.db.Pool.Query(cctx, `
		SELECT id, account_id, symbol, kind, generated_at, ref_price, stop_loss, take_profit,
		       confidence, strategy_name, reason, ml_enhanced, ml_confidence,
		       sentiment_label, sentiment_confidence, executed, created_at
		FROM signals WHERE account_id = $1 ORDER BY generated_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "recent_signals", Err: err}
	}
	defer rows.Close()

	var out []SignalRow
	for rows.Next() {
		var s SignalRow
		if err := rows.Scan(
			&s.ID, &s.AccountID, &s.Symbol, &s.Kind, &s.GeneratedAt, &s.RefPrice, &s.StopLoss, &s.TakeProfit,
			&s.Confidence, &s.StrategyName, &s.Reason, &s.MLEnhanced, &s.MLConfidence,
			&s.SentimentLabel, &s.SentimentConfidence, &s.Executed, &s.CreatedAt,
		); err != nil {
			return nil, &PersistenceError{Op: "recent_signals", Err: err}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "recent_signals", Err: err}
	}
	return out, nil
}

// PerformanceRange lists daily rollups inside [from, to].
func (r *Repository) PerformanceRange(ctx context.Context, accountID string, from, to time.Time) ([]DailyPerformance, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := r.db.Pool.Query(cctx, `
		SELECT id, account_id, date, trades, wins, losses, gross_profit, gross_loss,
		       net_profit, win_rate, profit_factor, updated_at
		FROM daily_performance
		WHERE account_id = $1 AND date >= $2 AND date <= $3 ORDER BY date`,
		accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, &PersistenceError{Op: "performance_range", Err: err}
	}
	defer rows.Close()

	var out []DailyPerformance
	for rows.Next() {
		var p DailyPerformance
		if err := rows.Scan(
			&p.ID, &p.AccountID, &p.Date, &p.Trades, &p.Wins, &p.Losses, &p.GrossProfit, &p.GrossLoss,
			&p.NetProfit, &p.WinRate, &p.ProfitFactor, &p.UpdatedAt,
		); err != nil {
			return nil, &PersistenceError{Op: "performance_range", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "performance_range", Err: err}
	}
	return out, nil
}
