// Package worker is the per-account process runtime: it owns one broker
// session and one orchestrator, takes commands on stdin and reports events on
// stdout. Logs go to stderr so stdout stays a clean protocol stream.
package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/broker"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/ipc"
	"mt-trading-engine/internal/orchestrator"
)

const (
	reconnectInitial  = 2 * time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 5

	defaultHealthInterval = 15 * time.Second
)

// Worker drives one account inside its own process.
type Worker struct {
	profile *config.AccountProfile
	session broker.Session
	orch    *orchestrator.Orchestrator
	in      *ipc.Reader
	out     *ipc.Writer
	log     zerolog.Logger

	healthInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	fatal  chan error
}

// New assembles a worker around an already-built orchestrator. The
// orchestrator's emit callback must already point at w.EmitEvent (see Wire).
func New(profile *config.AccountProfile, session broker.Session, orch *orchestrator.Orchestrator,
	in io.Reader, out io.Writer, log zerolog.Logger) *Worker {
	return &Worker{
		profile:        profile,
		session:        session,
		orch:           orch,
		in:             ipc.NewReader(in),
		out:            ipc.NewWriter(out),
		log:            log.With().Str("component", "worker").Str("account", profile.Name).Logger(),
		healthInterval: defaultHealthInterval,
		fatal:          make(chan error, 1),
	}
}

// EmitEvent forwards an orchestrator event onto the protocol stream. It is
// the emit callback handed to orchestrator.New.
func (w *Worker) EmitEvent(ev events.Event) {
	msgType := map[events.Type]string{
		events.EventCycleComplete: ipc.EvtCycleComplete,
		events.EventOrderPlaced:   ipc.EvtOrderPlaced,
		events.EventOrderRejected: ipc.EvtOrderRejected,
		events.EventPositionMod:   ipc.EvtPositionMod,
		events.EventError:         ipc.EvtError,
	}[ev.Type]
	if msgType == "" {
		return
	}
	msg, err := ipc.NewMessage(msgType, w.profile.Name, ev.Data)
	if err != nil {
		w.log.Error().Err(err).Msg("event encode failed")
		return
	}
	if err := w.out.Write(msg); err != nil {
		w.log.Error().Err(err).Msg("event write failed")
	}
}

// Run connects, reports ready and serves commands until shutdown or stdin
// EOF. A connection that cannot be established within the bounded retry
// schedule produces a failed event and a non-nil error.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()

	if err := w.connect(ctx); err != nil {
		w.reportFailure(err, reconnectAttempts)
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := w.session.Disconnect(dctx); err != nil {
			w.log.Warn().Err(err).Msg("disconnect failed")
		}
	}()

	ready, err := ipc.NewMessage(ipc.EvtReady, w.profile.Name, map[string]any{
		"login": w.profile.Login, "server": w.profile.Server,
	})
	if err == nil {
		err = w.out.Write(ready)
	}
	if err != nil {
		return err
	}
	w.log.Info().Int64("login", w.profile.Login).Msg("connected and ready")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.orch.Run(ctx)
	}()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.monitor(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- w.serve(ctx) }()

	select {
	case err = <-serveErr:
	case err = <-w.fatal:
	}
	cancel()
	w.wg.Wait()

	if stopped, werr := ipc.NewMessage(ipc.EvtStopped, w.profile.Name, nil); werr == nil {
		_ = w.out.Write(stopped)
	}
	return err
}

// connect retries with doubling backoff: 2s, 4s, 8s, 16s, 30s cap.
func (w *Worker) connect(ctx context.Context) error {
	delay := reconnectInitial
	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		err := w.session.Connect(ctx, w.profile.Login, w.profile.Password, w.profile.Server)
		if err == nil {
			return nil
		}
		lastErr = err

		var ce *broker.ConnectionError
		if errors.As(err, &ce) && ce.Kind == broker.AuthFailed {
			// Retrying bad credentials only locks the account out.
			return err
		}
		if attempt == reconnectAttempts {
			break
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
	return lastErr
}

// monitor watches the terminal link and re-runs the connect schedule when it
// drops. A session that cannot be re-established is fatal for the worker:
// the pool sees a failed event and the process exits.
func (w *Worker) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.healthy(ctx) {
				continue
			}
			w.log.Warn().Msg("terminal connection lost, reconnecting")
			if err := w.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.reportFailure(err, reconnectAttempts)
				select {
				case w.fatal <- err:
				default:
				}
				return
			}
			w.log.Info().Msg("terminal connection re-established")
		}
	}
}

// healthy checks the session with a cheap read. Only connection-class
// failures count as unhealthy; data errors do not mean the link is down.
func (w *Worker) healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := w.session.AccountInfo(hctx)
	if err == nil {
		return true
	}
	var ce *broker.ConnectionError
	return !errors.As(err, &ce) && !errors.Is(err, broker.ErrNotConnected)
}

func (w *Worker) reportFailure(err error, attempts int) {
	msg, merr := ipc.NewMessage(ipc.EvtFailed, w.profile.Name, ipc.FailureReport{
		Reason: err.Error(), Attempts: attempts,
	})
	if merr == nil {
		_ = w.out.Write(msg)
	}
}

// serve is the command loop. It returns on shutdown, stdin EOF (the pool
// died; treat as shutdown) or a broken protocol stream.
func (w *Worker) serve(ctx context.Context) error {
	for {
		msg, err := w.in.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.log.Info().Msg("command stream closed, shutting down")
				return nil
			}
			w.log.Error().Err(err).Msg("command read failed")
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		switch msg.Type {
		case ipc.CmdShutdown:
			w.log.Info().Msg("shutdown requested")
			return nil

		case ipc.CmdExecuteCycle:
			summary := w.orch.RunCycle(ctx)
			w.reply(msg, ipc.EvtCycleComplete, summary)

		case ipc.CmdStartTrading:
			w.orch.SetTrading(true)
			w.reply(msg, ipc.EvtStatusReport, w.status(ctx))

		case ipc.CmdStopTrading:
			w.orch.SetTrading(false)
			w.reply(msg, ipc.EvtStatusReport, w.status(ctx))

		case ipc.CmdReloadCurrencies:
			var profile config.AccountProfile
			if err := msg.Decode(&profile); err != nil {
				w.replyError(msg, err)
				continue
			}
			w.orch.SwapProfile(&profile)
			w.profile = &profile
			w.reply(msg, ipc.EvtStatusReport, w.status(ctx))

		case ipc.CmdGetStatus:
			w.reply(msg, ipc.EvtStatusReport, w.status(ctx))

		case ipc.CmdCloseSymbol:
			var req struct {
				Symbol string `json:"symbol"`
			}
			if err := msg.Decode(&req); err != nil {
				w.replyError(msg, err)
				continue
			}
			closed, err := w.orch.CloseSymbol(ctx, req.Symbol)
			if err != nil {
				w.replyError(msg, err)
				continue
			}
			w.reply(msg, ipc.EvtStatusReport, map[string]any{"symbol": req.Symbol, "closed": closed})

		case ipc.CmdCheckAutoTrading:
			enabled, err := w.session.AutoTradingEnabled(ctx)
			if err != nil {
				w.replyError(msg, err)
				continue
			}
			w.reply(msg, ipc.EvtStatusReport, ipc.StatusReport{
				AccountID: w.profile.Name, Connected: w.session.Connected(),
				Trading: w.orch.Trading(), AutoTrading: enabled,
			})

		default:
			w.log.Warn().Str("type", msg.Type).Msg("unknown command ignored")
		}
	}
}

func (w *Worker) status(ctx context.Context) ipc.StatusReport {
	report := ipc.StatusReport{
		AccountID: w.profile.Name,
		Connected: w.session.Connected(),
		Trading:   w.orch.Trading(),
		Symbols:   w.orch.ActiveSymbols(),
		Cycles:    w.orch.Cycles(),
	}
	if account, err := w.session.AccountInfo(ctx); err == nil {
		report.Balance = account.Balance
		report.Equity = account.Equity
	}
	if positions, err := w.session.Positions(ctx); err == nil {
		report.OpenPositions = len(positions)
	}
	if enabled, err := w.session.AutoTradingEnabled(ctx); err == nil {
		report.AutoTrading = enabled
	}
	return report
}

func (w *Worker) reply(to ipc.Message, msgType string, payload any) {
	msg, err := to.Reply(msgType, payload)
	if err != nil {
		w.log.Error().Err(err).Str("type", msgType).Msg("reply encode failed")
		return
	}
	if err := w.out.Write(msg); err != nil {
		w.log.Error().Err(err).Str("type", msgType).Msg("reply write failed")
	}
}

func (w *Worker) replyError(to ipc.Message, err error) {
	w.reply(to, ipc.EvtError, map[string]any{"reason": err.Error()})
}
