// Package pool supervises the per-account worker processes: spawning, the
// ready handshake, command fan-out, event routing onto the bus and teardown.
// A worker that reports failure is removed, never restarted automatically.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/ipc"
)

const (
	readyTimeout    = 30 * time.Second
	replyTimeout    = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// WorkerStatus is the pool's view of one worker.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusFailed   WorkerStatus = "failed"
	StatusStopped  WorkerStatus = "stopped"
)

// WorkerInfo is what the control plane sees per worker.
type WorkerInfo struct {
	Account   string       `json:"account"`
	Status    WorkerStatus `json:"status"`
	PID       int          `json:"pid,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

type worker struct {
	account   string
	handle    Handle
	out       *ipc.Writer
	status    WorkerStatus
	startedAt time.Time
	ready     chan error
	exited    chan struct{}
}

// Manager owns the worker set. All methods are safe for concurrent use.
type Manager struct {
	launcher Launcher
	bus      *events.Bus
	log      zerolog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	starting map[string]bool
	pending  map[string]chan ipc.Message
}

// NewManager builds an empty pool routing worker events onto bus.
func NewManager(launcher Launcher, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		launcher: launcher,
		bus:      bus,
		log:      log.With().Str("component", "pool").Logger(),
		workers:  make(map[string]*worker),
		starting: make(map[string]bool),
		pending:  make(map[string]chan ipc.Message),
	}
}

// StartWorker launches a worker for the account and waits for its ready
// handshake. When the account already has a worker the call is a no-op
// unless force is set, which stops the old worker first; there is never
// more than one session per account.
func (m *Manager) StartWorker(ctx context.Context, account string, force bool) error {
	m.mu.Lock()
	if m.starting[account] {
		m.mu.Unlock()
		return fmt.Errorf("pool: worker %s is already starting", account)
	}
	m.starting[account] = true
	_, exists := m.workers[account]
	m.mu.Unlock()
	// The starting flag is held across launch and registration so two
	// concurrent starts cannot both spawn a session for the account.
	defer func() {
		m.mu.Lock()
		delete(m.starting, account)
		m.mu.Unlock()
	}()

	if exists {
		if !force {
			return nil
		}
		m.log.Info().Str("account", account).Msg("replacing existing worker")
		if err := m.StopWorker(ctx, account); err != nil {
			return err
		}
	}

	handle, err := m.launcher.Launch(ctx, account)
	if err != nil {
		return err
	}
	w := &worker{
		account:   account,
		handle:    handle,
		out:       ipc.NewWriter(handle.Stdin()),
		status:    StatusStarting,
		startedAt: time.Now().UTC(),
		ready:     make(chan error, 1),
		exited:    make(chan struct{}),
	}
	m.mu.Lock()
	m.workers[account] = w
	m.mu.Unlock()

	go m.readLoop(w)
	go func() {
		_ = handle.Wait()
		close(w.exited)
	}()

	select {
	case err := <-w.ready:
		if err != nil {
			m.remove(account, StatusFailed)
			return fmt.Errorf("pool: worker %s failed to start: %w", account, err)
		}
		m.setStatus(account, StatusRunning)
		m.log.Info().Str("account", account).Int("pid", handle.PID()).Msg("worker ready")
		return nil
	case <-w.exited:
		m.remove(account, StatusFailed)
		return fmt.Errorf("pool: worker %s exited before ready", account)
	case <-time.After(readyTimeout):
		_ = handle.Kill()
		m.remove(account, StatusFailed)
		return fmt.Errorf("pool: worker %s ready timeout", account)
	case <-ctx.Done():
		_ = handle.Kill()
		m.remove(account, StatusStopped)
		return ctx.Err()
	}
}

// StopWorker asks the worker to shut down and kills it if it has not exited
// within the grace period.
func (m *Manager) StopWorker(ctx context.Context, account string) error {
	m.mu.Lock()
	w, ok := m.workers[account]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: no worker for account %q", account)
	}

	if msg, err := ipc.NewMessage(ipc.CmdShutdown, account, nil); err == nil {
		_ = w.out.Write(msg)
	}
	select {
	case <-w.exited:
	case <-time.After(shutdownTimeout):
		m.log.Warn().Str("account", account).Msg("worker did not exit, killing")
		_ = w.handle.Kill()
		<-w.exited
	case <-ctx.Done():
		_ = w.handle.Kill()
	}
	m.remove(account, StatusStopped)
	m.bus.Publish(events.Event{Type: events.EventWorkerStopped, AccountID: account})
	return nil
}

// StartAll launches workers for every enabled account in the snapshot.
// Failures are collected; one bad account never blocks the rest.
func (m *Manager) StartAll(ctx context.Context, snap *config.Snapshot) map[string]error {
	failures := make(map[string]error)
	for _, name := range snap.AccountNames() {
		profile, err := snap.ResolveAccount(name)
		if err != nil {
			failures[name] = err
			continue
		}
		if !profile.Enabled {
			continue
		}
		if err := m.StartWorker(ctx, name, false); err != nil {
			failures[name] = err
			m.log.Error().Str("account", name).Err(err).Msg("worker start failed")
		}
	}
	return failures
}

// StopAll stops every worker.
func (m *Manager) StopAll(ctx context.Context) {
	for _, account := range m.Accounts() {
		if err := m.StopWorker(ctx, account); err != nil {
			m.log.Warn().Str("account", account).Err(err).Msg("stop failed")
		}
	}
}

// Accounts lists the accounts with a live worker.
func (m *Manager) Accounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for account := range m.workers {
		out = append(out, account)
	}
	return out
}

// Workers reports the pool's current view.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, WorkerInfo{
			Account: w.account, Status: w.status, PID: w.handle.PID(), StartedAt: w.startedAt,
		})
	}
	return out
}

// Status requests a status report from the worker and waits for the reply.
func (m *Manager) Status(ctx context.Context, account string) (*ipc.StatusReport, error) {
	reply, err := m.request(ctx, account, ipc.CmdGetStatus, nil)
	if err != nil {
		return nil, err
	}
	var report ipc.StatusReport
	if err := reply.Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SetTrading flips the worker's submission gate.
func (m *Manager) SetTrading(ctx context.Context, account string, enabled bool) error {
	cmd := ipc.CmdStartTrading
	if !enabled {
		cmd = ipc.CmdStopTrading
	}
	_, err := m.request(ctx, account, cmd, nil)
	return err
}

// CheckAutoTrading asks the worker whether the terminal allows algo trading.
func (m *Manager) CheckAutoTrading(ctx context.Context, account string) (bool, error) {
	reply, err := m.request(ctx, account, ipc.CmdCheckAutoTrading, nil)
	if err != nil {
		return false, err
	}
	if reply.Type == ipc.EvtError {
		var e struct {
			Reason string `json:"reason"`
		}
		_ = reply.Decode(&e)
		return false, fmt.Errorf("pool: autotrading check: %s", e.Reason)
	}
	var report ipc.StatusReport
	if err := reply.Decode(&report); err != nil {
		return false, err
	}
	return report.AutoTrading, nil
}

// CloseSymbol closes the account's open positions in one instrument.
func (m *Manager) CloseSymbol(ctx context.Context, account, symbol string) error {
	reply, err := m.request(ctx, account, ipc.CmdCloseSymbol, map[string]string{"symbol": symbol})
	if err != nil {
		return err
	}
	if reply.Type == ipc.EvtError {
		var e struct {
			Reason string `json:"reason"`
		}
		_ = reply.Decode(&e)
		return fmt.Errorf("pool: close %s on %s: %s", symbol, account, e.Reason)
	}
	return nil
}

// ReloadProfile pushes a freshly resolved profile into the worker; it takes
// effect between cycles.
func (m *Manager) ReloadProfile(ctx context.Context, profile *config.AccountProfile) error {
	_, err := m.request(ctx, profile.Name, ipc.CmdReloadCurrencies, profile)
	return err
}

// ExecuteCycle triggers an immediate cycle and returns its summary payload.
func (m *Manager) ExecuteCycle(ctx context.Context, account string) (json.RawMessage, error) {
	reply, err := m.request(ctx, account, ipc.CmdExecuteCycle, nil)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// request sends a command and blocks for its correlated reply.
func (m *Manager) request(ctx context.Context, account, cmd string, payload any) (ipc.Message, error) {
	m.mu.Lock()
	w, ok := m.workers[account]
	m.mu.Unlock()
	if !ok {
		return ipc.Message{}, fmt.Errorf("pool: no worker for account %q", account)
	}

	msg, err := ipc.NewMessage(cmd, account, payload)
	if err != nil {
		return ipc.Message{}, err
	}
	ch := make(chan ipc.Message, 1)
	m.mu.Lock()
	m.pending[msg.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
	}()

	if err := w.out.Write(msg); err != nil {
		return ipc.Message{}, fmt.Errorf("pool: send %s to %s: %w", cmd, account, err)
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-w.exited:
		return ipc.Message{}, fmt.Errorf("pool: worker %s exited awaiting %s", account, cmd)
	case <-time.After(replyTimeout):
		return ipc.Message{}, fmt.Errorf("pool: %s reply timeout from %s", cmd, account)
	case <-ctx.Done():
		return ipc.Message{}, ctx.Err()
	}
}

// readLoop consumes the worker's event stream until it closes, resolving
// pending requests and mirroring everything onto the bus.
func (m *Manager) readLoop(w *worker) {
	in := ipc.NewReader(w.handle.Stdout())
	for {
		msg, err := in.Read()
		if err != nil {
			return
		}

		switch msg.Type {
		case ipc.EvtReady:
			select {
			case w.ready <- nil:
			default:
			}
			m.bus.Publish(events.Event{Type: events.EventWorkerReady, AccountID: w.account})
			continue
		case ipc.EvtFailed:
			var fr ipc.FailureReport
			_ = msg.Decode(&fr)
			select {
			case w.ready <- fmt.Errorf("%s", fr.Reason):
			default:
			}
			m.log.Error().Str("account", w.account).Str("reason", fr.Reason).Msg("worker failed")
			m.remove(w.account, StatusFailed)
			m.bus.Publish(events.Event{Type: events.EventWorkerFailed, AccountID: w.account,
				Data: map[string]any{"reason": fr.Reason, "attempts": fr.Attempts}})
			continue
		}

		if msg.Correlates != "" {
			m.mu.Lock()
			ch, ok := m.pending[msg.Correlates]
			m.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
		}
		m.publish(w.account, msg)
	}
}

func (m *Manager) publish(account string, msg ipc.Message) {
	evtType := map[string]events.Type{
		ipc.EvtCycleComplete: events.EventCycleComplete,
		ipc.EvtOrderPlaced:   events.EventOrderPlaced,
		ipc.EvtOrderRejected: events.EventOrderRejected,
		ipc.EvtPositionMod:   events.EventPositionMod,
		ipc.EvtStatusReport:  events.EventStatusReport,
		ipc.EvtError:         events.EventError,
		ipc.EvtStopped:       events.EventWorkerStopped,
	}[msg.Type]
	if evtType == "" {
		return
	}
	var data map[string]any
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &data)
	}
	m.bus.Publish(events.Event{Type: evtType, AccountID: account, Data: data})
}

func (m *Manager) setStatus(account string, status WorkerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[account]; ok {
		w.status = status
	}
}

func (m *Manager) remove(account string, status WorkerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[account]; ok {
		w.status = status
		delete(m.workers, account)
	}
}
