// Package ipc is the pool<->worker wire protocol: one JSON message per line,
// commands flowing down the worker's stdin and events flowing back up its
// stdout. Correlation ids tie a reply to the command that caused it.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Command types, pool -> worker.
const (
	CmdExecuteCycle     = "execute_cycle"
	CmdStartTrading     = "start_trading"
	CmdStopTrading      = "stop_trading"
	CmdReloadCurrencies = "reload_currencies"
	CmdGetStatus        = "get_status"
	CmdCheckAutoTrading = "check_autotrading"
	CmdCloseSymbol      = "close_symbol"
	CmdShutdown         = "shutdown"
)

// Event types, worker -> pool.
const (
	EvtReady         = "ready"
	EvtFailed        = "failed"
	EvtStopped       = "stopped"
	EvtCycleComplete = "cycle_complete"
	EvtOrderPlaced   = "order_placed"
	EvtOrderRejected = "order_rejected"
	EvtPositionMod   = "position_modified"
	EvtStatusReport  = "status_report"
	EvtError         = "error"
)

// Message is the envelope for both directions. Payload is type-specific.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	AccountID  string          `json:"account_id,omitempty"`
	Correlates string          `json:"correlates,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with a fresh correlation id and a marshalled
// payload. A nil payload leaves Payload empty.
func NewMessage(msgType, accountID string, payload any) (Message, error) {
	m := Message{ID: uuid.NewString(), Type: msgType, AccountID: accountID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("ipc: marshal %s payload: %w", msgType, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// Reply builds an envelope correlated to the message being answered.
func (m Message) Reply(msgType string, payload any) (Message, error) {
	out, err := NewMessage(msgType, m.AccountID, payload)
	if err != nil {
		return Message{}, err
	}
	out.Correlates = m.ID
	return out, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("ipc: %s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// StatusReport is the get_status reply payload.
type StatusReport struct {
	AccountID     string   `json:"account_id"`
	Connected     bool     `json:"connected"`
	Trading       bool     `json:"trading"`
	AutoTrading   bool     `json:"auto_trading"`
	Balance       float64  `json:"balance"`
	Equity        float64  `json:"equity"`
	OpenPositions int      `json:"open_positions"`
	Symbols       []string `json:"symbols"`
	Cycles        int64    `json:"cycles"`
}

// FailureReport is the failed event payload.
type FailureReport struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts,omitempty"`
}

// Writer emits messages as newline-delimited JSON. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w; each Write produces exactly one line.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write sends one message. json.Encoder appends the newline.
func (w *Writer) Write(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(m); err != nil {
		return fmt.Errorf("ipc: write %s: %w", m.Type, err)
	}
	return nil
}

// Reader consumes newline-delimited messages.
type Reader struct {
	sc *bufio.Scanner
}

// maxLine bounds a single message; reload payloads carry whole profiles.
const maxLine = 4 << 20

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{sc: sc}
}

// Read returns the next message, io.EOF when the stream closes, or an error
// for an unparseable line.
func (r *Reader) Read() (Message, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("ipc: malformed message: %w", err)
		}
		return m, nil
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("ipc: read: %w", err)
	}
	return Message{}, io.EOF
}
