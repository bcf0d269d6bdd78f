package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"mt-trading-engine/internal/broker"
)

// dropConn kills the underlying TCP connection so the client sees a
// transport error instead of an HTTP status.
func dropConn(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("server does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		t.Fatalf("hijack: %v", err)
	}
	conn.Close()
}

func connectedClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"connected": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, zerolog.Nop())
	if err := c.Connect(context.Background(), 1001, "pw", "Demo-Server"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestSendOrderIsNeverReplayed(t *testing.T) {
	var orderHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		orderHits.Add(1)
		dropConn(t, w)
	})
	c := connectedClient(t, mux)

	_, err := c.SendOrder(context.Background(), &broker.OrderRequest{Symbol: "EURUSD"})
	if err == nil {
		t.Fatal("want transport error from dropped connection")
	}
	if got := orderHits.Load(); got != 1 {
		t.Fatalf("order posted %d times, want exactly 1", got)
	}
}

func TestGetRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			dropConn(t, w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(broker.AccountInfo{Balance: 10000})
	})
	c := connectedClient(t, mux)

	info, err := c.AccountInfo(context.Background())
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if info.Balance != 10000 {
		t.Errorf("balance = %v, want 10000", info.Balance)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("account fetched %d times, want 2 (one retry)", got)
	}
}

func TestTransportErrorKeepsSessionConnected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		dropConn(t, w)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(broker.AccountInfo{Balance: 5000})
	})
	c := connectedClient(t, mux)

	_, err := c.Quote(context.Background(), "EURUSD")
	var ce *broker.ConnectionError
	if !errors.As(err, &ce) || ce.Kind != broker.Unreachable {
		t.Fatalf("quote err = %v, want Unreachable connection error", err)
	}
	if !c.Connected() {
		t.Fatal("one failed read must not drop the session")
	}

	// The next read goes through without re-connecting.
	if _, err := c.AccountInfo(context.Background()); err != nil {
		t.Fatalf("account info after blip: %v", err)
	}
}
