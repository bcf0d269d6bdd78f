// Package bridge implements broker.Session against a local MT terminal
// bridge: a small REST sidecar that wraps the terminal's native API. One
// bridge process serves exactly one terminal login, which preserves the
// process-exclusivity the terminal SDK requires.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"mt-trading-engine/internal/broker"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 15 * time.Second
)

// Client talks to the bridge sidecar over HTTP.
type Client struct {
	http      *resty.Client
	log       zerolog.Logger
	connected atomic.Bool
}

// New creates a client for the bridge at baseURL (e.g. http://127.0.0.1:6542).
func New(baseURL string, log zerolog.Logger) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(readTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are safe to replay. A timed-out POST to /order
			// may have filled at the terminal; resending it doubles the
			// position.
			if err == nil || r == nil || r.Request == nil {
				return false
			}
			return r.Request.Method == http.MethodGet
		})
	return &Client{
		http: rc,
		log:  log.With().Str("component", "bridge").Logger(),
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (c *Client) Connect(ctx context.Context, login int64, password, server string) error {
	var out struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"login": login, "password": password, "server": server}).
		SetResult(&out).
		Post("/connect")
	if err != nil {
		return &broker.ConnectionError{Kind: broker.Unreachable, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return &broker.ConnectionError{Kind: broker.AuthFailed, Err: fmt.Errorf("login %d rejected: %s", login, out.Error)}
	}
	if resp.IsError() || !out.Connected {
		return &broker.ConnectionError{Kind: broker.Unreachable, Err: fmt.Errorf("bridge returned %s: %s", resp.Status(), out.Error)}
	}
	c.connected.Store(true)
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	_, err := c.http.R().SetContext(ctx).Post("/disconnect")
	return err
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) AccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	var info broker.AccountInfo
	if err := c.get(ctx, "/account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Quote(ctx context.Context, symbol string) (*broker.Quote, error) {
	var q broker.Quote
	if err := c.get(ctx, "/quote", map[string]string{"symbol": symbol}, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) Bars(ctx context.Context, symbol, timeframe string, count int) ([]broker.Bar, error) {
	var bars []broker.Bar
	err := c.get(ctx, "/bars", map[string]string{
		"symbol":    symbol,
		"timeframe": timeframe,
		"count":     fmt.Sprintf("%d", count),
	}, &bars)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, broker.ErrDataNotAvailable
	}
	return bars, nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*broker.SymbolInfo, error) {
	var info broker.SymbolInfo
	if err := c.get(ctx, "/symbol", map[string]string{"symbol": symbol}, &info); err != nil {
		c.log.Debug().Str("symbol", symbol).Err(err).Msg("falling back to reference symbol info")
		return broker.DefaultSymbolInfo(symbol), nil
	}
	if info.PipSize == 0 {
		return broker.DefaultSymbolInfo(symbol), nil
	}
	return &info, nil
}

func (c *Client) SendOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	var result broker.OrderResult
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(wctx).
		SetBody(req).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("send order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("send order: bridge returned %s", resp.Status())
	}
	return &result, nil
}

func (c *Client) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	return c.mutate(ctx, "/position/modify", map[string]any{"ticket": ticket, "stop_loss": sl, "take_profit": tp})
}

func (c *Client) ClosePosition(ctx context.Context, ticket int64, volume float64) error {
	return c.mutate(ctx, "/position/close", map[string]any{"ticket": ticket, "volume": volume})
}

func (c *Client) Positions(ctx context.Context) ([]broker.OpenPosition, error) {
	var positions []broker.OpenPosition
	if err := c.get(ctx, "/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *Client) AutoTradingEnabled(ctx context.Context) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.get(ctx, "/autotrading", nil, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	req := c.http.R().SetContext(ctx).SetResult(out)
	if params != nil {
		req.SetQueryParams(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		// The session stays logically connected: transient transport
		// errors surface as Unreachable and the caller decides whether
		// to re-establish the login. Latching connected=false here would
		// wedge every later call behind ErrNotConnected with no path
		// back short of a full reconnect.
		return &broker.ConnectionError{Kind: broker.Unreachable, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return broker.ErrDataNotAvailable
	}
	if resp.IsError() {
		return fmt.Errorf("bridge %s: %s", path, resp.Status())
	}
	return nil
}

func (c *Client) mutate(ctx context.Context, path string, body map[string]any) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	var apiErr apiError
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(wctx).
		SetBody(body).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.IsError() {
		return &broker.OrderError{Code: apiErr.Code, Msg: apiErr.Error}
	}
	return nil
}
