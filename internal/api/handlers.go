package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mt-trading-engine/internal/auth"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": len(s.pool.Accounts()),
		"time":    time.Now().UTC(),
	})
}

// handleIssueToken exchanges the shared operator secret for a bearer token.
func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		Secret  string `json:"secret" binding:"required"`
		Subject string `json:"subject"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if s.config.JWTSecret == "" || req.Secret != s.config.JWTSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrBadSecret.Code, "message": auth.ErrBadSecret.Message})
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = "operator"
	}
	pair, err := s.jwt.Issue(auth.OperatorClaims{Subject: subject, Role: "operator"})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "TOKEN_ISSUE_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleEngineStatus(c *gin.Context) {
	snap := s.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"workers":    s.pool.Workers(),
		"accounts":   snap.AccountNames(),
		"ws_clients": s.hub.ClientCount(),
		"loaded_at":  snap.LoadedAt,
	})
}

func (s *Server) handleStartAll(c *gin.Context) {
	failures := s.pool.StartAll(c.Request.Context(), s.snapshot())
	if len(failures) > 0 {
		msgs := make(map[string]string, len(failures))
		for account, err := range failures {
			msgs[account] = err.Error()
		}
		c.JSON(http.StatusMultiStatus, gin.H{"started": s.pool.Accounts(), "failures": msgs})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": s.pool.Accounts()})
}

func (s *Server) handleStopAll(c *gin.Context) {
	s.pool.StopAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleConnect(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.snapshot().ResolveAccount(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "UNKNOWN_ACCOUNT", "message": err.Error()})
		return
	}
	force := c.Query("force") == "true"
	if err := s.pool.StartWorker(c.Request.Context(), name, force); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "CONNECT_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": name, "status": "connected"})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	name := c.Param("name")
	if err := s.pool.StopWorker(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NO_WORKER", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": name, "status": "disconnected"})
}

// handleStartTrading enables submissions. A terminal with algo trading
// disabled cannot execute, so the account comes back "blocked" instead of
// "trading".
func (s *Server) handleStartTrading(c *gin.Context) {
	name := c.Param("name")
	enabled, err := s.pool.CheckAutoTrading(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	if !enabled {
		c.JSON(http.StatusConflict, gin.H{"account": name, "status": "blocked",
			"message": "auto-trading is disabled in the terminal"})
		return
	}
	if err := s.pool.SetTrading(c.Request.Context(), name, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": name, "status": "trading"})
}

func (s *Server) handleStopTrading(c *gin.Context) {
	name := c.Param("name")
	if err := s.pool.SetTrading(c.Request.Context(), name, false); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": name, "status": "stopped"})
}

func (s *Server) handleAccountStatus(c *gin.Context) {
	report, err := s.pool.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleAutoTrading(c *gin.Context) {
	name := c.Param("name")
	enabled, err := s.pool.CheckAutoTrading(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": name, "auto_trading": enabled})
}

func (s *Server) handleExecuteCycle(c *gin.Context) {
	summary, err := s.pool.ExecuteCycle(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", summary)
}

func (s *Server) handleEnableInstrument(c *gin.Context) {
	s.toggleInstrument(c, true)
}

func (s *Server) handleDisableInstrument(c *gin.Context) {
	s.toggleInstrument(c, false)
}

// toggleInstrument flips one instrument on a live worker by pushing an
// amended profile. disable accepts ?close_positions=true to also flatten the
// symbol's open positions.
func (s *Server) toggleInstrument(c *gin.Context, enable bool) {
	name := c.Param("name")
	symbol := c.Param("symbol")

	profile, err := s.snapshot().ResolveAccount(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "UNKNOWN_ACCOUNT", "message": err.Error()})
		return
	}
	ic := profile.Instrument(symbol)
	if ic == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "UNKNOWN_SYMBOL",
			"message": "no such instrument on account " + name})
		return
	}

	s.overrideMu.Lock()
	if s.overrides[name] == nil {
		s.overrides[name] = make(map[string]bool)
	}
	s.overrides[name][symbol] = enable
	overrides := s.overrides[name]
	s.overrideMu.Unlock()

	for i := range profile.Instruments {
		if v, ok := overrides[profile.Instruments[i].Symbol]; ok {
			profile.Instruments[i].Enabled = v
		}
	}
	if err := s.pool.ReloadProfile(c.Request.Context(), profile); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "WORKER_UNAVAILABLE", "message": err.Error()})
		return
	}

	resp := gin.H{"account": name, "symbol": symbol, "enabled": enable}
	if !enable && c.Query("close_positions") == "true" {
		if err := s.pool.CloseSymbol(c.Request.Context(), name, symbol); err != nil {
			resp["close_error"] = err.Error()
		} else {
			resp["positions_closed"] = true
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ClearOverrides drops the runtime instrument toggles, typically after a
// config file reload made them stale.
func (s *Server) ClearOverrides() {
	s.overrideMu.Lock()
	s.overrides = make(map[string]map[string]bool)
	s.overrideMu.Unlock()
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "NO_DATABASE"})
		return
	}
	from, to := dateRange(c, -7*24*time.Hour)
	trades, err := s.store.TradesByDateRange(c.Request.Context(), c.Param("name"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QUERY_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "from": from, "to": to})
}

func (s *Server) handleSignals(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "NO_DATABASE"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	signals, err := s.store.RecentSignals(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QUERY_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handlePerformance(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "NO_DATABASE"})
		return
	}
	from, to := dateRange(c, -30*24*time.Hour)
	rows, err := s.store.PerformanceRange(c.Request.Context(), c.Param("name"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QUERY_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"performance": rows, "from": from, "to": to})
}

// dateRange parses ?from=/&to= (RFC 3339 or 2006-01-02), defaulting to the
// trailing window ending now.
func dateRange(c *gin.Context, window time.Duration) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.Add(window)
	to := now
	if v := c.Query("from"); v != "" {
		if t, err := parseDate(v); err == nil {
			from = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := parseDate(v); err == nil {
			to = t
		}
	}
	return from, to
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
