// Package api is the control-plane HTTP surface of the pool process:
// start/stop per account or fleet-wide, status, instrument toggles, ledger
// queries and a WebSocket event stream.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/auth"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/pool"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Listen         string
	JWTSecret      string
	ProductionMode bool
}

// Server glues the router to the pool manager and the ledger.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	pool       *pool.Manager
	bus        *events.Bus
	store      database.Store
	snapshot   func() *config.Snapshot
	jwt        *auth.JWTManager
	hub        *WSHub
	log        zerolog.Logger

	// Per-instrument enable/disable applied on top of the config file;
	// cleared when the file itself is edited and reloaded.
	overrideMu sync.Mutex
	overrides  map[string]map[string]bool
}

// NewServer builds the server. store may be nil when the database is
// disabled; the ledger endpoints then return 503.
func NewServer(cfg ServerConfig, poolMgr *pool.Manager, bus *events.Bus, store database.Store,
	snapshot func() *config.Snapshot, log zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    cfg,
		pool:      poolMgr,
		bus:       bus,
		store:     store,
		snapshot:  snapshot,
		jwt:       auth.NewJWTManager(cfg.JWTSecret, 0),
		hub:       NewWSHub(log),
		log:       log.With().Str("component", "api").Logger(),
		overrides: make(map[string]map[string]bool),
	}
	s.setupRoutes()

	// Every worker event is mirrored to connected WebSocket clients.
	bus.SubscribeAll(s.hub.BroadcastEvent)
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleIssueToken)

	api := s.router.Group("/api")
	if s.config.JWTSecret != "" {
		api.Use(auth.Middleware(s.jwt))
	}
	{
		api.GET("/engine/status", s.handleEngineStatus)
		api.POST("/trading/start", s.handleStartAll)
		api.POST("/trading/stop", s.handleStopAll)

		api.POST("/accounts/:name/connect", s.handleConnect)
		api.POST("/accounts/:name/disconnect", s.handleDisconnect)
		api.POST("/accounts/:name/start", s.handleStartTrading)
		api.POST("/accounts/:name/stop", s.handleStopTrading)
		api.GET("/accounts/:name/status", s.handleAccountStatus)
		api.GET("/accounts/:name/autotrading", s.handleAutoTrading)
		api.POST("/accounts/:name/cycle", s.handleExecuteCycle)
		api.POST("/accounts/:name/instruments/:symbol/enable", s.handleEnableInstrument)
		api.POST("/accounts/:name/instruments/:symbol/disable", s.handleDisableInstrument)

		api.GET("/accounts/:name/trades", s.handleTrades)
		api.GET("/accounts/:name/signals", s.handleSignals)
		api.GET("/accounts/:name/performance", s.handlePerformance)
	}

	s.router.GET("/ws/events", s.handleWebSocket)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("listen", s.config.Listen).Msg("control API listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
