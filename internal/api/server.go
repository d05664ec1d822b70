// Package api exposes the engine control surface over HTTP: lifecycle
// commands, status, FSM history, positions, the latest scan and the
// diagnostic tail.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/engine"
)

// EngineControl is the slice of the engine the API drives
type EngineControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	EmergencyStop(ctx context.Context, reason string) error
	Reset() error
	ResetRisk()
	State() engine.State
	History(n int) []engine.Transition
	LastScan() ([]*domain.ScanResult, time.Time)
	SessionID() uuid.UUID
}

// RiskView exposes the portfolio risk snapshot
type RiskView interface {
	Metrics() domain.RiskMetrics
}

// PositionView lists open positions
type PositionView interface {
	Positions() []*domain.Position
}

// Config contains the server's listener settings and collaborators
type Config struct {
	Host      string
	Port      int
	Engine    EngineControl
	Risk      RiskView
	Positions PositionView
	Diag      *diag.Collector
}

// Server is the control API server
type Server struct {
	router    *gin.Engine
	engine    EngineControl
	risk      RiskView
	positions PositionView
	diag      *diag.Collector
	addr      string
	server    *http.Server
	log       zerolog.Logger
	started   time.Time
}

// NewServer builds the router and wires the routes
func NewServer(cfg Config, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		engine:    cfg.Engine,
		risk:      cfg.Risk,
		positions: cfg.Positions,
		diag:      cfg.Diag,
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:       logger.With().Str("component", "api").Logger(),
		started:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/status", s.handleStatus)
		v1.GET("/fsm/history", s.handleFSMHistory)
		v1.GET("/positions", s.handlePositions)
		v1.GET("/scan", s.handleScan)
		v1.GET("/diagnostics", s.handleDiagnostics)

		control := v1.Group("/control")
		{
			control.POST("/start", s.handleStart)
			control.POST("/stop", s.handleStop)
			control.POST("/pause", s.handlePause)
			control.POST("/resume", s.handleResume)
			control.POST("/emergency-stop", s.handleEmergencyStop)
			control.POST("/reset", s.handleReset)
			control.POST("/risk/reset", s.handleRiskReset)
		}
	}
}

// Handler returns the underlying router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Control API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control API failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API shutdown failed: %w", err)
	}
	return nil
}
