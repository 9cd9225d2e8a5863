package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perp-risk-agent/internal/auth"
	"perp-risk-agent/internal/autopilot"
	"perp-risk-agent/internal/events"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/heartbeat"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/logging"
	"perp-risk-agent/internal/policy"
	"perp-risk-agent/internal/quality"
)

// QualitySource lists decision-quality stats per segment.
type QualitySource interface {
	Segments(ctx context.Context) ([]quality.SegmentStats, error)
}

// HeartbeatStatus reports the symbols the heartbeat tracks.
type HeartbeatStatus interface {
	Status() []heartbeat.SymbolStatus
}

// ScanStatus reports the outcome of the most recent scan.
type ScanStatus interface {
	LastReport() (autopilot.ScanReport, bool)
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the components the API reads and writes. Optional ones
// may be nil; their endpoints then answer 503.
type Dependencies struct {
	Policy     policy.Store
	Journal    journal.Store
	Gate       *gate.Gate
	GateConfig gate.Config
	Quality    QualitySource
	Heartbeat  HeartbeatStatus
	Scan       ScanStatus
	Lease      autopilot.LeaseChecker
	InstanceID string
	EventBus   *events.EventBus
	JWT        *auth.JWTManager // nil disables auth
	Health     []HealthCheck
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsPath    string // empty disables /metrics
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Dependencies
	hub        *WSHub
	logger     zerolog.Logger
	now        func() time.Time
	started    time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}

	l := logger.With().Str("component", "API").Logger()
	router := gin.New()

	// Middleware
	router.Use(logging.GinMiddleware(l))
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		config: config,
		deps:   deps,
		hub:    NewWSHub(l),
		logger: l,
		now:    time.Now,
	}
	server.started = server.now()

	if deps.EventBus != nil {
		deps.EventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.config.MetricsPath != "" {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	if s.deps.JWT != nil {
		v1.Use(auth.Middleware(s.deps.JWT))
	}

	v1.GET("/status", s.handleStatus)

	// Autonomy policy
	v1.GET("/policy", s.handleGetPolicy)
	v1.PATCH("/policy", auth.RequireOperator(), s.handlePatchPolicy)
	v1.POST("/policy/clear-expired", auth.RequireOperator(), s.handleClearExpired)

	// Gate dry run
	v1.POST("/gate/evaluate", s.handleEvaluateGate)

	// Journal and scoring
	v1.GET("/journal", s.handleListJournal)
	v1.GET("/quality/segments", s.handleQualitySegments)

	// Loops
	v1.GET("/heartbeat/status", s.handleHeartbeatStatus)
	v1.GET("/scan/last", s.handleLastScan)

	// Live stream
	v1.GET("/stream", s.handleWebSocket)
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *WSHub { return s.hub }

// Start serves until Shutdown. The websocket hub stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for _, h := range s.deps.Health {
		if err := h.Check(ctx); err != nil {
			checks[h.Name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		checks[h.Name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"uptime": s.now().Sub(s.started).Round(time.Second).String(),
	})
}

// errorResponse sends {"error": code, "message": text}
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func unavailable(c *gin.Context, what string) {
	errorResponse(c, http.StatusServiceUnavailable, "UNAVAILABLE", what+" is not configured")
}
