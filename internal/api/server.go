package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/db"
	"github.com/statlink-project/statlink/internal/stats"
)

// DefaultRateLimitRPS is the per-IP request rate of the control API.
const DefaultRateLimitRPS = 20

// Uplink is the part of the connector client the API drives.
type Uplink interface {
	stats.Transport
	Stats() connector.Stats
}

// History is the delivery history read by /api/history.
type History interface {
	Recent(limit int) ([]db.Entry, error)
	Counts() (map[string]int, error)
}

// Server is the local REST control API.
type Server struct {
	cfg      *config.Config
	uplink   Uplink
	reporter *stats.Reporter

	history History
	metrics http.Handler

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, uplink Uplink, reporter *stats.Reporter) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		uplink:   uplink,
		reporter: reporter,
	}
}

// SetDependencies injects optional components. Either may be nil.
func (s *Server) SetDependencies(history History, metrics http.Handler) {
	s.history = history
	s.metrics = metrics
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("control API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(DefaultRateLimitRPS).Middleware())

	router.GET("/api/ping", s.handlePing)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.API.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/system", s.handleSystem)
		protected.PUT("/credentials", s.handleSetCredentials)
		protected.GET("/history", s.handleHistory)

		protected.POST("/events/:name", s.handleSubmitEvent)
		protected.POST("/room/join", s.handleJoinRoom)
		protected.POST("/room/ping", s.handleRoomPing)

		protected.GET("/battles", s.handleGetBattles)
		protected.POST("/battles", s.handleCreateBattle)
		protected.DELETE("/battles/:arenaId", s.handleRemoveBattle)
		protected.PUT("/battles/:arenaId/players/:playerId", s.handleAddPlayer)
		protected.PATCH("/battles/:arenaId/players/:playerId", s.handleUpdatePlayer)
		protected.POST("/battles/:arenaId/players/:playerId/damage", s.handleAddDamage)
		protected.POST("/battles/:arenaId/players/:playerId/kills", s.handleAddKills)

		protected.PUT("/players/:playerId", s.handleSetPlayerInfo)
		protected.DELETE("/players/:playerId", s.handleRemovePlayerInfo)

		protected.POST("/stats/send", s.handleSendStats)
		protected.POST("/stats/clear", s.handleClearStats)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "statlink agent is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
