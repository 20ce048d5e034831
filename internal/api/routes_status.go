package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "statlink",
		"version": util.Version,
	})
}

// handleStatus returns the uplink state, counters and credential summary.
func (s *Server) handleStatus(c *gin.Context) {
	creds := s.uplink.Credentials()
	endpoint := s.cfg.GetEndpoint()

	c.JSON(http.StatusOK, gin.H{
		"uplink": s.uplink.Stats(),
		"endpoint": gin.H{
			"host":   endpoint.Host,
			"port":   endpoint.Port,
			"secure": endpoint.Secure,
		},
		"credentials": gin.H{
			"has_key":         creds.HasAccessKey(),
			"player_id":       creds.PlayerID,
			"use_secret_auth": creds.UseSecretAuth,
		},
	})
}

// handleSystem returns host and process information.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessStats(),
	})
}

type credentialsRequest struct {
	Key      string  `json:"key" binding:"required"`
	PlayerID *string `json:"playerId"`
}

// handleSetCredentials replaces the access key (and optionally the player
// id). The new values apply from the next connection and are persisted.
func (s *Server) handleSetCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.uplink.SetCredentials(req.Key)
	if req.PlayerID != nil {
		s.uplink.SetPlayerID(*req.PlayerID)
	}

	auth := s.cfg.GetAuth()
	auth.AccessKey = req.Key
	if req.PlayerID != nil {
		auth.PlayerID = *req.PlayerID
	}
	s.cfg.SetAuth(auth)

	persisted := false
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			log.Error().Err(err).Msg("failed to persist credentials")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
		persisted = true
	}

	log.Info().Str("player_id", auth.PlayerID).Msg("API: credentials updated")

	c.JSON(http.StatusOK, gin.H{
		"status":    "updated",
		"persisted": persisted,
	})
}

// handleHistory returns recent delivery history entries.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage is disabled"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.history.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"counts":  counts,
	})
}
