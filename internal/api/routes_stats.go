package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/stats"
)

// respondResult writes a reporter result with its status code.
func respondResult(c *gin.Context, r stats.Result) {
	if r.StatusCode == http.StatusNoContent {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(r.StatusCode, r)
}

// handleSubmitEvent queues the raw JSON body as an event named by the path.
func (s *Server) handleSubmitEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var payload interface{}
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}

	err = s.uplink.SubmitEvent(c.Param("name"), payload)
	if errors.Is(err, connector.ErrInvalidPayload) || errors.Is(err, connector.ErrEmptyEventName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondResult(c, stats.ResultFor(err))
}

type joinRoomRequest struct {
	Key      string `json:"key"`
	PlayerID string `json:"playerId"`
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	var req joinRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	respondResult(c, stats.ResultFor(s.reporter.JoinRoom(req.Key, req.PlayerID)))
}

func (s *Server) handleRoomPing(c *gin.Context) {
	respondResult(c, stats.ResultFor(s.reporter.Ping()))
}

func (s *Server) handleGetBattles(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Aggregator().Snapshot())
}

type createBattleRequest struct {
	ArenaID   string `json:"arenaId" binding:"required"`
	StartTime int64  `json:"startTime"`
	Duration  int    `json:"duration"`
	Win       *int   `json:"win"`
	MapName   string `json:"mapName"`
}

func (s *Server) handleCreateBattle(c *gin.Context) {
	var req createBattleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	win := stats.WinUnknown
	if req.Win != nil {
		win = *req.Win
	}
	agg := s.reporter.Aggregator()
	agg.CreateBattle(req.ArenaID, req.StartTime, req.Duration, win, req.MapName)

	battle, _ := agg.Battle(req.ArenaID)
	c.JSON(http.StatusCreated, battle)
}

func (s *Server) handleRemoveBattle(c *gin.Context) {
	if !s.reporter.Aggregator().RemoveBattle(c.Param("arenaId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "battle not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAddPlayer(c *gin.Context) {
	var rec stats.PlayerRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agg := s.reporter.Aggregator()
	arenaID, playerID := c.Param("arenaId"), c.Param("playerId")
	agg.AddPlayerToBattle(arenaID, playerID, rec)

	p, _ := agg.PlayerStats(arenaID, playerID)
	c.JSON(http.StatusOK, p)
}

type updatePlayerRequest struct {
	Win      *int    `json:"win"`
	Duration *int    `json:"duration"`
	Name     *string `json:"name"`
	Damage   *int    `json:"damage"`
	Kills    *int    `json:"kills"`
	Vehicle  *string `json:"vehicle"`
}

func (s *Server) handleUpdatePlayer(c *gin.Context) {
	var req updatePlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agg := s.reporter.Aggregator()
	arenaID, playerID := c.Param("arenaId"), c.Param("playerId")
	ok := agg.UpdateBattleStats(arenaID, playerID, stats.BattleUpdate{
		Win:      req.Win,
		Duration: req.Duration,
		Name:     req.Name,
		Damage:   req.Damage,
		Kills:    req.Kills,
		Vehicle:  req.Vehicle,
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not in battle"})
		return
	}

	p, _ := agg.PlayerStats(arenaID, playerID)
	c.JSON(http.StatusOK, p)
}

type amountRequest struct {
	Amount int `json:"amount" binding:"required,gt=0"`
}

func (s *Server) handleAddDamage(c *gin.Context) {
	s.applyAmount(c, s.reporter.Aggregator().AddDamage)
}

func (s *Server) handleAddKills(c *gin.Context) {
	s.applyAmount(c, s.reporter.Aggregator().AddKills)
}

func (s *Server) applyAmount(c *gin.Context, fn func(arenaID, playerID string, amount int) bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	arenaID, playerID := c.Param("arenaId"), c.Param("playerId")
	if !fn(arenaID, playerID, req.Amount) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not in battle"})
		return
	}

	p, _ := s.reporter.Aggregator().PlayerStats(arenaID, playerID)
	c.JSON(http.StatusOK, p)
}

type playerInfoRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleSetPlayerInfo(c *gin.Context) {
	var req playerInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reporter.Aggregator().SetPlayerInfo(c.Param("playerId"), req.Name)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleRemovePlayerInfo(c *gin.Context) {
	if !s.reporter.Aggregator().RemovePlayerInfo(c.Param("playerId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sendStatsRequest struct {
	PlayerID string `json:"playerId"`
}

// handleSendStats queues the aggregated snapshot and answers with the
// reporter's status code.
func (s *Server) handleSendStats(c *gin.Context) {
	var req sendStatsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	respondResult(c, s.reporter.SendStats(req.PlayerID))
}

func (s *Server) handleClearStats(c *gin.Context) {
	s.reporter.Aggregator().Clear()
	c.Status(http.StatusNoContent)
}
