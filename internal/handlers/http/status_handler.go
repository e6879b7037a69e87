package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/infrastructure/monitoring"
)

// StatusHandler serves the operational view of one node: liveness and
// readiness probes plus a small read-only API over the directory, the links
// and the session.
type StatusHandler struct {
	node    ports.NodeAPI
	health  *monitoring.HealthChecker
	started time.Time
}

func NewStatusHandler(node ports.NodeAPI, health *monitoring.HealthChecker) *StatusHandler {
	return &StatusHandler{
		node:    node,
		health:  health,
		started: time.Now(),
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/readyz", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.Status)
		api.GET("/games", h.ListGames)
		api.GET("/games/:code", h.GetGame)
		api.GET("/peers", h.ListPeers)
		api.GET("/session", h.GetSession)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *StatusHandler) Status(c *gin.Context) {
	snapshot := h.node.Snapshot()

	// Role only carries meaning inside a session.
	role := "idle"
	if snapshot != nil {
		role = h.node.Role().String()
	}

	status := gin.H{
		"peer_id":        h.node.ID(),
		"role":           role,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if code := h.node.GameCode(); code != "" {
		status["game_code"] = code
	}
	if snapshot != nil {
		status["host_id"] = snapshot.HostID
		status["version"] = snapshot.Version
		status["players"] = len(snapshot.Players)
	}
	c.JSON(http.StatusOK, status)
}

func (h *StatusHandler) ListGames(c *gin.Context) {
	games := h.node.Games()
	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"count": len(games),
	})
}

func (h *StatusHandler) GetGame(c *gin.Context) {
	code := domain.NormalizeGameCode(c.Param("code"))
	if !code.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidGameCode.Error()})
		return
	}

	for _, game := range h.node.Games() {
		if game.Code == code {
			c.JSON(http.StatusOK, gin.H{"game": game})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrGameCodeNotFound.Error()})
}

func (h *StatusHandler) ListPeers(c *gin.Context) {
	peers := h.node.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

func (h *StatusHandler) GetSession(c *gin.Context) {
	snapshot := h.node.Snapshot()
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snapshot})
}
