// Package ops serves the operational endpoints: health, public stats and
// the WebSocket usage-log feed.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/events"
	"catiecli-go/internal/storage"
)

// StatsSource yields the public dashboard snapshot.
type StatsSource interface {
	Snapshot(ctx context.Context) (*storage.PublicStats, error)
}

// Handler serves /api/health, /api/public/stats and /ws/logs.
type Handler struct {
	stats    StatsSource
	hub      *events.Hub
	upgrader websocket.Upgrader
	started  time.Time
}

func New(stats StatsSource, hub *events.Hub) *Handler {
	return &Handler{
		stats: stats,
		hub:   hub,
		upgrader: websocket.Upgrader{
			// the surface is API-key authenticated, not cookie driven
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// PublicStats handles GET /api/public/stats.
func (h *Handler) PublicStats(c *gin.Context) {
	stats, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
			"message": "stats unavailable",
			"type":    "server_error",
		}})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// LogsFeed handles GET /ws/logs: upgrades the connection and keeps it
// subscribed to finalized usage rows until the client goes away.
func (h *Handler) LogsFeed(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	if err := h.hub.AddClient(conn); err != nil {
		log.WithError(err).Debug("websocket client rejected")
		conn.Close()
		return
	}

	// Reads are only needed to notice the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.hub.RemoveClient(conn)
				return
			}
		}
	}()
}
