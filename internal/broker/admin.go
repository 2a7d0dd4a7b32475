package broker

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/relayctl/internal/observability"
)

const adminComponent = "relay-broker"

// AdminHandler serves health, session inspection and metrics.
func (b *Broker) AdminHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.AdminRequests(b.logger, adminComponent))
	b.registerRoutes(router)
	return router
}

func (b *Broker) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		b.mu.RLock()
		closing := b.closing
		sessions := len(b.sessions)
		b.mu.RUnlock()
		status, code := "ok", http.StatusOK
		if closing {
			status, code = "closing", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"uptime":    time.Since(b.started).String(),
			"component": adminComponent,
			"sessions":  sessions,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": b.Sessions()})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		info, ok := b.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	r.POST("/sessions/:id/disconnect", func(c *gin.Context) {
		if !b.Disconnect(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not connected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	})
}
