package agent

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/octoporty/octoporty/internal/config"
)

// NewRouter assembles the agent's local HTTP surface: health, tunnel
// status, and operations the agent UI invokes (resync, gateway update,
// gateway log paging).
func NewRouter(cfg *config.Config, client *Client, logger *slog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(sloggin.New(logger))
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": config.Version,
			"tunnel":  client.State().String(),
		})
	})

	r.GET("/status", func(c *gin.Context) {
		info := client.GatewayInfo()
		status := gin.H{
			"state":                  client.State().String(),
			"gatewayVersion":         info.Version,
			"gatewayUpdateAvailable": info.UpdateAvailable,
			"agentVersion":           config.Version,
		}
		if !info.ConnectedAt.IsZero() {
			status["connectedAt"] = info.ConnectedAt.UTC().Format(http.TimeFormat)
		}
		c.JSON(http.StatusOK, status)
	})

	r.POST("/resync", func(c *gin.Context) {
		if err := client.ResyncConfiguration(c.Request.Context()); err != nil {
			status := http.StatusBadGateway
			if err == ErrNotConnected {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "synced"})
	})

	r.POST("/gateway/update", func(c *gin.Context) {
		resp, err := client.RequestGatewayUpdate(c.Request.Context())
		if err != nil {
			status := http.StatusBadGateway
			switch err {
			case ErrNotConnected:
				status = http.StatusConflict
			case ErrGatewayCurrent:
				status = http.StatusUnprocessableEntity
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accepted":       resp.Accepted,
			"status":         resp.Status.String(),
			"currentVersion": resp.CurrentVersion,
			"error":          resp.Error,
		})
	})

	r.GET("/gateway/logs", func(c *gin.Context) {
		beforeID, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
		count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
		if err != nil || count <= 0 || count > 1000 {
			count = 100
		}

		resp, err := client.GetGatewayLogs(c.Request.Context(), beforeID, count)
		if err != nil {
			status := http.StatusBadGateway
			if err == ErrNotConnected {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entries": resp.Entries,
			"hasMore": resp.HasMore,
		})
	})

	return r
}
