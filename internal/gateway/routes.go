package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/octoporty/octoporty/internal/config"
)

// NewRouter assembles the gateway's HTTP surface: the tunnel endpoint,
// health and test paths, and the catch-all proxy for external traffic.
func NewRouter(cfg *config.Config, m *Manager, logger *slog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(sloggin.NewWithConfig(logger, sloggin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Api-Key"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	r.GET("/health", func(c *gin.Context) {
		session := m.Active()
		health := gin.H{
			"status":         "ok",
			"version":        config.Version,
			"agentConnected": session != nil,
			"uptimeSeconds":  m.Uptime(),
			"caddyHealthy":   m.caddy.Healthy(c.Request.Context()),
		}
		if session != nil {
			if hb := session.LastHeartbeat(); !hb.IsZero() {
				health["lastHeartbeat"] = hb.UTC().Format(time.RFC3339)
			}
		}
		c.JSON(http.StatusOK, health)
	})

	r.GET("/tunnel", m.HandleTunnel)

	test := r.Group("/test")
	{
		test.Any("/echo", func(c *gin.Context) {
			body, _ := c.GetRawData()
			c.JSON(http.StatusOK, gin.H{
				"method":  c.Request.Method,
				"path":    c.Request.URL.Path,
				"headers": c.Request.Header,
				"body":    string(body),
			})
		})
		test.GET("/caddy-config", func(c *gin.Context) {
			raw, err := m.caddy.GetConfig(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": "edge proxy unreachable"})
				return
			}
			c.Data(http.StatusOK, "application/json", raw)
		})
	}

	r.NoRoute(m.HandleProxy)
	return r
}
