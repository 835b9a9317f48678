// Package httpapi is the control surface of a running session: source
// loading, extraction, cache inspection, playback and the event stream.
package httpapi

import (
	"strconv"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"github.com/fiapx/fiapx-framecache/internal/usecase"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies aggregates the components required to build the HTTP server.
type Dependencies struct {
	Session   *usecase.Session
	Sources   port.SourceStore
	Raster    *RasterSurface
	Hub       *Hub
	MaxUpload int64
	Logger    *zap.Logger
}

// New builds a fully configured Gin engine.
func New(deps Dependencies) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(deps.Logger))
	engine.MaxMultipartMemory = 32 << 20

	h := NewHandler(deps.Session, deps.Sources, deps.Raster, deps.MaxUpload, deps.Logger)

	api := engine.Group("/api")
	{
		api.POST("/sources", h.UploadSource)
		api.POST("/sources/object", h.LoadObject)
		api.GET("/metadata", h.Metadata)
		api.POST("/extract", h.Extract)
		api.GET("/cache", h.Cache)
		api.GET("/cache/:frame", h.CachedFrame)
		api.GET("/pool", h.Pool)
		api.GET("/events", deps.Hub.ServeWS)
	}
	registerPlaybackRoutes(api, h)
	return engine
}

func registerPlaybackRoutes(api *gin.RouterGroup, h *Handler) {
	playback := api.Group("/playback")
	{
		playback.GET("", h.Playback)
		playback.GET("/raster", h.Raster)
		playback.POST("/frame", h.SetFrame)
		playback.POST("/play", h.Play)
		playback.POST("/pause", h.Pause)
		playback.POST("/skip", h.Skip)
		playback.POST("/range", h.SetRange)
		playback.POST("/speed", h.SetSpeed)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
