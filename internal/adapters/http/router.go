package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/StreamRoom/internal/adapters/stream"
	"github.com/dkeye/StreamRoom/internal/app"
	"github.com/dkeye/StreamRoom/internal/config"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/metrics"
	"github.com/dkeye/StreamRoom/internal/resilience"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Deps is everything the HTTP surface calls into.
type Deps struct {
	Orch       *app.Orchestrator
	Recordings core.RecordingRepository
	Health     *resilience.HealthCheck
	Probes     map[string]func(context.Context) error
	Monitor    *app.ResourceMonitor
	Metrics    *metrics.Collector
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Upgraded connections detach
// from it once the handshake is done.
func TimeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StreamRoomSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(TimeoutMiddleware(cfg.HTTP.RequestTimeout))

	h := &handlers{
		ctx:  ctx,
		cfg:  cfg,
		deps: deps,
		ctl:  stream.NewController(cfg.ReadLimit, cfg.PingPeriod),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HTTP.RequestTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/rooms/:id/recordings", h.listRecordings)
	api.GET("/rooms/:id/frames", h.listFrames)
	api.GET("/rooms/:id/frames/:day/:name", h.getFrame)
	api.DELETE("/rooms/:id/frames/:day/:name", h.deleteFrame)
	api.DELETE("/rooms/:id/sessions/:sid", h.kickSession)
	api.GET("/recordings/:rid", h.getRecording)
	api.POST("/rooms/:id/recording/:action", h.control)
	api.GET("/rooms/:id/ws", h.stream)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
