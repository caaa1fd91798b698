package http

import (
	"context"

	"github.com/dkeye/FindIt/internal/adapters/signal"
	"github.com/dkeye/FindIt/internal/config"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the socket endpoint and the REST surface. validator is
// required when auth is enabled and ignored otherwise.
func SetupRouter(ctx context.Context, cfg *config.Config, h *Handlers, validator *JWTValidator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("FindItSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("auth", cfg.Auth.Enabled).Msg("router setup")

	api := r.Group("/api")
	api.GET("/health", h.health)

	if cfg.Auth.Enabled {
		api.Use(JWTMiddleware(validator, cfg.Auth.TokenQueryParam))
	} else {
		api.Use(HeaderIdentityMiddleware())
	}

	ctl := signal.NewSignalWSController(h.Relay, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		// Without auth the register-user payload names the user.
		var authUser domain.UserID
		if cfg.Auth.Enabled {
			authUser = userOf(c)
		}
		log.Debug().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c, authUser)
	})

	api.GET("/users/online", h.onlineUsers)
	api.GET("/users/:userId/session", h.userSession)
	api.GET("/calls/active", h.activeCalls)

	authed := api.Group("", requireUser)
	authed.GET("/calls/history/:responseId", h.chatAccess, h.callHistory)

	chat := authed.Group("/chat/:responseId", h.chatAccess)
	chat.GET("", h.chatHistory)
	chat.POST("", h.postMessage)
	chat.PUT("/read", h.markRead)

	return r
}
