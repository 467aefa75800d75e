// Package httpapi is the CRUD surface around the session store: create and
// resolve sessions, list a creator's sessions, mutate page/notes, and a
// websocket feed of live snapshots. The voice negotiation itself never
// touches this layer; it runs entirely through the store.
package httpapi

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/config"
	"github.com/studymate-app/studymate/internal/core"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable opaque identity; it
// becomes the creator uid on sessions they start.
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

func SetupRouter(ctx context.Context, cfg *config.Config, st core.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StudyMateSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &Handlers{Store: st}

	log.Info().Str("module", "httpapi").Msg("router setup")

	api := r.Group("/api")
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListMySessions)
	api.GET("/sessions/:id", h.GetSession)
	api.PUT("/sessions/:id/page", h.SetPage)
	api.PUT("/sessions/:id/notes/:page", h.SetNote)
	api.GET("/ws/sessions/:id", func(c *gin.Context) {
		h.HandleFeed(ctx, c)
	})

	// Share route: any holder of the link resolves the session and joins.
	r.GET("/studyroom/:id", h.GetSession)

	return r
}
