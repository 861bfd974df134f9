package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/adapters/signal"
	"github.com/telecare/parley/internal/app"
	"github.com/telecare/parley/internal/config"
	"github.com/telecare/parley/internal/domain"
)

// ClientTokenMiddleware pins a stable participant identity to the
// caller via cookie; every control-plane and signaling call reads it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if _, err := domain.NewParticipantID(token); err != nil {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	h := &Handlers{Reg: reg}
	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.EndSession)
	api.GET("/sessions/:id/participants", h.Participants)
	api.GET("/sessions/:id/stats", h.Stats)
	api.PATCH("/sessions/:id/settings", h.UpdateSettings)
	api.GET("/stats", h.GlobalStats)

	api.POST("/sessions/:id/join", h.Join)
	api.POST("/sessions/:id/leave", h.Leave)
	api.POST("/sessions/:id/participants/:pid/disconnect", h.DisconnectParticipant)

	api.GET("/sessions/:id/waiting", h.WaitingRoom)
	api.POST("/sessions/:id/waiting/:pid/admit", h.Admit)
	api.POST("/sessions/:id/waiting/:pid/reject", h.Reject)

	api.POST("/sessions/:id/producers", h.Produce)
	api.DELETE("/sessions/:id/producers/:producerId", h.CloseProducer)
	api.POST("/sessions/:id/consumers", h.Consume)

	api.POST("/sessions/:id/breakout-rooms", h.CreateRooms)
	api.GET("/sessions/:id/breakout-rooms", h.Rooms)
	api.POST("/sessions/:id/breakout-rooms/:roomId/join", h.JoinRoom)
	api.DELETE("/sessions/:id/breakout-rooms", h.EndRooms)

	api.POST("/sessions/:id/recordings", h.StartRecording)
	api.GET("/recordings/:recId", h.RecordingStatus)
	api.POST("/recordings/:recId/stop", h.StopRecording)

	api.GET("/sessions/:id/chat", h.ChatHistory)
	api.POST("/sessions/:id/chat", h.SendChat)

	return r
}
