package hub

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultHeartbeat = 30 * time.Second

type Handler struct {
	hub       *Hub
	logger    zerolog.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewHandler(h *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:       h,
		logger:    logger,
		heartbeat: defaultHeartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SubscribeHandler upgrades the request and streams the room's
// notifications until the connection drops. The handler goroutine becomes
// the read pump.
func (h *Handler) SubscribeHandler(ctx *gin.Context) {
	roomCode := ctx.Param("code")

	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomCode).Msg("ws upgrade failed")
		return
	}

	sub := h.hub.Subscribe(roomCode)
	session := newWSSession(conn)

	go writePump(sub, session, h.heartbeat)
	readPump(session, rate.NewLimiter(1, 5))
	h.hub.Unsubscribe(sub)
}
