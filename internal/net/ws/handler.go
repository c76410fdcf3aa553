package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"simsync/server/internal/netplay"
	"simsync/server/internal/telemetry"
)

// Session runs one follower connection to completion.
type Session interface {
	Serve(ctx context.Context, conn netplay.Conn) error
}

type HandlerConfig struct {
	Logger telemetry.Logger
	// Context bounds every session; cancelling it closes open connections.
	Context context.Context
}

// Handler upgrades HTTP requests and hands the connection to a Session.
type Handler struct {
	sessions Session
	logger   telemetry.Logger
	ctx      context.Context
	upgrader websocket.Upgrader
}

func NewHandler(sessions Session, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &Handler{
		sessions: sessions,
		logger:   logger,
		ctx:      ctx,
		upgrader: upgrader,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn := NewConn(ws)
	defer conn.Close()

	if err := h.sessions.Serve(h.ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Printf("session from %s ended: %v", r.RemoteAddr, err)
	}
}
