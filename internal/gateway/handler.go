package gateway

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler upgrades the request and serves the connection until it closes.
// Any origin is accepted.
func (h *Hub) Handler(store Store) gin.HandlerFunc {
	return func(gc *gin.Context) {
		ctx := context.WithoutCancel(gc.Request.Context())

		ws, err := h.upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			slog.WarnContext(ctx, "gateway: upgrade failed", "error", err)
			return
		}

		h.serve(ctx, ws, store)
	}
}

func (h *Hub) serve(ctx context.Context, ws *websocket.Conn, store Store) {
	id, err := uuid.NewV7()
	if err != nil {
		slog.ErrorContext(ctx, "gateway: generate connection ID failed", "error", err)
		_ = ws.Close()
		return
	}

	c := &Conn{
		id:    id.String(),
		ws:    ws,
		hub:   h,
		store: store,
		send:  make(chan []byte, h.c.SendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}

	h.register(c)
	slog.InfoContext(ctx, "gateway: connection opened", "conn", c.id, "remote", ws.RemoteAddr().String())

	go c.writePump()
	c.readPump(ctx)

	store.Disconnect(ctx, c.id)
	h.unregister(c)
	c.close()

	slog.InfoContext(ctx, "gateway: connection closed", "conn", c.id)
}
