package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/meetbet/internal/errors"
	"github.com/victornm/meetbet/internal/protocol"
	"github.com/victornm/meetbet/internal/session"
)

// Store applies intents. *session.Store implements it.
type Store interface {
	Join(ctx context.Context, req session.JoinRequest) error
	SubmitGuess(ctx context.Context, req session.SubmitGuessRequest) error
	StartMeeting(ctx context.Context, req session.StartMeetingRequest) error
	EndMeeting(ctx context.Context, req session.EndMeetingRequest) error
	Disconnect(ctx context.Context, connID string)
}

// Conn is one websocket connection. Frames are written by a dedicated
// goroutine fed through a bounded queue.
type Conn struct {
	id    string
	ws    *websocket.Conn
	hub   *Hub
	store Store

	send chan []byte
	done chan struct{}
	once sync.Once

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}
}

// enqueue reports false only when the queue is full. Frames for a closed
// connection are discarded.
func (c *Conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	cfg := c.hub.c
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Debug("gateway: write failed", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("gateway: ping failed", "conn", c.id, "error", err)
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

func (c *Conn) readPump(ctx context.Context) {
	cfg := c.hub.c

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.InfoContext(ctx, "gateway: unexpected close", "conn", c.id, "error", err)
			}
			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg []byte) {
	in, err := protocol.DecodeIntent(msg)
	if err != nil {
		c.hub.metrics.IntentRejected("malformed")
		slog.DebugContext(ctx, "gateway: rejected frame", "conn", c.id, "error", err)
		c.hub.Send(ctx, c.id, protocol.ErrorFrameOf(err))
		return
	}

	// Store failures leave state untouched and are not reported to clients.
	if err := c.apply(ctx, in); err != nil {
		c.hub.metrics.IntentRejected(errors.CodeOf(err).String())
		slog.DebugContext(ctx, "gateway: intent not applied",
			"conn", c.id,
			"event", in.Event(),
			"session", in.Session(),
			"error", err,
		)
		return
	}

	c.hub.metrics.IntentApplied(in.Event())
}

func (c *Conn) apply(ctx context.Context, in protocol.Intent) error {
	switch in := in.(type) {
	case protocol.JoinSession:
		return c.store.Join(ctx, session.JoinRequest{
			SessionID:   in.SessionID,
			ConnID:      c.id,
			UserName:    string(in.UserName),
			SessionName: string(in.SessionName),
		})

	case protocol.SubmitGuess:
		return c.store.SubmitGuess(ctx, session.SubmitGuessRequest{
			SessionID: in.SessionID,
			ConnID:    c.id,
			Value:     string(in.Guess),
			Stake:     string(in.Bet),
		})

	case protocol.StartMeeting:
		return c.store.StartMeeting(ctx, session.StartMeetingRequest{
			SessionID: in.SessionID,
			ConnID:    c.id,
		})

	case protocol.EndMeeting:
		return c.store.EndMeeting(ctx, session.EndMeetingRequest{
			SessionID: in.SessionID,
			ConnID:    c.id,
			Elapsed:   int64(in.Elapsed),
			Winner:    in.Winner,
		})

	default:
		return fmt.Errorf("gateway: unhandled intent %T", in)
	}
}
