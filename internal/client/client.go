package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/meetbet/internal/protocol"
)

var (
	ErrNotJoined       = errors.New("client: not joined")
	ErrGuessNotAllowed = errors.New("client: guess cannot be submitted now")
)

const writeTimeout = 10 * time.Second

// Client is a participant connected to the gateway. Every server event it
// reads is applied to its Reconciler.
type Client struct {
	ws *websocket.Conn
	r  *Reconciler

	wmu sync.Mutex
}

// Dial connects to the websocket endpoint at url, e.g. ws://localhost:4000/ws.
func Dial(ctx context.Context, url string, r *Reconciler) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	return &Client{ws: ws, r: r}, nil
}

func (c *Client) Reconciler() *Reconciler { return c.r }

// Join joins sessionID as userName. A non-empty sessionName renames the
// session for everyone.
func (c *Client) Join(ctx context.Context, sessionID, userName, sessionName string) error {
	if err := c.send(ctx, protocol.JoinSession{
		SessionID:   sessionID,
		UserName:    protocol.Scalar(userName),
		SessionName: protocol.Scalar(sessionName),
	}); err != nil {
		return err
	}

	c.r.MarkJoined(sessionID)
	return nil
}

// SubmitGuess submits the reconciler's draft.
func (c *Client) SubmitGuess(ctx context.Context) error {
	if !c.r.CanSubmitGuess() {
		return ErrGuessNotAllowed
	}

	d := c.r.Draft()
	return c.send(ctx, protocol.SubmitGuess{
		SessionID: c.r.SessionID(),
		Guess:     protocol.Scalar(d.Value),
		Bet:       protocol.Scalar(d.Stake),
	})
}

func (c *Client) StartMeeting(ctx context.Context) error {
	id := c.r.SessionID()
	if id == "" {
		return ErrNotJoined
	}

	return c.send(ctx, protocol.StartMeeting{SessionID: id})
}

// EndMeeting ends the meeting with the locally computed result.
func (c *Client) EndMeeting(ctx context.Context) error {
	id := c.r.SessionID()
	if id == "" {
		return ErrNotJoined
	}

	elapsed, w := c.r.Result()
	return c.send(ctx, protocol.EndMeeting{
		SessionID: id,
		Elapsed:   protocol.Int(elapsed),
		Winner:    w,
	})
}

// Run reads server events until the connection closes or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.Close()
	})
	defer stop()

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}

		e, err := protocol.DecodeServerEvent(b)
		if err != nil {
			slog.WarnContext(ctx, "client: skipping frame", "error", err)
			continue
		}

		c.r.Apply(e)
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()

	return c.ws.Close()
}

func (c *Client) send(ctx context.Context, in protocol.Intent) error {
	b, err := protocol.EncodeIntent(in)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("client: %s: %w", in.Event(), err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("client: %s: %w", in.Event(), err)
	}

	return nil
}
