package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/protocol"
)

// Notification is the message published on a session channel. It has the
// same shape as a websocket frame.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// PublishRoomEvent mirrors a room event on the session's Redis channel.
func (a *API) PublishRoomEvent(ctx context.Context, e event.Event) error {
	var sessionID string
	switch e := e.(type) {
	case domain.EventSessionUpdated:
		sessionID = e.Snapshot.SessionID
	case domain.EventMeetingStarted:
		sessionID = e.SessionID
	case domain.EventMeetingEnded:
		sessionID = e.SessionID
	default:
		return fmt.Errorf("pubsub: unexpected event %s", e.Name())
	}

	data, err := protocol.Payload(e)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return a.publishNotification(ctx, sessionID, protocol.WireName(e), data)
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, a.Channel(sessionID), b).Err()
}

// Channel returns the Redis channel of a session.
func (a *API) Channel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, sessionID)
}
