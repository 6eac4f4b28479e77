// Package protocol defines the websocket wire format. Every frame is a JSON
// text message {"event": <name>, "data": <payload>}.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/errors"
	"github.com/victornm/meetbet/internal/event"
)

// Client to server.
const (
	EventJoinSession  = "joinSession"
	EventSubmitGuess  = "submitGuess"
	EventStartMeeting = "startMeeting"
	EventMeetingEnded = "meetingEnded"
)

// Server to client. meetingEnded is shared by both directions.
const (
	EventSessionUpdate  = "sessionUpdate"
	EventMeetingStarted = "meetingStarted"
	EventError          = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type (
	StartedPayload struct {
		Elapsed *int64 `json:"elapsed,omitempty"`
	}

	EndedPayload struct {
		Elapsed int64          `json:"elapsed"`
		Winner  *domain.Winner `json:"winner"`
	}

	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// ErrorFrame is sent to a single connection whose frame was rejected.
type ErrorFrame struct {
	Code    errors.Code
	Message string
}

func (ErrorFrame) Name() string { return EventError }

// ErrorFrameOf turns err into a frame. Internal errors carry no details.
func ErrorFrameOf(err error) ErrorFrame {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		return ErrorFrame{Code: e.Code, Message: errors.CodeInternal.String()}
	}

	return ErrorFrame{Code: e.Code, Message: e.Message}
}

// WireName maps an outbound event to the name used on the wire.
func WireName(e event.Event) string {
	switch e.(type) {
	case domain.EventSessionUpdated:
		return EventSessionUpdate
	case domain.EventMeetingStarted:
		return EventMeetingStarted
	case domain.EventMeetingEnded:
		return EventMeetingEnded
	default:
		return e.Name()
	}
}

// Payload returns the data part of the frame for e. A nil payload means the
// frame has no data.
func Payload(e event.Event) (any, error) {
	switch e := e.(type) {
	case domain.EventSessionUpdated:
		return e.Snapshot, nil
	case domain.EventMeetingStarted:
		if e.Elapsed == nil {
			return nil, nil
		}
		return StartedPayload{Elapsed: e.Elapsed}, nil
	case domain.EventMeetingEnded:
		return EndedPayload{Elapsed: e.Elapsed, Winner: e.Winner}, nil
	case ErrorFrame:
		return ErrorPayload{Code: e.Code.String(), Message: e.Message}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported event %q", e.Name())
	}
}

// Encode builds the frame sent to clients for e.
func Encode(e event.Event) ([]byte, error) {
	p, err := Payload(e)
	if err != nil {
		return nil, err
	}

	env := Envelope{Event: WireName(e)}
	if p != nil {
		if env.Data, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", env.Event, err)
		}
	}

	return json.Marshal(env)
}

// DecodeServerEvent parses a frame received from the server. It returns one
// of the domain events or an ErrorFrame.
func DecodeServerEvent(b []byte) (event.Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch env.Event {
	case EventSessionUpdate:
		var s domain.Snapshot
		if err := unmarshalData(env, &s); err != nil {
			return nil, err
		}
		return domain.EventSessionUpdated{Snapshot: s}, nil

	case EventMeetingStarted:
		var p StartedPayload
		if len(env.Data) > 0 {
			if err := unmarshalData(env, &p); err != nil {
				return nil, err
			}
		}
		return domain.EventMeetingStarted{Elapsed: p.Elapsed}, nil

	case EventMeetingEnded:
		var p EndedPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		return domain.EventMeetingEnded{Elapsed: p.Elapsed, Winner: p.Winner}, nil

	case EventError:
		var p ErrorPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		code, ok := errors.ParseCode(p.Code)
		if !ok {
			code = errors.CodeInternal
		}
		return ErrorFrame{Code: code, Message: p.Message}, nil

	default:
		return nil, fmt.Errorf("protocol: unknown event %q", env.Event)
	}
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", env.Event, err)
	}
	return nil
}
