package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/errors"
)

// Intent is a decoded client to server message. The set of intents is closed:
// JoinSession, SubmitGuess, StartMeeting and EndMeeting.
type Intent interface {
	Event() string
	Session() string
	validate() error
}

// JoinSession names are taken as given, any JSON value is coerced.
type JoinSession struct {
	SessionID   string `json:"sessionId"`
	UserName    Scalar `json:"userName"`
	SessionName Scalar `json:"sessionName,omitempty"`
}

func (JoinSession) Event() string     { return EventJoinSession }
func (i JoinSession) Session() string { return i.SessionID }
func (i JoinSession) validate() error { return requireSession(EventJoinSession, i.SessionID) }

type SubmitGuess struct {
	SessionID string `json:"sessionId"`
	Guess     Scalar `json:"guess"`
	Bet       Scalar `json:"bet"`
}

func (SubmitGuess) Event() string     { return EventSubmitGuess }
func (i SubmitGuess) Session() string { return i.SessionID }
func (i SubmitGuess) validate() error { return requireSession(EventSubmitGuess, i.SessionID) }

type StartMeeting struct {
	SessionID string `json:"sessionId"`
}

func (StartMeeting) Event() string     { return EventStartMeeting }
func (i StartMeeting) Session() string { return i.SessionID }
func (i StartMeeting) validate() error { return requireSession(EventStartMeeting, i.SessionID) }

// EndMeeting carries the elapsed time and winner computed by the client.
type EndMeeting struct {
	SessionID string         `json:"sessionId"`
	Elapsed   Int            `json:"elapsed"`
	Winner    *domain.Winner `json:"winner"`
}

// UnmarshalJSON reads the winner leniently. The server recomputes it when
// results are verified, so a winner that cannot be read counts as none
// instead of failing the whole frame.
func (i *EndMeeting) UnmarshalJSON(b []byte) error {
	var raw struct {
		SessionID string          `json:"sessionId"`
		Elapsed   Int             `json:"elapsed"`
		Winner    json.RawMessage `json:"winner"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*i = EndMeeting{
		SessionID: raw.SessionID,
		Elapsed:   raw.Elapsed,
		Winner:    decodeWinner(raw.Winner),
	}
	return nil
}

func decodeWinner(b json.RawMessage) *domain.Winner {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, null) {
		return nil
	}

	var w struct {
		Name   Scalar `json:"name"`
		Minute Int    `json:"minute"`
		Color  Scalar `json:"color"`
		Stake  Scalar `json:"stake"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return nil
	}

	return &domain.Winner{
		Name:   string(w.Name),
		Minute: int(w.Minute),
		Color:  string(w.Color),
		Stake:  string(w.Stake),
	}
}

func (EndMeeting) Event() string     { return EventMeetingEnded }
func (i EndMeeting) Session() string { return i.SessionID }

func (i EndMeeting) validate() error {
	if err := requireSession(EventMeetingEnded, i.SessionID); err != nil {
		return err
	}
	if i.Elapsed < 0 {
		return errors.InvalidArgument("%s: elapsed must not be negative", EventMeetingEnded)
	}
	return nil
}

func requireSession(event, id string) error {
	if id == "" {
		return errors.InvalidArgument("%s: sessionId is required", event)
	}
	return nil
}

// DecodeIntent parses a client frame. Every failure is an InvalidArgument
// error suitable for an error frame.
func DecodeIntent(b []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed frame"),
			errors.WithCause(err),
		)
	}

	switch env.Event {
	case EventJoinSession:
		return decodeIntent[JoinSession](env)
	case EventSubmitGuess:
		return decodeIntent[SubmitGuess](env)
	case EventStartMeeting:
		return decodeIntent[StartMeeting](env)
	case EventMeetingEnded:
		return decodeIntent[EndMeeting](env)
	default:
		return nil, errors.InvalidArgument("unknown event %q", env.Event)
	}
}

func decodeIntent[T Intent](env Envelope) (Intent, error) {
	var in T
	if len(env.Data) == 0 {
		return nil, errors.InvalidArgument("%s: missing data", env.Event)
	}

	if err := json.Unmarshal(env.Data, &in); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("%s: malformed data", env.Event),
			errors.WithCause(err),
		)
	}

	if err := in.validate(); err != nil {
		return nil, err
	}

	return in, nil
}

// EncodeIntent builds the frame a client sends for in.
func EncodeIntent(in Intent) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", in.Event(), err)
	}

	return json.Marshal(Envelope{Event: in.Event(), Data: data})
}
