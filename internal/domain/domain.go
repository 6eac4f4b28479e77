package domain

import (
	"time"
)

// Phase is the lifecycle phase of a meeting.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseEnded   Phase = "ended"
)

// Guess is a participant's predicted minute plus an opaque stake label.
// Both fields are kept as strings, exactly as they were submitted.
type Guess struct {
	Value string `json:"value"`
	Stake string `json:"stake"`
}

// Winner is the guess selected when a meeting ends.
type Winner struct {
	Name   string `json:"name"`
	Minute int    `json:"minute"`
	Color  string `json:"color"`
	Stake  string `json:"stake"`
}

// Meeting is the lifecycle record of the timed event of a session.
// Running and Ended are never both true.
type Meeting struct {
	Running          bool       `json:"running"`
	Ended            bool       `json:"ended"`
	StartedAt        *time.Time `json:"startedAt"`
	LastKnownElapsed int64      `json:"lastKnownElapsed"`
	Winner           *Winner    `json:"winner"`
}

// Snapshot is the full authoritative state of a session as sent to clients.
// MemberOrder lists the connection IDs of Members in join order.
type Snapshot struct {
	SessionID   string            `json:"sessionId"`
	DisplayName string            `json:"displayName"`
	Members     map[string]string `json:"members"`
	MemberOrder []string          `json:"memberOrder"`
	Guesses     map[string]Guess  `json:"guesses"`
	Meeting     *Meeting          `json:"meeting,omitempty"`
}

// Clone returns a deep copy of the meeting, nil-safe.
func (m *Meeting) Clone() *Meeting {
	if m == nil {
		return nil
	}

	c := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	c.Winner = m.Winner.Clone()
	return &c
}

// Clone returns a copy of the winner, nil-safe.
func (w *Winner) Clone() *Winner {
	if w == nil {
		return nil
	}

	c := *w
	return &c
}
