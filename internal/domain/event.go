package domain

const (
	EventNameSessionUpdated = "session.updated"
	EventNameMeetingStarted = "meeting.started"
	EventNameMeetingEnded   = "meeting.ended"
)

// EventSessionUpdated carries the full snapshot of a session.
type EventSessionUpdated struct {
	Snapshot Snapshot
}

func (EventSessionUpdated) Name() string { return EventNameSessionUpdated }

// EventMeetingStarted announces a started meeting. Elapsed is only set for the
// private catch-up sent to a client joining a running meeting.
type EventMeetingStarted struct {
	SessionID string
	Elapsed   *int64
}

func (EventMeetingStarted) Name() string { return EventNameMeetingStarted }

// EventMeetingEnded carries the final elapsed time and the winner, nil when
// nobody qualified.
type EventMeetingEnded struct {
	SessionID string
	Elapsed   int64
	Winner    *Winner
}

func (EventMeetingEnded) Name() string { return EventNameMeetingEnded }
