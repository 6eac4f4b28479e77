// Package session holds the authoritative state of every session and applies
// client intents to it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/errors"
	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/meeting"
	"github.com/victornm/meetbet/internal/winner"
)

var (
	ErrSessionNotFound   = errors.New(errors.CodeNotFound, errors.WithMessagef("session not found"))
	ErrGuessesLocked     = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("guesses are locked while the meeting is running"))
	ErrMeetingNotRunning = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("meeting is not running"))
	ErrNotMember         = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection has not joined the session"))
)

// Publisher delivers events to connections. Calls are made while the store
// holds its lock, so implementations must not block and must not call back
// into the store.
type Publisher interface {
	Subscribe(sessionID, connID string)
	Unsubscribe(sessionID, connID string)
	Send(ctx context.Context, connID string, e event.Event)
	Broadcast(ctx context.Context, sessionID string, e event.Event)
}

type Config struct {
	Publisher Publisher
	// EventBus, when set, receives every room event after it was broadcast.
	EventBus *event.Bus
	Clock    clockwork.Clock

	// ElapsedUnit is the length of one elapsed step, one second by default.
	ElapsedUnit time.Duration
	// VerifyResults makes EndMeeting recompute the winner from the stored
	// guesses instead of trusting the caller.
	VerifyResults bool
	// ElapsedTolerance is the largest accepted difference, in units, between
	// the caller's elapsed time and the derived one when VerifyResults is on.
	ElapsedTolerance int64
	// LockGuessesWhileRunning rejects guesses once the meeting started.
	LockGuessesWhileRunning bool
}

// Store is the single authority over all sessions. Every operation runs under
// one lock and emits its events before releasing it, so each room observes
// events in processing order.
type Store struct {
	pub   Publisher
	eb    *event.Bus
	clock clockwork.Clock
	unit  time.Duration

	verify      bool
	tolerance   int64
	lockGuesses bool

	mu       sync.Mutex
	sessions map[string]*session
	// conns indexes the sessions a connection appears in.
	conns map[string]map[string]struct{}
}

func NewStore(c Config) *Store {
	s := &Store{
		pub:         c.Publisher,
		eb:          c.EventBus,
		clock:       c.Clock,
		unit:        c.ElapsedUnit,
		verify:      c.VerifyResults,
		tolerance:   c.ElapsedTolerance,
		lockGuesses: c.LockGuessesWhileRunning,
		sessions:    make(map[string]*session),
		conns:       make(map[string]map[string]struct{}),
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.unit <= 0 {
		s.unit = meeting.DefaultUnit
	}
	if s.tolerance < 0 {
		s.tolerance = 0
	}

	return s
}

type session struct {
	id          string
	displayName string
	members     map[string]string
	order       []string
	guesses     map[string]domain.Guess
	meeting     *domain.Meeting
}

func newSession(id string) *session {
	return &session{
		id:      id,
		members: make(map[string]string),
		guesses: make(map[string]domain.Guess),
	}
}

// snapshot returns a copy that shares no memory with the session.
func (ss *session) snapshot() domain.Snapshot {
	members := make(map[string]string, len(ss.members))
	for k, v := range ss.members {
		members[k] = v
	}

	guesses := make(map[string]domain.Guess, len(ss.guesses))
	for k, v := range ss.guesses {
		guesses[k] = v
	}

	order := make([]string, len(ss.order))
	copy(order, ss.order)

	return domain.Snapshot{
		SessionID:   ss.id,
		DisplayName: ss.displayName,
		Members:     members,
		MemberOrder: order,
		Guesses:     guesses,
		Meeting:     ss.meeting.Clone(),
	}
}

func (ss *session) remove(connID string) bool {
	_, member := ss.members[connID]
	_, guessed := ss.guesses[connID]

	delete(ss.members, connID)
	delete(ss.guesses, connID)
	if i := slices.Index(ss.order, connID); i >= 0 {
		ss.order = slices.Delete(ss.order, i, i+1)
	}

	return member || guessed
}

type JoinRequest struct {
	SessionID string
	ConnID    string
	UserName  string
	// SessionName renames the session for everyone when not empty.
	SessionName string
}

// Join registers the connection as a member, creating the session on first
// use. The joiner privately receives the snapshot and, when a meeting is in
// progress or over, the state needed to catch up. The room then receives the
// new snapshot.
func (s *Store) Join(ctx context.Context, req JoinRequest) error {
	if req.SessionID == "" || req.ConnID == "" {
		return errors.InvalidArgument("join: session and connection are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[req.SessionID]
	if !ok {
		ss = newSession(req.SessionID)
		s.sessions[req.SessionID] = ss
		slog.InfoContext(ctx, "session: created", "session", req.SessionID)
	}

	if _, ok := ss.members[req.ConnID]; !ok {
		ss.order = append(ss.order, req.ConnID)
	}
	ss.members[req.ConnID] = req.UserName
	if req.SessionName != "" {
		ss.displayName = req.SessionName
	}

	s.track(req.ConnID, req.SessionID)
	s.pub.Subscribe(req.SessionID, req.ConnID)

	updated := domain.EventSessionUpdated{Snapshot: ss.snapshot()}
	s.pub.Send(ctx, req.ConnID, updated)

	switch m := ss.meeting; meeting.PhaseOf(m) {
	case domain.PhaseRunning:
		elapsed := meeting.Elapsed(m, s.clock.Now(), s.unit)
		s.pub.Send(ctx, req.ConnID, domain.EventMeetingStarted{
			SessionID: ss.id,
			Elapsed:   &elapsed,
		})
	case domain.PhaseEnded:
		s.pub.Send(ctx, req.ConnID, domain.EventMeetingEnded{
			SessionID: ss.id,
			Elapsed:   m.LastKnownElapsed,
			Winner:    m.Clone().Winner,
		})
	case domain.PhaseIdle:
	}

	s.broadcast(ctx, ss.id, updated)
	return nil
}

type SubmitGuessRequest struct {
	SessionID string
	ConnID    string
	Value     string
	Stake     string
}

// SubmitGuess stores the connection's guess, replacing any earlier one.
func (s *Store) SubmitGuess(ctx context.Context, req SubmitGuessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[req.SessionID]
	if !ok {
		return fmt.Errorf("submit guess: %s: %w", req.SessionID, ErrSessionNotFound)
	}

	// Guesses are keyed by member, a connection must join before guessing.
	if _, ok := ss.members[req.ConnID]; !ok {
		return fmt.Errorf("submit guess: %s: %w", req.SessionID, ErrNotMember)
	}

	if s.lockGuesses && meeting.PhaseOf(ss.meeting) == domain.PhaseRunning {
		return fmt.Errorf("submit guess: %s: %w", req.SessionID, ErrGuessesLocked)
	}

	ss.guesses[req.ConnID] = domain.Guess{
		Value: req.Value,
		Stake: req.Stake,
	}

	s.broadcast(ctx, ss.id, domain.EventSessionUpdated{Snapshot: ss.snapshot()})
	return nil
}

type StartMeetingRequest struct {
	SessionID string
	ConnID    string
}

// StartMeeting (re)starts the meeting of a session from any phase. The
// previous record, winner included, is discarded.
func (s *Store) StartMeeting(ctx context.Context, req StartMeetingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[req.SessionID]
	if !ok {
		return fmt.Errorf("start meeting: %s: %w", req.SessionID, ErrSessionNotFound)
	}

	ss.meeting = meeting.Start(s.clock.Now())
	slog.InfoContext(ctx, "session: meeting started", "session", ss.id, "conn", req.ConnID)

	s.broadcast(ctx, ss.id, domain.EventMeetingStarted{SessionID: ss.id})
	s.broadcast(ctx, ss.id, domain.EventSessionUpdated{Snapshot: ss.snapshot()})
	return nil
}

type EndMeetingRequest struct {
	SessionID string
	ConnID    string
	Elapsed   int64
	Winner    *domain.Winner
}

// EndMeeting finalizes a running meeting. When results are verified, the
// caller's elapsed time is kept only if it is close to the derived one and the
// winner is always recomputed; otherwise both are stored as given.
func (s *Store) EndMeeting(ctx context.Context, req EndMeetingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[req.SessionID]
	if !ok {
		return fmt.Errorf("end meeting: %s: %w", req.SessionID, ErrSessionNotFound)
	}

	if meeting.PhaseOf(ss.meeting) != domain.PhaseRunning {
		return fmt.Errorf("end meeting: %s: %w", req.SessionID, ErrMeetingNotRunning)
	}

	elapsed, w := req.Elapsed, req.Winner
	if s.verify {
		elapsed, w = s.verifyResult(ctx, ss, req)
	}

	if err := meeting.End(ss.meeting, elapsed, w.Clone()); err != nil {
		return fmt.Errorf("end meeting: %s: %w", req.SessionID, err)
	}

	slog.InfoContext(ctx, "session: meeting ended",
		"session", ss.id,
		"conn", req.ConnID,
		"elapsed", elapsed,
		"winner", w,
	)

	s.broadcast(ctx, ss.id, domain.EventMeetingEnded{
		SessionID: ss.id,
		Elapsed:   elapsed,
		Winner:    w.Clone(),
	})
	s.broadcast(ctx, ss.id, domain.EventSessionUpdated{Snapshot: ss.snapshot()})
	return nil
}

func (s *Store) verifyResult(ctx context.Context, ss *session, req EndMeetingRequest) (int64, *domain.Winner) {
	elapsed := meeting.Elapsed(ss.meeting, s.clock.Now(), s.unit)
	if diff := req.Elapsed - elapsed; diff >= -s.tolerance && diff <= s.tolerance {
		elapsed = req.Elapsed
	} else {
		slog.WarnContext(ctx, "session: elapsed out of tolerance, using derived value",
			"session", ss.id,
			"conn", req.ConnID,
			"claimed", req.Elapsed,
			"derived", elapsed,
		)
	}

	return elapsed, winner.FromSnapshot(ss.snapshot(), elapsed)
}

// Disconnect removes the connection from every session it appears in and
// broadcasts the pruned snapshots.
func (s *Store) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conns[connID]))
	for id := range s.conns[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	delete(s.conns, connID)

	for _, id := range ids {
		ss, ok := s.sessions[id]
		if !ok {
			continue
		}

		s.pub.Unsubscribe(id, connID)
		if ss.remove(connID) {
			s.broadcast(ctx, id, domain.EventSessionUpdated{Snapshot: ss.snapshot()})
		}
	}
}

// Snapshot returns a copy of the session state.
func (s *Store) Snapshot(sessionID string) (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return domain.Snapshot{}, false
	}

	return ss.snapshot(), true
}

// Elapsed returns the derived elapsed time of the session's meeting.
func (s *Store) Elapsed(sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}

	return meeting.Elapsed(ss.meeting, s.clock.Now(), s.unit), true
}

func (s *Store) Exists(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[sessionID]
	return ok
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func (s *Store) track(connID, sessionID string) {
	ids, ok := s.conns[connID]
	if !ok {
		ids = make(map[string]struct{})
		s.conns[connID] = ids
	}
	ids[sessionID] = struct{}{}
}

func (s *Store) broadcast(ctx context.Context, sessionID string, e event.Event) {
	s.pub.Broadcast(ctx, sessionID, e)
	if s.eb != nil {
		s.eb.Publish(ctx, e)
	}
}
