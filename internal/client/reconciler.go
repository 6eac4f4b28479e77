// Package client mirrors a session on the participant side.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/meeting"
	"github.com/victornm/meetbet/internal/protocol"
	"github.com/victornm/meetbet/internal/winner"
)

// State is what a participant's view renders.
type State struct {
	Joined    bool
	SessionID string
	// Session is the last snapshot received, nil before the first one.
	Session *domain.Snapshot
	Draft   domain.Guess
	Phase   domain.Phase
	Elapsed int64
	Winner  *domain.Winner
	// LastError is the last error frame received from the server.
	LastError *protocol.ErrorFrame
}

type ReconcilerConfig struct {
	Clock clockwork.Clock
	// Unit is the length of one elapsed step, one second by default.
	Unit time.Duration
	// OnChange is called with a copy of the state after every change and on
	// every tick while the meeting runs. It must not call back into the
	// reconciler synchronously.
	OnChange func(State)
}

// Reconciler derives the local view from server events. Shared fields are
// never merged: every snapshot replaces the mirror as a whole. Only the draft
// guess is owned locally.
type Reconciler struct {
	clock    clockwork.Clock
	unit     time.Duration
	onChange func(State)

	mu        sync.Mutex
	joined    bool
	sessionID string
	mirror    *domain.Snapshot
	draft     domain.Guess
	phase     domain.Phase
	seed      int64
	anchor    time.Time
	final     int64
	winner    *domain.Winner
	lastErr   *protocol.ErrorFrame
}

func NewReconciler(c ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		clock:    c.Clock,
		unit:     c.Unit,
		onChange: c.OnChange,
		phase:    domain.PhaseIdle,
	}

	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.unit <= 0 {
		r.unit = meeting.DefaultUnit
	}

	return r
}

// Apply feeds one server event into the reconciler.
func (r *Reconciler) Apply(e event.Event) {
	switch e := e.(type) {
	case domain.EventSessionUpdated:
		r.ApplySessionUpdate(e.Snapshot)
	case domain.EventMeetingStarted:
		r.ApplyMeetingStarted(e)
	case domain.EventMeetingEnded:
		r.ApplyMeetingEnded(e)
	case protocol.ErrorFrame:
		r.update(func() { r.lastErr = &e })
	}
}

func (r *Reconciler) ApplySessionUpdate(s domain.Snapshot) {
	r.update(func() {
		r.mirror = &s
	})
}

// ApplyMeetingStarted starts counting from the event's seed, or zero for a
// fresh start.
func (r *Reconciler) ApplyMeetingStarted(e domain.EventMeetingStarted) {
	r.update(func() {
		r.phase = domain.PhaseRunning
		r.winner = nil
		r.final = 0
		r.seed = 0
		if e.Elapsed != nil {
			r.seed = *e.Elapsed
		}
		r.anchor = r.clock.Now()
	})
}

// ApplyMeetingEnded freezes the elapsed time and records the winner.
func (r *Reconciler) ApplyMeetingEnded(e domain.EventMeetingEnded) {
	r.update(func() {
		r.phase = domain.PhaseEnded
		r.final = e.Elapsed
		r.winner = e.Winner.Clone()
	})
}

// MarkJoined records that the participant asked to join sessionID.
func (r *Reconciler) MarkJoined(sessionID string) {
	r.update(func() {
		r.joined = true
		r.sessionID = sessionID
	})
}

// SetDraft updates the guess being edited. It stays local until submitted.
func (r *Reconciler) SetDraft(value, stake string) {
	r.update(func() {
		r.draft = domain.Guess{Value: value, Stake: stake}
	})
}

func (r *Reconciler) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessionID
}

func (r *Reconciler) Draft() domain.Guess {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.draft
}

// Elapsed is the locally predicted elapsed time.
func (r *Reconciler) Elapsed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.elapsed()
}

func (r *Reconciler) elapsed() int64 {
	switch r.phase {
	case domain.PhaseRunning:
		return r.seed + meeting.Since(r.anchor, r.clock.Now(), r.unit)
	case domain.PhaseEnded:
		return r.final
	default:
		return 0
	}
}

// CanSubmitGuess reports whether the guess form is enabled: joined, meeting
// neither running nor ended, and both fields filled in.
func (r *Reconciler) CanSubmitGuess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.joined &&
		r.phase == domain.PhaseIdle &&
		r.draft.Value != "" &&
		r.draft.Stake != ""
}

// Result computes the values this participant submits when ending the
// meeting: the predicted elapsed time and the winner among the mirrored
// guesses.
func (r *Reconciler) Result() (int64, *domain.Winner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := r.elapsed()
	if r.mirror == nil {
		return elapsed, nil
	}

	return elapsed, winner.FromSnapshot(*r.mirror, elapsed)
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state()
}

func (r *Reconciler) state() State {
	s := State{
		Joined:    r.joined,
		SessionID: r.sessionID,
		Draft:     r.draft,
		Phase:     r.phase,
		Elapsed:   r.elapsed(),
		Winner:    r.winner.Clone(),
	}
	if r.mirror != nil {
		m := *r.mirror
		s.Session = &m
	}
	if r.lastErr != nil {
		e := *r.lastErr
		s.LastError = &e
	}
	return s
}

// Run notifies OnChange once per unit while the meeting is running, until
// ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.unit)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			r.mu.Lock()
			running := r.phase == domain.PhaseRunning
			s := r.state()
			r.mu.Unlock()

			if running && r.onChange != nil {
				r.onChange(s)
			}
		}
	}
}

func (r *Reconciler) update(f func()) {
	r.mu.Lock()
	f()
	s := r.state()
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(s)
	}
}
