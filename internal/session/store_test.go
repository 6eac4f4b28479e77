package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/session"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestStore_Join(t *testing.T) {
	ctx := context.Background()
	s, pub, _ := makeStore(t)

	require.NoError(t, s.Join(ctx, session.JoinRequest{SessionID: "AB12", ConnID: "c1", UserName: "Ann", SessionName: "Weekly"}))

	require.Equal(t, []delivery{
		{to: "conn:c1", event: updated(domain.Snapshot{
			SessionID:   "AB12",
			DisplayName: "Weekly",
			Members:     map[string]string{"c1": "Ann"},
			MemberOrder: []string{"c1"},
			Guesses:     map[string]domain.Guess{},
		})},
		{to: "room:AB12", event: updated(domain.Snapshot{
			SessionID:   "AB12",
			DisplayName: "Weekly",
			Members:     map[string]string{"c1": "Ann"},
			MemberOrder: []string{"c1"},
			Guesses:     map[string]domain.Guess{},
		})},
	}, pub.take(), "joiner gets the snapshot privately, then the room does")
	assert.True(t, pub.subscribed("AB12", "c1"))

	require.NoError(t, s.Join(ctx, session.JoinRequest{SessionID: "AB12", ConnID: "c2", UserName: "Bob"}))
	snap, ok := s.Snapshot("AB12")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"c1": "Ann", "c2": "Bob"}, snap.Members, "joining never removes existing members")
	assert.Equal(t, []string{"c1", "c2"}, snap.MemberOrder)
	assert.Equal(t, "Weekly", snap.DisplayName, "empty session name keeps the current one")

	require.NoError(t, s.Join(ctx, session.JoinRequest{SessionID: "AB12", ConnID: "c1", UserName: "Annie", SessionName: "Retro"}))
	snap, _ = s.Snapshot("AB12")
	assert.Equal(t, "Annie", snap.Members["c1"])
	assert.Equal(t, []string{"c1", "c2"}, snap.MemberOrder, "re-joining keeps the join position")
	assert.Equal(t, "Retro", snap.DisplayName, "last writer renames the session")

	assert.Error(t, s.Join(ctx, session.JoinRequest{ConnID: "c3", UserName: "Cid"}))
	assert.Equal(t, 1, s.Len())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s, _, _ := makeStore(t)

	require.NoError(t, s.Join(ctx, session.JoinRequest{SessionID: "AB12", ConnID: "c1", UserName: "Ann"}))
	snap, _ := s.Snapshot("AB12")
	snap.Members["c1"] = "Mallory"
	snap.MemberOrder[0] = "x"

	again, _ := s.Snapshot("AB12")
	assert.Equal(t, "Ann", again.Members["c1"])
	assert.Equal(t, []string{"c1"}, again.MemberOrder)
}

func TestStore_SubmitGuess(t *testing.T) {
	ctx := context.Background()
	s, pub, _ := makeStore(t)

	require.ErrorIs(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "nope", ConnID: "c1", Value: "5"}), session.ErrSessionNotFound)
	assert.Empty(t, pub.take(), "unknown session is a silent no-op")
	assert.False(t, s.Exists("nope"))

	join(t, s, "AB12", "c1", "Ann")
	pub.take()

	require.ErrorIs(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c9", Value: "5"}), session.ErrNotMember)
	assert.Empty(t, pub.take(), "a guess from outside the session is a silent no-op")
	snap, _ := s.Snapshot("AB12")
	assert.NotContains(t, snap.Guesses, "c9")

	require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "15", Stake: "coffee"}))
	require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "20", Stake: "lunch"}))

	snap, _ = s.Snapshot("AB12")
	assert.Equal(t, map[string]domain.Guess{"c1": {Value: "20", Stake: "lunch"}}, snap.Guesses, "only the latest guess is kept")

	out := pub.take()
	require.Len(t, out, 2)
	assert.Equal(t, "room:AB12", out[1].to)
	assert.Equal(t, snap, out[1].event.(domain.EventSessionUpdated).Snapshot)
}

func TestStore_GuessLock(t *testing.T) {
	tests := map[string]struct {
		lock    bool
		wantErr error
	}{
		"guesses are rejected while running": {lock: true, wantErr: session.ErrGuessesLocked},
		"guesses are accepted while running": {lock: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, pub, _ := makeStore(t, func(c *session.Config) {
				c.LockGuessesWhileRunning = tt.lock
			})

			join(t, s, "AB12", "c1", "Ann")
			require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "5"}))
			require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
			pub.take()

			err := s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "9"})
			snap, _ := s.Snapshot("AB12")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, pub.take())
				assert.Equal(t, "5", snap.Guesses["c1"].Value)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "9", snap.Guesses["c1"].Value)
			}

			require.NoError(t, s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
			require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "11"}), "guesses reopen once the meeting ended")
		})
	}
}

func TestStore_Disconnect(t *testing.T) {
	ctx := context.Background()
	s, pub, _ := makeStore(t)

	join(t, s, "AB12", "c1", "Ann")
	join(t, s, "AB12", "c2", "Bob")
	join(t, s, "ZZ99", "c1", "Ann")
	join(t, s, "ZZ99", "c3", "Cid")
	require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "5"}))
	require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c2", Value: "7"}))
	pub.take()

	s.Disconnect(ctx, "c1")

	for _, id := range []string{"AB12", "ZZ99"} {
		snap, ok := s.Snapshot(id)
		require.True(t, ok, "sessions outlive their members")
		assert.NotContains(t, snap.Members, "c1", id)
		assert.NotContains(t, snap.Guesses, "c1", id)
		assert.NotContains(t, snap.MemberOrder, "c1", id)
		assert.False(t, pub.subscribed(id, "c1"), id)
	}

	out := pub.take()
	require.Len(t, out, 2, "one pruned snapshot per affected room")
	assert.Equal(t, "room:AB12", out[0].to)
	assert.Equal(t, []string{"c2"}, out[0].event.(domain.EventSessionUpdated).Snapshot.MemberOrder)
	assert.Equal(t, "room:ZZ99", out[1].to)
	assert.Equal(t, []string{"c3"}, out[1].event.(domain.EventSessionUpdated).Snapshot.MemberOrder)

	s.Disconnect(ctx, "c1")
	s.Disconnect(ctx, "never-seen")
	assert.Empty(t, pub.take(), "disconnecting twice touches nothing")
}

func TestStore_StartMeeting(t *testing.T) {
	ctx := context.Background()
	s, pub, clock := makeStore(t)

	require.ErrorIs(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12"}), session.ErrSessionNotFound)

	join(t, s, "AB12", "c1", "Ann")
	pub.take()

	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))

	out := pub.take()
	require.Len(t, out, 2)
	assert.Equal(t, delivery{to: "room:AB12", event: domain.EventMeetingStarted{SessionID: "AB12"}}, out[0], "start carries no elapsed")
	snap := out[1].event.(domain.EventSessionUpdated).Snapshot
	require.NotNil(t, snap.Meeting)
	assert.Equal(t, &domain.Meeting{Running: true, StartedAt: &t0}, snap.Meeting)

	clock.Advance(30 * time.Second)
	elapsed, _ := s.Elapsed("AB12")
	assert.Equal(t, int64(30), elapsed)

	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	elapsed, _ = s.Elapsed("AB12")
	assert.Equal(t, int64(0), elapsed, "restarting a running meeting re-arms the anchor")
}

func TestStore_RestartAfterEnd(t *testing.T) {
	ctx := context.Background()
	s, pub, clock := makeStore(t)

	join(t, s, "AB12", "c1", "Ann")
	require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: "c1", Value: "5"}))
	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	clock.Advance(10 * time.Second)
	require.NoError(t, s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", ConnID: "c1", Elapsed: 10}))

	snap, _ := s.Snapshot("AB12")
	require.NotNil(t, snap.Meeting.Winner)
	pub.take()

	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	snap, _ = s.Snapshot("AB12")
	assert.True(t, snap.Meeting.Running)
	assert.False(t, snap.Meeting.Ended)
	assert.Nil(t, snap.Meeting.Winner)
	assert.Equal(t, int64(0), snap.Meeting.LastKnownElapsed)
}

func TestStore_EndWhileIdle(t *testing.T) {
	ctx := context.Background()
	s, pub, _ := makeStore(t)

	require.ErrorIs(t, s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", Elapsed: 3}), session.ErrSessionNotFound)

	join(t, s, "AB12", "c1", "Ann")
	before, _ := s.Snapshot("AB12")
	pub.take()

	err := s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", ConnID: "c1", Elapsed: 3, Winner: &domain.Winner{Name: "Ann"}})
	require.ErrorIs(t, err, session.ErrMeetingNotRunning)

	after, _ := s.Snapshot("AB12")
	assert.Equal(t, before, after)
	assert.Nil(t, after.Meeting)
	assert.Empty(t, pub.take())
}

func TestStore_EndMeeting(t *testing.T) {
	type (
		inputs struct {
			config  func(c *session.Config)
			advance time.Duration
			request session.EndMeetingRequest
		}

		outputs struct {
			delivered []delivery
			snapshot  domain.Snapshot
		}
	)

	// Ann guesses 5, Bob 9, Cid 12. Dee joined last and guessed 9 too.
	claimed := &domain.Winner{Name: "Mallory", Minute: 1, Color: "#000000", Stake: "everything"}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"trusting store keeps the caller's values verbatim": {
			arrange: func() inputs {
				return inputs{
					config:  func(c *session.Config) { c.VerifyResults = false },
					advance: 10 * time.Second,
					request: session.EndMeetingRequest{Elapsed: 99, Winner: claimed},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.EventMeetingEnded{SessionID: "AB12", Elapsed: 99, Winner: claimed}, out.delivered[0].event)
				assert.Equal(t, int64(99), out.snapshot.Meeting.LastKnownElapsed)
				assert.Equal(t, claimed, out.snapshot.Meeting.Winner)
			},
		},

		"verifying store recomputes the winner and accepts a close elapsed": {
			arrange: func() inputs {
				return inputs{
					advance: 10 * time.Second,
					request: session.EndMeetingRequest{Elapsed: 11, Winner: claimed},
				}
			},

			assert: func(t *testing.T, out outputs) {
				want := &domain.Winner{Name: "Bob", Minute: 9, Color: "#e53935", Stake: "tea"}
				assert.Equal(t, domain.EventMeetingEnded{SessionID: "AB12", Elapsed: 11, Winner: want}, out.delivered[0].event)
				assert.Equal(t, int64(11), out.snapshot.Meeting.LastKnownElapsed)
				assert.Equal(t, want, out.snapshot.Meeting.Winner, "tie on 9 goes to Bob who joined before Dee")
			},
		},

		"verifying store replaces an elapsed out of tolerance": {
			arrange: func() inputs {
				return inputs{
					advance: 4 * time.Second,
					request: session.EndMeetingRequest{Elapsed: 60, Winner: claimed},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, int64(4), out.snapshot.Meeting.LastKnownElapsed)
				assert.Nil(t, out.snapshot.Meeting.Winner, "no guess is at most 4")
				assert.Equal(t, domain.EventMeetingEnded{SessionID: "AB12", Elapsed: 4}, out.delivered[0].event)
			},
		},

		"verifying store uses minutes when the unit is a minute": {
			arrange: func() inputs {
				return inputs{
					config:  func(c *session.Config) { c.ElapsedUnit = time.Minute },
					advance: 12*time.Minute + 30*time.Second,
					request: session.EndMeetingRequest{Elapsed: 12},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, &domain.Winner{Name: "Cid", Minute: 12, Color: "#43a047", Stake: "cake"}, out.snapshot.Meeting.Winner)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			in := tt.arrange()

			opts := []option{}
			if in.config != nil {
				opts = append(opts, in.config)
			}
			s, pub, clock := makeStore(t, opts...)

			for i, g := range []struct{ conn, name, value, stake string }{
				{"c1", "Ann", "5", "coffee"},
				{"c2", "Bob", "9", "tea"},
				{"c3", "Cid", "12", "cake"},
				{"c4", "Dee", "9", "beer"},
			} {
				join(t, s, "AB12", g.conn, g.name)
				require.NoError(t, s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: g.conn, Value: g.value, Stake: g.stake}), i)
			}
			require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
			clock.Advance(in.advance)
			pub.take()

			req := in.request
			req.SessionID, req.ConnID = "AB12", "c2"
			require.NoError(t, s.EndMeeting(ctx, req))

			out := outputs{delivered: pub.take()}
			require.Len(t, out.delivered, 2, "ended event then snapshot")
			assert.Equal(t, "room:AB12", out.delivered[0].to)
			assert.Equal(t, "room:AB12", out.delivered[1].to)

			out.snapshot, _ = s.Snapshot("AB12")
			assert.Equal(t, out.snapshot, out.delivered[1].event.(domain.EventSessionUpdated).Snapshot)
			assert.True(t, out.snapshot.Meeting.Ended)
			assert.False(t, out.snapshot.Meeting.Running)

			require.ErrorIs(t, s.EndMeeting(ctx, req), session.ErrMeetingNotRunning, "a second end is rejected")

			tt.assert(t, out)
		})
	}
}

func TestStore_LateJoinCatchUp(t *testing.T) {
	ctx := context.Background()
	s, pub, clock := makeStore(t)

	join(t, s, "AB12", "c1", "Ann")
	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	clock.Advance(7*time.Second + 900*time.Millisecond)
	pub.take()

	join(t, s, "AB12", "c2", "Bob")

	out := pub.take()
	require.Len(t, out, 3)
	assert.Equal(t, "conn:c2", out[0].to)
	assert.IsType(t, domain.EventSessionUpdated{}, out[0].event)

	seven := int64(7)
	assert.Equal(t, delivery{to: "conn:c2", event: domain.EventMeetingStarted{SessionID: "AB12", Elapsed: &seven}}, out[1])
	assert.Equal(t, "room:AB12", out[2].to)

	w := &domain.Winner{Name: "Ann", Minute: 3}
	clock.Advance(2 * time.Second)
	require.NoError(t, s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", ConnID: "c1", Elapsed: 9, Winner: w}))
	pub.take()

	join(t, s, "AB12", "c3", "Cid")
	out = pub.take()
	require.Len(t, out, 3)
	assert.Equal(t, delivery{to: "conn:c3", event: domain.EventMeetingEnded{SessionID: "AB12", Elapsed: 9}}, out[1], "ended catch-up carries the stored values")
}

func TestStore_EventBus(t *testing.T) {
	ctx := context.Background()
	eb := event.NewBus()

	var (
		mu   sync.Mutex
		seen []string
	)
	eb.Subscribe(func(_ context.Context, e event.Event) error {
		mu.Lock()
		seen = append(seen, e.Name())
		mu.Unlock()
		return nil
	}, domain.EventNameSessionUpdated, domain.EventNameMeetingStarted, domain.EventNameMeetingEnded)

	s, _, _ := makeStore(t, func(c *session.Config) { c.EventBus = eb })

	join(t, s, "AB12", "c1", "Ann")
	require.NoError(t, s.StartMeeting(ctx, session.StartMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	require.NoError(t, s.EndMeeting(ctx, session.EndMeetingRequest{SessionID: "AB12", ConnID: "c1"}))
	eb.Stop()

	assert.ElementsMatch(t, []string{
		domain.EventNameSessionUpdated,
		domain.EventNameMeetingStarted,
		domain.EventNameSessionUpdated,
		domain.EventNameMeetingEnded,
		domain.EventNameSessionUpdated,
	}, seen, "only room events reach the bus")
}

func TestStore_ConcurrentIntents(t *testing.T) {
	ctx := context.Background()
	s, _, _ := makeStore(t)

	const n = 50
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		conn := fmt.Sprintf("c%d", i)
		eg.Go(func() error {
			if err := s.Join(ctx, session.JoinRequest{SessionID: "AB12", ConnID: conn, UserName: conn}); err != nil {
				return err
			}
			return s.SubmitGuess(ctx, session.SubmitGuessRequest{SessionID: "AB12", ConnID: conn, Value: "1"})
		})
	}
	require.NoError(t, eg.Wait())

	snap, _ := s.Snapshot("AB12")
	assert.Len(t, snap.Members, n)
	assert.Len(t, snap.MemberOrder, n)
	assert.Len(t, snap.Guesses, n)
}

func join(t *testing.T, s *session.Store, sessionID, conn, name string) {
	t.Helper()
	require.NoError(t, s.Join(context.Background(), session.JoinRequest{SessionID: sessionID, ConnID: conn, UserName: name}))
}

func updated(s domain.Snapshot) domain.EventSessionUpdated {
	return domain.EventSessionUpdated{Snapshot: s}
}

type option func(c *session.Config)

func makeStore(t *testing.T, opts ...option) (*session.Store, *fakePublisher, *clockwork.FakeClock) {
	t.Helper()

	pub := newFakePublisher()
	clock := clockwork.NewFakeClockAt(t0)

	c := session.Config{
		Publisher:               pub,
		Clock:                   clock,
		ElapsedUnit:             time.Second,
		VerifyResults:           true,
		ElapsedTolerance:        2,
		LockGuessesWhileRunning: true,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return session.NewStore(c), pub, clock
}

type delivery struct {
	to    string
	event event.Event
}

type fakePublisher struct {
	mu   sync.Mutex
	subs map[string]map[string]bool
	out  []delivery
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{subs: make(map[string]map[string]bool)}
}

func (p *fakePublisher) Subscribe(sessionID, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[string]bool)
	}
	p.subs[sessionID][connID] = true
}

func (p *fakePublisher) Unsubscribe(sessionID, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs[sessionID], connID)
}

func (p *fakePublisher) Send(_ context.Context, connID string, e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out = append(p.out, delivery{to: "conn:" + connID, event: e})
}

func (p *fakePublisher) Broadcast(_ context.Context, sessionID string, e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out = append(p.out, delivery{to: "room:" + sessionID, event: e})
}

func (p *fakePublisher) subscribed(sessionID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.subs[sessionID][connID]
}

// take returns and clears the recorded deliveries.
func (p *fakePublisher) take() []delivery {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.out
	p.out = nil
	return out
}
