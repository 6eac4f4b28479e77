// Package meeting implements the idle/running/ended lifecycle of a meeting.
//
// Elapsed time is never ticked or stored while a meeting runs. It is derived
// on demand from the start anchor, so the derivation is idempotent and
// unaffected by pauses of the process.
package meeting

import (
	"errors"
	"time"

	"github.com/victornm/meetbet/internal/domain"
)

// DefaultUnit is the length of one elapsed step.
const DefaultUnit = time.Second

var ErrNotRunning = errors.New("meeting: not running")

// PhaseOf derives the phase of m. A nil record is idle.
func PhaseOf(m *domain.Meeting) domain.Phase {
	switch {
	case m == nil:
		return domain.PhaseIdle
	case m.Running:
		return domain.PhaseRunning
	case m.Ended:
		return domain.PhaseEnded
	default:
		return domain.PhaseIdle
	}
}

// Start returns a fresh running record anchored at now. It replaces whatever
// record existed before, so starting is allowed from every phase.
func Start(now time.Time) *domain.Meeting {
	return &domain.Meeting{
		Running:   true,
		StartedAt: &now,
	}
}

// End finalizes a running meeting with the given elapsed time and winner.
func End(m *domain.Meeting, elapsed int64, w *domain.Winner) error {
	if PhaseOf(m) != domain.PhaseRunning {
		return ErrNotRunning
	}

	m.Running = false
	m.Ended = true
	m.LastKnownElapsed = elapsed
	m.Winner = w
	return nil
}

// Elapsed returns the number of whole units since the meeting started when it
// is running, and the stored final value otherwise.
func Elapsed(m *domain.Meeting, now time.Time, unit time.Duration) int64 {
	if m == nil {
		return 0
	}
	if !m.Running || m.StartedAt == nil {
		return m.LastKnownElapsed
	}
	return Since(*m.StartedAt, now, unit)
}

// Since returns floor((now - anchor) / unit), clamped at zero.
func Since(anchor, now time.Time, unit time.Duration) int64 {
	if unit <= 0 {
		unit = DefaultUnit
	}

	d := now.Sub(anchor)
	if d < 0 {
		return 0
	}
	return int64(d / unit)
}
