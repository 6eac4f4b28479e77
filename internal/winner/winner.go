// Package winner selects the winning guess of an ended meeting.
package winner

import (
	"strconv"
	"strings"

	"github.com/victornm/meetbet/internal/domain"
)

// Palette holds the colour tokens assigned to members by join position.
var Palette = []string{
	"#1976d2",
	"#e53935",
	"#43a047",
	"#fbc02d",
	"#8e24aa",
	"#00897b",
	"#6d4c41",
}

// Candidate is a parsed guess eligible for resolution.
type Candidate struct {
	ConnID string
	Name   string
	Minute int
	Color  string
	Stake  string
}

// Resolve returns the candidate with the largest minute not greater than
// elapsed. Candidates must be given in join order: on equal minutes the first
// one wins. It returns nil when no candidate qualifies.
func Resolve(elapsed int64, candidates []Candidate) *domain.Winner {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if int64(c.Minute) > elapsed {
			continue
		}
		if best == nil || c.Minute > best.Minute {
			best = c
		}
	}

	if best == nil {
		return nil
	}

	return &domain.Winner{
		Name:   best.Name,
		Minute: best.Minute,
		Color:  best.Color,
		Stake:  best.Stake,
	}
}

// Candidates extracts the members of s that submitted a parseable guess, in
// join order. Guesses whose value is not an integer are left out.
func Candidates(s domain.Snapshot) []Candidate {
	var cs []Candidate
	for i, conn := range s.MemberOrder {
		g, ok := s.Guesses[conn]
		if !ok {
			continue
		}

		minute, ok := ParseMinute(g.Value)
		if !ok {
			continue
		}

		cs = append(cs, Candidate{
			ConnID: conn,
			Name:   s.Members[conn],
			Minute: minute,
			Color:  Color(i),
			Stake:  g.Stake,
		})
	}

	return cs
}

// FromSnapshot resolves the winner for the guesses held in s.
func FromSnapshot(s domain.Snapshot, elapsed int64) *domain.Winner {
	return Resolve(elapsed, Candidates(s))
}

// ParseMinute parses a guess value. Empty and non-integer values fail.
func ParseMinute(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Color returns the palette token for a join position.
func Color(pos int) string {
	if pos < 0 {
		pos = -pos
	}
	return Palette[pos%len(Palette)]
}
