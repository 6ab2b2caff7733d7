package models

import (
	"fmt"
	"time"
)

type CandidateStatus string

const (
	StatusWatching CandidateStatus = "watching"
	StatusTracking CandidateStatus = "or_tracking"
	StatusBreakout CandidateStatus = "orh_breakout"
	StatusEntered  CandidateStatus = "entered"
	StatusClosed   CandidateStatus = "closed"
)

// statusRank orders the candidate lifecycle. Transitions only move forward.
var statusRank = map[CandidateStatus]int{
	StatusWatching: 0,
	StatusTracking: 1,
	StatusBreakout: 2,
	StatusEntered:  3,
	StatusClosed:   4,
}

func (s CandidateStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s CandidateStatus) CanAdvanceTo(next CandidateStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

type Candidate struct {
	Ticker      string          `gorm:"primaryKey;size:16"`
	ScanDate    time.Time       `gorm:"primaryKey"`
	Status      CandidateStatus `gorm:"size:16"`
	GapPercent  float64
	OpeningHigh float64
	OpeningLow  float64
	ContractID  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasRange reports whether the opening range has been committed.
func (c *Candidate) HasRange() bool {
	return c.OpeningHigh > 0 && c.OpeningLow > 0
}

// Advance moves the candidate to next, rejecting backward transitions.
func (c *Candidate) Advance(next CandidateStatus) error {
	if !c.Status.CanAdvanceTo(next) {
		return fmt.Errorf("candidate %s: cannot transition %s -> %s", c.Ticker, c.Status, next)
	}
	c.Status = next
	return nil
}
