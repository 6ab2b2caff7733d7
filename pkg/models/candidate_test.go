package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateStatusOnlyMovesForward(t *testing.T) {
	c := Candidate{Ticker: "AAPL", ScanDate: time.Now(), Status: StatusWatching}

	require.NoError(t, c.Advance(StatusTracking))
	require.NoError(t, c.Advance(StatusBreakout))
	require.NoError(t, c.Advance(StatusEntered))

	err := c.Advance(StatusWatching)
	require.Error(t, err)
	assert.Equal(t, StatusEntered, c.Status, "failed transition leaves status untouched")

	err = c.Advance(StatusTracking)
	require.Error(t, err)
	assert.Equal(t, StatusEntered, c.Status)

	require.NoError(t, c.Advance(StatusClosed))
	assert.Error(t, c.Advance(StatusBreakout))
}

func TestCandidateAdvanceAllowsSameStatus(t *testing.T) {
	c := Candidate{Ticker: "MSFT", Status: StatusBreakout}
	require.NoError(t, c.Advance(StatusBreakout), "re-asserting the current status is not a regression")
}

func TestCandidateAdvanceRejectsUnknownStatus(t *testing.T) {
	c := Candidate{Ticker: "NVDA", Status: StatusWatching}
	assert.Error(t, c.Advance(CandidateStatus("halted")))
}

func TestCandidateStatusValid(t *testing.T) {
	for _, s := range []CandidateStatus{StatusWatching, StatusTracking, StatusBreakout, StatusEntered, StatusClosed} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, CandidateStatus("").Valid())
	assert.False(t, CandidateStatus("paused").Valid())
}

func TestCandidateHasRange(t *testing.T) {
	c := Candidate{Ticker: "TSLA"}
	assert.False(t, c.HasRange())

	c.OpeningHigh = 250.0
	assert.False(t, c.HasRange(), "high alone is not a range")

	c.OpeningLow = 245.0
	assert.True(t, c.HasRange())
}

func TestPositionCloseIsTerminal(t *testing.T) {
	p := Position{Ticker: "AMD", Quantity: 100, EntryPrice: 10.0, Status: PositionOpen}

	require.NoError(t, p.Close(9.4, time.Now()))
	assert.False(t, p.IsOpen())
	require.NotNil(t, p.ExitPrice)
	assert.Equal(t, 9.4, *p.ExitPrice)

	assert.Error(t, p.Close(9.0, time.Now()), "a closed position is immutable")
	assert.Equal(t, 9.4, *p.ExitPrice)
}

func TestPositionPnL(t *testing.T) {
	p := Position{Quantity: 100, EntryPrice: 10.0}
	assert.InDelta(t, -60.0, p.PnL(9.4), 1e-9)
	assert.InDelta(t, 150.0, p.PnL(11.5), 1e-9)
}
