package models

import (
	"fmt"
	"time"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type Position struct {
	ID          uint   `gorm:"primaryKey"`
	Ticker      string `gorm:"size:16;index"`
	Quantity    int64
	EntryPrice  float64
	StopLoss    float64
	EntryDate   time.Time
	Status      PositionStatus `gorm:"size:8"`
	ExitPrice   *float64
	ExitDate    *time.Time
	PartialDone bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// DaysHeld counts calendar days since entry.
func (p *Position) DaysHeld(now time.Time) int {
	return int(now.Sub(p.EntryDate).Hours() / 24)
}

// Close marks the position closed at the given fill. A closed position is
// immutable; closing twice is an error.
func (p *Position) Close(fillPrice float64, at time.Time) error {
	if p.Status == PositionClosed {
		return fmt.Errorf("position %s already closed", p.Ticker)
	}
	p.Status = PositionClosed
	p.ExitPrice = &fillPrice
	p.ExitDate = &at
	return nil
}

// PnL returns realized profit for the given fill against remaining quantity.
func (p *Position) PnL(fillPrice float64) float64 {
	return (fillPrice - p.EntryPrice) * float64(p.Quantity)
}
