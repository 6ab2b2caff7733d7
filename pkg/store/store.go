package store

import (
	"context"
	"time"

	"github.com/gregtusar/rangebreak/pkg/models"
)

// CandidateRepository persists the daily candidate set, keyed by (ticker,
// scan day). Candidates are seeded externally by the scanner; the trader only
// advances their status and fills opening ranges, always against one day's
// row.
type CandidateRepository interface {
	Save(ctx context.Context, c *models.Candidate) error
	GetTradeable(ctx context.Context, day time.Time) ([]models.Candidate, error)
	GetNeedingRanges(ctx context.Context, day time.Time) ([]models.Candidate, error)
	UpdateStatus(ctx context.Context, ticker string, day time.Time, status models.CandidateStatus) error
	SaveOpeningRange(ctx context.Context, ticker string, day time.Time, high, low float64) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PositionRepository persists positions created by the trader.
type PositionRepository interface {
	Save(ctx context.Context, p *models.Position) error
	Update(ctx context.Context, p *models.Position) error
	GetOpen(ctx context.Context) ([]models.Position, error)
}
