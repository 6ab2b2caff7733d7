package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/gregtusar/rangebreak/pkg/models"
)

// PostgresStore backs both repositories with one Postgres connection pool.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.AutoMigrate(&models.Candidate{}, &models.Position{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, c *models.Candidate) error {
	// scan_date is half of the primary key and every query compares it by
	// calendar day, so it is stored normalized.
	c.ScanDate = dateOnly(c.ScanDate)
	return s.db.WithContext(ctx).Save(c).Error
}

var activeStatuses = []models.CandidateStatus{
	models.StatusWatching, models.StatusTracking, models.StatusBreakout,
}

func (s *PostgresStore) GetTradeable(ctx context.Context, day time.Time) ([]models.Candidate, error) {
	var out []models.Candidate
	err := s.db.WithContext(ctx).
		Where("scan_date = ? AND status IN ?", dateOnly(day), activeStatuses).
		Order("ticker").
		Find(&out).Error
	return out, err
}

func (s *PostgresStore) GetNeedingRanges(ctx context.Context, day time.Time) ([]models.Candidate, error) {
	var out []models.Candidate
	err := s.db.WithContext(ctx).
		Where("scan_date = ? AND status = ? AND (opening_high <= 0 OR opening_low <= 0)",
			dateOnly(day), models.StatusWatching).
		Order("ticker").
		Find(&out).Error
	return out, err
}

// UpdateStatus advances one day's candidate row. The row is locked and run
// through Candidate.Advance so a backward transition fails instead of
// overwriting.
func (s *PostgresStore) UpdateStatus(ctx context.Context, ticker string, day time.Time, status models.CandidateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid candidate status %q", status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Candidate
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ticker = ? AND scan_date = ?", ticker, dateOnly(day)).
			First(&c).Error
		if err != nil {
			return fmt.Errorf("candidate %s not found: %w", ticker, err)
		}
		if err := c.Advance(status); err != nil {
			return err
		}
		return tx.Model(&models.Candidate{}).
			Where("ticker = ? AND scan_date = ?", ticker, dateOnly(day)).
			Update("status", c.Status).Error
	})
}

func (s *PostgresStore) SaveOpeningRange(ctx context.Context, ticker string, day time.Time, high, low float64) error {
	return s.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("ticker = ? AND scan_date = ?", ticker, dateOnly(day)).
		Updates(map[string]interface{}{"opening_high": high, "opening_low": low}).Error
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("scan_date < ?", dateOnly(before)).
		Delete(&models.Candidate{})
	return res.RowsAffected, res.Error
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *models.Position) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *PostgresStore) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	err := s.db.WithContext(ctx).
		Where("status = ?", models.PositionOpen).
		Order("ticker").
		Find(&out).Error
	return out, err
}

// Positions adapts the store to the PositionRepository interface.
func (s *PostgresStore) Positions() PositionRepository {
	return &pgPositions{s: s}
}

type pgPositions struct {
	s *PostgresStore
}

func (p *pgPositions) Save(ctx context.Context, pos *models.Position) error {
	return p.s.SavePosition(ctx, pos)
}

func (p *pgPositions) Update(ctx context.Context, pos *models.Position) error {
	return p.s.UpdatePosition(ctx, pos)
}

func (p *pgPositions) GetOpen(ctx context.Context) ([]models.Position, error) {
	return p.s.GetOpenPositions(ctx)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
