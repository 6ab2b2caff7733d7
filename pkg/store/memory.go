package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/rangebreak/pkg/models"
)

// MemoryStore is an in-memory implementation of both repositories, used in
// paper mode when no database is configured and throughout the tests.
// Candidates are keyed by (ticker, scan day), matching the database schema:
// the same ticker scanned on two days holds two independent rows.
type MemoryStore struct {
	mu         sync.RWMutex
	candidates map[string]*models.Candidate
	positions  []*models.Position
	nextID     uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]*models.Candidate),
		nextID:     1,
	}
}

func candidateKey(ticker string, day time.Time) string {
	return ticker + "|" + startOfDay(day).Format("2006-01-02")
}

func (s *MemoryStore) Save(ctx context.Context, c *models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.candidates[candidateKey(c.Ticker, c.ScanDate)] = &cp
	return nil
}

func (s *MemoryStore) GetTradeable(ctx context.Context, day time.Time) ([]models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Candidate
	for _, c := range s.candidates {
		if sameDay(c.ScanDate, day) && isActive(c.Status) {
			out = append(out, *c)
		}
	}
	sortByTicker(out)
	return out, nil
}

func (s *MemoryStore) GetNeedingRanges(ctx context.Context, day time.Time) ([]models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Candidate
	for _, c := range s.candidates {
		if sameDay(c.ScanDate, day) && c.Status == models.StatusWatching && !c.HasRange() {
			out = append(out, *c)
		}
	}
	sortByTicker(out)
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, ticker string, day time.Time, status models.CandidateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid candidate status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[candidateKey(ticker, day)]
	if !ok {
		return fmt.Errorf("candidate %s not found", ticker)
	}
	return c.Advance(status)
}

func (s *MemoryStore) SaveOpeningRange(ctx context.Context, ticker string, day time.Time, high, low float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[candidateKey(ticker, day)]
	if !ok {
		return fmt.Errorf("candidate %s not found", ticker)
	}
	c.OpeningHigh = high
	c.OpeningLow = low
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, c := range s.candidates {
		if c.ScanDate.Before(startOfDay(before)) {
			delete(s.candidates, key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	}
	cp := *p
	s.positions = append(s.positions, &cp)
	return nil
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.positions {
		if existing.ID == p.ID {
			cp := *p
			s.positions[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("position %d not found", p.ID)
}

func (s *MemoryStore) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Positions adapts the store to the PositionRepository interface.
func (s *MemoryStore) Positions() PositionRepository {
	return &memPositions{s: s}
}

type memPositions struct {
	s *MemoryStore
}

func (p *memPositions) Save(ctx context.Context, pos *models.Position) error {
	return p.s.SavePosition(ctx, pos)
}

func (p *memPositions) Update(ctx context.Context, pos *models.Position) error {
	return p.s.UpdatePosition(ctx, pos)
}

func (p *memPositions) GetOpen(ctx context.Context) ([]models.Position, error) {
	return p.s.GetOpenPositions(ctx)
}

func isActive(status models.CandidateStatus) bool {
	switch status {
	case models.StatusWatching, models.StatusTracking, models.StatusBreakout:
		return true
	}
	return false
}

func sameDay(a, b time.Time) bool {
	return startOfDay(a).Equal(startOfDay(b))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sortByTicker(cs []models.Candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Ticker < cs[j].Ticker })
}
