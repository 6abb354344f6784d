package report

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*Report
	jobs    map[string]*TranscriptionJob
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]*Report),
		jobs:    make(map[string]*TranscriptionJob),
		now:     time.Now,
	}
}

// SetClockForTests overrides the time source used by Stats.
func (s *MemoryStore) SetClockForTests(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *MemoryStore) CreateReport(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return ErrConflict
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateReport(_ context.Context, r *Report, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reports[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	r.Version = expectedVersion + 1
	r.UpdatedAt = s.now().UTC()
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteReport(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return ErrNotFound
	}
	delete(s.reports, id)
	return nil
}

func (s *MemoryStore) ListReports(_ context.Context, f Filter) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Report
	for _, r := range s.reports {
		if f.PrincipalID != "" && r.PrincipalID != f.PrincipalID {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	// Newest first; ULIDs sort lexically by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, principalID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := now.Add(-7 * 24 * time.Hour)

	stats := Stats{
		ByState: make(map[State]int64),
		ByKind:  make(map[Kind]int64),
	}
	for _, r := range s.reports {
		if principalID != "" && r.PrincipalID != principalID {
			continue
		}
		stats.Total++
		stats.ByState[r.State]++
		stats.ByKind[r.Kind]++
		if r.ReviewedAt != nil {
			stats.Reviewed++
		}
		if !r.CreatedAt.Before(dayStart) {
			stats.Today++
		}
		if !r.CreatedAt.Before(weekStart) {
			stats.ThisWeek++
		}
	}
	return stats, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, j *TranscriptionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrConflict
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, j *TranscriptionJob, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	j.Version = expectedVersion + 1
	j.UpdatedAt = s.now().UTC()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
