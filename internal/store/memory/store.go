// Package memory is an in-process schedule store.
//
// It gives the same single-record compare-and-set guarantees as the Postgres
// store and orders the due index the same way, which makes it the store of
// choice for tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djlord-it/surveycron/internal/domain"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]domain.ScheduleRecord
}

func New() *Store {
	return &Store{records: make(map[string]domain.ScheduleRecord)}
}

// Insert stores a new record. Returns domain.ErrConflict if the id exists.
func (s *Store) Insert(ctx context.Context, rec domain.ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return domain.ErrConflict
	}
	rec.Version = 1
	s.records[rec.ID] = rec
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ScheduleRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// QueryDue returns active records with NextExecution <= before, ordered by
// the due index (next execution, then id).
func (s *Store) QueryDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleRecord, error) {
	lower, upper := domain.DueKeyLowerBound(), domain.DueKeyUpperBound(before)

	s.mu.RLock()
	type keyed struct {
		key string
		rec domain.ScheduleRecord
	}
	var matches []keyed
	for _, rec := range s.records {
		key := rec.SortKeys().Due
		if key >= lower && key <= upper {
			matches = append(matches, keyed{key: key, rec: rec})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].key < matches[j].key })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	result := make([]domain.ScheduleRecord, len(matches))
	for i, m := range matches {
		result[i] = m.rec
	}
	return result, nil
}

// ConditionalUpdate atomically applies mutate if cond holds for the stored record.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, cond domain.Precondition, mutate domain.Mutation) (domain.ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return domain.ScheduleRecord{}, domain.ErrNotFound
	}
	if !cond(current) {
		return domain.ScheduleRecord{}, domain.ErrConflict
	}

	next := current
	mutate(&next)
	next.ID = current.ID
	next.Version = current.Version + 1
	s.records[id] = next
	return next, nil
}

// ListByProject walks the project index.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.scanPrefix(projectID+"#", func(k domain.SortKeys) string { return k.Project }, limit), nil
}

// ListByStrategyPatient walks the administrative index.
func (s *Store) ListByStrategyPatient(ctx context.Context, strategyID, patientID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.scanPrefix(strategyID+"#"+patientID+"#", func(k domain.SortKeys) string { return k.Admin }, limit), nil
}

// ListExpiredLeases returns records whose lease expired before olderThan.
func (s *Store) ListExpiredLeases(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRecord, error) {
	s.mu.RLock()
	var result []domain.ScheduleRecord
	for _, rec := range s.records {
		if rec.LeaseHolder != "" && rec.LeaseExpiresAt.Before(olderThan) {
			result = append(result, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LeaseExpiresAt.Equal(result[j].LeaseExpiresAt) {
			return result[i].LeaseExpiresAt.Before(result[j].LeaseExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) scanPrefix(prefix string, key func(domain.SortKeys) string, limit int) []domain.ScheduleRecord {
	s.mu.RLock()
	type keyed struct {
		key string
		rec domain.ScheduleRecord
	}
	var matches []keyed
	for _, rec := range s.records {
		k := key(rec.SortKeys())
		if strings.HasPrefix(k, prefix) {
			matches = append(matches, keyed{key: k, rec: rec})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].key < matches[j].key })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	result := make([]domain.ScheduleRecord, len(matches))
	for i, m := range matches {
		result[i] = m.rec
	}
	return result
}
