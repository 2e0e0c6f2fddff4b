// Package directory holds the read-only views of patients, frequencies and
// projects that a firing needs. The durable implementation lives in
// store/postgres; Static is an in-memory one for tests and local runs.
package directory

import (
	"context"
	"sync"

	"github.com/djlord-it/surveycron/internal/domain"
)

type PatientReader interface {
	ReadPatient(ctx context.Context, projectID, patientID string) (domain.Patient, error)
}

type FrequencyReader interface {
	ReadFrequency(ctx context.Context, strategyID, frequencyID string) (domain.Frequency, error)
}

type ProjectReader interface {
	ReadProject(ctx context.Context, projectID string) (domain.Project, error)
}

// Reader is everything the executor looks up before sending.
type Reader interface {
	PatientReader
	FrequencyReader
	ProjectReader
}

// Static is a Reader backed by maps. Missing entries return domain.ErrNotFound.
type Static struct {
	mu          sync.RWMutex
	patients    map[string]domain.Patient
	frequencies map[string]domain.Frequency
	projects    map[string]domain.Project
}

func NewStatic() *Static {
	return &Static{
		patients:    make(map[string]domain.Patient),
		frequencies: make(map[string]domain.Frequency),
		projects:    make(map[string]domain.Project),
	}
}

func (s *Static) PutPatient(p domain.Patient) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ProjectID+"/"+p.ID] = p
	return s
}

func (s *Static) PutFrequency(f domain.Frequency) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frequencies[f.StrategyID+"/"+f.ID] = f
	return s
}

func (s *Static) PutProject(p domain.Project) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return s
}

func (s *Static) ReadPatient(_ context.Context, projectID, patientID string) (domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[projectID+"/"+patientID]
	if !ok {
		return domain.Patient{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Static) ReadFrequency(_ context.Context, strategyID, frequencyID string) (domain.Frequency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frequencies[strategyID+"/"+frequencyID]
	if !ok {
		return domain.Frequency{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *Static) ReadProject(_ context.Context, projectID string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}
