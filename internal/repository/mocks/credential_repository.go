// Package mocks provides in-memory repository implementations for tests and
// for running without a database.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/repository"
)

type UpsertStatusCall struct {
	Slot   int
	Update credential.Update
}

type MockCredentialStatusRepository struct {
	mu                 sync.Mutex
	Statuses           map[int]*credential.Status
	GetStatusCalls     []int
	UpsertStatusCalls  []UpsertStatusCall
	ListStatusesCalls  int
	ResetStatusesCalls int
	GetStatusError     error
	UpsertStatusError  error
	ListStatusesError  error
	ResetStatusesError error
	Now                func() time.Time
}

func NewMockCredentialStatusRepository() *MockCredentialStatusRepository {
	return &MockCredentialStatusRepository{
		Statuses: make(map[int]*credential.Status),
		Now:      time.Now,
	}
}

func (m *MockCredentialStatusRepository) GetStatus(ctx context.Context, slot int) (*credential.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetStatusCalls = append(m.GetStatusCalls, slot)

	if m.GetStatusError != nil {
		return nil, m.GetStatusError
	}

	s, exists := m.Statuses[slot]
	if !exists {
		return nil, fmt.Errorf("credential slot %d: %w", slot, repository.ErrNotFound)
	}

	statusCopy := *s
	return &statusCopy, nil
}

func (m *MockCredentialStatusRepository) UpsertStatus(ctx context.Context, slot int, u credential.Update) (*credential.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertStatusCalls = append(m.UpsertStatusCalls, UpsertStatusCall{Slot: slot, Update: u})

	if m.UpsertStatusError != nil {
		return nil, m.UpsertStatusError
	}

	s, exists := m.Statuses[slot]
	if !exists {
		s = credential.NewStatus(slot)
		m.Statuses[slot] = s
	}
	s.Apply(u, m.Now())

	statusCopy := *s
	s.Transition = credential.TransitionNone
	return &statusCopy, nil
}

func (m *MockCredentialStatusRepository) ListStatuses(ctx context.Context) ([]*credential.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListStatusesCalls++

	if m.ListStatusesError != nil {
		return nil, m.ListStatusesError
	}

	statuses := make([]*credential.Status, 0, len(m.Statuses))
	for _, s := range m.Statuses {
		statusCopy := *s
		statuses = append(statuses, &statusCopy)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Slot < statuses[j].Slot })

	return statuses, nil
}

func (m *MockCredentialStatusRepository) ResetStatuses(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResetStatusesCalls++

	if m.ResetStatusesError != nil {
		return m.ResetStatusesError
	}

	for _, s := range m.Statuses {
		s.Apply(credential.Initial(), m.Now())
	}

	return nil
}

// Set stores a status as-is, bypassing call recording.
func (m *MockCredentialStatusRepository) Set(s credential.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Statuses[s.Slot] = &s
}

func (m *MockCredentialStatusRepository) Status(slot int) (credential.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.Statuses[slot]
	if !exists {
		return credential.Status{}, false
	}

	return *s, true
}

func (m *MockCredentialStatusRepository) GetUpsertStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpsertStatusCalls)
}
