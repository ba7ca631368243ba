package member

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
	"teamclock/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return ErrNotFound when the requested member does not exist
// - Return ErrAlreadyUsed when the creator already owns an active, non-exempt member
// - Return nil for successful operations

// InMemory stores members in a map for tests and single-instance dev runs.
// The quota check and the insert happen under one lock.
type InMemory struct {
	mu      sync.RWMutex
	members map[domain.MemberID]*models.TeamMember
}

// NewInMemory constructs an empty in-memory member store.
func NewInMemory() *InMemory {
	return &InMemory{
		members: make(map[domain.MemberID]*models.TeamMember),
	}
}

// List returns a snapshot ordered by creation time.
func (s *InMemory) List(_ context.Context) ([]*models.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TeamMember, 0, len(s.members))
	for _, m := range s.members {
		cp := *m
		out = append(out, &cp)
	}
	SortByCreation(out)
	return out, nil
}

func (s *InMemory) FindByID(_ context.Context, memberID domain.MemberID) (*models.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberID]
	if !ok {
		return nil, fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

// CreateIfQuotaAvailable inserts m unless its creator already owns an
// active, non-exempt member.
func (s *InMemory) CreateIfQuotaAvailable(_ context.Context, m *models.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[m.ID]; exists {
		return fmt.Errorf("member %s already exists", m.ID)
	}
	if m.CountsTowardQuota() {
		for _, existing := range s.members {
			if existing.CountsTowardQuota() && existing.CreatedBy == m.CreatedBy {
				return fmt.Errorf("creator already owns an active member: %w", sentinel.ErrAlreadyUsed)
			}
		}
	}

	cp := *m
	s.members[m.ID] = &cp
	return nil
}

func (s *InMemory) Delete(_ context.Context, memberID domain.MemberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[memberID]; !ok {
		return fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
	}
	delete(s.members, memberID)
	return nil
}

func (s *InMemory) CountActiveByCreator(_ context.Context, userID domain.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.members {
		if m.CountsTowardQuota() && m.IsCreatedBy(userID) {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members), nil
}

func (s *InMemory) Ping(_ context.Context) error {
	return nil
}

// SortByCreation orders members by CreatedAt, breaking ties by ID so the
// listing is stable across backends.
func SortByCreation(members []*models.TeamMember) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
