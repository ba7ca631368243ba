package blob

import (
	"context"
	"fmt"

	"teamclock/internal/registry/models"
	"teamclock/internal/registry/policy"
	"teamclock/internal/registry/store/member"
	"teamclock/pkg/domain"
	"teamclock/pkg/platform/sentinel"
)

// Store adapts a Document to the member store contract. Each mutation is a
// single read-modify-write against one snapshot: the quota check and the
// write see the same version, and Save rejects the write if anything changed
// in between.
type Store struct {
	doc Document
}

func New(doc Document) *Store {
	return &Store{doc: doc}
}

func (s *Store) List(ctx context.Context) ([]*models.TeamMember, error) {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	member.SortByCreation(snap.Members)
	return snap.Members, nil
}

func (s *Store) FindByID(ctx context.Context, memberID domain.MemberID) (*models.TeamMember, error) {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range snap.Members {
		if m.ID == memberID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
}

// CreateIfQuotaAvailable appends m unless its creator already owns an active,
// non-exempt member in the loaded snapshot. Returns sentinel.ErrConflict when
// another writer saved first; the caller should retry.
func (s *Store) CreateIfQuotaAvailable(ctx context.Context, m *models.TeamMember) error {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return err
	}
	for _, existing := range snap.Members {
		if existing.ID == m.ID {
			return fmt.Errorf("member %s already exists", m.ID)
		}
		if m.CountsTowardQuota() && existing.CountsTowardQuota() && existing.CreatedBy == m.CreatedBy {
			return fmt.Errorf("creator already owns an active member: %w", sentinel.ErrAlreadyUsed)
		}
	}

	cp := *m
	members := append(snap.Members, &cp)
	return s.doc.Save(ctx, snap.Version, members)
}

// Delete removes the member with memberID. Returns sentinel.ErrConflict when
// another writer saved first.
func (s *Store) Delete(ctx context.Context, memberID domain.MemberID) error {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return err
	}
	kept := make([]*models.TeamMember, 0, len(snap.Members))
	found := false
	for _, m := range snap.Members {
		if m.ID == memberID {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
	}
	return s.doc.Save(ctx, snap.Version, kept)
}

func (s *Store) CountActiveByCreator(ctx context.Context, userID domain.UserID) (int, error) {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return 0, err
	}
	return policy.ActiveCount(snap.Members, userID), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	snap, err := s.doc.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(snap.Members), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.doc.Ping(ctx)
}
