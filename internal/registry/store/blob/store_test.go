package blob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
	"teamclock/pkg/platform/sentinel"
)

type BlobStoreSuite struct {
	suite.Suite
	doc   *MemoryDocument
	store *Store
	ctx   context.Context
}

func TestBlobStoreSuite(t *testing.T) {
	suite.Run(t, new(BlobStoreSuite))
}

func (s *BlobStoreSuite) SetupTest() {
	s.doc = NewMemoryDocument()
	s.store = New(s.doc)
	s.ctx = context.Background()
}

func newMember(createdBy domain.UserID, status models.MemberStatus) *models.TeamMember {
	return &models.TeamMember{
		ID:        domain.NewMemberID(),
		Name:      "Blob Member",
		Location:  "Oslo",
		Timezone:  "Europe/Oslo",
		Flag:      models.DefaultFlag,
		CreatedBy: createdBy,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Document Versioning
// =============================================================================

func (s *BlobStoreSuite) TestDocumentVersioning() {
	s.Run("fresh document is at version zero", func() {
		snap, err := s.doc.Load(s.ctx)
		s.Require().NoError(err)
		s.Equal(int64(0), snap.Version)
		s.Empty(snap.Members)
	})

	s.Run("save bumps the version", func() {
		s.Require().NoError(s.doc.Save(s.ctx, 0, []*models.TeamMember{newMember("", models.MemberStatusPending)}))
		snap, err := s.doc.Load(s.ctx)
		s.Require().NoError(err)
		s.Equal(int64(1), snap.Version)
		s.Len(snap.Members, 1)
	})

	s.Run("stale save is rejected and writes nothing", func() {
		err := s.doc.Save(s.ctx, 0, nil)
		s.ErrorIs(err, sentinel.ErrConflict)

		snap, err := s.doc.Load(s.ctx)
		s.Require().NoError(err)
		s.Equal(int64(1), snap.Version)
		s.Len(snap.Members, 1)
	})
}

// TestLostUpdateDetected reproduces two writers that read the same snapshot.
// Both pass the in-memory quota check; only the first save lands.
func (s *BlobStoreSuite) TestLostUpdateDetected() {
	first, err := s.doc.Load(s.ctx)
	s.Require().NoError(err)
	second, err := s.doc.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(first.Version, second.Version)

	a := newMember("alice", models.MemberStatusActive)
	b := newMember("alice", models.MemberStatusActive)

	s.Require().NoError(s.doc.Save(s.ctx, first.Version, append(first.Members, a)))
	err = s.doc.Save(s.ctx, second.Version, append(second.Members, b))
	s.ErrorIs(err, sentinel.ErrConflict)

	list, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(a.ID, list[0].ID)
}

// =============================================================================
// Store Contract
// =============================================================================

func (s *BlobStoreSuite) TestCreateAndFind() {
	m := newMember("u-1", models.MemberStatusActive)
	s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, m))

	found, err := s.store.FindByID(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(m.Name, found.Name)

	_, err = s.store.FindByID(s.ctx, domain.NewMemberID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *BlobStoreSuite) TestQuota() {
	s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, newMember("alice", models.MemberStatusActive)))
	s.ErrorIs(s.store.CreateIfQuotaAvailable(s.ctx, newMember("alice", models.MemberStatusActive)), sentinel.ErrAlreadyUsed)

	exempt := newMember("admin", models.MemberStatusActive)
	exempt.QuotaExempt = true
	s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, exempt))
	exempt2 := newMember("admin", models.MemberStatusActive)
	exempt2.QuotaExempt = true
	s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, exempt2))

	count, err := s.store.CountActiveByCreator(s.ctx, "admin")
	s.Require().NoError(err)
	s.Zero(count, "exempt records never count toward the quota")
}

func (s *BlobStoreSuite) TestDelete() {
	m := newMember("u-2", models.MemberStatusActive)
	s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, m))

	s.Require().NoError(s.store.Delete(s.ctx, m.ID))
	s.ErrorIs(s.store.Delete(s.ctx, m.ID), sentinel.ErrNotFound)

	count, err := s.store.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
}

// TestInterleavedCreateConflicts drives the store through a document that
// lets another writer land between Load and Save.
func (s *BlobStoreSuite) TestInterleavedCreateConflicts() {
	doc := &interleavingDocument{MemoryDocument: NewMemoryDocument()}
	store := New(doc)

	doc.before = func() {
		// A competing create lands between this writer's load and save.
		s.Require().NoError(New(doc.MemoryDocument).CreateIfQuotaAvailable(s.ctx, newMember("alice", models.MemberStatusActive)))
	}

	err := store.CreateIfQuotaAvailable(s.ctx, newMember("alice", models.MemberStatusActive))
	s.ErrorIs(err, sentinel.ErrConflict)

	// On retry the fresh snapshot shows the quota is taken.
	err = store.CreateIfQuotaAvailable(s.ctx, newMember("alice", models.MemberStatusActive))
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	count, err := store.CountActiveByCreator(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(1, count)
}

// TestConcurrentCreatesWithRetry verifies that with reload-on-conflict the
// quota holds across many racing writers.
func (s *BlobStoreSuite) TestConcurrentCreatesWithRetry() {
	const goroutines = 30

	var wg sync.WaitGroup
	var successCount, quotaCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newMember("racer", models.MemberStatusActive)
			for {
				err := s.store.CreateIfQuotaAvailable(s.ctx, m)
				if errors.Is(err, sentinel.ErrConflict) {
					continue
				}
				if err == nil {
					successCount.Add(1)
				} else if errors.Is(err, sentinel.ErrAlreadyUsed) {
					quotaCount.Add(1)
				}
				return
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load())
	s.Equal(int32(goroutines-1), quotaCount.Load())
}

type interleavingDocument struct {
	*MemoryDocument
	before func()
}

func (d *interleavingDocument) Save(ctx context.Context, expectedVersion int64, members []*models.TeamMember) error {
	if d.before != nil {
		hook := d.before
		d.before = nil
		hook()
	}
	return d.MemoryDocument.Save(ctx, expectedVersion, members)
}

func TestCodecRoundTrip(t *testing.T) {
	m := newMember("", models.MemberStatusPending)
	m.WorkStart, m.WorkEnd = "08:00", "16:00"

	raw, err := encode(4, []*models.TeamMember{m})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"created_by":null`)

	snap, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	require.Len(t, snap.Members, 1)

	got := snap.Members[0]
	assert.Equal(t, m.ID, got.ID)
	assert.True(t, got.CreatedBy.IsNil())
	assert.Equal(t, "16:00", got.WorkEnd)
	assert.True(t, got.CreatedAt.Equal(m.CreatedAt))
}
