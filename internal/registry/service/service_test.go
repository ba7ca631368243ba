package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,IdempotencyStore,EventPublisher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"teamclock/internal/registry/events"
	"teamclock/internal/registry/metrics"
	"teamclock/internal/registry/models"
	"teamclock/internal/registry/store/idempotency"
	"teamclock/internal/registry/store/member"
	"teamclock/internal/registry/workstatus"
	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
	"teamclock/pkg/requestcontext"
)

// =============================================================================
// Registry Service Test Suite
// =============================================================================
// Justification for unit tests: the service owns authorization, quota and
// lifecycle rules. These tests run it against the in-memory store so every
// rule is exercised end to end without a database.

var (
	alice = &domain.Principal{ID: "alice", Email: "alice@example.com", Role: domain.RoleUser}
	bob   = &domain.Principal{ID: "bob", Email: "bob@example.com", Role: domain.RoleUser}
	admin = &domain.Principal{ID: "root", Email: "root@example.com", Role: domain.RoleAdmin}
)

type RegistryServiceSuite struct {
	suite.Suite
	store     *member.InMemory
	clock     *clockwork.FakeClock
	metrics   *metrics.Metrics
	publisher *recordingPublisher
	logs      *bytes.Buffer
	service   *Service
	ctx       context.Context
}

func TestRegistryServiceSuite(t *testing.T) {
	suite.Run(t, new(RegistryServiceSuite))
}

func (s *RegistryServiceSuite) SetupTest() {
	s.store = member.NewInMemory()
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.publisher = &recordingPublisher{}
	s.logs = &bytes.Buffer{}
	s.ctx = requestcontext.WithRequestID(context.Background(), "req-1")

	svc, err := New(s.store,
		WithLogger(slog.New(slog.NewJSONHandler(s.logs, nil))),
		WithClock(s.clock),
		WithMetrics(s.metrics),
		WithEventPublisher(s.publisher),
		WithIdempotency(idempotency.NewInMemory(s.clock), time.Hour),
		WithRetries(2, time.Millisecond),
	)
	s.Require().NoError(err)
	s.service = svc
}

func input(name, timezone string) models.MemberInput {
	return models.MemberInput{
		Name:     name,
		Location: "Somewhere",
		Timezone: timezone,
	}
}

func (s *RegistryServiceSuite) create(principal *domain.Principal, in models.MemberInput) *CreateResult {
	res, err := s.service.Create(s.ctx, principal, CreateRequest{Input: in})
	s.Require().NoError(err)
	return res
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *RegistryServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "member store is required")
	})

	s.Run("defaults are applied", func() {
		svc, err := New(s.store)
		s.Require().NoError(err)
		s.Equal(DefaultStorageTimeout, svc.storageTimeout)
		s.Equal(uint64(DefaultStorageRetries), svc.maxRetries)
		s.Equal(DefaultIdempotencyTTL, svc.idempotencyTTL)
		s.IsType(events.Noop{}, svc.publisher)
		s.False(svc.requireAuth)
	})

	s.Run("nil options fall back to defaults", func() {
		svc, err := New(s.store, WithLogger(nil), WithClock(nil), WithEventPublisher(nil))
		s.Require().NoError(err)
		s.NotNil(svc.logger)
		s.NotNil(svc.clock)
		s.NotNil(svc.publisher)
	})
}

// =============================================================================
// Create
// =============================================================================

func (s *RegistryServiceSuite) TestCreate() {
	s.Run("authenticated caller gets an active record they own", func() {
		res := s.create(alice, input("Alice", "Europe/Lisbon"))

		s.False(res.Replayed)
		s.Equal(models.MemberStatusActive, res.Member.Status)
		s.Equal(domain.UserID("alice"), res.Member.CreatedBy)
		s.Equal(models.DefaultFlag, res.Member.Flag)
		s.True(res.Member.CreatedAt.Equal(s.clock.Now()))
		s.Equal(workstatus.Working, res.Member.WorkingStatus)
	})

	s.Run("anonymous caller gets a pending record with no creator", func() {
		res := s.create(nil, input("Visitor", "Asia/Tokyo"))

		s.Equal(models.MemberStatusPending, res.Member.Status)
		s.True(res.Member.CreatedBy.IsNil())
	})

	s.Run("anonymous records never count toward anyone's quota", func() {
		s.create(nil, input("Visitor 2", "Asia/Tokyo"))
		s.create(nil, input("Visitor 3", "Asia/Tokyo"))
	})

	s.Run("input is trimmed before it is stored", func() {
		res := s.create(bob, models.MemberInput{
			Name:      "  Bob  ",
			Location:  " Berlin ",
			Timezone:  " Europe/Berlin ",
			Flag:      " 🇩🇪 ",
			WorkStart: "08:00",
			WorkEnd:   "16:00",
		})
		s.Equal("Bob", res.Member.Name)
		s.Equal("Berlin", res.Member.Location)
		s.Equal("Europe/Berlin", res.Member.Timezone)
		s.Equal("🇩🇪", res.Member.Flag)
		s.Equal("16:00", res.Member.WorkEnd)
	})

	s.Equal(float64(2), testutil.ToFloat64(s.metrics.MembersCreated.WithLabelValues("active")))
	s.Equal(float64(3), testutil.ToFloat64(s.metrics.MembersCreated.WithLabelValues("pending")))
}

func (s *RegistryServiceSuite) TestCreateValidation() {
	cases := []struct {
		name string
		in   models.MemberInput
		msg  string
	}{
		{"missing name", models.MemberInput{Location: "X", Timezone: "UTC"}, "name is required"},
		{"blank name", models.MemberInput{Name: "   ", Location: "X", Timezone: "UTC"}, "name is required"},
		{"missing location", models.MemberInput{Name: "N", Timezone: "UTC"}, "location is required"},
		{"unknown zone", models.MemberInput{Name: "N", Location: "X", Timezone: "Mars/Olympus"}, "valid IANA zone"},
		{"half window", models.MemberInput{Name: "N", Location: "X", Timezone: "UTC", WorkStart: "09:00"}, "set together"},
		{"malformed window", models.MemberInput{Name: "N", Location: "X", Timezone: "UTC", WorkStart: "9am", WorkEnd: "17:00"}, "HH:mm"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.Create(s.ctx, alice, CreateRequest{Input: tc.in})
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
			s.Contains(dErrors.MessageOf(err), tc.msg)
		})
	}

	count, err := s.store.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(count, "rejected input must not be stored")
}

func (s *RegistryServiceSuite) TestQuota() {
	s.Run("second active record for the same user is a conflict", func() {
		s.create(alice, input("Alice", "Europe/Lisbon"))

		_, err := s.service.Create(s.ctx, alice, CreateRequest{Input: input("Alice again", "Europe/Lisbon")})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Equal("quota exceeded", dErrors.MessageOf(err))

		count, err := s.store.CountActiveByCreator(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal(1, count)
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.CreatesDenied.WithLabelValues("quota exceeded")))
	})

	s.Run("other users are unaffected", func() {
		s.create(bob, input("Bob", "Europe/Berlin"))
	})

	s.Run("deleting the record frees the slot", func() {
		list, err := s.service.List(s.ctx, alice)
		s.Require().NoError(err)
		for _, v := range list {
			if v.CreatedBy == "alice" {
				s.Require().NoError(s.service.Delete(s.ctx, alice, v.ID))
			}
		}
		s.create(alice, input("Alice returns", "Europe/Lisbon"))
	})

	s.Run("admins may create any number of records", func() {
		for i := 0; i < 3; i++ {
			res := s.create(admin, input("Admin entry", "UTC"))
			s.Equal(models.MemberStatusActive, res.Member.Status)
			s.Equal(domain.UserID("root"), res.Member.CreatedBy)
		}
	})

	s.Run("records created as admin do not count after demotion", func() {
		demoted := &domain.Principal{ID: "root", Email: "root@example.com", Role: domain.RoleUser}

		res := s.create(demoted, input("Root as user", "UTC"))
		s.Equal(models.MemberStatusActive, res.Member.Status)
		s.False(res.Member.QuotaExempt)

		_, err := s.service.Create(s.ctx, demoted, CreateRequest{Input: input("Root twice", "UTC")})
		s.Require().Error(err)
		s.Equal("quota exceeded", dErrors.MessageOf(err))
	})

	s.Run("seeded records do not block their owner", func() {
		seeded, err := models.NewTeamMember(domain.NewMemberID(), input("Seeded", "UTC"),
			models.MemberStatusActive, "carol", s.clock.Now())
		s.Require().NoError(err)
		seeded.QuotaExempt = true
		s.Require().NoError(s.store.CreateIfQuotaAvailable(s.ctx, seeded))

		carol := &domain.Principal{ID: "carol", Email: "carol@example.com", Role: domain.RoleUser}
		s.create(carol, input("Carol", "UTC"))
	})
}

// TestConcurrentCreates verifies that racing creates for one user leave
// exactly one active record; every loser sees a quota conflict.
func (s *RegistryServiceSuite) TestConcurrentCreates() {
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Create(context.Background(), alice, CreateRequest{Input: input("Racer", "UTC")})
			switch {
			case err == nil:
				successCount.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one create should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load())

	count, err := s.store.CountActiveByCreator(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(1, count)
}

// =============================================================================
// Idempotency
// =============================================================================

func (s *RegistryServiceSuite) TestIdempotentCreate() {
	req := CreateRequest{Input: input("Alice", "Europe/Lisbon"), IdempotencyKey: "key-1"}

	first, err := s.service.Create(s.ctx, alice, req)
	s.Require().NoError(err)
	s.False(first.Replayed)

	s.Run("same caller and key replays the original record", func() {
		again, err := s.service.Create(s.ctx, alice, req)
		s.Require().NoError(err)
		s.True(again.Replayed)
		s.Equal(first.Member.ID, again.Member.ID)
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.IdempotentReplays))
	})

	s.Run("the key is scoped to the caller", func() {
		res, err := s.service.Create(s.ctx, bob, CreateRequest{Input: input("Bob", "UTC"), IdempotencyKey: "key-1"})
		s.Require().NoError(err)
		s.False(res.Replayed)
		s.NotEqual(first.Member.ID, res.Member.ID)
	})

	s.Run("a key whose record was deleted creates afresh", func() {
		s.Require().NoError(s.service.Delete(s.ctx, alice, first.Member.ID))

		res, err := s.service.Create(s.ctx, alice, req)
		s.Require().NoError(err)
		s.False(res.Replayed)
		s.NotEqual(first.Member.ID, res.Member.ID)
	})

	s.Run("an expired key creates afresh", func() {
		anon := CreateRequest{Input: input("Visitor", "UTC"), IdempotencyKey: "key-2"}
		orig, err := s.service.Create(s.ctx, nil, anon)
		s.Require().NoError(err)

		s.clock.Advance(2 * time.Hour)

		res, err := s.service.Create(s.ctx, nil, anon)
		s.Require().NoError(err)
		s.False(res.Replayed)
		s.NotEqual(orig.Member.ID, res.Member.ID)
	})
}

// =============================================================================
// Read
// =============================================================================

func (s *RegistryServiceSuite) TestList() {
	s.Run("empty registry lists nothing", func() {
		list, err := s.service.List(s.ctx, nil)
		s.Require().NoError(err)
		s.Empty(list)
	})

	lisbon := s.create(alice, input("Alice", "Europe/Lisbon"))
	s.clock.Advance(time.Minute)
	tokyo := s.create(nil, input("Visitor", "Asia/Tokyo"))

	s.Run("members are listed in creation order with live status", func() {
		list, err := s.service.List(s.ctx, nil)
		s.Require().NoError(err)
		s.Require().Len(list, 2)

		s.Equal(lisbon.Member.ID, list[0].ID)
		s.Equal(workstatus.Working, list[0].WorkingStatus)
		s.Equal(tokyo.Member.ID, list[1].ID)
		// 15:01 UTC is after midnight in Tokyo.
		s.Equal(workstatus.Outside, list[1].WorkingStatus)
	})

	s.Run("status follows the clock", func() {
		s.clock.Advance(4 * time.Hour)
		list, err := s.service.List(s.ctx, nil)
		s.Require().NoError(err)
		s.Equal(workstatus.Outside, list[0].WorkingStatus)
		s.Equal("19:01", list[0].LocalTime)
	})

	s.Run("deleted members disappear", func() {
		s.Require().NoError(s.service.Delete(s.ctx, admin, tokyo.Member.ID))
		list, err := s.service.List(s.ctx, nil)
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		s.Equal(lisbon.Member.ID, list[0].ID)
	})
}

func (s *RegistryServiceSuite) TestGet() {
	created := s.create(alice, input("Alice", "Europe/Lisbon"))

	s.Run("existing member", func() {
		view, err := s.service.Get(s.ctx, nil, created.Member.ID)
		s.Require().NoError(err)
		s.Equal("Alice", view.Name)
		s.Equal("+00:00", view.UTCOffset)
	})

	s.Run("unknown member is not found", func() {
		_, err := s.service.Get(s.ctx, nil, domain.NewMemberID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *RegistryServiceSuite) TestReadPolicy() {
	svc, err := New(s.store, WithReadPolicy(true), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	_, err = svc.List(s.ctx, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = svc.Get(s.ctx, nil, domain.NewMemberID())
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	list, err := svc.List(s.ctx, bob)
	s.Require().NoError(err)
	s.Empty(list)
}

// =============================================================================
// Delete
// =============================================================================

func (s *RegistryServiceSuite) TestDelete() {
	owned := s.create(alice, input("Alice", "Europe/Lisbon"))
	pending := s.create(nil, input("Visitor", "UTC"))

	s.Run("unknown member is not found", func() {
		err := s.service.Delete(s.ctx, alice, domain.NewMemberID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("anonymous caller is unauthorized", func() {
		err := s.service.Delete(s.ctx, nil, owned.Member.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("non-owner is forbidden and the record remains", func() {
		err := s.service.Delete(s.ctx, bob, owned.Member.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.store.FindByID(s.ctx, owned.Member.ID)
		s.NoError(err)
	})

	s.Run("nobody owns a pending record", func() {
		err := s.service.Delete(s.ctx, alice, pending.Member.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("owner may delete", func() {
		s.Require().NoError(s.service.Delete(s.ctx, alice, owned.Member.ID))
		_, err := s.service.Get(s.ctx, nil, owned.Member.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("admin may delete anything", func() {
		s.Require().NoError(s.service.Delete(s.ctx, admin, pending.Member.ID))
	})

	s.Run("second delete is not found", func() {
		err := s.service.Delete(s.ctx, admin, pending.Member.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Equal(float64(2), testutil.ToFloat64(s.metrics.MembersDeleted))
}

// =============================================================================
// Side Effects
// =============================================================================

func (s *RegistryServiceSuite) TestEventsAndAudit() {
	created := s.create(alice, input("Alice", "Europe/Lisbon"))
	s.Require().NoError(s.service.Delete(s.ctx, alice, created.Member.ID))

	evts := s.publisher.Events()
	s.Require().Len(evts, 2)

	s.Equal(events.MemberCreated, evts[0].Type)
	s.Equal(created.Member.ID, evts[0].MemberID)
	s.Equal(domain.UserID("alice"), evts[0].ActorID)
	s.Equal("req-1", evts[0].RequestID)
	s.Equal(events.MemberDeleted, evts[1].Type)
	s.Equal(models.MemberStatusActive, evts[1].Status)

	logs := s.logs.String()
	s.Contains(logs, `"event":"member_created"`)
	s.Contains(logs, `"event":"member_deleted"`)
	s.Contains(logs, `"log_type":"audit"`)
	s.Contains(logs, `"request_id":"req-1"`)
}

func (s *RegistryServiceSuite) TestDeniedCreateIsAudited() {
	s.create(alice, input("Alice", "UTC"))
	_, err := s.service.Create(s.ctx, alice, CreateRequest{Input: input("Again", "UTC")})
	s.Require().Error(err)

	s.Contains(s.logs.String(), `"event":"member_create_denied"`)
	s.Len(s.publisher.Events(), 1, "denied creates publish nothing")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}
