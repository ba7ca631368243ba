package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"teamclock/internal/registry/events"
	"teamclock/internal/registry/metrics"
	"teamclock/internal/registry/models"
	"teamclock/internal/registry/policy"
	"teamclock/internal/registry/store/idempotency"
	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
	"teamclock/pkg/platform/sentinel"
	"teamclock/pkg/requestcontext"
)

// Store is the authoritative member storage. CreateIfQuotaAvailable must check
// the one-active-member limit and insert as one atomic step.
type Store interface {
	List(ctx context.Context) ([]*models.TeamMember, error)
	FindByID(ctx context.Context, id domain.MemberID) (*models.TeamMember, error)
	CreateIfQuotaAvailable(ctx context.Context, member *models.TeamMember) error
	Delete(ctx context.Context, id domain.MemberID) error
	CountActiveByCreator(ctx context.Context, userID domain.UserID) (int, error)
}

// IdempotencyStore remembers the member produced for an Idempotency-Key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (domain.MemberID, bool, error)
	Remember(ctx context.Context, key string, id domain.MemberID, ttl time.Duration) (domain.MemberID, error)
	Forget(ctx context.Context, key string) error
}

// EventPublisher delivers registry change events.
type EventPublisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

const (
	DefaultStorageTimeout = 3 * time.Second
	DefaultStorageRetries = 3
	DefaultIdempotencyTTL = 24 * time.Hour

	defaultBackoffBase = 50 * time.Millisecond
)

// Audit event names.
const (
	eventMemberCreated      = "member_created"
	eventMemberCreateDenied = "member_create_denied"
	eventMemberDeleted      = "member_deleted"
	eventMemberDeleteDenied = "member_delete_denied"
)

// Service orchestrates the member registry: validation, authorization,
// quota lookup and storage, with bounded retries on transient storage errors.
type Service struct {
	store          Store
	quota          *policy.QuotaTracker
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	publisher      EventPublisher
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	requireAuth    bool
	storageTimeout time.Duration
	maxRetries     uint64
	backoffBase    time.Duration
	tracer         trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithIdempotency enables Idempotency-Key handling on Create.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idempotency = store
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithReadPolicy makes List and Get require a principal.
func WithReadPolicy(requireAuth bool) Option {
	return func(s *Service) {
		s.requireAuth = requireAuth
	}
}

// WithStorageTimeout bounds each individual storage call.
func WithStorageTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storageTimeout = d
		}
	}
}

// WithRetries sets how many times a transient storage failure is retried and
// the base of the exponential backoff between attempts.
func WithRetries(maxRetries uint64, backoffBase time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		if backoffBase > 0 {
			s.backoffBase = backoffBase
		}
	}
}

// New constructs a Service over store.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("member store is required")
	}
	s := &Service{
		store:          store,
		quota:          policy.NewQuotaTracker(store),
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
		publisher:      events.Noop{},
		idempotencyTTL: DefaultIdempotencyTTL,
		storageTimeout: DefaultStorageTimeout,
		maxRetries:     DefaultStorageRetries,
		backoffBase:    defaultBackoffBase,
		tracer:         otel.Tracer("teamclock/internal/registry/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	return s, nil
}

// CreateRequest is the caller input for Create.
type CreateRequest struct {
	Input          models.MemberInput
	IdempotencyKey string
}

// CreateResult is the stored member plus whether it was replayed from an
// earlier request with the same idempotency key.
type CreateResult struct {
	Member   models.MemberView
	Replayed bool
}

// List returns every member annotated with its working status right now.
func (s *Service) List(ctx context.Context, principal *domain.Principal) ([]models.MemberView, error) {
	ctx, span := s.tracer.Start(ctx, "registry.List")
	defer span.End()
	defer s.observe("list", time.Now())

	if err := s.checkReadPolicy(principal); err != nil {
		return nil, s.fail(span, err)
	}

	var members []*models.TeamMember
	err := s.withRetry(ctx, "list", func(ctx context.Context, _ int) error {
		var err error
		members, err = s.store.List(ctx)
		return err
	})
	if err != nil {
		return nil, s.fail(span, translateStoreError(err, "failed to list members"))
	}

	now := s.clock.Now()
	views := make([]models.MemberView, 0, len(members))
	for _, m := range members {
		views = append(views, models.ViewAt(m, now))
	}
	span.SetAttributes(attribute.Int("registry.members", len(views)))
	return views, nil
}

// Get returns one member annotated with its working status right now.
func (s *Service) Get(ctx context.Context, principal *domain.Principal, memberID domain.MemberID) (*models.MemberView, error) {
	ctx, span := s.tracer.Start(ctx, "registry.Get", trace.WithAttributes(attribute.String("registry.member_id", memberID.String())))
	defer span.End()
	defer s.observe("get", time.Now())

	if err := s.checkReadPolicy(principal); err != nil {
		return nil, s.fail(span, err)
	}

	m, err := s.find(ctx, memberID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	view := models.ViewAt(m, s.clock.Now())
	return &view, nil
}

// Create validates input, authorizes the caller and stores a new member.
// Anonymous callers get a pending record with no creator. A non-admin caller
// who already owns an active member gets a conflict; the store re-checks this
// atomically so concurrent creates cannot both win.
func (s *Service) Create(ctx context.Context, principal *domain.Principal, req CreateRequest) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "registry.Create")
	defer span.End()
	defer s.observe("create", time.Now())

	input := req.Input
	input.Normalize()
	if err := input.Validate(); err != nil {
		return nil, s.fail(span, dErrors.New(dErrors.CodeValidation, dErrors.MessageOf(err)))
	}

	var actor domain.UserID
	if principal != nil {
		actor = principal.ID
	}

	idemKey := ""
	if req.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = idempotency.ScopedKey(actor, req.IdempotencyKey)
		replayed, err := s.replay(ctx, idemKey)
		if err != nil {
			return nil, s.fail(span, err)
		}
		if replayed != nil {
			span.SetAttributes(attribute.Bool("registry.replayed", true))
			s.incrementReplay()
			return &CreateResult{Member: models.ViewAt(replayed, s.clock.Now()), Replayed: true}, nil
		}
	}

	activeCount := 0
	if policy.NeedsQuota(principal, policy.ActionCreate) {
		err := s.withRetry(ctx, "count", func(ctx context.Context, _ int) error {
			var err error
			activeCount, err = s.quota.ActiveCountFor(ctx, principal.ID)
			return err
		})
		if err != nil {
			return nil, s.fail(span, translateStoreError(err, "failed to check member quota"))
		}
	}

	decision := policy.Authorize(principal, policy.ActionCreate, nil, activeCount)
	s.logDecision(ctx, policy.ActionCreate, actor, decision)
	if !decision.Allowed {
		s.denyCreate(ctx, actor, decision.Reason)
		return nil, s.fail(span, denialError(decision.Reason))
	}

	member, err := models.NewTeamMember(domain.NewMemberID(), input, decision.Status, decision.CreatedBy, s.clock.Now())
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, s.fail(span, dErrors.New(dErrors.CodeValidation, dErrors.MessageOf(err)))
		}
		return nil, s.fail(span, err)
	}
	member.QuotaExempt = decision.QuotaExempt
	span.SetAttributes(
		attribute.String("registry.member_id", member.ID.String()),
		attribute.String("registry.status", string(member.Status)),
	)

	err = s.withRetry(ctx, "create", func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			// An earlier attempt may have committed before its error reached us.
			if _, err := s.store.FindByID(ctx, member.ID); err == nil {
				return nil
			}
		}
		return s.store.CreateIfQuotaAvailable(ctx, member)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.denyCreate(ctx, actor, policy.ReasonQuotaExceeded)
			return nil, s.fail(span, denialError(policy.ReasonQuotaExceeded))
		}
		return nil, s.fail(span, translateStoreError(err, "failed to create member"))
	}

	if idemKey != "" {
		s.rememberKey(ctx, idemKey, member.ID)
	}

	s.logAudit(ctx, eventMemberCreated,
		"member_id", member.ID.String(),
		"status", string(member.Status),
		"user_id", actor.String(),
	)
	s.incrementCreated(member.Status)
	s.publish(ctx, events.Event{
		Type:       events.MemberCreated,
		MemberID:   member.ID,
		Status:     member.Status,
		CreatedBy:  member.CreatedBy,
		ActorID:    actor,
		RequestID:  requestcontext.RequestID(ctx),
		OccurredAt: s.clock.Now().UTC(),
	})

	return &CreateResult{Member: models.ViewAt(member, s.clock.Now())}, nil
}

// Delete removes a member. The target must exist; only an admin or the
// member's creator may delete it.
func (s *Service) Delete(ctx context.Context, principal *domain.Principal, memberID domain.MemberID) error {
	ctx, span := s.tracer.Start(ctx, "registry.Delete", trace.WithAttributes(attribute.String("registry.member_id", memberID.String())))
	defer span.End()
	defer s.observe("delete", time.Now())

	target, err := s.find(ctx, memberID)
	if err != nil {
		return s.fail(span, err)
	}

	var actor domain.UserID
	if principal != nil {
		actor = principal.ID
	}

	decision := policy.Authorize(principal, policy.ActionDelete, target, 0)
	s.logDecision(ctx, policy.ActionDelete, actor, decision)
	if !decision.Allowed {
		s.logAudit(ctx, eventMemberDeleteDenied,
			"member_id", memberID.String(),
			"user_id", actor.String(),
			"reason", decision.Reason,
		)
		return s.fail(span, denialError(decision.Reason))
	}

	err = s.withRetry(ctx, "delete", func(ctx context.Context, attempt int) error {
		err := s.store.Delete(ctx, memberID)
		if attempt > 1 && errors.Is(err, sentinel.ErrNotFound) {
			// An earlier attempt removed it before its error reached us.
			return nil
		}
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.fail(span, dErrors.New(dErrors.CodeNotFound, "member not found"))
		}
		return s.fail(span, translateStoreError(err, "failed to delete member"))
	}

	s.logAudit(ctx, eventMemberDeleted,
		"member_id", memberID.String(),
		"user_id", actor.String(),
	)
	s.incrementDeleted()
	s.publish(ctx, events.Event{
		Type:       events.MemberDeleted,
		MemberID:   memberID,
		Status:     target.Status,
		CreatedBy:  target.CreatedBy,
		ActorID:    actor,
		RequestID:  requestcontext.RequestID(ctx),
		OccurredAt: s.clock.Now().UTC(),
	})
	return nil
}

func (s *Service) checkReadPolicy(principal *domain.Principal) error {
	if s.requireAuth && principal == nil {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return nil
}

func (s *Service) find(ctx context.Context, memberID domain.MemberID) (*models.TeamMember, error) {
	var m *models.TeamMember
	err := s.withRetry(ctx, "get", func(ctx context.Context, _ int) error {
		var err error
		m, err = s.store.FindByID(ctx, memberID)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "member not found")
		}
		return nil, translateStoreError(err, "failed to load member")
	}
	return m, nil
}

// replay returns the member previously created under key, or nil. A key whose
// member has since been deleted is dropped so the request creates afresh.
func (s *Service) replay(ctx context.Context, key string) (*models.TeamMember, error) {
	memberID, ok, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		return nil, translateStoreError(err, "failed to check idempotency key")
	}
	if !ok {
		return nil, nil
	}
	m, err := s.find(ctx, memberID)
	if err == nil {
		return m, nil
	}
	if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil, err
	}
	if err := s.idempotency.Forget(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to drop stale idempotency key", "error", err)
	}
	return nil, nil
}

func (s *Service) rememberKey(ctx context.Context, key string, memberID domain.MemberID) {
	winner, err := s.idempotency.Remember(ctx, key, memberID, s.idempotencyTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to remember idempotency key",
			"member_id", memberID.String(),
			"error", err,
		)
		return
	}
	if winner != memberID {
		s.logger.WarnContext(ctx, "idempotency key claimed by a concurrent create",
			"member_id", memberID.String(),
			"original_member_id", winner.String(),
		)
	}
}

// withRetry runs fn with a per-call timeout and retries it with exponential
// backoff while it fails with a transient error or a stale-version conflict.
// fn receives the 1-based attempt number.
func (s *Service) withRetry(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.backoffBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.incrementRetry(operation)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()

		err := fn(callCtx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && (isTransient(err) || errors.Is(err, sentinel.ErrConflict)) {
			s.logger.WarnContext(ctx, "retrying storage operation",
				"operation", operation,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// translateStoreError maps store sentinels that survived retries onto coded
// errors. ErrNotFound and ErrAlreadyUsed are handled by the callers that give
// them meaning.
func translateStoreError(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case isTransient(err):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "storage unavailable, retry later")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "registry changed concurrently, retry")
	case errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "request cancelled")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func denialError(reason string) error {
	switch reason {
	case policy.ReasonQuotaExceeded:
		return dErrors.New(dErrors.CodeConflict, policy.ReasonQuotaExceeded)
	case policy.ReasonUnauthorized:
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	case policy.ReasonForbidden:
		return dErrors.New(dErrors.CodeForbidden, "not allowed to delete this member")
	default:
		return dErrors.New(dErrors.CodeInternal, fmt.Sprintf("request denied: %s", reason))
	}
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	return err
}

func (s *Service) denyCreate(ctx context.Context, actor domain.UserID, reason string) {
	s.logAudit(ctx, eventMemberCreateDenied,
		"user_id", actor.String(),
		"reason", reason,
	)
	if s.metrics != nil {
		s.metrics.IncrementDenied(reason)
	}
}

func (s *Service) logDecision(ctx context.Context, action policy.Action, actor domain.UserID, d policy.Decision) {
	s.logger.DebugContext(ctx, "authorization decision",
		"action", string(action),
		"user_id", actor.String(),
		"allowed", d.Allowed,
		"reason", d.Reason,
		"request_id", requestcontext.RequestID(ctx),
	)
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "failed to publish registry event",
			"type", string(evt.Type),
			"member_id", evt.MemberID.String(),
			"error", err,
		)
	}
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, start)
	}
}

func (s *Service) incrementCreated(status models.MemberStatus) {
	if s.metrics != nil {
		s.metrics.IncrementCreated(string(status))
	}
}

func (s *Service) incrementDeleted() {
	if s.metrics != nil {
		s.metrics.IncrementDeleted()
	}
}

func (s *Service) incrementRetry(operation string) {
	if s.metrics != nil {
		s.metrics.IncrementRetry(operation)
	}
}

func (s *Service) incrementReplay() {
	if s.metrics != nil {
		s.metrics.IncrementReplay()
	}
}
