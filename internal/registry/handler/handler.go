package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"teamclock/internal/platform/middleware"
	"teamclock/internal/registry/models"
	"teamclock/internal/registry/service"
	"teamclock/internal/registry/store/idempotency"
	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
	"teamclock/pkg/platform/httputil"
	"teamclock/pkg/requestcontext"
)

// HeaderIdempotencyKey lets a client retry a create without duplicating it.
const HeaderIdempotencyKey = "Idempotency-Key"

// Service defines the registry operations the handler needs.
type Service interface {
	List(ctx context.Context, principal *domain.Principal) ([]models.MemberView, error)
	Get(ctx context.Context, principal *domain.Principal, memberID domain.MemberID) (*models.MemberView, error)
	Create(ctx context.Context, principal *domain.Principal, req service.CreateRequest) (*service.CreateResult, error)
	Delete(ctx context.Context, principal *domain.Principal, memberID domain.MemberID) error
}

// ListResponse is the body of GET /api/members.
type ListResponse struct {
	Members []models.MemberView `json:"members"`
	Count   int                 `json:"count"`
}

// Handler serves the member registry endpoints.
type Handler struct {
	registry Service
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates a new registry Handler.
func New(registry Service, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
		validate: newValidator(),
	}
}

// Register registers the member routes with the chi router. Principal
// extraction happens upstream; only delete insists on one.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/members", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.With(middleware.RequireAuth(h.logger)).Delete("/{id}", h.handleDelete)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	members, err := h.registry.List(ctx, requestcontext.Principal(ctx))
	if err != nil {
		h.writeError(ctx, w, "list members", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Members: members, Count: len(members)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	memberID, ok := h.memberID(w, r)
	if !ok {
		return
	}
	member, err := h.registry.Get(ctx, requestcontext.Principal(ctx), memberID)
	if err != nil {
		h.writeError(ctx, w, "get member", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.DecodeJSON[CreateMemberRequest](r)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid create member request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.WriteError(w, validationError(err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if len(key) > idempotency.MaxKeyLength {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Idempotency-Key is too long"))
		return
	}

	result, err := h.registry.Create(ctx, requestcontext.Principal(ctx), service.CreateRequest{
		Input:          req.ToInput(),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(ctx, w, "create member", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/members/"+result.Member.ID.String())
	httputil.WriteJSON(w, status, result.Member)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	memberID, ok := h.memberID(w, r)
	if !ok {
		return
	}
	if err := h.registry.Delete(ctx, requestcontext.Principal(ctx), memberID); err != nil {
		h.writeError(ctx, w, "delete member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// memberID parses the {id} path segment. A malformed id cannot name a stored
// member, so it is reported as not found.
func (h *Handler) memberID(w http.ResponseWriter, r *http.Request) (domain.MemberID, bool) {
	memberID, err := domain.ParseMemberID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "member not found"))
		return domain.MemberID{}, false
	}
	return memberID, true
}

// writeError logs server-side failures and renders err.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal:
		h.logger.ErrorContext(ctx, "failed to "+op,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	case dErrors.CodeUnavailable:
		h.logger.WarnContext(ctx, "storage unavailable",
			"operation", op,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
