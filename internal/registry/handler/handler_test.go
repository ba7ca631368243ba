package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"teamclock/internal/identity"
	"teamclock/internal/platform/middleware"
	"teamclock/internal/registry/models"
	"teamclock/internal/registry/service"
	"teamclock/internal/registry/store/idempotency"
	"teamclock/internal/registry/store/member"
	"teamclock/pkg/domain"
	"teamclock/pkg/testutil"
)

// =============================================================================
// Registry Handler Test Suite
// =============================================================================
// Justification: the handler owns status codes, header handling and body
// shapes. The suite drives the real service over the in-memory store through
// the same middleware chain production uses.

type HandlerSuite struct {
	suite.Suite
	router http.Handler
	tokens *identity.JWTService
	store  *member.InMemory
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))

	s.store = member.NewInMemory()
	svc, err := service.New(s.store,
		service.WithLogger(logger),
		service.WithClock(clock),
		service.WithIdempotency(idempotency.NewInMemory(clock), time.Hour),
	)
	s.Require().NoError(err)

	s.tokens = identity.NewJWTService("handler-test-key", "teamclock", identity.WithAdminEmails([]string{"boss@example.com"}))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.OptionalAuth(s.tokens, logger))
	New(svc, logger).Register(r)
	s.router = r
}

func (s *HandlerSuite) token(userID, email string) string {
	token, err := s.tokens.GenerateToken(domain.UserID(userID), email, domain.RoleUser, time.Hour)
	s.Require().NoError(err)
	return "Bearer " + token
}

func (s *HandlerSuite) do(req *http.Request, auth string) *httptest.ResponseRecorder {
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return testutil.DoRequest(s.router, req)
}

func memberBody(name string) map[string]string {
	return map[string]string{
		"name":     name,
		"location": "Lisbon",
		"timezone": "Europe/Lisbon",
	}
}

func (s *HandlerSuite) createAs(auth, name string) map[string]any {
	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody(name)), auth)
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	return *testutil.UnmarshalResponse[map[string]any](s.T(), rr)
}

// =============================================================================
// Create
// =============================================================================

func (s *HandlerSuite) TestCreate() {
	s.Run("authenticated create is active", func() {
		body := s.createAs(s.token("alice", "alice@example.com"), "Alice")
		s.Equal("active", body["status"])
		s.Equal("alice", body["created_by"])
		s.Equal("working", body["working_status"])
		s.Equal("15:00", body["local_time"])
	})

	s.Run("anonymous create is pending with null creator", func() {
		body := s.createAs("", "Visitor")
		s.Equal("pending", body["status"])
		s.Contains(body, "created_by")
		s.Nil(body["created_by"])
	})

	s.Run("second create by the same user is a conflict", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody("Again")), s.token("alice", ""))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})

	s.Run("admin email may create many", func() {
		auth := s.token("boss", "boss@example.com")
		s.createAs(auth, "Boss 1")
		s.createAs(auth, "Boss 2")
	})

	s.Run("invalid token is rejected even on optional routes", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody("X")), "Bearer nope")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *HandlerSuite) TestCreateValidation() {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"name":`, "bad_request"},
		{"empty body", ``, "bad_request"},
		{"unknown field", `{"name":"A","location":"B","timezone":"UTC","role":"admin"}`, "bad_request"},
		{"missing name", `{"location":"B","timezone":"UTC"}`, "validation_error"},
		{"blank name", `{"name":"  ","location":"B","timezone":"UTC"}`, "validation_error"},
		{"long name", `{"name":"` + strings.Repeat("n", 101) + `","location":"B","timezone":"UTC"}`, "validation_error"},
		{"unknown zone", `{"name":"A","location":"B","timezone":"Nowhere/City"}`, "validation_error"},
		{"half window", `{"name":"A","location":"B","timezone":"UTC","work_start":"09:00"}`, "validation_error"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/members", tc.body), "")
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, tc.code)
		})
	}

	s.Run("validator messages use json names", func() {
		rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/members", `{"location":"B","timezone":"UTC"}`), "")
		resp := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal("name is required", resp["error_description"])
	})

	s.Run("flag length matches the model limit", func() {
		body := `{"name":"A","location":"B","timezone":"UTC","flag":"` + strings.Repeat("🏳", 17) + `"}`
		rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/members", body), "")
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
		resp := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal("flag must be 16 characters or less", resp["error_description"])

		body = `{"name":"A","location":"B","timezone":"UTC","flag":"` + strings.Repeat("🏳", 16) + `"}`
		rr = s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/members", body), "")
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	})
}

func (s *HandlerSuite) TestIdempotencyKey() {
	auth := s.token("carol", "")
	send := func() *httptest.ResponseRecorder {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody("Carol"))
		req.Header.Set(HeaderIdempotencyKey, "retry-1")
		return s.do(req, auth)
	}

	first := send()
	s.Require().Equal(http.StatusCreated, first.Code)
	firstBody := testutil.UnmarshalResponse[map[string]any](s.T(), first)

	again := send()
	s.Equal(http.StatusOK, again.Code, "replay is not a new resource")
	againBody := testutil.UnmarshalResponse[map[string]any](s.T(), again)
	s.Equal((*firstBody)["id"], (*againBody)["id"])

	s.Run("oversized key", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody("Carol"))
		req.Header.Set(HeaderIdempotencyKey, strings.Repeat("k", idempotency.MaxKeyLength+1))
		testutil.AssertStatusAndError(s.T(), s.do(req, auth), http.StatusBadRequest, "bad_request")
	})
}

// =============================================================================
// Read
// =============================================================================

func (s *HandlerSuite) TestListAndGet() {
	rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/api/members"), "")
	testutil.AssertStatusOK(s.T(), rr)
	empty := testutil.UnmarshalResponse[ListResponse](s.T(), rr)
	s.Zero(empty.Count)
	s.NotNil(empty.Members)

	created := s.createAs(s.token("dave", ""), "Dave")
	id := created["id"].(string)

	rr = s.do(testutil.NewRequest(s.T(), http.MethodGet, "/api/members"), "")
	list := testutil.UnmarshalResponse[ListResponse](s.T(), rr)
	s.Require().Equal(1, list.Count)
	s.Equal(id, list.Members[0].ID.String())

	rr = s.do(testutil.NewRequest(s.T(), http.MethodGet, "/api/members/"+id), "")
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "name", "Dave")

	s.Run("unknown id is 404", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/api/members/"+domain.NewMemberID().String()), "")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("malformed id is 404", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/api/members/not-a-uuid"), "")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

// =============================================================================
// Delete
// =============================================================================

func (s *HandlerSuite) TestDelete() {
	owner := s.token("erin", "")
	created := s.createAs(owner, "Erin")
	path := "/api/members/" + created["id"].(string)

	s.Run("anonymous delete is 401", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodDelete, path), "")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("non-owner delete is 403", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodDelete, path), s.token("frank", ""))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	})

	s.Run("owner delete is 204", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodDelete, path), owner)
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})

	s.Run("repeat delete is 404", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodDelete, path), owner)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	count, err := s.store.Count(s.T().Context())
	s.Require().NoError(err)
	s.Zero(count)
}

// TestPrincipalFromContext verifies the handler reads the principal that
// middleware placed on the context rather than parsing headers itself.
func (s *HandlerSuite) TestPrincipalFromContext() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.New(member.NewInMemory(), service.WithLogger(logger))
	s.Require().NoError(err)
	r := chi.NewRouter()
	New(svc, logger).Register(r)

	req := testutil.WithAdmin(testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/members", memberBody("Ctx")), "ctx-admin")
	rr := testutil.DoRequest(r, req)
	s.Require().Equal(http.StatusCreated, rr.Code)

	body := testutil.UnmarshalResponse[models.TeamMember](s.T(), rr)
	s.Equal(domain.UserID("ctx-admin"), body.CreatedBy)
}
