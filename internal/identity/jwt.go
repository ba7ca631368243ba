// Package identity turns bearer tokens into principals.
//
// The registry does not run an identity provider. Tokens are HS256 JWTs
// signed with a shared key; Verify is the only trust boundary and everything
// past it works with domain.Principal.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
)

// Claims represents the JWT claims of an access token.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies access tokens.
type JWTService struct {
	signingKey  []byte
	issuer      string
	adminEmails map[string]struct{}
	clock       clockwork.Clock
}

type Option func(*JWTService)

// WithAdminEmails promotes principals with a listed e-mail to admin.
func WithAdminEmails(emails []string) Option {
	return func(s *JWTService) {
		for _, e := range emails {
			if e = normalizeEmail(e); e != "" {
				s.adminEmails[e] = struct{}{}
			}
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *JWTService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewJWTService(signingKey, issuer string, opts ...Option) *JWTService {
	s := &JWTService{
		signingKey:  []byte(signingKey),
		issuer:      issuer,
		adminEmails: make(map[string]struct{}),
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateToken mints a signed token. Used by the dev token command and tests.
func (s *JWTService) GenerateToken(userID domain.UserID, email string, role domain.Role, expiresIn time.Duration) (string, error) {
	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID.String(),
		Email:  email,
		Role:   role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken checks signature, issuer and expiry.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// Verify validates tokenString and builds the caller's principal. A role
// other than admin or user is rejected rather than downgraded.
func (s *JWTService) Verify(tokenString string) (*domain.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	userID, err := domain.ParseUserID(subject)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no valid subject")
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token carries an unknown role")
	}

	email := normalizeEmail(claims.Email)
	if _, ok := s.adminEmails[email]; ok && email != "" {
		role = domain.RoleAdmin
	}
	return &domain.Principal{ID: userID, Email: email, Role: role}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
