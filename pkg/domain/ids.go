package domain

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "teamclock/pkg/domain-errors"
)

// MemberID identifies a team member record. Assigned by the registry at
// creation and immutable afterwards.
type MemberID uuid.UUID

// NewMemberID returns a fresh random member id.
func NewMemberID() MemberID {
	return MemberID(uuid.New())
}

func (id MemberID) String() string {
	return uuid.UUID(id).String()
}

func (id MemberID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText lets MemberID render as a plain UUID string in JSON.
func (id MemberID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MemberID) UnmarshalText(b []byte) error {
	parsed, err := ParseMemberID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseMemberID validates s as a non-nil UUID.
func ParseMemberID(s string) (MemberID, error) {
	if s == "" {
		return MemberID{}, dErrors.New(dErrors.CodeBadRequest, "member id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return MemberID{}, dErrors.New(dErrors.CodeBadRequest, "invalid member id")
	}
	if parsed == uuid.Nil {
		return MemberID{}, dErrors.New(dErrors.CodeBadRequest, "invalid member id")
	}
	return MemberID(parsed), nil
}

// UserID is the identity provider's subject for a principal. It is opaque to
// the registry: OAuth providers do not agree on a format.
type UserID string

const maxUserIDLength = 255

func (id UserID) String() string {
	return string(id)
}

func (id UserID) IsNil() bool {
	return id == ""
}

// MarshalJSON renders an absent user as null.
func (id UserID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

func (id *UserID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*id = UserID(s)
	return nil
}

// ParseUserID accepts any trimmed, printable, bounded subject.
func ParseUserID(s string) (UserID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "user id is required")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeBadRequest, "user id contains invalid characters")
	}
	if len(s) > maxUserIDLength {
		return "", dErrors.New(dErrors.CodeBadRequest, "user id is too long")
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", dErrors.New(dErrors.CodeBadRequest, "user id contains invalid characters")
		}
	}
	return UserID(s), nil
}
