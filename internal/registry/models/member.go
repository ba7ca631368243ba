package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"teamclock/internal/registry/workstatus"
	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
)

// MemberStatus is the lifecycle state of a team member record.
type MemberStatus string

const (
	// MemberStatusActive records were created by an authenticated principal.
	MemberStatusActive MemberStatus = "active"
	// MemberStatusPending records were submitted anonymously. There is no
	// promotion path to active; pending is terminal and display-only.
	MemberStatusPending MemberStatus = "pending"
)

func (s MemberStatus) IsValid() bool {
	return s == MemberStatusActive || s == MemberStatusPending
}

// DefaultFlag is shown when a member is created without one.
const DefaultFlag = "🏳️"

const (
	MaxNameLength     = 100
	MaxLocationLength = 100
	MaxFlagLength     = 16
)

// TeamMember is a single entry of the shared registry.
//
// Invariants:
//   - ID is unique and never changes after creation
//   - Name and Location are non-empty
//   - Timezone resolves to an IANA zone
//   - WorkStart and WorkEnd are both empty or both valid HH:mm times
//   - Status is active or pending; pending records have no CreatedBy
//   - CreatedAt is immutable
//   - at most one active, non-exempt record per CreatedBy
//
// Records are never updated: the only transitions are create and delete.
type TeamMember struct {
	ID        domain.MemberID `json:"id"`
	Name      string          `json:"name"`
	Location  string          `json:"location"`
	Timezone  string          `json:"timezone"`
	Flag      string          `json:"flag"`
	CreatedBy domain.UserID   `json:"created_by"`
	Status    MemberStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	WorkStart string          `json:"work_start,omitempty"`
	WorkEnd   string          `json:"work_end,omitempty"`

	// QuotaExempt marks records created by an admin. They do not count
	// against the one-active-record limit of their creator.
	QuotaExempt bool `json:"-"`
}

func (m *TeamMember) IsActive() bool {
	return m.Status == MemberStatusActive
}

// CountsTowardQuota reports whether m occupies its creator's single active slot.
func (m *TeamMember) CountsTowardQuota() bool {
	return m.IsActive() && !m.QuotaExempt && !m.CreatedBy.IsNil()
}

// IsCreatedBy reports whether userID created this record. Anonymous records
// are owned by nobody.
func (m *TeamMember) IsCreatedBy(userID domain.UserID) bool {
	return !m.CreatedBy.IsNil() && m.CreatedBy == userID
}

// MemberInput carries the caller-supplied fields of a new member.
type MemberInput struct {
	Name      string
	Location  string
	Timezone  string
	Flag      string
	WorkStart string
	WorkEnd   string
}

// Normalize trims whitespace from every field.
func (in *MemberInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	in.Timezone = strings.TrimSpace(in.Timezone)
	in.Flag = strings.TrimSpace(in.Flag)
	in.WorkStart = strings.TrimSpace(in.WorkStart)
	in.WorkEnd = strings.TrimSpace(in.WorkEnd)
}

// Validate checks every field-level invariant of a member.
func (in *MemberInput) Validate() error {
	if in.Name == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "name is required")
	}
	if utf8.RuneCountInString(in.Name) > MaxNameLength {
		return dErrors.New(dErrors.CodeInvariantViolation, "name must be 100 characters or less")
	}
	if in.Location == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "location is required")
	}
	if utf8.RuneCountInString(in.Location) > MaxLocationLength {
		return dErrors.New(dErrors.CodeInvariantViolation, "location must be 100 characters or less")
	}
	if in.Timezone == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "timezone is required")
	}
	if _, err := workstatus.LoadZone(in.Timezone); err != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "timezone must be a valid IANA zone")
	}
	if utf8.RuneCountInString(in.Flag) > MaxFlagLength {
		return dErrors.New(dErrors.CodeInvariantViolation, "flag must be 16 characters or less")
	}
	if err := workstatus.ValidateWindow(in.WorkStart, in.WorkEnd); err != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, err.Error())
	}
	return nil
}

// NewTeamMember validates input and builds a record ready for insertion.
// Status and CreatedBy come from the authorization decision, not the caller.
func NewTeamMember(memberID domain.MemberID, in MemberInput, status MemberStatus, createdBy domain.UserID, now time.Time) (*TeamMember, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid member status")
	}
	if status == MemberStatusPending && !createdBy.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "pending members cannot have a creator")
	}
	if status == MemberStatusActive && createdBy.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "active members require a creator")
	}

	flag := in.Flag
	if flag == "" {
		flag = DefaultFlag
	}
	return &TeamMember{
		ID:        memberID,
		Name:      in.Name,
		Location:  in.Location,
		Timezone:  in.Timezone,
		Flag:      flag,
		CreatedBy: createdBy,
		Status:    status,
		CreatedAt: now.UTC(),
		WorkStart: in.WorkStart,
		WorkEnd:   in.WorkEnd,
	}, nil
}

// MemberView is a member annotated with its working status at one instant.
type MemberView struct {
	*TeamMember
	WorkingStatus workstatus.Status `json:"working_status"`
	LocalTime     string            `json:"local_time"`
	UTCOffset     string            `json:"utc_offset"`
}

// ViewAt annotates m with its working status at now.
func ViewAt(m *TeamMember, now time.Time) MemberView {
	snap := workstatus.Describe(m.Timezone, m.WorkStart, m.WorkEnd, now)
	return MemberView{
		TeamMember:    m,
		WorkingStatus: snap.Status,
		LocalTime:     snap.LocalTime,
		UTCOffset:     snap.UTCOffset,
	}
}
