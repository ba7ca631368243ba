// Package policy decides whether a caller may create or delete team members.
//
// Authorize is a pure function of (principal, action, target, quota). It has
// no logging or store access; the service records the outcome afterwards.
package policy

import (
	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
)

// Action is an operation that mutates the registry.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

// Denial reasons surfaced to callers.
const (
	ReasonQuotaExceeded = "quota exceeded"
	ReasonUnauthorized  = "unauthorized"
	ReasonForbidden     = "forbidden"
	ReasonUnknownAction = "unknown action"
)

// Decision is the outcome of an authorization check. For an allowed create,
// Status, CreatedBy and QuotaExempt are what the stored record must carry.
type Decision struct {
	Allowed     bool
	Reason      string
	Status      models.MemberStatus
	CreatedBy   domain.UserID
	QuotaExempt bool
}

func allow(status models.MemberStatus, createdBy domain.UserID) Decision {
	return Decision{Allowed: true, Status: status, CreatedBy: createdBy}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorize applies the registry's permission rules.
//
//   - create, anonymous: allowed as a pending record with no creator
//   - create, admin: allowed as active
//   - create, user with no active record: allowed as active
//   - create, user with an active record: denied, quota exceeded
//   - delete, anonymous: denied, unauthorized
//   - delete, admin or the record's creator: allowed
//   - delete, anyone else: denied, forbidden
//
// activeCount is the number of active records the principal already owns and
// is ignored for anything but a non-admin create. target is ignored for create.
func Authorize(principal *domain.Principal, action Action, target *models.TeamMember, activeCount int) Decision {
	switch action {
	case ActionCreate:
		return authorizeCreate(principal, activeCount)
	case ActionDelete:
		return authorizeDelete(principal, target)
	default:
		return deny(ReasonUnknownAction)
	}
}

func authorizeCreate(principal *domain.Principal, activeCount int) Decision {
	if principal == nil {
		return allow(models.MemberStatusPending, "")
	}
	if principal.IsAdmin() {
		d := allow(models.MemberStatusActive, principal.ID)
		d.QuotaExempt = true
		return d
	}
	if activeCount >= 1 {
		return deny(ReasonQuotaExceeded)
	}
	return allow(models.MemberStatusActive, principal.ID)
}

func authorizeDelete(principal *domain.Principal, target *models.TeamMember) Decision {
	if principal == nil {
		return deny(ReasonUnauthorized)
	}
	if principal.IsAdmin() {
		return Decision{Allowed: true}
	}
	if target != nil && target.IsCreatedBy(principal.ID) {
		return Decision{Allowed: true}
	}
	return deny(ReasonForbidden)
}

// NeedsQuota reports whether Authorize consults activeCount for this caller
// and action. Callers use it to skip the store read for admins and anonymous
// creates.
func NeedsQuota(principal *domain.Principal, action Action) bool {
	return action == ActionCreate && principal != nil && !principal.IsAdmin()
}
