package policy

import (
	"context"
	"fmt"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
)

// ActiveCount counts the records in snapshot that occupy userID's quota slot:
// active and not exempt. It applies the same rule as the store's insert check.
func ActiveCount(snapshot []*models.TeamMember, userID domain.UserID) int {
	if userID.IsNil() {
		return 0
	}
	n := 0
	for _, m := range snapshot {
		if m != nil && m.CountsTowardQuota() && m.IsCreatedBy(userID) {
			n++
		}
	}
	return n
}

// ActiveCounter is the store capability the tracker reads from.
type ActiveCounter interface {
	CountActiveByCreator(ctx context.Context, userID domain.UserID) (int, error)
}

// QuotaTracker reads a principal's active record count from the
// authoritative store at decision time. It never caches.
//
// The count only gates the fast path: the store re-checks the limit
// atomically on insert, so a stale count can never admit a second record.
type QuotaTracker struct {
	counter ActiveCounter
}

func NewQuotaTracker(counter ActiveCounter) *QuotaTracker {
	return &QuotaTracker{counter: counter}
}

// ActiveCountFor returns how many quota-counted records userID owns right now.
func (t *QuotaTracker) ActiveCountFor(ctx context.Context, userID domain.UserID) (int, error) {
	if userID.IsNil() {
		return 0, nil
	}
	n, err := t.counter.CountActiveByCreator(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count active members: %w", err)
	}
	return n, nil
}
