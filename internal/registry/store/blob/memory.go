package blob

import (
	"context"
	"fmt"
	"sync"

	"teamclock/internal/registry/models"
	"teamclock/pkg/platform/sentinel"
)

// MemoryDocument keeps the versioned document in process memory.
type MemoryDocument struct {
	mu      sync.Mutex
	version int64
	members []*models.TeamMember
}

func NewMemoryDocument() *MemoryDocument {
	return &MemoryDocument{}
}

func (d *MemoryDocument) Load(_ context.Context) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Snapshot{Version: d.version, Members: cloneMembers(d.members)}, nil
}

func (d *MemoryDocument) Save(_ context.Context, expectedVersion int64, members []*models.TeamMember) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.version != expectedVersion {
		return fmt.Errorf("document at version %d, write based on %d: %w", d.version, expectedVersion, sentinel.ErrConflict)
	}
	d.members = cloneMembers(members)
	d.version++
	return nil
}

func (d *MemoryDocument) Ping(_ context.Context) error {
	return nil
}
