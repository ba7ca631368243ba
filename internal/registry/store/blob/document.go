// Package blob stores the whole registry as one versioned document.
//
// Every write carries the version it read. A document rejects a write whose
// version is stale with sentinel.ErrConflict, so two read-modify-write
// sequences can never silently overwrite each other. Callers reload and
// retry on conflict.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
)

// Snapshot is the document as of one version. Version 0 means the document
// has never been written.
type Snapshot struct {
	Version int64
	Members []*models.TeamMember
}

// Document is a versioned container for the full member collection.
type Document interface {
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the collection if the stored version still equals
	// expectedVersion, and bumps the version. A stale expectedVersion
	// returns sentinel.ErrConflict and writes nothing.
	Save(ctx context.Context, expectedVersion int64, members []*models.TeamMember) error
	Ping(ctx context.Context) error
}

// payload is the persisted JSON shape of a document.
type payload struct {
	Version int64    `json:"version"`
	Members []record `json:"members"`
}

type record struct {
	ID          domain.MemberID     `json:"id"`
	Name        string              `json:"name"`
	Location    string              `json:"location"`
	Timezone    string              `json:"timezone"`
	Flag        string              `json:"flag"`
	CreatedBy   domain.UserID       `json:"created_by"`
	Status      models.MemberStatus `json:"status"`
	QuotaExempt bool                `json:"quota_exempt,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	WorkStart   string              `json:"work_start,omitempty"`
	WorkEnd     string              `json:"work_end,omitempty"`
}

func encode(version int64, members []*models.TeamMember) ([]byte, error) {
	p := payload{Version: version, Members: make([]record, 0, len(members))}
	for _, m := range members {
		p.Members = append(p.Members, record{
			ID:          m.ID,
			Name:        m.Name,
			Location:    m.Location,
			Timezone:    m.Timezone,
			Flag:        m.Flag,
			CreatedBy:   m.CreatedBy,
			Status:      m.Status,
			QuotaExempt: m.QuotaExempt,
			CreatedAt:   m.CreatedAt,
			WorkStart:   m.WorkStart,
			WorkEnd:     m.WorkEnd,
		})
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*Snapshot, error) {
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	snap := &Snapshot{Version: p.Version, Members: make([]*models.TeamMember, 0, len(p.Members))}
	for _, r := range p.Members {
		snap.Members = append(snap.Members, &models.TeamMember{
			ID:          r.ID,
			Name:        r.Name,
			Location:    r.Location,
			Timezone:    r.Timezone,
			Flag:        r.Flag,
			CreatedBy:   r.CreatedBy,
			Status:      r.Status,
			QuotaExempt: r.QuotaExempt,
			CreatedAt:   r.CreatedAt,
			WorkStart:   r.WorkStart,
			WorkEnd:     r.WorkEnd,
		})
	}
	return snap, nil
}

func cloneMembers(members []*models.TeamMember) []*models.TeamMember {
	out := make([]*models.TeamMember, 0, len(members))
	for _, m := range members {
		cp := *m
		out = append(out, &cp)
	}
	return out
}
