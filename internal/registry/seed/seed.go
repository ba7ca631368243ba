// Package seed pre-populates an empty registry from a YAML file at startup.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
	dErrors "teamclock/pkg/domain-errors"
)

// DefaultOwner owns seeded records when the file names no owner.
const DefaultOwner domain.UserID = "system:seed"

// File is the on-disk seed format.
//
//	owner: system:seed
//	members:
//	  - name: Ana
//	    location: Lisbon
//	    timezone: Europe/Lisbon
//	    flag: 🇵🇹
//	    work_start: "09:00"
//	    work_end: "17:00"
type File struct {
	Owner   string  `yaml:"owner"`
	Members []Entry `yaml:"members"`
}

type Entry struct {
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
	Timezone  string `yaml:"timezone"`
	Flag      string `yaml:"flag"`
	WorkStart string `yaml:"work_start"`
	WorkEnd   string `yaml:"work_end"`
}

// Store is the subset of the member store seeding needs.
type Store interface {
	Count(ctx context.Context) (int, error)
	CreateIfQuotaAvailable(ctx context.Context, member *models.TeamMember) error
}

// LoadFile reads and parses a seed file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(bytes.NewReader(raw))
}

// Parse decodes a seed document. Unknown keys are rejected so a typo does not
// silently drop a field.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// OwnerID returns the creator recorded on seeded members.
func (f *File) OwnerID() (domain.UserID, error) {
	if strings.TrimSpace(f.Owner) == "" {
		return DefaultOwner, nil
	}
	return domain.ParseUserID(f.Owner)
}

// Build validates every entry and returns the records to insert. Seeded
// records are active, owned by the file's owner and exempt from the per-user
// limit, so one owner may hold many.
func (f *File) Build(clock clockwork.Clock) ([]*models.TeamMember, error) {
	owner, err := f.OwnerID()
	if err != nil {
		return nil, fmt.Errorf("seed owner: %w", err)
	}
	now := clock.Now()
	members := make([]*models.TeamMember, 0, len(f.Members))
	for i, e := range f.Members {
		// Listing is by creation time; offsets keep file order.
		createdAt := now.Add(time.Duration(i) * time.Millisecond)
		m, err := models.NewTeamMember(domain.NewMemberID(), models.MemberInput{
			Name:      e.Name,
			Location:  e.Location,
			Timezone:  e.Timezone,
			Flag:      e.Flag,
			WorkStart: e.WorkStart,
			WorkEnd:   e.WorkEnd,
		}, models.MemberStatusActive, owner, createdAt)
		if err != nil {
			return nil, fmt.Errorf("seed entry %d: %s", i+1, dErrors.MessageOf(err))
		}
		m.QuotaExempt = true
		members = append(members, m)
	}
	return members, nil
}

// Transactor is implemented by stores that can apply a seed all-or-nothing.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

// Apply inserts the file's members when store is empty and reports how many
// were written. A non-empty store is left untouched. When store is a
// Transactor a failed insert leaves nothing behind.
func Apply(ctx context.Context, store Store, f *File, clock clockwork.Clock, logger *slog.Logger) (int, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	members, err := f.Build(clock)
	if err != nil {
		return 0, err
	}

	written := 0
	insert := func(ctx context.Context) error {
		existing, err := store.Count(ctx)
		if err != nil {
			return fmt.Errorf("count members: %w", err)
		}
		if existing > 0 {
			logger.InfoContext(ctx, "registry not empty, skipping seed", "members", existing)
			return nil
		}
		for _, m := range members {
			if err := store.CreateIfQuotaAvailable(ctx, m); err != nil {
				return fmt.Errorf("insert seed member %q: %w", m.Name, err)
			}
			written++
		}
		return nil
	}

	if t, ok := store.(Transactor); ok {
		err = t.RunInTx(ctx, insert)
		if err != nil {
			written = 0
		}
	} else {
		err = insert(ctx)
	}
	if err != nil {
		return written, err
	}
	if written > 0 {
		logger.InfoContext(ctx, "registry seeded", "members", written)
	}
	return written, nil
}
