// Package workstatus derives whether a team member is inside their working
// hours at a given instant.
//
// Everything here is a pure function of its arguments. Callers recompute on
// every tick; nothing is cached between calls.
package workstatus

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// Zone validation must not depend on the host having a tz database.
	_ "time/tzdata"
)

// Status is the derived working state of a member.
type Status string

const (
	// Unknown is reserved for configuration that cannot be evaluated: a
	// malformed or half-configured window, or an unresolvable zone.
	Unknown Status = "unknown"
	Working Status = "working"
	Outside Status = "outside"
)

// Default window used when a member has no explicit working hours. Both hours
// are inclusive, so 17:59 local time still counts as working.
const (
	DefaultStartHour = 9
	DefaultEndHour   = 17
)

const clockLayout = "15:04"

var ErrInvalidZone = errors.New("invalid timezone")

// TimeOfDay is a wall-clock time without a date, in minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses an "HH:mm" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:mm", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// LoadZone resolves an IANA zone name. The empty name and "Local" are
// rejected: both silently resolve to a host-dependent zone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, ErrInvalidZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidZone, name)
	}
	return loc, nil
}

// ValidateWindow checks that a working window is either fully absent or two
// well-formed times of day.
func ValidateWindow(start, end string) error {
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return errors.New("work_start and work_end must be set together")
	}
	if _, err := ParseTimeOfDay(start); err != nil {
		return err
	}
	if _, err := ParseTimeOfDay(end); err != nil {
		return err
	}
	return nil
}

// Compute returns the working status for a member in zone at instant now.
// An empty start and end selects the default window, local hours 9 through 17
// inclusive (DefaultStartHour-DefaultEndHour). A window with
// end <= start wraps past midnight.
func Compute(zone, start, end string, now time.Time) Status {
	loc, err := LoadZone(zone)
	if err != nil {
		return Unknown
	}
	local := now.In(loc)

	if start == "" && end == "" {
		h := local.Hour()
		if h >= DefaultStartHour && h <= DefaultEndHour {
			return Working
		}
		return Outside
	}

	if start == "" || end == "" {
		return Unknown
	}
	from, err := ParseTimeOfDay(start)
	if err != nil {
		return Unknown
	}
	to, err := ParseTimeOfDay(end)
	if err != nil {
		return Unknown
	}

	cur := TimeOfDay(local.Hour()*60 + local.Minute())
	if to <= from {
		if cur >= from || cur <= to {
			return Working
		}
		return Outside
	}
	if cur >= from && cur <= to {
		return Working
	}
	return Outside
}

// Snapshot is what the dashboard renders for one member at one instant.
type Snapshot struct {
	Status    Status
	LocalTime string
	UTCOffset string
}

// Describe computes the status together with the local wall clock and offset.
// LocalTime and UTCOffset are empty when the zone cannot be resolved.
func Describe(zone, start, end string, now time.Time) Snapshot {
	snap := Snapshot{Status: Compute(zone, start, end, now)}
	loc, err := LoadZone(zone)
	if err != nil {
		return snap
	}
	local := now.In(loc)
	snap.LocalTime = local.Format(clockLayout)
	snap.UTCOffset = FormatOffset(local)
	return snap
}

// FormatOffset renders t's zone offset as ±HH:MM.
func FormatOffset(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, (offset%3600)/60)
}
