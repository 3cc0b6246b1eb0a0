package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolution outcomes. All are reported results for the caller to map to a
// response; none of them aborts processing on its own.
var (
	ErrNoScheduleFound   = errors.New("no schedule for device and weekday")
	ErrOutsideWindow     = errors.New("time outside schedule window")
	ErrAmbiguousSchedule = errors.New("overlapping schedule windows for device")
)

// Entry is one read-only schedule row: a device teaches a class in a weekly
// time window. Start and End are local times of day, "15:04:05" form.
type Entry struct {
	ID       string
	ClassID  string
	DeviceID string
	Weekday  string
	Start    string
	End      string
}

// Session is the (class, calendar date) pair a device report belongs to.
// Derived, never stored.
type Session struct {
	ClassID   string
	Date      time.Time
	TimeOfDay string
}

// Source lists schedule entries for a device on a weekday, ordered by start time.
type Source interface {
	ByDeviceWeekday(ctx context.Context, deviceID, weekday string) ([]Entry, error)
}

// Resolver maps a device report instant onto the active class session.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver over a schedule source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve determines the session active for deviceID at the given instant.
// Entries exist but none contains the time -> ErrOutsideWindow. More than one
// contains it -> ErrAmbiguousSchedule: overlapping windows on one device are
// a data error the resolver refuses to pick from.
func (r *Resolver) Resolve(ctx context.Context, deviceID string, at time.Time) (Session, error) {
	if deviceID == "" {
		return Session{}, errors.New("device id required")
	}

	weekday := at.Weekday().String()
	entries, err := r.src.ByDeviceWeekday(ctx, deviceID, weekday)
	if err != nil {
		return Session{}, err
	}
	if len(entries) == 0 {
		return Session{}, fmt.Errorf("%w: device %s on %s", ErrNoScheduleFound, deviceID, weekday)
	}

	tod := at.Format("15:04:05")
	sec, err := secondsOfDay(tod)
	if err != nil {
		return Session{}, err
	}

	var hit *Entry
	for i := range entries {
		start, err := secondsOfDay(entries[i].Start)
		if err != nil {
			return Session{}, fmt.Errorf("schedule %s: %w", entries[i].ID, err)
		}
		end, err := secondsOfDay(entries[i].End)
		if err != nil {
			return Session{}, fmt.Errorf("schedule %s: %w", entries[i].ID, err)
		}
		if sec >= start && sec <= end {
			if hit != nil {
				return Session{}, fmt.Errorf("%w: %s at %s", ErrAmbiguousSchedule, deviceID, tod)
			}
			hit = &entries[i]
		}
	}
	if hit == nil {
		return Session{}, fmt.Errorf("%w: device %s at %s", ErrOutsideWindow, deviceID, tod)
	}

	year, month, day := at.Date()
	return Session{
		ClassID:   hit.ClassID,
		Date:      time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		TimeOfDay: tod,
	}, nil
}

func secondsOfDay(hhmmss string) (int, error) {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		return 0, fmt.Errorf("bad time of day %q: %w", hhmmss, err)
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}
