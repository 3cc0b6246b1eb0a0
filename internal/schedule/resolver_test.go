package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticSource struct {
	entries map[string][]Entry // keyed by device|weekday
	err     error
}

func (s *staticSource) ByDeviceWeekday(_ context.Context, deviceID, weekday string) ([]Entry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entries[deviceID+"|"+weekday], nil
}

// 2024-03-11 is a Monday.
func monday(hour, min int) time.Time {
	return time.Date(2024, 3, 11, hour, min, 0, 0, time.UTC)
}

func newTestResolver(entries ...Entry) *Resolver {
	src := &staticSource{entries: make(map[string][]Entry)}
	for _, e := range entries {
		key := e.DeviceID + "|" + e.Weekday
		src.entries[key] = append(src.entries[key], e)
	}
	return NewResolver(src)
}

func TestResolveActiveSession(t *testing.T) {
	r := newTestResolver(Entry{
		ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
		Weekday: "Monday", Start: "10:00:00", End: "11:30:00",
	})

	sess, err := r.Resolve(context.Background(), "dev-1", monday(10, 45))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sess.ClassID != "class-1" {
		t.Errorf("class %s, want class-1", sess.ClassID)
	}
	if got := sess.Date.Format("2006-01-02"); got != "2024-03-11" {
		t.Errorf("date %s, want 2024-03-11", got)
	}
	if sess.TimeOfDay != "10:45:00" {
		t.Errorf("time of day %s", sess.TimeOfDay)
	}
}

func TestResolveWindowIsInclusive(t *testing.T) {
	r := newTestResolver(Entry{
		ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
		Weekday: "Monday", Start: "10:00:00", End: "11:30:00",
	})

	for _, at := range []time.Time{monday(10, 0), monday(11, 30)} {
		if _, err := r.Resolve(context.Background(), "dev-1", at); err != nil {
			t.Errorf("boundary %v must resolve: %v", at, err)
		}
	}
}

func TestResolveNoScheduleFound(t *testing.T) {
	r := newTestResolver() // nothing scheduled at all

	_, err := r.Resolve(context.Background(), "dev-1", monday(10, 0))
	if !errors.Is(err, ErrNoScheduleFound) {
		t.Fatalf("expected no-schedule, got %v", err)
	}
}

func TestResolveOutsideWindow(t *testing.T) {
	r := newTestResolver(Entry{
		ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
		Weekday: "Monday", Start: "10:00:00", End: "11:30:00",
	})

	_, err := r.Resolve(context.Background(), "dev-1", monday(12, 0))
	if !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected outside-window, got %v", err)
	}
}

func TestResolveDifferentWeekdayDoesNotMatch(t *testing.T) {
	r := newTestResolver(Entry{
		ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
		Weekday: "Tuesday", Start: "10:00:00", End: "11:30:00",
	})

	_, err := r.Resolve(context.Background(), "dev-1", monday(10, 30))
	if !errors.Is(err, ErrNoScheduleFound) {
		t.Fatalf("expected no-schedule on Monday, got %v", err)
	}
}

func TestResolveOverlappingWindowsAreRejected(t *testing.T) {
	r := newTestResolver(
		Entry{ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
			Weekday: "Monday", Start: "10:00:00", End: "11:30:00"},
		Entry{ID: "sch-2", ClassID: "class-2", DeviceID: "dev-1",
			Weekday: "Monday", Start: "11:00:00", End: "12:00:00"},
	)

	// 11:15 falls in both windows: ambiguous, never first-match-wins.
	_, err := r.Resolve(context.Background(), "dev-1", monday(11, 15))
	if !errors.Is(err, ErrAmbiguousSchedule) {
		t.Fatalf("expected ambiguous, got %v", err)
	}

	// 10:30 falls in exactly one window and still resolves.
	sess, err := r.Resolve(context.Background(), "dev-1", monday(10, 30))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sess.ClassID != "class-1" {
		t.Errorf("class %s, want class-1", sess.ClassID)
	}
}

func TestResolveBackToBackWindows(t *testing.T) {
	r := newTestResolver(
		Entry{ID: "sch-1", ClassID: "class-1", DeviceID: "dev-1",
			Weekday: "Monday", Start: "08:00:00", End: "09:00:00"},
		Entry{ID: "sch-2", ClassID: "class-2", DeviceID: "dev-1",
			Weekday: "Monday", Start: "09:30:00", End: "10:30:00"},
	)

	sess, err := r.Resolve(context.Background(), "dev-1", monday(9, 45))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sess.ClassID != "class-2" {
		t.Errorf("class %s, want class-2", sess.ClassID)
	}
}
