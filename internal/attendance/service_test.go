package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"classtrack/internal/roster"
	"classtrack/internal/schedule"
)

// memStore implements Store in memory with the same contract as the Postgres
// repository, including the unique-violation behavior on duplicate pings.
type memStore struct {
	mu      sync.Mutex
	pings   map[string][]Ping
	records map[string]Record
	nextID  int

	insertErr    error // returned once by the next InsertPing
	upsertErrFor string
}

func newMemStore() *memStore {
	return &memStore{
		pings:   make(map[string][]Ping),
		records: make(map[string]Record),
	}
}

func tripleKey(studentID, classID string, date time.Time) string {
	return studentID + "|" + classID + "|" + DateKey(date)
}

func (m *memStore) CountPings(_ context.Context, studentID, classID string, date time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pings[tripleKey(studentID, classID, date)]), nil
}

func (m *memStore) InsertPing(_ context.Context, p Ping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		err := m.insertErr
		m.insertErr = nil
		return err
	}
	key := tripleKey(p.StudentID, p.ClassID, p.SessionDate)
	for _, existing := range m.pings[key] {
		if existing.PingNumber == p.PingNumber {
			return fmt.Errorf("%w: %s ping %d", ErrDuplicatePing, p.StudentID, p.PingNumber)
		}
	}
	m.nextID++
	p.ID = fmt.Sprintf("ping-%d", m.nextID)
	m.pings[key] = append(m.pings[key], p)
	return nil
}

func (m *memStore) ListPings(_ context.Context, studentID, classID string, date time.Time) ([]Ping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Ping(nil), m.pings[tripleKey(studentID, classID, date)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PingNumber < out[j].PingNumber })
	return out, nil
}

func (m *memStore) ListActivePings(_ context.Context, classID string, date time.Time) ([]StudentPings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStudent := make(map[string][]Ping)
	for _, pings := range m.pings {
		for _, p := range pings {
			if p.ClassID == classID && DateKey(p.SessionDate) == DateKey(date) {
				byStudent[p.StudentID] = append(byStudent[p.StudentID], p)
			}
		}
	}
	ids := make([]string, 0, len(byStudent))
	for id := range byStudent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var grouped []StudentPings
	for _, id := range ids {
		pings := byStudent[id]
		sort.Slice(pings, func(i, j int) bool { return pings[i].PingNumber < pings[j].PingNumber })
		grouped = append(grouped, StudentPings{StudentID: id, Pings: pings, PingCount: len(pings)})
	}
	return grouped, nil
}

func (m *memStore) GetRecord(_ context.Context, studentID, classID string, date time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tripleKey(studentID, classID, date)]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *memStore) UpsertRecord(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.StudentID == m.upsertErrFor {
		return Record{}, errors.New("storage failure")
	}
	key := tripleKey(rec.StudentID, rec.ClassID, rec.Date)
	if existing, ok := m.records[key]; ok {
		rec.ID = existing.ID
	} else if rec.ID == "" {
		m.nextID++
		rec.ID = fmt.Sprintf("rec-%d", m.nextID)
	}
	m.records[key] = rec
	return rec, nil
}

func (m *memStore) UpdateRecord(_ context.Context, id string, status Status, attendanceTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		if rec.ID == id {
			rec.Status = status
			rec.AttendanceTime = attendanceTime
			m.records[key] = rec
			return nil
		}
	}
	return fmt.Errorf("%w: record %s", ErrNotFound, id)
}

// fixedResolver resolves every device to one session.
type fixedResolver struct {
	sess schedule.Session
	err  error
}

func (f *fixedResolver) Resolve(context.Context, string, time.Time) (schedule.Session, error) {
	return f.sess, f.err
}

// listRoster serves a static roster.
type listRoster struct {
	students []roster.Student
}

func (l *listRoster) Enrolled(_ context.Context, classID string) ([]roster.Student, error) {
	if len(l.students) == 0 {
		return nil, fmt.Errorf("%w: class %s", roster.ErrEmptyRoster, classID)
	}
	return l.students, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (c *capturePublisher) Publish(_ context.Context, eventType string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *capturePublisher) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == eventType {
			n++
		}
	}
	return n
}

var testSession = schedule.Session{
	ClassID:   "class-1",
	Date:      time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	TimeOfDay: "10:00:00",
}

func newTestService(store *memStore, students ...string) (*Service, *capturePublisher) {
	r := &listRoster{}
	for _, id := range students {
		r.students = append(r.students, roster.Student{ID: id, Role: "student"})
	}
	pub := &capturePublisher{}
	svc := NewService(store, &fixedResolver{sess: testSession}, r, pub)
	svc.now = func() time.Time { return time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC) }
	return svc, pub
}

func detect(students ...string) []Detection {
	var out []Detection
	for i, id := range students {
		out = append(out, Detection{
			StudentID:  id,
			DetectedAt: time.Date(2024, 3, 11, 10, 0, i, 0, time.UTC),
		})
	}
	return out
}

func TestEmptyBatchMarksEveryoneAbsent(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1", "s2")

	result, err := svc.IngestBatch(context.Background(), "dev-1", nil, nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(result.MarkedAbsent) != 2 || len(result.Created) != 0 || len(result.Errors) != 0 {
		t.Fatalf("unexpected buckets: %+v", result)
	}
	for _, studentID := range []string{"s1", "s2"} {
		pings, _ := store.ListPings(context.Background(), studentID, "class-1", testSession.Date)
		if len(pings) != 1 {
			t.Fatalf("student %s: expected 1 ping, got %d", studentID, len(pings))
		}
		if pings[0].Status != StatusAbsent || pings[0].PingNumber != 1 {
			t.Errorf("student %s: unexpected ping %+v", studentID, pings[0])
		}
	}
}

func TestBatchProcessesStudentsInRosterOrder(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1", "s2", "s3")

	result, err := svc.IngestBatch(context.Background(), "dev-1", detect("s2"), nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].StudentID != "s2" {
		t.Fatalf("created bucket: %+v", result.Created)
	}
	if len(result.MarkedAbsent) != 2 {
		t.Fatalf("absent bucket: %+v", result.MarkedAbsent)
	}
	if result.MarkedAbsent[0].StudentID != "s1" || result.MarkedAbsent[1].StudentID != "s3" {
		t.Errorf("roster order broken: %+v", result.MarkedAbsent)
	}
}

func TestThirdPingTriggersConsolidation(t *testing.T) {
	// Scenario: S1 detected three times, S2 never.
	store := newMemStore()
	svc, pub := newTestService(store, "s1", "s2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.IngestBatch(ctx, "dev-1", detect("s1"), nil); err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
	}

	rec1, _ := store.GetRecord(ctx, "s1", "class-1", testSession.Date)
	if rec1 == nil || rec1.Status != StatusPresent {
		t.Fatalf("s1 record: %+v", rec1)
	}
	rec2, _ := store.GetRecord(ctx, "s2", "class-1", testSession.Date)
	if rec2 == nil || rec2.Status != StatusAbsent {
		t.Fatalf("s2 record: %+v", rec2)
	}

	// Consolidation leaves the raw pings for the sweeper.
	pings, _ := store.ListPings(ctx, "s1", "class-1", testSession.Date)
	if len(pings) != 3 {
		t.Errorf("expected 3 surviving pings, got %d", len(pings))
	}
	if got := pub.count(EventRoomRefresh); got != 3 {
		t.Errorf("expected one refresh per batch, got %d", got)
	}
}

func TestSinglePresenceConsolidatesToLate(t *testing.T) {
	// Scenario: detected in batch 1 only.
	store := newMemStore()
	svc, _ := newTestService(store, "s1")
	ctx := context.Background()

	if _, err := svc.IngestBatch(ctx, "dev-1", detect("s1"), nil); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.IngestBatch(ctx, "dev-1", nil, nil); err != nil {
			t.Fatalf("batch %d: %v", i+2, err)
		}
	}

	rec, _ := store.GetRecord(ctx, "s1", "class-1", testSession.Date)
	if rec == nil || rec.Status != StatusLate {
		t.Fatalf("expected late, got %+v", rec)
	}
}

func TestFinalizedTripleIsClosed(t *testing.T) {
	// Scenario: a fourth batch after consolidation reports the standing
	// status and writes nothing.
	store := newMemStore()
	svc, _ := newTestService(store, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.IngestBatch(ctx, "dev-1", detect("s1"), nil); err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
	}

	result, err := svc.IngestBatch(ctx, "dev-1", detect("s1"), nil)
	if err != nil {
		t.Fatalf("batch 4: %v", err)
	}
	if len(result.Created) != 1 || !result.Created[0].Finalized || result.Created[0].Status != StatusPresent {
		t.Fatalf("expected finalized present outcome, got %+v", result.Created)
	}
	pings, _ := store.ListPings(ctx, "s1", "class-1", testSession.Date)
	if len(pings) != 3 {
		t.Errorf("a closed triple must not grow: %d pings", len(pings))
	}
}

func TestOutOfRosterDetectionReported(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1")

	result, err := svc.IngestBatch(context.Background(), "dev-1", detect("s1", "intruder"), nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].StudentID != "intruder" {
		t.Fatalf("expected out-of-roster error, got %+v", result.Errors)
	}
	if len(result.Created) != 1 {
		t.Errorf("enrolled student must still be processed: %+v", result.Created)
	}
}

func TestResolutionFailureAbortsBeforeWrites(t *testing.T) {
	store := newMemStore()
	pub := &capturePublisher{}
	svc := NewService(store, &fixedResolver{err: schedule.ErrOutsideWindow}, &listRoster{
		students: []roster.Student{{ID: "s1"}},
	}, pub)

	_, err := svc.IngestBatch(context.Background(), "dev-1", detect("s1"), nil)
	if !errors.Is(err, schedule.ErrOutsideWindow) {
		t.Fatalf("expected schedule error, got %v", err)
	}
	if len(store.pings) != 0 {
		t.Error("no pings may be written when resolution fails")
	}
	if pub.count(EventRoomRefresh) != 0 {
		t.Error("no refresh may be published when resolution fails")
	}
}

func TestDuplicatePingRaceBecomesStudentError(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1", "s2")
	ctx := context.Background()

	store.insertErr = fmt.Errorf("%w: s1 ping 3", ErrDuplicatePing)
	result, err := svc.IngestBatch(ctx, "dev-1", detect("s1", "s2"), nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].StudentID != "s1" {
		t.Fatalf("expected s1 conflict error, got %+v", result.Errors)
	}
	// s2 processed normally despite s1's conflict.
	if len(result.Created) != 1 || result.Created[0].StudentID != "s2" {
		t.Fatalf("expected s2 created, got %+v", result.Created)
	}
}

func TestConsolidationFailureDoesNotAbortBatch(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1", "s2")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.IngestBatch(ctx, "dev-1", detect("s1", "s2"), nil); err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
	}

	store.upsertErrFor = "s1"
	result, err := svc.IngestBatch(ctx, "dev-1", detect("s1", "s2"), nil)
	if err != nil {
		t.Fatalf("batch 3: %v", err)
	}
	found := false
	for _, e := range result.Errors {
		if e.StudentID == "s1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected consolidation error for s1: %+v", result.Errors)
	}
	// s1's ping write stands even though consolidation failed.
	pings, _ := store.ListPings(ctx, "s1", "class-1", testSession.Date)
	if len(pings) != 3 {
		t.Errorf("expected 3 pings for s1, got %d", len(pings))
	}
	rec, _ := store.GetRecord(ctx, "s2", "class-1", testSession.Date)
	if rec == nil || rec.Status != StatusPresent {
		t.Errorf("s2 must consolidate normally: %+v", rec)
	}
}

func TestReferenceTimePrecedence(t *testing.T) {
	explicit := time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)
	first := time.Date(2024, 3, 11, 10, 15, 0, 0, time.UTC)
	wallClock := time.Date(2024, 3, 11, 11, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		detections []Detection
		reference  *time.Time
		want       time.Time
	}{
		{"explicit wins", []Detection{{StudentID: "s1", DetectedAt: first}}, &explicit, explicit},
		{"first detection", []Detection{{StudentID: "s1", DetectedAt: first}}, nil, first},
		{"wall clock for empty batch", nil, nil, wallClock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(newMemStore(), "s1")
			svc.now = func() time.Time { return wallClock }
			got := svc.referenceTime(tc.detections, tc.reference)
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAbsencePingUsesReferenceTime(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1")
	ref := time.Date(2024, 3, 11, 10, 20, 0, 0, time.UTC)

	if _, err := svc.IngestBatch(context.Background(), "dev-1", nil, &ref); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	pings, _ := store.ListPings(context.Background(), "s1", "class-1", testSession.Date)
	if len(pings) != 1 || !pings[0].PingedAt.Equal(ref) {
		t.Fatalf("absence ping must carry the reference time: %+v", pings)
	}
}

func TestGetActivePingsGroupsByStudent(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, "s1", "s2")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.IngestBatch(ctx, "dev-1", detect("s1"), nil); err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
	}

	grouped, err := svc.GetActivePings(ctx, "class-1", testSession.Date)
	if err != nil {
		t.Fatalf("GetActivePings: %v", err)
	}
	if len(grouped) != 2 {
		t.Fatalf("expected 2 students, got %d", len(grouped))
	}
	if grouped[0].StudentID != "s1" || grouped[0].PingCount != 2 {
		t.Errorf("s1 group: %+v", grouped[0])
	}
}
