package attendance

import (
	"context"
	"fmt"
	"log"
	"time"

	"classtrack/internal/metrics"
	"classtrack/internal/roster"
	"classtrack/internal/schedule"
)

// Event types published toward the live fan-out.
const (
	EventPingRecorded = "ping.recorded"
	EventRoomRefresh  = "room.refresh"
)

// PingEvent is the low-latency per-ping notification payload.
type PingEvent struct {
	ClassID string    `json:"class_id"`
	Date    time.Time `json:"date"`
	Ping    Ping      `json:"ping"`
}

// RefreshEvent asks the fan-out to push a fresh room snapshot.
type RefreshEvent struct {
	ClassID string      `json:"class_id"`
	Date    time.Time   `json:"date"`
	Results BatchResult `json:"processing_results"`
}

// Store is the persistence surface the service drives.
type Store interface {
	CountPings(ctx context.Context, studentID, classID string, date time.Time) (int, error)
	InsertPing(ctx context.Context, p Ping) error
	ListPings(ctx context.Context, studentID, classID string, date time.Time) ([]Ping, error)
	ListActivePings(ctx context.Context, classID string, date time.Time) ([]StudentPings, error)
	GetRecord(ctx context.Context, studentID, classID string, date time.Time) (*Record, error)
	UpsertRecord(ctx context.Context, rec Record) (Record, error)
	UpdateRecord(ctx context.Context, id string, status Status, attendanceTime time.Time) error
}

// SessionResolver finds the active class session for a device report.
type SessionResolver interface {
	Resolve(ctx context.Context, deviceID string, at time.Time) (schedule.Session, error)
}

// RosterSource returns the enrolled-student snapshot of a class.
type RosterSource interface {
	Enrolled(ctx context.Context, classID string) ([]roster.Student, error)
}

// Publisher emits best-effort events toward the fan-out; failures are the
// publisher's to log, never the write path's.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// Service drives ping accumulation, consolidation and the legacy merge path.
type Service struct {
	store    Store
	sessions SessionResolver
	roster   RosterSource
	events   Publisher
	now      func() time.Time
}

// NewService creates a service. events may be nil when no fan-out is wired.
func NewService(store Store, sessions SessionResolver, rosterSrc RosterSource, events Publisher) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		roster:   rosterSrc,
		events:   events,
		now:      time.Now,
	}
}

// IngestBatch processes one device detection batch. The session is resolved
// once for the whole batch; a resolution or roster failure aborts before any
// write. Every enrolled student gets exactly one accumulation step, detected
// or not; an empty batch is a legal round that marks everyone absent.
// Per-student failures land in the errors bucket and never stop the batch.
func (s *Service) IngestBatch(ctx context.Context, deviceID string, detections []Detection, reference *time.Time) (BatchResult, error) {
	refTime := s.referenceTime(detections, reference)

	sess, err := s.sessions.Resolve(ctx, deviceID, refTime)
	if err != nil {
		return BatchResult{}, err
	}
	students, err := s.roster.Enrolled(ctx, sess.ClassID)
	if err != nil {
		return BatchResult{}, err
	}

	detected := make(map[string]Detection, len(detections))
	for _, d := range detections {
		detected[d.StudentID] = d
	}

	result := BatchResult{ClassID: sess.ClassID, Date: sess.Date}
	enrolled := make(map[string]bool, len(students))

	for _, st := range students {
		enrolled[st.ID] = true
		det, wasDetected := detected[st.ID]
		s.accumulate(ctx, &result, sess, st.ID, det, wasDetected, refTime)
	}

	// Batch entries for students outside the roster are reported, not dropped.
	for _, d := range detections {
		if !enrolled[d.StudentID] {
			result.Errors = append(result.Errors, StudentError{
				StudentID: d.StudentID,
				Reason:    "student not enrolled in class " + sess.ClassID,
			})
		}
	}

	metrics.BatchesProcessed.Inc()
	s.publish(ctx, EventRoomRefresh, RefreshEvent{ClassID: sess.ClassID, Date: sess.Date, Results: result})
	return result, nil
}

// accumulate runs one student's step of the batch: skip when finalized,
// otherwise append the next ping and consolidate when it is the third.
func (s *Service) accumulate(ctx context.Context, result *BatchResult, sess schedule.Session, studentID string, det Detection, wasDetected bool, refTime time.Time) {
	rec, err := s.store.GetRecord(ctx, studentID, sess.ClassID, sess.Date)
	if err != nil {
		result.Errors = append(result.Errors, StudentError{StudentID: studentID, Reason: err.Error()})
		return
	}
	if rec != nil {
		// Finalized triples are closed: report the standing status, write nothing.
		result.Created = append(result.Created, StudentOutcome{StudentID: studentID, Status: rec.Status, Finalized: true})
		return
	}

	count, err := s.store.CountPings(ctx, studentID, sess.ClassID, sess.Date)
	if err != nil {
		result.Errors = append(result.Errors, StudentError{StudentID: studentID, Reason: err.Error()})
		return
	}
	if count >= MaxPings {
		// Unreachable once consolidation closes the triple; report, don't write.
		status := StatusAbsent
		if pings, perr := s.store.ListPings(ctx, studentID, sess.ClassID, sess.Date); perr == nil && len(pings) > 0 {
			status = pings[len(pings)-1].Status
		}
		result.Created = append(result.Created, StudentOutcome{StudentID: studentID, PingNumber: count, Status: status})
		return
	}

	ping := Ping{
		StudentID:   studentID,
		ClassID:     sess.ClassID,
		SessionDate: sess.Date,
		PingNumber:  count + 1,
		Status:      StatusAbsent,
		PingedAt:    refTime,
	}
	if wasDetected {
		ping.Status = StatusPresent
		if !det.DetectedAt.IsZero() {
			ping.PingedAt = det.DetectedAt
		}
	}
	if ping.PingedAt.IsZero() {
		ping.PingedAt = s.now()
	}

	if err := s.store.InsertPing(ctx, ping); err != nil {
		result.Errors = append(result.Errors, StudentError{StudentID: studentID, Reason: err.Error()})
		return
	}
	metrics.PingsWritten.WithLabelValues(string(ping.Status)).Inc()
	s.publish(ctx, EventPingRecorded, PingEvent{ClassID: sess.ClassID, Date: sess.Date, Ping: ping})

	outcome := StudentOutcome{StudentID: studentID, PingNumber: ping.PingNumber, Status: ping.Status}
	if wasDetected {
		result.Created = append(result.Created, outcome)
	} else {
		result.MarkedAbsent = append(result.MarkedAbsent, outcome)
	}

	if ping.PingNumber == MaxPings {
		if _, err := s.Consolidate(ctx, studentID, sess.ClassID, sess.Date); err != nil {
			log.Printf("consolidation failed for student %s class %s: %v", studentID, sess.ClassID, err)
			result.Errors = append(result.Errors, StudentError{StudentID: studentID, Reason: "consolidation: " + err.Error()})
		}
	}
}

// GetActivePings returns the live grouped ping listing for a class session.
// A zero date means today (UTC).
func (s *Service) GetActivePings(ctx context.Context, classID string, date time.Time) ([]StudentPings, error) {
	if classID == "" {
		return nil, fmt.Errorf("%w: class id required", ErrValidation)
	}
	if date.IsZero() {
		y, m, d := s.now().UTC().Date()
		date = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return s.store.ListActivePings(ctx, classID, date)
}

// referenceTime applies the precedence: explicit reference, then the first
// detection's own timestamp, then wall clock (only reachable for an empty
// batch).
func (s *Service) referenceTime(detections []Detection, reference *time.Time) time.Time {
	if reference != nil && !reference.IsZero() {
		return *reference
	}
	if len(detections) > 0 && !detections[0].DetectedAt.IsZero() {
		return detections[0].DetectedAt
	}
	return s.now()
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, payload)
}
