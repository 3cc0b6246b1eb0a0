package attendance

import "time"

// Status is a detection or final attendance status.
type Status string

const (
	StatusPresent   Status = "present"
	StatusLate      Status = "late"
	StatusAbsent    Status = "absent"
	StatusJustified Status = "justified"
)

// MaxPings is the accumulation cap per student per session.
const MaxPings = 3

// Ping is one sampled presence detection. At most MaxPings exist per
// (student, class, session date), numbered 1..3 without gaps.
type Ping struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	ClassID     string    `json:"class_id"`
	SessionDate time.Time `json:"session_date"`
	PingNumber  int       `json:"ping_number"`
	Status      Status    `json:"status"`
	PingedAt    time.Time `json:"pinged_at"`
}

// Record is the definitive attendance outcome for one student and session.
type Record struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	ClassID        string    `json:"class_id"`
	Date           time.Time `json:"date"`
	Status         Status    `json:"status"`
	AttendanceTime time.Time `json:"attendance_time"`
}

// Detection is one entry of an inbound device batch.
type Detection struct {
	StudentID  string    `json:"student_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// StudentPings groups the live pings of one student for display.
type StudentPings struct {
	StudentID string `json:"student"`
	Pings     []Ping `json:"pings"`
	PingCount int    `json:"ping_count"`
}

// StudentOutcome reports the per-student result of one batch round.
type StudentOutcome struct {
	StudentID  string `json:"student_id"`
	PingNumber int    `json:"ping_number,omitempty"`
	Status     Status `json:"status"`
	Finalized  bool   `json:"finalized,omitempty"`
}

// StudentError reports a per-student failure without aborting the batch.
type StudentError struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
}

// BatchResult is the outcome of one ingested detection batch.
type BatchResult struct {
	ClassID      string           `json:"class_id"`
	Date         time.Time        `json:"date"`
	Created      []StudentOutcome `json:"created"`
	MarkedAbsent []StudentOutcome `json:"marked_absent"`
	Errors       []StudentError   `json:"errors"`
}

// LegacyResult is the outcome of a legacy single-shot report.
type LegacyResult struct {
	Action string `json:"action"` // created or updated
	Record Record `json:"record"`
}

// DateKey normalizes a timestamp to its civil-date form used as a session key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
