package attendance

import (
	"context"
	"fmt"
	"time"

	"classtrack/internal/metrics"
)

// Consolidate converges the three accumulated pings of one triple into the
// definitive attendance record. Fewer than three pings is an inconsistency,
// never a guess. Pings survive consolidation; the retention sweeper owns
// their deletion so observers keep a short window on the raw samples.
func (s *Service) Consolidate(ctx context.Context, studentID, classID string, date time.Time) (Record, error) {
	pings, err := s.store.ListPings(ctx, studentID, classID, date)
	if err != nil {
		metrics.ConsolidationFailures.Inc()
		return Record{}, err
	}
	if len(pings) < MaxPings {
		metrics.ConsolidationFailures.Inc()
		return Record{}, fmt.Errorf("%w: student %s has %d", ErrConsolidation, studentID, len(pings))
	}

	presentCount := 0
	attendanceTime := pings[0].PingedAt
	for _, p := range pings {
		if p.Status == StatusPresent {
			presentCount++
		}
		if p.PingNumber == 1 {
			attendanceTime = p.PingedAt
		}
	}

	rec := Record{
		StudentID:      studentID,
		ClassID:        classID,
		Date:           date,
		Status:         finalStatus(presentCount),
		AttendanceTime: attendanceTime,
	}
	rec, err = s.store.UpsertRecord(ctx, rec)
	if err != nil {
		metrics.ConsolidationFailures.Inc()
		return Record{}, err
	}
	metrics.Consolidations.WithLabelValues(string(rec.Status)).Inc()
	return rec, nil
}

// finalStatus maps the number of present pings to the converged status.
func finalStatus(presentCount int) Status {
	switch {
	case presentCount >= 2:
		return StatusPresent
	case presentCount == 1:
		return StatusLate
	default:
		return StatusAbsent
	}
}
