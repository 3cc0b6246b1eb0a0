package attendance

import (
	"context"
	"fmt"
	"time"
)

// legacyZone is the fixed civil offset the older reporting devices were
// deployed with. It is deliberately not a dynamic timezone lookup.
var legacyZone = time.FixedZone("UTC-05", -5*3600)

// LegacyReport is the single-shot status-merge path retained for older
// devices. It bypasses ping accumulation entirely and applies its own merge
// table, which is independent from consolidation: a Present arriving after a
// Late or Absent downgrades to Late; any other submission is adopted as-is.
// The attendance time always moves to the new submission.
func (s *Service) LegacyReport(ctx context.Context, studentID, classID string, submitted Status) (LegacyResult, error) {
	if studentID == "" || classID == "" {
		return LegacyResult{}, fmt.Errorf("%w: student and class required", ErrValidation)
	}
	switch submitted {
	case StatusPresent, StatusLate, StatusAbsent:
	default:
		// Justified is administrative-only; devices cannot submit it.
		return LegacyResult{}, fmt.Errorf("%w: status %q not accepted on legacy path", ErrValidation, submitted)
	}

	now := s.now()
	local := now.In(legacyZone)
	y, m, d := local.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	existing, err := s.store.GetRecord(ctx, studentID, classID, today)
	if err != nil {
		return LegacyResult{}, err
	}

	if existing == nil {
		rec, err := s.store.UpsertRecord(ctx, Record{
			StudentID:      studentID,
			ClassID:        classID,
			Date:           today,
			Status:         submitted,
			AttendanceTime: now,
		})
		if err != nil {
			return LegacyResult{}, err
		}
		return LegacyResult{Action: "created", Record: rec}, nil
	}

	merged := legacyMerge(existing.Status, submitted)
	if err := s.store.UpdateRecord(ctx, existing.ID, merged, now); err != nil {
		return LegacyResult{}, err
	}
	existing.Status = merged
	existing.AttendanceTime = now
	return LegacyResult{Action: "updated", Record: *existing}, nil
}

// legacyMerge resolves a submitted status against the standing one.
func legacyMerge(previous, submitted Status) Status {
	if submitted == StatusPresent && (previous == StatusLate || previous == StatusAbsent) {
		return StatusLate
	}
	return submitted
}
