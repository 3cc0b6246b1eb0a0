package schedule

import (
	"context"
	"database/sql"
)

// Repository reads schedule rows from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ByDeviceWeekday returns schedule entries for a device on a weekday,
// ordered by start time so resolution is deterministic.
func (r *Repository) ByDeviceWeekday(ctx context.Context, deviceID, weekday string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, device_id, weekday, start_time, end_time
		FROM schedules
		WHERE device_id = $1 AND weekday = $2
		ORDER BY start_time, class_id
	`, deviceID, weekday)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ClassID, &e.DeviceID, &e.Weekday, &e.Start, &e.End); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
