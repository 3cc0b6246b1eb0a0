package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists pings and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id required", ErrValidation)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// DeviceExists reports whether a device is registered.
func (r *Repository) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM devices WHERE device_id = $1`, deviceID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// CountPings returns how many pings exist for the triple.
func (r *Repository) CountPings(ctx context.Context, studentID, classID string, date time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pings
		WHERE student_id = $1 AND class_id = $2 AND session_date = $3
	`, studentID, classID, date).Scan(&n)
	return n, err
}

// InsertPing writes a new ping. A unique violation on
// (student, class, date, ping_number) becomes ErrDuplicatePing; that is how a
// concurrent batch losing the third-ping race surfaces.
func (r *Repository) InsertPing(ctx context.Context, p Ping) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pings (id, student_id, class_id, session_date, ping_number, status, pinged_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.StudentID, p.ClassID, p.SessionDate, p.PingNumber, p.Status, p.PingedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s ping %d", ErrDuplicatePing, p.StudentID, p.PingNumber)
		}
		return err
	}
	return nil
}

// ListPings returns the pings for one triple ordered by ping number.
func (r *Repository) ListPings(ctx context.Context, studentID, classID string, date time.Time) ([]Ping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, session_date, ping_number, status, pinged_at
		FROM pings
		WHERE student_id = $1 AND class_id = $2 AND session_date = $3
		ORDER BY ping_number
	`, studentID, classID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPings(rows)
}

// ListActivePings returns every live ping for a class session grouped by
// student, in student-id order.
func (r *Repository) ListActivePings(ctx context.Context, classID string, date time.Time) ([]StudentPings, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, session_date, ping_number, status, pinged_at
		FROM pings
		WHERE class_id = $1 AND session_date = $2
		ORDER BY student_id, ping_number
	`, classID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pings, err := scanPings(rows)
	if err != nil {
		return nil, err
	}

	var grouped []StudentPings
	for _, p := range pings {
		if n := len(grouped); n == 0 || grouped[n-1].StudentID != p.StudentID {
			grouped = append(grouped, StudentPings{StudentID: p.StudentID})
		}
		last := &grouped[len(grouped)-1]
		last.Pings = append(last.Pings, p)
		last.PingCount++
	}
	return grouped, nil
}

// GetRecord returns the attendance record for a triple, or nil when absent.
func (r *Repository) GetRecord(ctx context.Context, studentID, classID string, date time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, class_id, record_date, status, attendance_time
		FROM attendance_records
		WHERE student_id = $1 AND class_id = $2 AND record_date = $3
	`, studentID, classID, date)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.Date, &rec.Status, &rec.AttendanceTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord creates the record or, when a race already created one for the
// triple, updates it in place.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, class_id, record_date, status, attendance_time)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (student_id, class_id, record_date) DO UPDATE SET
			status = EXCLUDED.status,
			attendance_time = EXCLUDED.attendance_time
		RETURNING id
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Date, rec.Status, rec.AttendanceTime)
	if err := row.Scan(&rec.ID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateRecord rewrites status and attendance time of an existing record.
func (r *Repository) UpdateRecord(ctx context.Context, id string, status Status, attendanceTime time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, attendance_time = $3
		WHERE id = $1
	`, id, status, attendanceTime)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return nil
}

func scanPings(rows *sql.Rows) ([]Ping, error) {
	var res []Ping
	for rows.Next() {
		var p Ping
		if err := rows.Scan(&p.ID, &p.StudentID, &p.ClassID, &p.SessionDate, &p.PingNumber, &p.Status, &p.PingedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
