package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEmptyRoster means zero students are enrolled in the class; a batch
// against such a class has nothing to accumulate and stops there.
var ErrEmptyRoster = errors.New("empty roster")

// Student is one enrolled member of a class.
type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Provider reads enrollment snapshots from Postgres.
type Provider struct {
	db *sql.DB
}

// NewProvider creates a provider.
func NewProvider(db *sql.DB) *Provider {
	return &Provider{db: db}
}

// Enrolled returns every student enrolled in the class, in student-id order
// so batch processing is deterministic.
func (p *Provider) Enrolled(ctx context.Context, classID string) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.role
		FROM enrollments e
		JOIN students s ON s.id = e.student_id
		WHERE e.class_id = $1
		ORDER BY s.id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.Role); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, fmt.Errorf("%w: class %s", ErrEmptyRoster, classID)
	}
	return students, nil
}

// IsEnrolled reports class membership for one student; used by the live
// fan-out to authorize student room joins.
func (p *Provider) IsEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM enrollments WHERE student_id = $1 AND class_id = $2
	`, studentID, classID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
