package sweeper

import (
	"context"
	"database/sql"
)

// Repository implements Store against Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DeleteCompletePings deletes all pings of triples having a third ping. The
// completeness check sits inside the statement so a sweep can never split a
// triple while ingestion is appending to it.
func (r *Repository) DeleteCompletePings(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pings p
		USING (
			SELECT DISTINCT student_id, class_id, session_date
			FROM pings
			WHERE ping_number = 3
		) done
		WHERE p.student_id = done.student_id
		  AND p.class_id = done.class_id
		  AND p.session_date = done.session_date
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAllPings wipes the ping table. Testing only.
func (r *Repository) DeleteAllPings(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pings`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PingStats counts the backlog: every triple with a third ping is complete,
// and its rows are ready for cleanup.
func (r *Repository) PingStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM pings),
			(SELECT COUNT(*) FROM (
				SELECT 1 FROM pings
				GROUP BY student_id, class_id, session_date
				HAVING MAX(ping_number) >= 3
			) c),
			(SELECT COUNT(*) FROM (
				SELECT 1 FROM pings
				GROUP BY student_id, class_id, session_date
				HAVING MAX(ping_number) < 3
			) i),
			(SELECT COUNT(*) FROM pings p WHERE EXISTS (
				SELECT 1 FROM pings q
				WHERE q.student_id = p.student_id
				  AND q.class_id = p.class_id
				  AND q.session_date = p.session_date
				  AND q.ping_number = 3
			))
	`).Scan(&st.Total, &st.CompletePairs, &st.IncompletePairs, &st.ReadyForCleanup)
	return st, err
}
