package sessioncode

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepository persists session codes in Postgres. The primary key on
// schedule_id is what makes "at most one live code per schedule" hold under
// concurrent writers.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Replace upserts the code row; last write wins.
func (r *PostgresRepository) Replace(ctx context.Context, code Code) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_codes (schedule_id, code, issued_at, issued_by, present_window_minutes, late_window_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (schedule_id) DO UPDATE SET
			code = EXCLUDED.code,
			issued_at = EXCLUDED.issued_at,
			issued_by = EXCLUDED.issued_by,
			present_window_minutes = EXCLUDED.present_window_minutes,
			late_window_minutes = EXCLUDED.late_window_minutes
	`, code.ScheduleID, code.Code, code.IssuedAt, code.IssuedBy, code.PresentWindowMinutes, code.LateWindowMinutes)
	return err
}

// Get returns the code row for a schedule, or nil when absent.
func (r *PostgresRepository) Get(ctx context.Context, scheduleID int64) (*Code, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT schedule_id, code, issued_at, issued_by, present_window_minutes, late_window_minutes
		FROM session_codes WHERE schedule_id = $1
	`, scheduleID)
	var code Code
	if err := row.Scan(&code.ScheduleID, &code.Code, &code.IssuedAt, &code.IssuedBy, &code.PresentWindowMinutes, &code.LateWindowMinutes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &code, nil
}

// Delete removes the code row if present.
func (r *PostgresRepository) Delete(ctx context.Context, scheduleID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_codes WHERE schedule_id = $1`, scheduleID)
	return err
}
