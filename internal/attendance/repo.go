package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository persists attendance records in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetSchedule returns schedule reference data, or nil when absent.
func (r *PostgresRepository) GetSchedule(ctx context.Context, scheduleID int64) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, offering_id, COALESCE(day_of_week, 0), COALESCE(start_time::text, ''), COALESCE(end_time::text, ''), COALESCE(room, '')
		FROM class_schedules WHERE id = $1
	`, scheduleID)
	var sched Schedule
	if err := row.Scan(&sched.ID, &sched.OfferingID, &sched.DayOfWeek, &sched.StartTime, &sched.EndTime, &sched.Room); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sched, nil
}

// GetRecord returns the record for (enrollment, schedule, date), or nil.
func (r *PostgresRepository) GetRecord(ctx context.Context, enrollmentID, scheduleID int64, date time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, enrollment_id, schedule_id, attendance_date, status, COALESCE(notes, ''), COALESCE(recorded_by, 0), recorded_via, recorded_at
		FROM attendance_records
		WHERE enrollment_id = $1 AND schedule_id = $2 AND attendance_date = $3
	`, enrollmentID, scheduleID, date)
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertRecord writes a new record. The unique constraint on
// (enrollment_id, schedule_id, attendance_date) surfaces as ErrDuplicate.
func (r *PostgresRepository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, enrollment_id, schedule_id, attendance_date, status, notes, recorded_by, recorded_via)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, 0), $8)
		RETURNING recorded_at
	`, rec.ID, rec.EnrollmentID, rec.ScheduleID, rec.Date, rec.Status, rec.Notes, rec.RecordedBy, rec.RecordedVia)
	if err := row.Scan(&rec.RecordedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, ErrDuplicate
		}
		return Record{}, err
	}
	return rec, nil
}

// ListBySchedule returns records for a schedule, optionally filtered by date.
func (r *PostgresRepository) ListBySchedule(ctx context.Context, scheduleID int64, date *time.Time) ([]Record, error) {
	query := `
		SELECT id, enrollment_id, schedule_id, attendance_date, status, COALESCE(notes, ''), COALESCE(recorded_by, 0), recorded_via, recorded_at
		FROM attendance_records WHERE schedule_id = $1`
	args := []any{scheduleID}
	if date != nil {
		query += ` AND attendance_date = $2`
		args = append(args, *date)
	}
	query += ` ORDER BY attendance_date DESC, recorded_at DESC`
	return r.list(ctx, query, args...)
}

// ListByStudentAndOffering returns a student's records across all schedules
// of an offering.
func (r *PostgresRepository) ListByStudentAndOffering(ctx context.Context, studentID, offeringID int64) ([]Record, error) {
	return r.list(ctx, `
		SELECT a.id, a.enrollment_id, a.schedule_id, a.attendance_date, a.status, COALESCE(a.notes, ''), COALESCE(a.recorded_by, 0), a.recorded_via, a.recorded_at
		FROM attendance_records a
		JOIN enrollments e ON e.id = a.enrollment_id
		WHERE e.student_id = $1 AND e.offering_id = $2
		ORDER BY a.attendance_date DESC
	`, studentID, offeringID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(scan func(...any) error, rec *Record) error {
	return scan(&rec.ID, &rec.EnrollmentID, &rec.ScheduleID, &rec.Date, &rec.Status, &rec.Notes, &rec.RecordedBy, &rec.RecordedVia, &rec.RecordedAt)
}
