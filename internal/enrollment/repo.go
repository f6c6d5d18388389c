package enrollment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository persists enrollments in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetOffering returns offering reference data, or nil when absent.
func (r *PostgresRepository) GetOffering(ctx context.Context, offeringID int64) (*Offering, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_code, title, capacity, enrollment_code, active
		FROM course_offerings WHERE id = $1
	`, offeringID)
	var off Offering
	if err := row.Scan(&off.ID, &off.CourseCode, &off.Title, &off.Capacity, &off.EnrollmentCode, &off.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &off, nil
}

// GetByID returns an enrollment by primary key, or nil when absent.
func (r *PostgresRepository) GetByID(ctx context.Context, enrollmentID int64) (*Enrollment, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, student_id, offering_id, status, grade, enrolled_at
		FROM enrollments WHERE id = $1
	`, enrollmentID))
}

// GetByStudentAndOffering returns the enrollment for a (student, offering)
// pair in any status, or nil when absent.
func (r *PostgresRepository) GetByStudentAndOffering(ctx context.Context, studentID, offeringID int64) (*Enrollment, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, student_id, offering_id, status, grade, enrolled_at
		FROM enrollments WHERE student_id = $1 AND offering_id = $2
	`, studentID, offeringID))
}

// ListByStudent returns all enrollments for a student.
func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID int64) ([]Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, offering_id, status, grade, enrolled_at
		FROM enrollments WHERE student_id = $1
		ORDER BY enrolled_at DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Enrollment
	for rows.Next() {
		var enr Enrollment
		if err := rows.Scan(&enr.ID, &enr.StudentID, &enr.OfferingID, &enr.Status, &enr.Grade, &enr.EnrolledAt); err != nil {
			return nil, err
		}
		res = append(res, enr)
	}
	return res, rows.Err()
}

// CountEnrolled counts ENROLLED rows for an offering.
func (r *PostgresRepository) CountEnrolled(ctx context.Context, offeringID int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE offering_id = $1 AND status = $2
	`, offeringID, StatusEnrolled).Scan(&count)
	return count, err
}

// CreateEnrolled inserts a new ENROLLED row. The offering row is locked for
// the duration of the transaction so the count-then-insert cannot race past
// the capacity ceiling; the (student_id, offering_id) unique constraint
// turns concurrent duplicate enrolls into ErrDuplicate.
func (r *PostgresRepository) CreateEnrolled(ctx context.Context, studentID, offeringID int64) (Enrollment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Enrollment{}, err
	}
	defer tx.Rollback()

	capacity, err := lockOffering(ctx, tx, offeringID)
	if err != nil {
		return Enrollment{}, err
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE offering_id = $1 AND status = $2
	`, offeringID, StatusEnrolled).Scan(&count); err != nil {
		return Enrollment{}, err
	}
	if count >= int64(capacity) {
		return Enrollment{}, ErrFull
	}

	var enr Enrollment
	err = tx.QueryRowContext(ctx, `
		INSERT INTO enrollments (student_id, offering_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, student_id, offering_id, status, grade, enrolled_at
	`, studentID, offeringID, StatusEnrolled).Scan(&enr.ID, &enr.StudentID, &enr.OfferingID, &enr.Status, &enr.Grade, &enr.EnrolledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Enrollment{}, ErrDuplicate
		}
		return Enrollment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Enrollment{}, err
	}
	return enr, nil
}

// Restore flips a DROPPED row back to ENROLLED under the same offering lock
// and capacity check as CreateEnrolled.
func (r *PostgresRepository) Restore(ctx context.Context, enrollmentID, offeringID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	capacity, err := lockOffering(ctx, tx, offeringID)
	if err != nil {
		return err
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE offering_id = $1 AND status = $2
	`, offeringID, StatusEnrolled).Scan(&count); err != nil {
		return err
	}
	if count >= int64(capacity) {
		return ErrFull
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE enrollments SET status = $2 WHERE id = $1
	`, enrollmentID, StatusEnrolled); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStatus sets the enrollment status.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, enrollmentID int64, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE enrollments SET status = $2 WHERE id = $1`, enrollmentID, status)
	return err
}

// Delete removes the enrollment row.
func (r *PostgresRepository) Delete(ctx context.Context, enrollmentID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, enrollmentID)
	return err
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*Enrollment, error) {
	var enr Enrollment
	if err := row.Scan(&enr.ID, &enr.StudentID, &enr.OfferingID, &enr.Status, &enr.Grade, &enr.EnrolledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &enr, nil
}

func lockOffering(ctx context.Context, tx *sql.Tx, offeringID int64) (int, error) {
	var capacity int
	err := tx.QueryRowContext(ctx, `
		SELECT capacity FROM course_offerings WHERE id = $1 FOR UPDATE
	`, offeringID).Scan(&capacity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("offering not found")
		}
		return 0, err
	}
	return capacity, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
