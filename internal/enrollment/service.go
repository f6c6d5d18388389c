// Package enrollment implements capacity-gated enrollment into course
// offerings and the student-owned drop/restore/delete lifecycle.
package enrollment

import (
	"context"
	"errors"
	"time"

	"courseadmin/internal/apperr"
)

// Enrollment lifecycle statuses.
const (
	StatusEnrolled  = "ENROLLED"
	StatusDropped   = "DROPPED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Sentinel errors surfaced by repositories when the store's constraints,
// not the fast-path checks, decide the outcome.
var (
	ErrDuplicate = errors.New("enrollment already exists")
	ErrFull      = errors.New("offering is at capacity")
)

// Enrollment ties a student to a course offering.
type Enrollment struct {
	ID         int64     `json:"id"`
	StudentID  int64     `json:"studentId"`
	OfferingID int64     `json:"offeringId"`
	Status     string    `json:"status"`
	Grade      *string   `json:"grade,omitempty"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

// Offering is externally-managed reference data; this package only reads it.
type Offering struct {
	ID             int64
	CourseCode     string
	Title          string
	Capacity       int
	EnrollmentCode string
	Active         bool
}

// Repository persists enrollments. CreateEnrolled and Restore run inside a
// transaction that locks the offering row so the capacity ceiling holds
// under concurrent writers.
type Repository interface {
	GetOffering(ctx context.Context, offeringID int64) (*Offering, error)
	GetByID(ctx context.Context, enrollmentID int64) (*Enrollment, error)
	GetByStudentAndOffering(ctx context.Context, studentID, offeringID int64) (*Enrollment, error)
	ListByStudent(ctx context.Context, studentID int64) ([]Enrollment, error)
	CountEnrolled(ctx context.Context, offeringID int64) (int64, error)
	CreateEnrolled(ctx context.Context, studentID, offeringID int64) (Enrollment, error)
	Restore(ctx context.Context, enrollmentID, offeringID int64) error
	UpdateStatus(ctx context.Context, enrollmentID int64, status string) error
	Delete(ctx context.Context, enrollmentID int64) error
}

// Service is the enrollment gate.
type Service struct {
	repo Repository
}

// NewService creates a service backed by a repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Enroll joins a student to an offering after validating the enrollment
// code. The code is checked before capacity so an unauthorized caller
// learns nothing about how full the offering is. The pre-checks on the
// existing row and the enrolled count only fail fast; the unique constraint
// and the locked capacity check inside CreateEnrolled are authoritative.
func (s *Service) Enroll(ctx context.Context, studentID, offeringID int64, enrollmentCode string) (Enrollment, error) {
	off, err := s.repo.GetOffering(ctx, offeringID)
	if err != nil {
		return Enrollment{}, err
	}
	if off == nil {
		return Enrollment{}, apperr.New(apperr.NotFound, "Offering not found")
	}
	if enrollmentCode == "" || off.EnrollmentCode != enrollmentCode {
		return Enrollment{}, apperr.New(apperr.Validation, "Invalid enrollment code")
	}

	existing, err := s.repo.GetByStudentAndOffering(ctx, studentID, offeringID)
	if err != nil {
		return Enrollment{}, err
	}
	if existing != nil {
		return Enrollment{}, apperr.New(apperr.Conflict, "Student already enrolled")
	}

	count, err := s.repo.CountEnrolled(ctx, offeringID)
	if err != nil {
		return Enrollment{}, err
	}
	if count >= int64(off.Capacity) {
		return Enrollment{}, apperr.New(apperr.Conflict, "Offering is full")
	}

	enr, err := s.repo.CreateEnrolled(ctx, studentID, offeringID)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			return Enrollment{}, apperr.New(apperr.Conflict, "Student already enrolled")
		case errors.Is(err, ErrFull):
			return Enrollment{}, apperr.New(apperr.Conflict, "Offering is full")
		}
		return Enrollment{}, err
	}
	return enr, nil
}

// Drop sets the caller's enrollment to DROPPED.
func (s *Service) Drop(ctx context.Context, studentID, enrollmentID int64) error {
	enr, err := s.owned(ctx, studentID, enrollmentID)
	if err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, enr.ID, StatusDropped)
}

// Restore re-enrolls a previously dropped enrollment, re-applying the
// capacity check before flipping the status back to ENROLLED.
func (s *Service) Restore(ctx context.Context, studentID, enrollmentID int64) (Enrollment, error) {
	enr, err := s.owned(ctx, studentID, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if enr.Status != StatusDropped {
		return Enrollment{}, apperr.New(apperr.Validation, "Only dropped enrollments can be restored")
	}
	if err := s.repo.Restore(ctx, enr.ID, enr.OfferingID); err != nil {
		if errors.Is(err, ErrFull) {
			return Enrollment{}, apperr.New(apperr.Conflict, "Offering is full")
		}
		return Enrollment{}, err
	}
	enr.Status = StatusEnrolled
	return *enr, nil
}

// DeleteEnrollment permanently removes a dropped enrollment.
func (s *Service) DeleteEnrollment(ctx context.Context, studentID, enrollmentID int64) error {
	enr, err := s.owned(ctx, studentID, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != StatusDropped {
		return apperr.New(apperr.Validation, "Only dropped enrollments can be deleted")
	}
	return s.repo.Delete(ctx, enr.ID)
}

// GetByStudentAndOffering resolves a student's enrollment in an offering.
func (s *Service) GetByStudentAndOffering(ctx context.Context, studentID, offeringID int64) (*Enrollment, error) {
	return s.repo.GetByStudentAndOffering(ctx, studentID, offeringID)
}

// ListByStudent returns all of a student's enrollments.
func (s *Service) ListByStudent(ctx context.Context, studentID int64) ([]Enrollment, error) {
	return s.repo.ListByStudent(ctx, studentID)
}

// CountEnrolled returns the number of ENROLLED rows for an offering.
func (s *Service) CountEnrolled(ctx context.Context, offeringID int64) (int64, error) {
	return s.repo.CountEnrolled(ctx, offeringID)
}

// GetOffering resolves offering reference data.
func (s *Service) GetOffering(ctx context.Context, offeringID int64) (*Offering, error) {
	return s.repo.GetOffering(ctx, offeringID)
}

func (s *Service) owned(ctx context.Context, studentID, enrollmentID int64) (*Enrollment, error) {
	enr, err := s.repo.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr == nil {
		return nil, apperr.New(apperr.NotFound, "Enrollment not found")
	}
	if enr.StudentID != studentID {
		return nil, apperr.New(apperr.Authorization, "Enrollment belongs to another student")
	}
	return enr, nil
}
