// Package attendance implements the session-code check-in engine: code
// validation, enrollment membership checks, time-window classification and
// idempotent persistence of attendance records.
package attendance

import (
	"context"
	"errors"
	"time"

	"courseadmin/internal/apperr"
	"courseadmin/internal/enrollment"
	"courseadmin/internal/sessioncode"
)

// Provenance markers for who produced a record.
const (
	ViaSelfCheckIn   = "SELF_CHECKIN"
	ViaLecturerEntry = "LECTURER_ENTRY"
	ViaRequest       = "REQUEST"
)

// ErrDuplicate is returned by repositories when the unique constraint on
// (enrollment_id, schedule_id, attendance_date) rejects an insert.
var ErrDuplicate = errors.New("attendance already recorded")

// Record is one attendance row for a student on one session day.
type Record struct {
	ID           string    `json:"id"`
	EnrollmentID int64     `json:"enrollmentId"`
	ScheduleID   int64     `json:"scheduleId"`
	Date         time.Time `json:"date"`
	Status       string    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	RecordedBy   int64     `json:"recordedBy"`
	RecordedVia  string    `json:"recordedVia"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Schedule is externally-managed reference data for one class meeting slot.
// StartTime is the wall-clock start ("15:04:05"), empty when unset.
type Schedule struct {
	ID         int64
	OfferingID int64
	DayOfWeek  int
	StartTime  string
	EndTime    string
	Room       string
}

// Result is the outcome of an idempotent record attempt. AlreadyRecorded
// marks the duplicate-absorbed path; the id then points at the existing row.
type Result struct {
	AttendanceID    string `json:"attendanceId"`
	Status          string `json:"status"`
	AlreadyRecorded bool   `json:"-"`
}

// Repository persists attendance records and resolves schedules.
type Repository interface {
	GetSchedule(ctx context.Context, scheduleID int64) (*Schedule, error)
	GetRecord(ctx context.Context, enrollmentID, scheduleID int64, date time.Time) (*Record, error)
	// InsertRecord returns ErrDuplicate when the uniqueness constraint fires.
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	ListBySchedule(ctx context.Context, scheduleID int64, date *time.Time) ([]Record, error)
	ListByStudentAndOffering(ctx context.Context, studentID, offeringID int64) ([]Record, error)
}

// CodeSource resolves the live session code for a schedule.
type CodeSource interface {
	Get(ctx context.Context, scheduleID int64) (*sessioncode.Code, error)
}

// EnrollmentSource resolves a student's enrollment in an offering.
type EnrollmentSource interface {
	GetByStudentAndOffering(ctx context.Context, studentID, offeringID int64) (*enrollment.Enrollment, error)
}

// Service coordinates check-ins and attendance entry.
type Service struct {
	repo        Repository
	codes       CodeSource
	enrollments EnrollmentSource
	now         func() time.Time
}

// NewService creates a service.
func NewService(repo Repository, codes CodeSource, enrollments EnrollmentSource) *Service {
	return &Service{repo: repo, codes: codes, enrollments: enrollments, now: time.Now}
}

// CheckIn validates a student-submitted code and records attendance for
// today. A duplicate submission is absorbed: the existing record's id comes
// back with AlreadyRecorded set, never an error. The pre-insert existence
// check only fails fast; the store's unique constraint is authoritative and
// a constraint violation from a concurrent duplicate is converted into the
// same absorbed outcome.
func (s *Service) CheckIn(ctx context.Context, studentID, scheduleID int64, submittedCode string) (Result, error) {
	code, err := s.codes.Get(ctx, scheduleID)
	if err != nil {
		return Result{}, err
	}
	if code == nil || code.Code != submittedCode {
		return Result{}, apperr.New(apperr.Authorization, "Invalid or expired code")
	}

	sched, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Result{}, err
	}
	if sched == nil {
		return Result{}, apperr.New(apperr.NotFound, "Schedule not found")
	}
	if sched.OfferingID == 0 {
		return Result{}, apperr.New(apperr.NotFound, "Offering not found for schedule")
	}

	enr, err := s.enrollments.GetByStudentAndOffering(ctx, studentID, sched.OfferingID)
	if err != nil {
		return Result{}, err
	}
	if enr == nil || enr.Status != enrollment.StatusEnrolled {
		return Result{}, apperr.New(apperr.Authorization, "Student not enrolled in offering")
	}

	now := s.now().UTC()
	today := dateOf(now)

	if existing, err := s.repo.GetRecord(ctx, enr.ID, scheduleID, today); err != nil {
		return Result{}, err
	} else if existing != nil {
		return Result{AttendanceID: existing.ID, Status: existing.Status, AlreadyRecorded: true}, nil
	}

	status := Classify(sessionStartAt(now, sched.StartTime), now, code.PresentWindowMinutes, code.LateWindowMinutes)

	rec, err := s.repo.InsertRecord(ctx, Record{
		EnrollmentID: enr.ID,
		ScheduleID:   scheduleID,
		Date:         today,
		Status:       status,
		RecordedBy:   studentID,
		RecordedVia:  ViaSelfCheckIn,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.absorbDuplicate(ctx, enr.ID, scheduleID, today)
		}
		return Result{}, err
	}
	return Result{AttendanceID: rec.ID, Status: rec.Status}, nil
}

// RecordEntry creates an attendance record on behalf of a lecturer with an
// explicitly assigned status. Duplicates are absorbed the same way as
// check-ins.
func (s *Service) RecordEntry(ctx context.Context, lecturerID, studentID, scheduleID int64, date time.Time, status, notes string) (Result, error) {
	if status == "" {
		status = StatusPresent
	}
	if !ValidStatus(status) {
		return Result{}, apperr.Newf(apperr.Validation, "unknown attendance status %q", status)
	}

	_, enr, err := s.resolveMembership(ctx, studentID, scheduleID)
	if err != nil {
		return Result{}, err
	}

	day := dateOf(date)
	if existing, err := s.repo.GetRecord(ctx, enr.ID, scheduleID, day); err != nil {
		return Result{}, err
	} else if existing != nil {
		return Result{AttendanceID: existing.ID, Status: existing.Status, AlreadyRecorded: true}, nil
	}

	rec, err := s.repo.InsertRecord(ctx, Record{
		EnrollmentID: enr.ID,
		ScheduleID:   scheduleID,
		Date:         day,
		Status:       status,
		Notes:        notes,
		RecordedBy:   lecturerID,
		RecordedVia:  ViaLecturerEntry,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.absorbDuplicate(ctx, enr.ID, scheduleID, day)
		}
		return Result{}, err
	}
	return Result{AttendanceID: rec.ID, Status: rec.Status}, nil
}

// SubmitRequest files a REQUESTED record for a date the student missed,
// for a lecturer to review. Unlike check-in, a duplicate request is an
// error the student should see.
func (s *Service) SubmitRequest(ctx context.Context, studentID, scheduleID int64, date time.Time, notes string) (Record, error) {
	_, enr, err := s.resolveMembership(ctx, studentID, scheduleID)
	if err != nil {
		return Record{}, err
	}

	day := dateOf(date)
	if existing, err := s.repo.GetRecord(ctx, enr.ID, scheduleID, day); err != nil {
		return Record{}, err
	} else if existing != nil {
		return Record{}, apperr.New(apperr.Conflict, "Attendance already submitted for this date")
	}

	rec, err := s.repo.InsertRecord(ctx, Record{
		EnrollmentID: enr.ID,
		ScheduleID:   scheduleID,
		Date:         day,
		Status:       StatusRequested,
		Notes:        notes,
		RecordedBy:   studentID,
		RecordedVia:  ViaRequest,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Record{}, apperr.New(apperr.Conflict, "Attendance already submitted for this date")
		}
		return Record{}, err
	}
	return rec, nil
}

// GetSchedule resolves schedule reference data.
func (s *Service) GetSchedule(ctx context.Context, scheduleID int64) (*Schedule, error) {
	return s.repo.GetSchedule(ctx, scheduleID)
}

// ListBySchedule returns records for a schedule, optionally on one date.
func (s *Service) ListBySchedule(ctx context.Context, scheduleID int64, date *time.Time) ([]Record, error) {
	return s.repo.ListBySchedule(ctx, scheduleID, date)
}

// ListByStudent returns a student's records in an offering.
func (s *Service) ListByStudent(ctx context.Context, studentID, offeringID int64) ([]Record, error) {
	return s.repo.ListByStudentAndOffering(ctx, studentID, offeringID)
}

// Summary aggregates a student's attendance in an offering.
type Summary struct {
	StudentID      int64   `json:"studentId"`
	OfferingID     int64   `json:"offeringId"`
	TotalClasses   int     `json:"totalClasses"`
	PresentCount   int     `json:"presentCount"`
	LateCount      int     `json:"lateCount"`
	AbsentCount    int     `json:"absentCount"`
	ExcusedCount   int     `json:"excusedCount"`
	AttendanceRate float64 `json:"attendanceRate"`
}

// Summarize computes attendance counts and rate for a student in an
// offering. Present, late and excused all count toward the rate.
func (s *Service) Summarize(ctx context.Context, studentID, offeringID int64) (Summary, error) {
	records, err := s.repo.ListByStudentAndOffering(ctx, studentID, offeringID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{StudentID: studentID, OfferingID: offeringID, TotalClasses: len(records)}
	for _, rec := range records {
		switch rec.Status {
		case StatusPresent:
			sum.PresentCount++
		case StatusLate:
			sum.LateCount++
		case StatusAbsent:
			sum.AbsentCount++
		case StatusExcused:
			sum.ExcusedCount++
		}
	}
	if sum.TotalClasses > 0 {
		sum.AttendanceRate = float64(sum.PresentCount+sum.LateCount+sum.ExcusedCount) * 100.0 / float64(sum.TotalClasses)
	}
	return sum, nil
}

func (s *Service) resolveMembership(ctx context.Context, studentID, scheduleID int64) (*Schedule, *enrollment.Enrollment, error) {
	sched, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, nil, err
	}
	if sched == nil {
		return nil, nil, apperr.New(apperr.NotFound, "Schedule not found")
	}
	enr, err := s.enrollments.GetByStudentAndOffering(ctx, studentID, sched.OfferingID)
	if err != nil {
		return nil, nil, err
	}
	if enr == nil {
		return nil, nil, apperr.New(apperr.NotFound, "Enrollment not found for student")
	}
	return sched, enr, nil
}

func (s *Service) absorbDuplicate(ctx context.Context, enrollmentID, scheduleID int64, day time.Time) (Result, error) {
	existing, err := s.repo.GetRecord(ctx, enrollmentID, scheduleID, day)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		// lost the race and the winner vanished; report the duplicate as-is
		return Result{}, apperr.New(apperr.Conflict, "Attendance already recorded")
	}
	return Result{AttendanceID: existing.ID, Status: existing.Status, AlreadyRecorded: true}, nil
}

// dateOf truncates t to its calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sessionStartAt anchors the schedule's wall-clock start time to now's
// calendar day. Returns the zero time when the schedule has no parseable
// start, which Classify treats as "classify PRESENT".
func sessionStartAt(now time.Time, startTime string) time.Time {
	if startTime == "" {
		return time.Time{}
	}
	layout := "15:04:05"
	if len(startTime) == len("15:04") {
		layout = "15:04"
	}
	parsed, err := time.Parse(layout, startTime)
	if err != nil {
		return time.Time{}
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, parsed.Hour(), parsed.Minute(), parsed.Second(), 0, now.Location())
}
