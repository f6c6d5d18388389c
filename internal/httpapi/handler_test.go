package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courseadmin/internal/attendance"
	"courseadmin/internal/auth"
	"courseadmin/internal/enrollment"
	"courseadmin/internal/sessioncode"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "courseadmin-test"
)

type codeMemRepo struct {
	codes map[int64]sessioncode.Code
}

func (r *codeMemRepo) Replace(_ context.Context, code sessioncode.Code) error {
	r.codes[code.ScheduleID] = code
	return nil
}

func (r *codeMemRepo) Get(_ context.Context, scheduleID int64) (*sessioncode.Code, error) {
	code, ok := r.codes[scheduleID]
	if !ok {
		return nil, nil
	}
	return &code, nil
}

func (r *codeMemRepo) Delete(_ context.Context, scheduleID int64) error {
	delete(r.codes, scheduleID)
	return nil
}

type attMemRepo struct {
	schedules map[int64]*attendance.Schedule
	records   map[string]attendance.Record
	nextID    int
}

func attKey(enrollmentID, scheduleID int64, date time.Time) string {
	return fmt.Sprintf("%d|%d|%s", enrollmentID, scheduleID, date.Format("2006-01-02"))
}

func (r *attMemRepo) GetSchedule(_ context.Context, scheduleID int64) (*attendance.Schedule, error) {
	return r.schedules[scheduleID], nil
}

func (r *attMemRepo) GetRecord(_ context.Context, enrollmentID, scheduleID int64, date time.Time) (*attendance.Record, error) {
	rec, ok := r.records[attKey(enrollmentID, scheduleID, date)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *attMemRepo) InsertRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	key := attKey(rec.EnrollmentID, rec.ScheduleID, rec.Date)
	if _, exists := r.records[key]; exists {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	r.nextID++
	rec.ID = fmt.Sprintf("rec-%d", r.nextID)
	rec.RecordedAt = time.Now().UTC()
	r.records[key] = rec
	return rec, nil
}

func (r *attMemRepo) ListBySchedule(_ context.Context, scheduleID int64, date *time.Time) ([]attendance.Record, error) {
	var res []attendance.Record
	for _, rec := range r.records {
		if rec.ScheduleID == scheduleID && (date == nil || rec.Date.Equal(*date)) {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (r *attMemRepo) ListByStudentAndOffering(_ context.Context, _, _ int64) ([]attendance.Record, error) {
	var res []attendance.Record
	for _, rec := range r.records {
		res = append(res, rec)
	}
	return res, nil
}

type enrMemRepo struct {
	offerings   map[int64]*enrollment.Offering
	enrollments map[int64]*enrollment.Enrollment
	nextID      int64
}

func (r *enrMemRepo) GetOffering(_ context.Context, offeringID int64) (*enrollment.Offering, error) {
	return r.offerings[offeringID], nil
}

func (r *enrMemRepo) GetByID(_ context.Context, enrollmentID int64) (*enrollment.Enrollment, error) {
	enr, ok := r.enrollments[enrollmentID]
	if !ok {
		return nil, nil
	}
	cp := *enr
	return &cp, nil
}

func (r *enrMemRepo) GetByStudentAndOffering(_ context.Context, studentID, offeringID int64) (*enrollment.Enrollment, error) {
	for _, enr := range r.enrollments {
		if enr.StudentID == studentID && enr.OfferingID == offeringID {
			cp := *enr
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *enrMemRepo) ListByStudent(_ context.Context, studentID int64) ([]enrollment.Enrollment, error) {
	var res []enrollment.Enrollment
	for _, enr := range r.enrollments {
		if enr.StudentID == studentID {
			res = append(res, *enr)
		}
	}
	return res, nil
}

func (r *enrMemRepo) CountEnrolled(_ context.Context, offeringID int64) (int64, error) {
	var count int64
	for _, enr := range r.enrollments {
		if enr.OfferingID == offeringID && enr.Status == enrollment.StatusEnrolled {
			count++
		}
	}
	return count, nil
}

func (r *enrMemRepo) CreateEnrolled(_ context.Context, studentID, offeringID int64) (enrollment.Enrollment, error) {
	if enr, _ := r.GetByStudentAndOffering(context.Background(), studentID, offeringID); enr != nil {
		return enrollment.Enrollment{}, enrollment.ErrDuplicate
	}
	count, _ := r.CountEnrolled(context.Background(), offeringID)
	if count >= int64(r.offerings[offeringID].Capacity) {
		return enrollment.Enrollment{}, enrollment.ErrFull
	}
	r.nextID++
	enr := &enrollment.Enrollment{
		ID: r.nextID, StudentID: studentID, OfferingID: offeringID,
		Status: enrollment.StatusEnrolled, EnrolledAt: time.Now().UTC(),
	}
	r.enrollments[enr.ID] = enr
	return *enr, nil
}

func (r *enrMemRepo) Restore(_ context.Context, enrollmentID, offeringID int64) error {
	count, _ := r.CountEnrolled(context.Background(), offeringID)
	if count >= int64(r.offerings[offeringID].Capacity) {
		return enrollment.ErrFull
	}
	r.enrollments[enrollmentID].Status = enrollment.StatusEnrolled
	return nil
}

func (r *enrMemRepo) UpdateStatus(_ context.Context, enrollmentID int64, status string) error {
	r.enrollments[enrollmentID].Status = status
	return nil
}

func (r *enrMemRepo) Delete(_ context.Context, enrollmentID int64) error {
	delete(r.enrollments, enrollmentID)
	return nil
}

type env struct {
	router  *gin.Engine
	codes   *sessioncode.Registry
	enrRepo *enrMemRepo
}

// newEnv wires the real services over in-memory repos behind real JWT auth.
// Schedule 100 belongs to offering 10 (capacity 2, code "JOIN-CS101");
// student 1 is enrolled.
func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	codes := sessioncode.NewRegistry(&codeMemRepo{codes: make(map[int64]sessioncode.Code)})

	enrRepo := &enrMemRepo{
		offerings:   map[int64]*enrollment.Offering{10: {ID: 10, CourseCode: "CS101", Title: "Intro", Capacity: 2, EnrollmentCode: "JOIN-CS101", Active: true}},
		enrollments: make(map[int64]*enrollment.Enrollment),
	}
	enrollments := enrollment.NewService(enrRepo)

	attRepo := &attMemRepo{
		schedules: map[int64]*attendance.Schedule{100: {ID: 100, OfferingID: 10}},
		records:   make(map[string]attendance.Record),
	}
	att := attendance.NewService(attRepo, codes, enrollments)

	enrRepo.nextID++
	enrRepo.enrollments[enrRepo.nextID] = &enrollment.Enrollment{
		ID: enrRepo.nextID, StudentID: 1, OfferingID: 10,
		Status: enrollment.StatusEnrolled, EnrolledAt: time.Now().UTC(),
	}

	r := gin.New()
	authed := r.Group("/", auth.UserAuth(testSigningKey, testIssuer))
	lecturer := authed.Group("/", auth.RequireRole(auth.RoleLecturer, auth.RoleAdmin))
	NewHandler(codes, att, enrollments, zap.NewNop()).Register(authed, lecturer)

	return &env{router: r, codes: codes, enrRepo: enrRepo}
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	pair, err := auth.Issue(fmt.Sprintf("%d", userID), role, testIssuer, testSigningKey, time.Hour, time.Hour)
	require.NoError(t, err)
	return pair.AccessToken
}

func (e *env) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	resp := make(map[string]any)
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestEnterCode(t *testing.T) {
	e := newEnv(t)
	lect := token(t, 900, auth.RoleLecturer)
	student := token(t, 1, auth.RoleStudent)

	rec, resp := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := resp["code"].(string)
	assert.Len(t, code, 6)
	assert.EqualValues(t, 10, resp["offeringId"])
	assert.EqualValues(t, 1, resp["enrolledCount"])

	rec, resp = e.do(t, http.MethodPost, "/attendance-code/enter", student, gin.H{"scheduleId": 100, "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["saved"])
	assert.NotEmpty(t, resp["attendanceId"])

	// retry is an idempotent success, not an error
	rec, resp = e.do(t, http.MethodPost, "/attendance-code/enter", student, gin.H{"scheduleId": 100, "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exists", resp["status"])
}

func TestEnterCodeFailures(t *testing.T) {
	e := newEnv(t)
	lect := token(t, 900, auth.RoleLecturer)
	student := token(t, 1, auth.RoleStudent)
	outsider := token(t, 55, auth.RoleStudent)

	rec, resp := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := resp["code"].(string)

	rec, resp = e.do(t, http.MethodPost, "/attendance-code/enter", student, gin.H{"scheduleId": 100, "code": "000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid or expired code", resp["error"])

	rec, resp = e.do(t, http.MethodPost, "/attendance-code/enter", outsider, gin.H{"scheduleId": 100, "code": code})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Student not enrolled in offering", resp["error"])

	rec, _ = e.do(t, http.MethodPost, "/attendance-code/enter", "", gin.H{"scheduleId": 100, "code": code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a code for a schedule that no longer exists maps to a bad request
	_, err := e.codes.Generate(context.Background(), 999, 900, 0, 0)
	require.NoError(t, err)
	live, err := e.codes.Get(context.Background(), 999)
	require.NoError(t, err)
	rec, resp = e.do(t, http.MethodPost, "/attendance-code/enter", student, gin.H{"scheduleId": 999, "code": live.Code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Schedule not found", resp["error"])
}

func TestRotatedCodeInvalidatesOldOne(t *testing.T) {
	e := newEnv(t)
	lect := token(t, 900, auth.RoleLecturer)
	student := token(t, 1, auth.RoleStudent)

	_, first := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", lect, nil)
	_, second := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", lect, nil)
	if first["code"] == second["code"] {
		t.Skip("codes collided; rotation indistinguishable")
	}

	rec, resp := e.do(t, http.MethodPost, "/attendance-code/enter", student, gin.H{"scheduleId": 100, "code": first["code"]})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid or expired code", resp["error"])
}

func TestCodeLifecycleEndpoints(t *testing.T) {
	e := newEnv(t)
	lect := token(t, 900, auth.RoleLecturer)
	student := token(t, 1, auth.RoleStudent)

	// students cannot manage codes
	rec, _ := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", student, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := e.do(t, http.MethodGet, "/attendance-code/current?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp)

	_, generated := e.do(t, http.MethodPost, "/attendance-code/generate?scheduleId=100", lect, nil)
	rec, resp = e.do(t, http.MethodGet, "/attendance-code/current?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, generated["code"], resp["code"])

	rec, resp = e.do(t, http.MethodDelete, "/attendance-code/delete?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["deleted"])

	rec, resp = e.do(t, http.MethodGet, "/attendance-code/current?scheduleId=100", lect, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp)
}

func TestEnrollEndpoint(t *testing.T) {
	e := newEnv(t)
	s2 := token(t, 2, auth.RoleStudent)
	s3 := token(t, 3, auth.RoleStudent)

	rec, resp := e.do(t, http.MethodPost, "/students/2/enroll/10", s2, gin.H{"enrollmentCode": "JOIN-CS101"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ENROLLED", resp["status"])

	// wrong code: validation, not conflict, even though the offering is now full
	rec, resp = e.do(t, http.MethodPost, "/students/3/enroll/10", s3, gin.H{"enrollmentCode": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid enrollment code", resp["error"])

	rec, resp = e.do(t, http.MethodPost, "/students/3/enroll/10", s3, gin.H{"enrollmentCode": "JOIN-CS101"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Offering is full", resp["error"])

	rec, resp = e.do(t, http.MethodPost, "/students/2/enroll/10", s2, gin.H{"enrollmentCode": "JOIN-CS101"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Student already enrolled", resp["error"])

	// enrolling someone else is forbidden
	rec, _ = e.do(t, http.MethodPost, "/students/2/enroll/10", s3, gin.H{"enrollmentCode": "JOIN-CS101"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEnrollmentLifecycleEndpoints(t *testing.T) {
	e := newEnv(t)
	s2 := token(t, 2, auth.RoleStudent)

	_, enr := e.do(t, http.MethodPost, "/students/2/enroll/10", s2, gin.H{"enrollmentCode": "JOIN-CS101"})
	id := int64(enr["id"].(float64))

	rec, _ := e.do(t, http.MethodPost, fmt.Sprintf("/students/2/enrollments/%d/drop", id), s2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, enrollment.StatusDropped, e.enrRepo.enrollments[id].Status)

	rec, resp := e.do(t, http.MethodPost, fmt.Sprintf("/students/2/enrollments/%d/restore", id), s2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ENROLLED", resp["status"])

	// delete requires a dropped enrollment
	rec, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/students/2/enrollments/%d", id), s2, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.do(t, http.MethodPost, fmt.Sprintf("/students/2/enrollments/%d/drop", id), s2, nil)
	rec, resp = e.do(t, http.MethodDelete, fmt.Sprintf("/students/2/enrollments/%d", id), s2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["deleted"])
}
