// Package httpapi exposes the attendance and enrollment engine over gin.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"courseadmin/internal/apperr"
	"courseadmin/internal/attendance"
	"courseadmin/internal/auth"
	"courseadmin/internal/enrollment"
	"courseadmin/internal/metrics"
	"courseadmin/internal/sessioncode"
)

const dateLayout = "2006-01-02"

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	codes       *sessioncode.Registry
	attendance  *attendance.Service
	enrollments *enrollment.Service
	log         *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(codes *sessioncode.Registry, att *attendance.Service, enr *enrollment.Service, log *zap.Logger) *Handler {
	return &Handler{codes: codes, attendance: att, enrollments: enr, log: log}
}

// Register mounts routes. authed requires any authenticated user; lecturer
// additionally requires the lecturer or admin role.
func (h *Handler) Register(authed, lecturer gin.IRouter) {
	lecturer.POST("/attendance-code/generate", h.generateCode)
	lecturer.GET("/attendance-code/current", h.currentCode)
	lecturer.DELETE("/attendance-code/delete", h.deleteCode)
	lecturer.POST("/attendance/record", h.recordEntry)
	lecturer.GET("/attendance/schedule/:scheduleId", h.listScheduleAttendance)

	authed.POST("/attendance-code/enter", h.enterCode)
	authed.POST("/students/:studentId/enroll/:offeringId", h.enroll)
	authed.GET("/students/:studentId/enrollments", h.listEnrollments)
	authed.POST("/students/:studentId/enrollments/:enrollmentId/drop", h.dropEnrollment)
	authed.POST("/students/:studentId/enrollments/:enrollmentId/restore", h.restoreEnrollment)
	authed.DELETE("/students/:studentId/enrollments/:enrollmentId", h.deleteEnrollment)
	authed.POST("/students/:studentId/attendance/request", h.submitRequest)
	authed.GET("/students/:studentId/attendance", h.listStudentAttendance)
	authed.GET("/students/:studentId/attendance/summary", h.attendanceSummary)
}

func (h *Handler) generateCode(c *gin.Context) {
	scheduleID, ok := queryID(c, "scheduleId")
	if !ok {
		return
	}
	issuerID, ok := auth.ContextUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	presentMinutes := intQuery(c, "presentMinutes")
	lateMinutes := intQuery(c, "lateMinutes")

	code, err := h.codes.Generate(c.Request.Context(), scheduleID, issuerID, presentMinutes, lateMinutes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.CodesGenerated.Inc()
	c.JSON(http.StatusOK, h.codeResponse(c, code))
}

func (h *Handler) currentCode(c *gin.Context) {
	scheduleID, ok := queryID(c, "scheduleId")
	if !ok {
		return
	}
	code, err := h.codes.Get(c.Request.Context(), scheduleID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if code == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.codeResponse(c, *code))
}

func (h *Handler) deleteCode(c *gin.Context) {
	scheduleID, ok := queryID(c, "scheduleId")
	if !ok {
		return
	}
	if err := h.codes.Delete(c.Request.Context(), scheduleID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// codeResponse mirrors the generate/current payload: the code plus offering
// context so the lecturer UI can show how many students should check in.
func (h *Handler) codeResponse(c *gin.Context, code sessioncode.Code) gin.H {
	resp := gin.H{
		"code":           code.Code,
		"issuedAt":       code.IssuedAt.Unix(),
		"presentMinutes": code.PresentWindowMinutes,
		"lateMinutes":    code.LateWindowMinutes,
		"offeringId":     nil,
		"enrolledCount":  0,
	}
	sched, err := h.attendance.GetSchedule(c.Request.Context(), code.ScheduleID)
	if err != nil || sched == nil {
		return resp
	}
	resp["offeringId"] = sched.OfferingID
	if count, err := h.enrollments.CountEnrolled(c.Request.Context(), sched.OfferingID); err == nil {
		resp["enrolledCount"] = count
	}
	return resp
}

func (h *Handler) enterCode(c *gin.Context) {
	var req struct {
		ScheduleID int64  `json:"scheduleId" binding:"required"`
		Code       string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduleId and code required"})
		return
	}
	studentID, ok := auth.ContextUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	res, err := h.attendance.CheckIn(c.Request.Context(), studentID, req.ScheduleID, req.Code)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Authorization:
			metrics.CheckIns.WithLabelValues(checkInFailureLabel(err)).Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": apperr.Message(err)})
		case apperr.NotFound:
			// the original surface reports missing schedule/offering as a bad request
			c.JSON(http.StatusBadRequest, gin.H{"error": apperr.Message(err)})
		default:
			metrics.CheckIns.WithLabelValues("error").Inc()
			h.writeError(c, err)
		}
		return
	}
	if res.AlreadyRecorded {
		metrics.CheckIns.WithLabelValues("exists").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "exists"})
		return
	}
	metrics.CheckIns.WithLabelValues("created").Inc()
	c.JSON(http.StatusOK, gin.H{"saved": true, "attendanceId": res.AttendanceID, "status": res.Status})
}

func checkInFailureLabel(err error) string {
	if apperr.Message(err) == "Invalid or expired code" {
		return "invalid_code"
	}
	return "not_enrolled"
}

func (h *Handler) enroll(c *gin.Context) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return
	}
	offeringID, ok := paramID(c, "offeringId")
	if !ok {
		return
	}
	var req struct {
		EnrollmentCode string `json:"enrollmentCode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enrollmentCode required"})
		return
	}

	enr, err := h.enrollments.Enroll(c.Request.Context(), studentID, offeringID, req.EnrollmentCode)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Conflict:
			metrics.Enrollments.WithLabelValues(enrollFailureLabel(err)).Inc()
		case apperr.Validation:
			metrics.Enrollments.WithLabelValues("invalid_code").Inc()
		default:
			metrics.Enrollments.WithLabelValues("error").Inc()
		}
		h.writeError(c, err)
		return
	}
	metrics.Enrollments.WithLabelValues("created").Inc()
	c.JSON(http.StatusOK, enr)
}

func enrollFailureLabel(err error) string {
	if apperr.Message(err) == "Offering is full" {
		return "full"
	}
	return "duplicate"
}

func (h *Handler) listEnrollments(c *gin.Context) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return
	}
	enrs, err := h.enrollments.ListByStudent(c.Request.Context(), studentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": enrs})
}

func (h *Handler) dropEnrollment(c *gin.Context) {
	studentID, enrollmentID, ok := h.pathStudentEnrollment(c)
	if !ok {
		return
	}
	if err := h.enrollments.Drop(c.Request.Context(), studentID, enrollmentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": enrollment.StatusDropped})
}

func (h *Handler) restoreEnrollment(c *gin.Context) {
	studentID, enrollmentID, ok := h.pathStudentEnrollment(c)
	if !ok {
		return
	}
	enr, err := h.enrollments.Restore(c.Request.Context(), studentID, enrollmentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, enr)
}

func (h *Handler) deleteEnrollment(c *gin.Context) {
	studentID, enrollmentID, ok := h.pathStudentEnrollment(c)
	if !ok {
		return
	}
	if err := h.enrollments.DeleteEnrollment(c.Request.Context(), studentID, enrollmentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) submitRequest(c *gin.Context) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return
	}
	var req struct {
		ScheduleID int64  `json:"scheduleId" binding:"required"`
		Date       string `json:"date" binding:"required"`
		Notes      string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduleId and date required"})
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	rec, err := h.attendance.SubmitRequest(c.Request.Context(), studentID, req.ScheduleID, date, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listStudentAttendance(c *gin.Context) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return
	}
	offeringID, ok := queryID(c, "offeringId")
	if !ok {
		return
	}
	records, err := h.attendance.ListByStudent(c.Request.Context(), studentID, offeringID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) attendanceSummary(c *gin.Context) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return
	}
	offeringID, ok := queryID(c, "offeringId")
	if !ok {
		return
	}
	sum, err := h.attendance.Summarize(c.Request.Context(), studentID, offeringID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) recordEntry(c *gin.Context) {
	lecturerID, ok := auth.ContextUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	var req struct {
		ScheduleID int64  `json:"scheduleId" binding:"required"`
		StudentID  int64  `json:"studentId" binding:"required"`
		Date       string `json:"date" binding:"required"`
		Status     string `json:"status"`
		Notes      string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduleId, studentId and date required"})
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	res, err := h.attendance.RecordEntry(c.Request.Context(), lecturerID, req.StudentID, req.ScheduleID, date, req.Status, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.AlreadyRecorded {
		c.JSON(http.StatusOK, gin.H{"status": "exists", "attendanceId": res.AttendanceID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "attendanceId": res.AttendanceID, "status": res.Status})
}

func (h *Handler) listScheduleAttendance(c *gin.Context) {
	scheduleID, ok := paramID(c, "scheduleId")
	if !ok {
		return
	}
	var date *time.Time
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = &parsed
	}
	records, err := h.attendance.ListBySchedule(c.Request.Context(), scheduleID, date)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// pathStudent resolves the studentId path param and requires it to match
// the authenticated caller, unless the caller is an admin.
func (h *Handler) pathStudent(c *gin.Context) (int64, bool) {
	studentID, ok := paramID(c, "studentId")
	if !ok {
		return 0, false
	}
	callerID, ok := auth.ContextUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return 0, false
	}
	if callerID != studentID {
		if claims, ok := auth.ContextClaims(c); !ok || claims.Role != auth.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return 0, false
		}
	}
	return studentID, true
}

func (h *Handler) pathStudentEnrollment(c *gin.Context) (int64, int64, bool) {
	studentID, ok := h.pathStudent(c)
	if !ok {
		return 0, 0, false
	}
	enrollmentID, ok := paramID(c, "enrollmentId")
	if !ok {
		return 0, 0, false
	}
	return studentID, enrollmentID, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Unauthenticated:
		status = http.StatusUnauthorized
	case apperr.Authorization:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

func queryID(c *gin.Context, name string) (int64, bool) {
	v := c.Query(name)
	if v == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " required"})
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}
