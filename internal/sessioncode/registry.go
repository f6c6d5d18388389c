// Package sessioncode manages the short-lived numeric codes lecturers issue
// so students can self-report attendance for one class session.
package sessioncode

import (
	"context"
	"math/rand"
	"strconv"
	"time"
)

// Canonical attendance windows applied when the issuer does not override them.
const (
	DefaultPresentWindowMinutes = 15
	DefaultLateWindowMinutes    = 30
)

// codeTTL is how long an issued code stays redeemable.
const codeTTL = 2 * time.Hour

// Code is the live session code for one class schedule.
type Code struct {
	ScheduleID           int64     `json:"scheduleId"`
	Code                 string    `json:"code"`
	IssuedAt             time.Time `json:"issuedAt"`
	IssuedBy             int64     `json:"issuedBy"`
	PresentWindowMinutes int       `json:"presentWindowMinutes"`
	LateWindowMinutes    int       `json:"lateWindowMinutes"`
}

// Repository persists at most one code per schedule.
type Repository interface {
	// Replace atomically supersedes any existing code for the schedule.
	Replace(ctx context.Context, code Code) error
	Get(ctx context.Context, scheduleID int64) (*Code, error)
	Delete(ctx context.Context, scheduleID int64) error
}

// Registry issues, resolves and revokes session codes.
type Registry struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewRegistry creates a registry with the standard 2-hour expiry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo, ttl: codeTTL, now: time.Now}
}

// Generate issues a fresh 6-digit code for the schedule, replacing any
// previous one. Zero window values fall back to the canonical defaults, so
// a rotation that omits them loses earlier customization.
func (r *Registry) Generate(ctx context.Context, scheduleID, issuerID int64, presentMinutes, lateMinutes int) (Code, error) {
	if presentMinutes <= 0 {
		presentMinutes = DefaultPresentWindowMinutes
	}
	if lateMinutes <= 0 {
		lateMinutes = DefaultLateWindowMinutes
	}
	code := Code{
		ScheduleID:           scheduleID,
		Code:                 shortCode(),
		IssuedAt:             r.now().UTC(),
		IssuedBy:             issuerID,
		PresentWindowMinutes: presentMinutes,
		LateWindowMinutes:    lateMinutes,
	}
	if err := r.repo.Replace(ctx, code); err != nil {
		return Code{}, err
	}
	return code, nil
}

// Get returns the live code for the schedule, or nil if none exists.
// An expired code is deleted as a side effect of the read.
func (r *Registry) Get(ctx context.Context, scheduleID int64) (*Code, error) {
	code, err := r.repo.Get(ctx, scheduleID)
	if err != nil || code == nil {
		return nil, err
	}
	if r.now().Sub(code.IssuedAt) > r.ttl {
		if err := r.repo.Delete(ctx, scheduleID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return code, nil
}

// Delete revokes the schedule's code. Deleting a nonexistent code is not an error.
func (r *Registry) Delete(ctx context.Context, scheduleID int64) error {
	return r.repo.Delete(ctx, scheduleID)
}

// shortCode draws a code uniformly from [100000, 999999].
func shortCode() string {
	return strconv.Itoa(rand.Intn(900000) + 100000)
}
