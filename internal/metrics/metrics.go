// Package metrics exposes prometheus counters for the attendance engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CodesGenerated counts session codes issued by lecturers.
	CodesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courseadmin_session_codes_generated_total",
		Help: "Number of session codes issued.",
	})

	// CheckIns counts check-in attempts by outcome
	// (created, exists, invalid_code, not_enrolled, error).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courseadmin_checkins_total",
		Help: "Number of check-in attempts by outcome.",
	}, []string{"outcome"})

	// Enrollments counts enrollment attempts by outcome
	// (created, full, duplicate, invalid_code, error).
	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courseadmin_enrollments_total",
		Help: "Number of enrollment attempts by outcome.",
	}, []string{"outcome"})
)
