package attendance

import "time"

// Attendance statuses.
const (
	StatusPresent   = "PRESENT"
	StatusLate      = "LATE"
	StatusAbsent    = "ABSENT"
	StatusExcused   = "EXCUSED"
	StatusRequested = "REQUESTED"
)

// Classify maps a check-in instant to a status relative to the session
// start. Both cutoffs are inclusive: checking in exactly at start+present
// is PRESENT, exactly at start+late is LATE, anything after is ABSENT.
// A zero sessionStart means the schedule has no usable start time; the
// check-in is then taken at face value and classified PRESENT.
func Classify(sessionStart, now time.Time, presentMinutes, lateMinutes int) string {
	if sessionStart.IsZero() {
		return StatusPresent
	}
	presentCutoff := sessionStart.Add(time.Duration(presentMinutes) * time.Minute)
	lateCutoff := sessionStart.Add(time.Duration(lateMinutes) * time.Minute)
	switch {
	case !now.After(presentCutoff):
		return StatusPresent
	case !now.After(lateCutoff):
		return StatusLate
	default:
		return StatusAbsent
	}
}

// ValidStatus reports whether s is a recordable attendance status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused, StatusRequested:
		return true
	}
	return false
}
