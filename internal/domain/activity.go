package domain

import "time"

// Thresholds holds the two day boundaries for activity classification.
// Active must be strictly less than Inactive.
type Thresholds struct {
	ActiveDays   int
	InactiveDays int
}

// DefaultThresholds matches the platform defaults (7/30 days).
var DefaultThresholds = Thresholds{ActiveDays: 7, InactiveDays: 30}

// Classify maps a last-login timestamp to an activity level:
//
//	delta <= ActiveDays                    → active
//	ActiveDays < delta <= InactiveDays     → moderately_active
//	delta > InactiveDays or missing login  → inactive
//
// Pure and deterministic given now; the result is persisted at write
// time and not re-derived on read, so a user who goes quiet keeps
// their last written level until their last_login is next updated.
func Classify(lastLogin *time.Time, now time.Time, t Thresholds) ActivityLevel {
	if lastLogin == nil || lastLogin.IsZero() {
		return ActivityInactive
	}
	days := int(now.Sub(*lastLogin).Hours() / 24)
	switch {
	case days <= t.ActiveDays:
		return ActivityActive
	case days <= t.InactiveDays:
		return ActivityModeratelyActive
	default:
		return ActivityInactive
	}
}
