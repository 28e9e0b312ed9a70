package automation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/grounded/internal/storage"
)

// ErrInvalidSchedule is returned for an unknown schedule type, a
// non-positive interval or a malformed daily time.
var ErrInvalidSchedule = errors.New("invalid schedule")

// invalidBackoff is how far an automation with a broken schedule is pushed
// back so it does not fire on every pass.
const invalidBackoff = time.Hour

// NextRun returns the first run time strictly after now. Interval schedules
// run every IntervalMinutes; daily schedules run at DailyTime (HH:MM, UTC).
func NextRun(a storage.Automation, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch a.ScheduleType {
	case storage.ScheduleInterval:
		if a.IntervalMinutes <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, a.IntervalMinutes)
		}
		return now.Add(time.Duration(a.IntervalMinutes) * time.Minute), nil
	case storage.ScheduleDaily:
		h, m, err := ParseDailyTime(a.DailyTime)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, a.ScheduleType)
	}
}

// ParseDailyTime parses "HH:MM" in 24-hour form.
func ParseDailyTime(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("%w: daily time %q is not HH:MM", ErrInvalidSchedule, s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: daily time %q has bad hour", ErrInvalidSchedule, s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: daily time %q has bad minute", ErrInvalidSchedule, s)
	}
	return hour, minute, nil
}

// Validate checks that an automation definition can be scheduled.
func Validate(a storage.Automation) error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("automation name is required")
	}
	if a.WorkspaceID == "" {
		return errors.New("automation workspace is required")
	}
	if _, err := NextRun(a, time.Unix(0, 0)); err != nil {
		return err
	}
	return ValidatePayload(a.PayloadJSON)
}
