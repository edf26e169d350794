// Package schedule computes when a task definition next becomes due.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/domain"
)

// Next returns the next due instant strictly after now, or ok=false when the
// definition's schedule is malformed (missing schedule_time, empty or
// out-of-range schedule_days, bad cron expression). A false result means
// "never due"; it is the caller's job to surface it as a warning.
func Next(def *domain.TaskDefinition, now time.Time) (time.Time, bool) {
	switch def.Frequency {
	case domain.FreqMinutely:
		return now.Truncate(time.Minute).Add(time.Minute), true

	case domain.FreqHourly:
		top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
		return top.Add(time.Hour), true

	case domain.FreqDaily:
		if def.ScheduleTime == nil {
			return time.Time{}, false
		}
		at := def.ScheduleTime.On(now)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true

	case domain.FreqWeekly:
		return nextWeekly(def, now)

	case domain.FreqCron:
		spec, err := cron.ParseStandard(def.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		return spec.Next(now), true
	}
	return time.Time{}, false
}

// nextWeekly scans schedule_days (0=Monday .. 6=Sunday) in ascending order
// from now's weekday; today counts only while its instant is still ahead of
// now. When no day in the current week qualifies it wraps to the earliest
// configured day next week.
func nextWeekly(def *domain.TaskDefinition, now time.Time) (time.Time, bool) {
	if def.ScheduleTime == nil || len(def.ScheduleDays) == 0 {
		return time.Time{}, false
	}
	days := make([]int, 0, len(def.ScheduleDays))
	for _, d := range def.ScheduleDays {
		if d < 0 || d > 6 {
			return time.Time{}, false
		}
		days = append(days, d)
	}
	sort.Ints(days)

	today := mondayIndexed(now.Weekday())
	for _, d := range days {
		if d < today {
			continue
		}
		at := def.ScheduleTime.On(now.AddDate(0, 0, d-today))
		if d > today || at.After(now) {
			return at, true
		}
	}
	// Wrap to the earliest day next week.
	offset := 7 - today + days[0]
	return def.ScheduleTime.On(now.AddDate(0, 0, offset)), true
}

// mondayIndexed converts Go's Sunday=0 weekday to the persisted 0=Monday encoding.
func mondayIndexed(w time.Weekday) int { return (int(w) + 6) % 7 }

// Validate rejects schedule configurations that Next would treat as
// "never due", so the CRUD surface can fail them at write time.
func Validate(def *domain.TaskDefinition) error {
	if !def.Frequency.Valid() {
		return fmt.Errorf("unknown frequency %q", def.Frequency)
	}
	switch def.Frequency {
	case domain.FreqDaily:
		if def.ScheduleTime == nil {
			return fmt.Errorf("daily schedule requires schedule_time")
		}
	case domain.FreqWeekly:
		if def.ScheduleTime == nil {
			return fmt.Errorf("weekly schedule requires schedule_time")
		}
		if len(def.ScheduleDays) == 0 {
			return fmt.Errorf("weekly schedule requires at least one schedule day")
		}
		for _, d := range def.ScheduleDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("schedule day %d out of range 0..6 (0=Monday)", d)
			}
		}
	case domain.FreqCron:
		if _, err := cron.ParseStandard(def.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	return nil
}
