package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frequency says how often a task definition becomes due.
type Frequency string

const (
	FreqMinutely Frequency = "minutely"
	FreqHourly   Frequency = "hourly"
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqCron     Frequency = "cron"
)

func (f Frequency) Valid() bool {
	switch f {
	case FreqMinutely, FreqHourly, FreqDaily, FreqWeekly, FreqCron:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock time independent of any date, persisted as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: use HH:MM", s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// On anchors the time of day to the date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, day.Location())
}

// TaskDefinition is the persisted description of a recurring job and its
// schedule. ScheduleDays uses 0=Monday .. 6=Sunday. TaskConfig and
// HandlerConfig are opaque to the scheduler and handed to the handler verbatim.
type TaskDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	TaskType      string         `json:"task_type"`
	Frequency     Frequency      `json:"frequency"`
	ScheduleTime  *TimeOfDay     `json:"schedule_time,omitempty"`
	ScheduleDays  []int          `json:"schedule_days,omitempty"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IsActive      bool           `json:"is_active"`
	TaskConfig    map[string]any `json:"task_config"`
	HandlerConfig map[string]any `json:"handler_config,omitempty"`
	OwnerID       string         `json:"owner_id"`
	IsShared      bool           `json:"is_shared"`
	LastRun       *time.Time     `json:"last_run,omitempty"`
	NextRun       *time.Time     `json:"next_run,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
