// Package recurrence expands recurring message patterns into concrete
// send times.
package recurrence

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// Interval units accepted in JSON patterns.
const (
	UnitDaily   = "daily"
	UnitWeekly  = "weekly"
	UnitMonthly = "monthly"
)

// Pattern is the structured recurrence form: {"type":"weekly","interval":2}.
type Pattern struct {
	Type     string `json:"type"`
	Interval int    `json:"interval"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse accepts either a JSON Pattern or a five-field cron expression
// (descriptors such as "@daily" included).
func Parse(raw string) (cron.Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperr.Invalid("recurrence_pattern", "is required")
	}
	if strings.HasPrefix(raw, "{") {
		var p Pattern
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, apperr.Invalid("recurrence_pattern", "is not valid JSON")
		}
		return p.schedule()
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return nil, apperr.Invalid("recurrence_pattern", err.Error())
	}
	return sched, nil
}

func (p Pattern) schedule() (cron.Schedule, error) {
	n := p.Interval
	if n == 0 {
		n = 1
	}
	if n < 0 {
		return nil, apperr.Invalid("recurrence_pattern.interval", "must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case UnitDaily:
		return calendarSchedule{days: n}, nil
	case UnitWeekly:
		return calendarSchedule{days: 7 * n}, nil
	case UnitMonthly:
		return calendarSchedule{months: n}, nil
	}
	return nil, apperr.Invalid("recurrence_pattern.type", "must be daily, weekly or monthly")
}

// calendarSchedule steps by calendar days or months, keeping the wall-clock
// time of the previous occurrence.
type calendarSchedule struct {
	days   int
	months int
}

func (c calendarSchedule) Next(t time.Time) time.Time {
	return t.AddDate(0, c.months, c.days)
}
