package model

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrEmptySchedule = errors.New("empty cron expression")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a 5 field cron expression or a descriptor like
// @hourly or @every 5m.
func ParseSchedule(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, ErrEmptySchedule
	}
	return cronParser.Parse(e)
}

// ScheduleInterval returns the distance between the next two activations
// of a schedule, it is used for logging only.
func ScheduleInterval(s cron.Schedule, now time.Time) time.Duration {
	next1 := s.Next(now)
	return s.Next(next1).Sub(next1)
}
