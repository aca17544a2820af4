package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed five-field cron expression
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseSchedule parses a standard cron expression or descriptor such as "@hourly"
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// Next returns the first activation strictly after t
func (s Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

func (s Schedule) String() string {
	return s.expr
}
