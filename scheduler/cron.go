package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/diwan-erp/diwan/errors"
)

// Schedule computes the next fire time for a cron expression.
// The scheduling algorithm is decoupled from the cron-library choice
// through this interface; tests substitute fixed schedules.
type Schedule interface {
	NextFireTime(expr string, from time.Time) (time.Time, error)
}

// CronSchedule implements Schedule over standard 5-field cron expressions
// (minute hour dom month dow), plus the @hourly/@daily/@weekly shortcuts.
type CronSchedule struct {
	parser cron.Parser
}

// NewCronSchedule creates a Schedule using the standard cron format.
func NewCronSchedule() *CronSchedule {
	return &CronSchedule{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// NextFireTime returns the first fire time strictly after from.
func (c *CronSchedule) NextFireTime(expr string, from time.Time) (time.Time, error) {
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sched.Next(from), nil
}

// ValidateCron reports whether expr parses as a cron expression.
func (c *CronSchedule) ValidateCron(expr string) error {
	if _, err := c.parser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}
