// Package validate holds the input validators shared by the scheduler and
// the runbook-import path: cron expressions, descriptors, and IANA
// timezone names.
package validate

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronExpression reports whether expr is a valid five-field cron expression
// or one of the "@hourly"/"@daily"/... descriptors.
func CronExpression(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// ParseCron parses expr into a cron.Schedule usable to compute the next
// fire time. It rejects the empty string up front with its own error
// message.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("validate: cron expression is empty")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("validate: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Timezone reports whether tz names a loadable IANA timezone. The empty
// string is accepted and treated as UTC by callers.
func Timezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("validate: invalid timezone %q: %w", tz, err)
	}
	return nil
}
