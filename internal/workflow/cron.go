package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for unparseable cron expressions or timezones.
var ErrInvalidCron = errors.New("workflow: invalid cron")

// cronParser accepts exactly the standard 5-field form (minute precision).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCronExpr(expr string) (cron.Schedule, error) {
	if len(strings.Fields(expr)) != 5 {
		return nil, fmt.Errorf("%w: %q must have exactly 5 fields", ErrInvalidCron, expr)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return schedule, nil
}

// NextCronFireMs computes the next fire time of a cron schedule at or after
// max(nowMs, startAtMs). A minute boundary equal to the base is allowed to
// fire, hence the query from base−1ms (cron.Next is strictly-after).
//
// SkipMissed is advisory only: the evaluator never replays missed ticks, it
// always answers from the current moment.
func NextCronFireMs(sched CronSchedule, nowMs int64) (int64, error) {
	schedule, err := parseCronExpr(sched.Expr)
	if err != nil {
		return 0, err
	}

	loc := time.UTC
	if sched.Tz != "" {
		loc, err = time.LoadLocation(sched.Tz)
		if err != nil {
			return 0, fmt.Errorf("%w: timezone %q: %v", ErrInvalidCron, sched.Tz, err)
		}
	}

	baseMs := nowMs
	if sched.StartAtMs > baseMs {
		baseMs = sched.StartAtMs
	}

	next := schedule.Next(time.UnixMilli(baseMs - 1).In(loc))
	return next.UnixMilli(), nil
}
