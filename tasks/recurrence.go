package tasks

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/whodaniel/fuse-sub035/types"
)

// 标准五段 cron 表达式，另支持 @every / @hourly 等描述符
var recurrenceParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Recurrence is a parsed recurrence expression.
type Recurrence struct {
	expr     string
	schedule cron.Schedule
}

// ParseRecurrence validates expr and returns its schedule. Invalid
// expressions are reported as INVALID_INPUT.
func ParseRecurrence(expr string) (*Recurrence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, types.NewError(types.ErrInvalidInput, "recurrence expression is empty")
	}
	sched, err := recurrenceParser.Parse(expr)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid recurrence %q", expr).WithCause(err)
	}
	return &Recurrence{expr: expr, schedule: sched}, nil
}

// Next returns the first occurrence strictly after t.
func (r *Recurrence) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

func (r *Recurrence) String() string { return r.expr }
