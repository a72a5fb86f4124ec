package analytics

import (
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// Period names accepted by Period.
const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// Period resolves a named reporting period ending with the local day that
// contains now. "week" and "month" cover the last 7 and 30 days including
// today.
func Period(name string, now time.Time, loc *time.Location) (domain.Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	lt := now.In(loc)
	y, m, d := lt.Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, loc)

	var days int
	switch name {
	case PeriodToday, "":
		days = 1
	case PeriodWeek:
		days = 7
	case PeriodMonth:
		days = 30
	default:
		return domain.Window{}, domain.InvalidRequest("unknown period " + name + " (want today, week or month)")
	}
	return domain.Window{Start: time.Date(y, m, d+1-days, 0, 0, 0, 0, loc), End: tomorrow}, nil
}
