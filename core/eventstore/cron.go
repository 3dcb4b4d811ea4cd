package eventstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ontograph/ontograph/core/model"
)

// ParseCron parses the custom 5-field grammar spec §4.4 names: minute hour
// day-of-month month weekday, each field "*", "*/n", "a-b", or a
// comma-separated list of those, with weekday 0 and 7 both meaning Sunday.
// No cron library in the retrieval pack implements this exact grammar
// (standard libraries default to 6-field-with-seconds or omit the
// 0-and-7-both-Sunday rule), so this is hand-rolled stdlib — see DESIGN.md.
func ParseCron(expr string) (model.CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return model.CronSchedule{}, fmt.Errorf("eventstore: cron expression %q must have 5 fields, got %d", expr, len(fields))
	}
	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return model.CronSchedule{}, err
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return model.CronSchedule{}, err
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return model.CronSchedule{}, err
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return model.CronSchedule{}, err
	}
	weekday, err := parseField(fields[4], 0, 7)
	if err != nil {
		return model.CronSchedule{}, err
	}
	for i, w := range weekday {
		if w == 7 {
			weekday[i] = 0
		}
	}
	return model.CronSchedule{Minute: minute, Hour: hour, Dom: dom, Month: month, Weekday: weekday, Expr: expr}, nil
}

func parseField(f string, lo, hi int) ([]int, error) {
	if f == "*" {
		out := make([]int, 0, hi-lo+1)
		for v := lo; v <= hi; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	var out []int
	for _, part := range strings.Split(f, ",") {
		switch {
		case strings.HasPrefix(part, "*/"):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "*/"))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("eventstore: invalid step field %q", part)
			}
			for v := lo; v <= hi; v += n {
				out = append(out, v)
			}
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b || a < lo || b > hi {
				return nil, fmt.Errorf("eventstore: invalid range field %q", part)
			}
			for v := a; v <= b; v++ {
				out = append(out, v)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < lo || v > hi {
				return nil, fmt.Errorf("eventstore: invalid field value %q", part)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// Next returns the earliest instant strictly after after that matches sched,
// searching minute-by-minute up to two years ahead.
func Next(sched model.CronSchedule, after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(2, 0, 0)
	for t.Before(limit) {
		if contains(sched.Month, int(t.Month())) && contains(sched.Dom, t.Day()) &&
			contains(sched.Hour, t.Hour()) && contains(sched.Minute, t.Minute()) &&
			contains(sched.Weekday, int(t.Weekday())) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("eventstore: no match for cron %q within 2 years of %s", sched.Expr, after)
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
