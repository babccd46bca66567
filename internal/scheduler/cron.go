package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// cronSchedule holds the sets of matching values for each of the 5 cron
// fields:
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-6)
//
// domStar/dowStar track whether the day fields were wildcards: classical
// cron ORs the two day fields when both are restricted.
type cronSchedule struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
	domStar    bool
	dowStar    bool
}

// parseCron parses a 5-field cron expression (space-separated). Supported
// field syntax:
//
//	*          every value in the allowed range
//	*/N        every Nth value (step)
//	N          single value
//	N-M        range [N, M] inclusive
//	N-M/S      range with step S
//	A,B,C      list of values
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field %q: %w", fields[0], err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field %q: %w", fields[1], err)
	}
	dayOfMonth, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field %q: %w", fields[2], err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field %q: %w", fields[3], err)
	}
	dayOfWeek, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}

	return &cronSchedule{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
		domStar:    fields[2] == "*",
		dowStar:    fields[4] == "*",
	}, nil
}

// parseCronField parses a single cron field into the sorted set of matching
// integer values within [min, max] inclusive.
func parseCronField(field string, min, max int) ([]int, error) {
	// Step: */N, N/S or range/N.
	if idx := strings.LastIndex(field, "/"); idx != -1 {
		stepStr := field[idx+1:]
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value %q", stepStr)
		}
		base := field[:idx]
		var start, end int
		if base == "*" {
			start, end = min, max
		} else if strings.Contains(base, "-") {
			s, e, err := parseRange(base)
			if err != nil {
				return nil, err
			}
			start, end = s, e
		} else {
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			start, end = v, max
		}
		if err := checkRange(start, end, min, max); err != nil {
			return nil, err
		}
		var vals []int
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	}

	if field == "*" {
		vals := make([]int, max-min+1)
		for i := range vals {
			vals[i] = min + i
		}
		return vals, nil
	}

	// List: A,B,C.
	if strings.Contains(field, ",") {
		seen := make(map[int]bool)
		var vals []int
		for _, p := range strings.Split(field, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid list value %q", p)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Ints(vals)
		return vals, nil
	}

	// Range: N-M.
	if strings.Contains(field, "-") {
		start, end, err := parseRange(field)
		if err != nil {
			return nil, err
		}
		if err := checkRange(start, end, min, max); err != nil {
			return nil, err
		}
		vals := make([]int, end-start+1)
		for i := range vals {
			vals[i] = start + i
		}
		return vals, nil
	}

	// Single value.
	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return []int{v}, nil
}

func parseRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

func checkRange(start, end, min, max int) error {
	if start < min || end > max || start > end {
		return fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", start, end, min, max)
	}
	return nil
}

// cronSearchLimit bounds the forward search: two years at minute resolution
// covers every expressible schedule, including Feb 29.
const cronSearchLimit = 2 * 366 * 24 * 60

// Next returns the first time after now (UTC, minute resolution) matching
// the schedule, or the zero time if nothing matches within two years.
func (s *cronSchedule) Next(now time.Time) time.Time {
	t := now.UTC().Add(time.Minute).Truncate(time.Minute)

	for i := 0; i < cronSearchLimit; i++ {
		if containsInt(s.month, int(t.Month())) &&
			s.dayMatches(t) &&
			containsInt(s.hour, t.Hour()) &&
			containsInt(s.minute, t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// dayMatches applies classical cron day semantics: when both day fields are
// restricted, either matching suffices; otherwise the restricted one rules.
func (s *cronSchedule) dayMatches(t time.Time) bool {
	domOK := containsInt(s.dayOfMonth, t.Day())
	dowOK := containsInt(s.dayOfWeek, int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
