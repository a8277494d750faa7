package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoOccurrence reports a cron expression with no matching instant within
// one year of the search origin (e.g., "0 0 30 2 *").
var ErrNoOccurrence = errors.New("no occurrence within one year")

// Expr is a parsed five-field cron expression (minute, hour, day of month,
// month, day of week) evaluated in UTC. Day-of-month and day-of-week combine
// with OR when both are restricted, per the classic dialect.
type Expr struct {
	text   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	domStar bool
	dowStar bool
}

type cronField struct {
	name string
	min  int
	max  int
}

// Day-of-week admits 7 for Sunday; the parsed bit folds onto 0.
var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseCron parses a five-field cron expression. Each field accepts "*",
// single values, ranges "a-b", lists "a,b", and steps "*/n" or "a-b/n".
func ParseCron(text string) (*Expr, error) {
	parts := strings.Fields(text)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", text, len(parts))
	}
	e := &Expr{text: text}
	masks := [5]*uint64{&e.minute, &e.hour, &e.dom, &e.month, &e.dow}
	for i, part := range parts {
		mask, star, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", text, err)
		}
		*masks[i] = mask
		switch i {
		case 2:
			e.domStar = star
		case 4:
			e.dowStar = star
		}
	}
	if e.dow&(1<<7) != 0 {
		e.dow = (e.dow | 1) &^ (1 << 7)
	}
	return e, nil
}

// parseCronField returns the field's value bitmask and whether the whole
// field is an unrestricted "*".
func parseCronField(part string, f cronField) (uint64, bool, error) {
	var mask uint64
	for _, item := range strings.Split(part, ",") {
		lo, hi, step := f.min, f.max, 1
		rangePart, stepped := item, false
		if idx := strings.IndexByte(item, '/'); idx >= 0 {
			n, err := strconv.Atoi(item[idx+1:])
			if err != nil || n <= 0 {
				return 0, false, fmt.Errorf("%s: bad step in %q", f.name, item)
			}
			step, stepped = n, true
			rangePart = item[:idx]
		}
		switch {
		case rangePart == "*":
			// Full range.
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return 0, false, fmt.Errorf("%s: bad range %q", f.name, item)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, false, fmt.Errorf("%s: bad value %q", f.name, item)
			}
			lo = n
			// "a/n" means every n-th value from a to the field maximum;
			// a bare value matches only itself.
			if !stepped {
				hi = n
			}
		}
		if lo < f.min || hi > f.max {
			return 0, false, fmt.Errorf("%s: %q out of range %d-%d", f.name, item, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, part == "*", nil
}

// String returns the original expression text.
func (e *Expr) String() string { return e.text }

// Next returns the first matching instant strictly after t, in UTC with
// minute precision. The search is bounded at one year past t; expressions
// that never fire inside the bound return ErrNoOccurrence.
func (e *Expr) Next(after time.Time) (time.Time, error) {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := after.UTC().AddDate(1, 0, 0)
	for !t.After(limit) {
		switch {
		case !bit(e.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		case !e.matchDay(t):
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		case !bit(e.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
		case !bit(e.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}
	return time.Time{}, ErrNoOccurrence
}

// matchDay applies the classic day rule: restricted day-of-month and
// day-of-week combine with OR; a sole restricted field must match alone.
func (e *Expr) matchDay(t time.Time) bool {
	dom := bit(e.dom, t.Day())
	dow := bit(e.dow, int(t.Weekday()))
	switch {
	case e.domStar && e.dowStar:
		return true
	case e.domStar:
		return dow
	case e.dowStar:
		return dom
	default:
		return dom || dow
	}
}

func bit(mask uint64, v int) bool { return mask&(1<<uint(v)) != 0 }
