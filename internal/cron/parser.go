// Package cron evaluates 5-field cron expressions.
//
// On top of the standard grammar (minute, hour, day-of-month, month,
// day-of-week with *, values, ranges, lists and steps) the day-of-week field
// accepts a trailing X<k> modifier meaning "every k-th week": "0 12 * * 2X2"
// fires every other Tuesday at noon. Sunday is 0 or 7.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for expressions that cannot be parsed.
var ErrInvalidExpression = errors.New("invalid cron expression")

const (
	fieldCount = 5
	dowField   = 4
	week       = 7 * 24 * time.Hour
)

// Schedule computes occurrences of one parsed expression.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Evaluator parses expressions and computes next occurrences.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	parser cron.Parser
	loc    *time.Location
}

// NewEvaluator returns an Evaluator that interprets expressions in loc (UTC if nil).
func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		loc:    loc,
	}
}

// Parse validates expression and returns its schedule.
func (e *Evaluator) Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(fields))
	}

	every := 1
	for i, f := range fields {
		if !strings.ContainsAny(f, "Xx") {
			continue
		}
		if i != dowField {
			return nil, fmt.Errorf("%w: X modifier is only allowed on day-of-week, got %q", ErrInvalidExpression, f)
		}
		base, k, err := splitWeekModifier(f)
		if err != nil {
			return nil, err
		}
		fields[i] = base
		every = k
	}
	fields[dowField] = sundayAsZero(fields[dowField])

	sched, err := e.parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	return &schedule{sched: sched, loc: e.loc, everyWeeks: every}, nil
}

// NextOccurrence returns the earliest instant strictly after after that
// satisfies expression.
func (e *Evaluator) NextOccurrence(expression string, after time.Time) (time.Time, error) {
	sched, err := e.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no occurrence after %s", ErrInvalidExpression, after.UTC().Format(time.RFC3339))
	}
	return next, nil
}

// splitWeekModifier splits "2X3" into ("2", 3).
func splitWeekModifier(field string) (string, int, error) {
	idx := strings.LastIndexAny(field, "Xx")
	base, kStr := field[:idx], field[idx+1:]
	if base == "" || strings.ContainsAny(base, "Xx") {
		return "", 0, fmt.Errorf("%w: malformed day-of-week modifier %q", ErrInvalidExpression, field)
	}
	k, err := strconv.Atoi(kStr)
	if err != nil || k < 1 {
		return "", 0, fmt.Errorf("%w: week interval in %q must be a positive integer", ErrInvalidExpression, field)
	}
	return base, k, nil
}

// sundayAsZero rewrites the day-of-week value 7, which standard cron accepts
// as Sunday, to 0. Ranges ending in 7 are cut at 6 and Sunday is listed
// separately when the step lands on it. Malformed items are left for the
// parser to reject.
func sundayAsZero(field string) string {
	items := strings.Split(field, ",")
	out := make([]string, 0, len(items)+1)
	for _, item := range items {
		rng, step, hasStep := strings.Cut(item, "/")
		lo, hi, isRange := strings.Cut(rng, "-")
		switch {
		case !isRange && rng == "7":
			out = append(out, "0")
		case isRange && hi == "7" && lo == "7":
			out = append(out, "0")
		case isRange && hi == "7":
			from, err := strconv.Atoi(lo)
			every := 1
			if hasStep {
				every, err = strconv.Atoi(step)
			}
			if err != nil || every < 1 {
				out = append(out, item)
				continue
			}
			cut := lo + "-6"
			if hasStep {
				cut += "/" + step
			}
			out = append(out, cut)
			if (7-from)%every == 0 {
				out = append(out, "0")
			}
		default:
			out = append(out, item)
		}
	}
	return strings.Join(out, ",")
}

type schedule struct {
	sched      cron.Schedule
	loc        *time.Location
	everyWeeks int
}

// Next returns the next occurrence in UTC, or the zero time if none exists
// within the underlying parser's search horizon.
//
// With an every-k-weeks modifier (k >= 2) the result is the first plain
// occurrence at or after after+k weeks, at minute precision.
func (s *schedule) Next(after time.Time) time.Time {
	from := after.In(s.loc)
	if s.everyWeeks > 1 {
		from = from.Truncate(time.Minute).Add(time.Duration(s.everyWeeks) * week).Add(-time.Second)
	}
	next := s.sched.Next(from)
	if next.IsZero() {
		return next
	}
	return next.UTC()
}
