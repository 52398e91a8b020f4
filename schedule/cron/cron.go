// Package cron implements the five-field schedule grammar used by robot
// schedules: `minute hour day month dow`, each field a comma list of atoms
// `*`, `N`, or `N-M`, any of them with an optional `/step` suffix.
// Day-of-week runs Sunday=0 through Saturday=6, with 7 accepted as another
// spelling of Sunday.
//
// The grammar is deliberately narrower than full crontab: no month or
// weekday names, no `@` shortcuts, no seconds field. `*/step` counts from
// the field minimum. A bare `/step` is invalid. A range whose start exceeds
// its end never matches; when field evaluation reaches such an atom it fails
// the field outright, so only atoms listed before it can still match.
package cron

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type (
	// Expr is a parsed cron expression. It matches wall-clock minutes in
	// whatever location the probed time carries, so callers convert to the
	// schedule's timezone first.
	Expr struct {
		raw    string
		fields [5]field
	}

	field struct {
		min   int
		atoms []atom
	}

	atom struct {
		star    bool
		isRange bool
		start   int
		end     int
		step    int
	}
)

// Validation errors surfaced to schedule writes.
var (
	ErrFieldCount    = errors.New("cron expression must have exactly 5 fields")
	ErrInvalidSyntax = errors.New("cron expression contains invalid field syntax")
	ErrZeroStep      = errors.New("cron step must be positive")
)

var atomRe = regexp.MustCompile(`^(\*|\d+|\d+-\d+)(/\d+)?$`)

// fieldMins holds each field's minimum value, the base for `*/step`.
var fieldMins = [5]int{0, 0, 1, 1, 0}

// Parse validates expr against the grammar and returns its matcher.
func Parse(expr string) (*Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, ErrFieldCount
	}
	e := &Expr{raw: strings.Join(parts, " ")}
	for i, raw := range parts {
		f, err := parseField(raw, fieldMins[i], i == 4)
		if err != nil {
			return nil, err
		}
		e.fields[i] = f
	}
	return e, nil
}

func parseField(raw string, min int, isDow bool) (field, error) {
	f := field{min: min}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if !atomRe.MatchString(part) {
			return field{}, ErrInvalidSyntax
		}
		a := atom{step: 1}
		base := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			base = part[:idx]
			step, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return field{}, ErrInvalidSyntax
			}
			if step < 1 {
				return field{}, ErrZeroStep
			}
			a.step = step
		}
		switch {
		case base == "*":
			a.star = true
		case strings.IndexByte(base, '-') >= 0:
			i := strings.IndexByte(base, '-')
			start, err := strconv.Atoi(base[:i])
			if err != nil {
				return field{}, ErrInvalidSyntax
			}
			end, err := strconv.Atoi(base[i+1:])
			if err != nil {
				return field{}, ErrInvalidSyntax
			}
			if isDow {
				if start == 7 {
					start = 0
				}
				if end == 7 {
					end = 0
				}
			}
			a.isRange = true
			a.start, a.end = start, end
		default:
			n, err := strconv.Atoi(base)
			if err != nil {
				return field{}, ErrInvalidSyntax
			}
			if isDow && n == 7 {
				n = 0
			}
			a.start, a.end = n, n
		}
		f.atoms = append(f.atoms, a)
	}
	return f, nil
}

// String returns the expression with normalized whitespace.
func (e *Expr) String() string {
	return e.raw
}

// Matches reports whether t falls on the expression. Seconds and finer are
// ignored; the expression addresses whole minutes.
func (e *Expr) Matches(t time.Time) bool {
	vals := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, f := range e.fields {
		if !f.matches(vals[i]) {
			return false
		}
	}
	return true
}

func (f field) matches(v int) bool {
	for _, a := range f.atoms {
		switch {
		case a.star:
			if (v-f.min)%a.step == 0 {
				return true
			}
		case a.isRange:
			if a.start > a.end {
				return false
			}
			if a.start <= v && v <= a.end && (v-a.start)%a.step == 0 {
				return true
			}
		default:
			// A step on a plain number is accepted and ignored.
			if v == a.start {
				return true
			}
		}
	}
	return false
}
