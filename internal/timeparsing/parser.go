// Package timeparsing provides layered parsing for the date expressions the
// CLI accepts on report and investigation windows.
//
// The parsing is layered:
//  1. Compact duration (+6h, -1d, 2w)
//  2. Absolute timestamp (RFC3339, date-only)
//  3. Natural language (yesterday, last monday)
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactDurationRe matches compact duration patterns: [+-]?(\d+)([hdwmy])
// Examples: +6h, -1d, +2w, 3m, 1y
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// nlParser is the natural-language layer. when parsers are stateless after
// construction and safe for concurrent use.
var nlParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseCompactDuration parses compact duration syntax against a base time.
//
// Units: h = hours, d = days, w = weeks, m = months, y = years.
// No sign means positive: "3d" is three days forward, "-3d" three back.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}
	if matches[1] == "-" {
		amount = -amount
	}
	return applyDuration(now, amount, matches[3]), nil
}

func applyDuration(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	case "w":
		return base.AddDate(0, 0, amount*7)
	case "m":
		return base.AddDate(0, amount, 0)
	case "y":
		return base.AddDate(amount, 0, 0)
	default:
		return base
	}
}

// IsCompactDuration returns true if the string matches compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}

// ParsePoint resolves one date expression to a point in time, trying each
// layer in order.
func ParsePoint(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date expression")
	}

	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}

	if r, err := nlParser.Parse(s, now); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date expression: %q", s)
}

// ParseWindow resolves a window expression to a [from, to] pair.
//
// Accepted forms:
//   - "7d" (or any unsigned compact duration): the trailing window ending now
//   - "from..to": two point expressions
//   - any single point expression: from that point to now
func ParseWindow(s string, now time.Time) (time.Time, time.Time, error) {
	s = strings.TrimSpace(s)

	if from, to, ok := strings.Cut(s, ".."); ok {
		start, err := ParsePoint(from, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end, err := ParsePoint(to, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("window end %s is not after start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
		}
		return start, end, nil
	}

	// A bare unsigned duration reads as "the last N"; flip it backward.
	if IsCompactDuration(s) && !strings.HasPrefix(s, "+") && !strings.HasPrefix(s, "-") {
		s = "-" + s
	}

	start, err := ParsePoint(s, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !now.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window start %q is not in the past", s)
	}
	return start, now, nil
}
