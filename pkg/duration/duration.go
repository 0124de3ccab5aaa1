// Package duration provides human-readable duration parsing.
// It extends Go's standard time.ParseDuration with support for days and weeks.
//
// Supported extended units (case-insensitive):
//   - d, day(s): days (24 hours)
//   - w, wk, week(s): weeks (7 days)
//
// Examples:
//   - "90s" = 90 seconds (standard Go format)
//   - "2d" = 2 days
//   - "1w2d12h" = 1 week, 2 days, 12 hours
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// extendedUnits maps extended unit names to their hour multiplier.
var extendedUnits = map[string]int64{
	"w":     7 * 24,
	"wk":    7 * 24,
	"wks":   7 * 24,
	"week":  7 * 24,
	"weeks": 7 * 24,
	"d":     24,
	"day":   24,
	"days":  24,
}

// extendedUnitPattern matches extended duration units (weeks, days) with
// optional whitespace between number and unit.
var extendedUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// Parse parses a human-readable duration string.
// It accepts everything time.ParseDuration accepts, plus 'd' (days) and
// 'w' (weeks) units.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	// Fast path: standard Go duration.
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	// Rewrite extended units into hours, then let time.ParseDuration
	// handle the remainder.
	rewritten := extendedUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := extendedUnitPattern.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		n, err := strconv.ParseInt(groups[1], 10, 64)
		if err != nil {
			return match
		}
		mult, ok := extendedUnits[strings.ToLower(groups[2])]
		if !ok {
			return match
		}
		return fmt.Sprintf("%dh", n*mult)
	})

	d, err := time.ParseDuration(rewritten)
	if err != nil {
		return 0, fmt.Errorf("duration: invalid format %q", s)
	}
	return d, nil
}

// Format renders a duration with week and day units, largest first.
// Sub-second remainders fall back to the standard formatting.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder

	weeks := d / Week
	d -= weeks * Week
	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
	}
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	if d > 0 {
		b.WriteString(d.String())
	}

	out := b.String()
	if negative {
		out = "-" + out
	}
	return out
}
