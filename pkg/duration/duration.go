// Package duration extends time.ParseDuration with day and week units, the
// scale retention policies and tmp-file ages are written in.
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

// Parse reads a duration like "30d", "2w", "1w2d12h", or any standard Go
// duration ("90m", "1h30m"). Day and week components must precede the
// hour-and-below remainder.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty value")
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var total time.Duration
	for {
		n, unit, rest, ok := leadingExtendedUnit(s)
		if !ok {
			break
		}
		total += time.Duration(n) * unit
		s = rest
	}

	if s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		total += d
	}

	if negative {
		total = -total
	}
	return total, nil
}

// leadingExtendedUnit peels one "Nd" or "Nw" component off the front of s.
func leadingExtendedUnit(s string) (int64, time.Duration, string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return 0, 0, s, false
	}

	var unit time.Duration
	switch s[i] {
	case 'd':
		unit = Day
	case 'w':
		unit = Week
	default:
		return 0, 0, s, false
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, 0, s, false
	}
	return n, unit, s[i+1:], true
}

// Format renders a duration as weeks and days plus the standard Go form for
// the remainder: 8 days becomes "1w1d", 90 minutes stays "1h30m0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder
	if w := d / Week; w > 0 {
		fmt.Fprintf(&b, "%dw", w)
		d -= w * Week
	}
	if days := d / Day; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * Day
	}
	if d > 0 {
		b.WriteString(d.String())
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
