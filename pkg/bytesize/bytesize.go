// Package bytesize parses and formats human-readable byte counts.
// Units are binary (1024-based): "500KB", "1.5 GB", "2MiB". A bare number
// is bytes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

var units = map[string]Size{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"kib": KB,
	"m":   MB,
	"mb":  MB,
	"mib": MB,
	"g":   GB,
	"gb":  GB,
	"gib": GB,
	"t":   TB,
	"tb":  TB,
	"tib": TB,
}

// Parse reads a size like "5MB", "1.5 GB", or "1048576". Negative sizes are
// rejected; rate limits and thresholds have no use for them.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty value")
	}

	split := len(s)
	for split > 0 {
		c := s[split-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		split--
	}
	numStr := strings.TrimSpace(s[:split])
	unitStr := strings.ToLower(strings.TrimSpace(s[split:]))

	mult, ok := units[unitStr]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q in %q", unitStr, s)
	}

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("bytesize: invalid number %q", s)
	}
	return Size(value * float64(mult)), nil
}

// Format renders a size using the largest unit that keeps the value >= 1.
func Format(s Size) string {
	switch {
	case s >= TB:
		return trim(float64(s)/float64(TB)) + "TB"
	case s >= GB:
		return trim(float64(s)/float64(GB)) + "GB"
	case s >= MB:
		return trim(float64(s)/float64(MB)) + "MB"
	case s >= KB:
		return trim(float64(s)/float64(KB)) + "KB"
	default:
		return strconv.FormatInt(int64(s), 10) + "B"
	}
}

// trim renders with at most two decimals, dropping trailing zeros.
func trim(v float64) string {
	out := strconv.FormatFloat(v, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	return strings.TrimSuffix(out, ".")
}

// Bytes returns the size as int64.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }
