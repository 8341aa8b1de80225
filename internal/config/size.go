package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sizeUnits maps a lowercase unit suffix to its byte multiplier. Both SI
// (decimal) and IEC (binary) forms are accepted: the content transfer
// budget is the only size-valued knob, and deployments write it both ways.
var sizeUnits = map[string]int64{
	"b":   1,
	"kb":  1000,
	"mb":  1000 * 1000,
	"gb":  1000 * 1000 * 1000,
	"tb":  1000 * 1000 * 1000 * 1000,
	"kib": 1 << 10,
	"mib": 1 << 20,
	"gib": 1 << 30,
	"tib": 1 << 40,
}

// ParseSize converts a human-readable size string to bytes: a number with
// an optional SI or IEC unit suffix ("4MiB", "512 kb", "65536"). A bare
// number is raw bytes. Empty string and "0" mean zero. Negative sizes are
// rejected.
func ParseSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "0" {
		return 0, nil
	}

	num, unit := splitSizeUnit(trimmed)

	multiplier := int64(1)
	if unit != "" {
		m, ok := sizeUnits[strings.ToLower(unit)]
		if !ok {
			return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
		}
		multiplier = m
	}

	if num == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: exceeds the representable range", s)
	}

	return int64(bytes), nil
}

// splitSizeUnit cuts s into its leading numeric part and trailing unit
// letters, tolerating whitespace between the two.
func splitSizeUnit(s string) (num, unit string) {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		i--
	}

	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i:])
}
