package model

import (
	"math"
	"strconv"
	"time"
)

// ParseDuration parses the directive duration grammar: digits followed by an
// optional unit among ms (the default), s, m, h and d. An unknown unit falls
// back to the numeric prefix in milliseconds, so "10x" is 10ms. Empty or
// non-numeric input, or a value too large for a time.Duration, yields def.
func ParseDuration(s string, def time.Duration) time.Duration {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return def
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return def
	}

	var unit time.Duration
	switch s[i:] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	default:
		unit = time.Millisecond
	}
	if n > int64(math.MaxInt64/unit) {
		return def
	}
	return time.Duration(n) * unit
}
