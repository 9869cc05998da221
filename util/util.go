// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
	"unicode"
)

// TAIOffset is TAI - UTC, valid since 2017-01-01
const TAIOffset = 37 * time.Second

// SecsToDuration converts a floating point number of seconds to a duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// CeilSecsToDuration converts a floating point number of seconds to a whole
// number of seconds, rounding up.  10.4 => 11s, 10 => 10s.
func CeilSecsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(secs)) * time.Second
}

// TAI converts a wall clock time to TAI.  The returned time carries the UTC
// location but its clock reads TAI.
func TAI(t time.Time) time.Time {
	return t.UTC().Add(TAIOffset)
}

// AllElementsNumbers returns true if all characters in s are digits or a
// decimal point
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

// Clamp limits a value to low <= x <= high
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	} else if input > high {
		return high
	}
	return input
}
