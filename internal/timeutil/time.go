package timeutil

import (
	"fmt"
	"math"
)

// Time is an exact (seconds, nanoseconds) timestamp as recorded in a bag.
// All arithmetic is integer-only; there is no floating point drift. A Time is
// normalized when 0 <= Nsec < 1e9; every constructor and operation in this
// package returns normalized values.
type Time struct {
	Sec  int64 `json:"sec"`
	Nsec int32 `json:"nsec"`
}

const nsecPerSec = int64(1e9)

// New returns a normalized Time, carrying nanosecond over/underflow into Sec.
func New(sec int64, nsec int64) Time {
	sec += nsec / nsecPerSec
	nsec %= nsecPerSec
	if nsec < 0 {
		nsec += nsecPerSec
		sec--
	}
	return Time{Sec: sec, Nsec: int32(nsec)}
}

// FromNanos converts an int64 nanosecond count into a Time.
func FromNanos(ns int64) Time {
	return New(0, ns)
}

// FromMillis converts an int64 millisecond count into a Time.
func FromMillis(ms int64) Time {
	return New(ms/1000, (ms%1000)*1e6)
}

// Nanoseconds returns the timestamp as a single int64 nanosecond count.
// It fails rather than silently truncating when the magnitude does not fit;
// int64 covers roughly +/-292 years around the epoch which is far beyond any
// recorded bag, so an overflow here indicates corrupt input.
func (t Time) Nanoseconds() (int64, error) {
	if t.Sec > math.MaxInt64/nsecPerSec || t.Sec < math.MinInt64/nsecPerSec {
		return 0, fmt.Errorf("time %d.%09d overflows int64 nanoseconds", t.Sec, t.Nsec)
	}
	ns := t.Sec * nsecPerSec
	if ns > 0 && ns > math.MaxInt64-int64(t.Nsec) {
		return 0, fmt.Errorf("time %d.%09d overflows int64 nanoseconds", t.Sec, t.Nsec)
	}
	return ns + int64(t.Nsec), nil
}

// Add returns a+b.
func Add(a, b Time) Time {
	return New(a.Sec+b.Sec, int64(a.Nsec)+int64(b.Nsec))
}

// Sub returns a-b.
func Sub(a, b Time) Time {
	return New(a.Sec-b.Sec, int64(a.Nsec)-int64(b.Nsec))
}

// AddNanos returns t advanced by ns nanoseconds (ns may be negative).
func AddNanos(t Time, ns int64) Time {
	return New(t.Sec, int64(t.Nsec)+ns)
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Time) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Nsec < b.Nsec:
		return -1
	case a.Nsec > b.Nsec:
		return 1
	}
	return 0
}

// Less reports whether a is strictly before b.
func Less(a, b Time) bool { return Compare(a, b) < 0 }

// Clamp bounds t to [min, max].
func Clamp(t, min, max Time) Time {
	if Compare(t, min) < 0 {
		return min
	}
	if Compare(t, max) > 0 {
		return max
	}
	return t
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}
