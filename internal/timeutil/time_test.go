package timeutil

import (
	"math"
	"testing"
)

func TestNewNormalizesCarry(t *testing.T) {
	got := New(1, 2_500_000_000)
	if got.Sec != 3 || got.Nsec != 500_000_000 {
		t.Fatalf("expected 3.5e8, got %v", got)
	}
}

func TestNewNormalizesBorrow(t *testing.T) {
	got := New(2, -500_000_000)
	if got.Sec != 1 || got.Nsec != 500_000_000 {
		t.Fatalf("expected 1.5e8, got %v", got)
	}
}

func TestAddSubRoundTrip(t *testing.T) {
	a := Time{Sec: 10, Nsec: 900_000_000}
	b := Time{Sec: 2, Nsec: 200_000_000}
	sum := Add(a, b)
	if sum.Sec != 13 || sum.Nsec != 100_000_000 {
		t.Fatalf("unexpected sum %v", sum)
	}
	if got := Sub(sum, b); got != a {
		t.Fatalf("sub did not invert add: %v", got)
	}
}

func TestSubBorrowsNanos(t *testing.T) {
	got := Sub(Time{Sec: 5, Nsec: 100_000_000}, Time{Sec: 1, Nsec: 900_000_000})
	if got.Sec != 3 || got.Nsec != 200_000_000 {
		t.Fatalf("unexpected diff %v", got)
	}
}

func TestCompareAndClamp(t *testing.T) {
	lo := Time{Sec: 1}
	hi := Time{Sec: 10}
	if Compare(lo, hi) != -1 || Compare(hi, lo) != 1 || Compare(lo, lo) != 0 {
		t.Fatal("compare ordering broken")
	}
	if Compare(Time{Sec: 1, Nsec: 5}, Time{Sec: 1, Nsec: 4}) != 1 {
		t.Fatal("nsec tiebreak broken")
	}
	if got := Clamp(Time{Sec: 0}, lo, hi); got != lo {
		t.Fatalf("clamp below: %v", got)
	}
	if got := Clamp(Time{Sec: 42}, lo, hi); got != hi {
		t.Fatalf("clamp above: %v", got)
	}
	if got := Clamp(Time{Sec: 5}, lo, hi); (got != Time{Sec: 5}) {
		t.Fatalf("clamp inside: %v", got)
	}
}

func TestNanosecondsExactForCenturies(t *testing.T) {
	// ~200 years in seconds
	tm := Time{Sec: 200 * 365 * 24 * 3600, Nsec: 123}
	ns, err := tm.Nanoseconds()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FromNanos(ns) != tm {
		t.Fatalf("round trip lost precision: %v", FromNanos(ns))
	}
}

func TestNanosecondsOverflowRejected(t *testing.T) {
	tm := Time{Sec: math.MaxInt64 / int64(1e9) * 2}
	if _, err := tm.Nanoseconds(); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestFromMillis(t *testing.T) {
	if got := FromMillis(1500); got.Sec != 1 || got.Nsec != 500_000_000 {
		t.Fatalf("unexpected %v", got)
	}
}
