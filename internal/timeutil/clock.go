package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock provides an interface for retrieving current time and pacing sleeps.
// Allows tests to mock time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MockClock is a threadsafe controllable clock for tests. Sleep advances the
// clock instead of blocking, so paced loops run at full speed under test.
type MockClock struct {
	mu       sync.RWMutex
	CurrTime time.Time
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CurrTime
}

// SetTime sets the current time of the mock clock.
func (m *MockClock) SetTime(t time.Time) {
	m.mu.Lock()
	m.CurrTime = t
	m.mu.Unlock()
}

// Advance moves the mock clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.CurrTime = m.CurrTime.Add(d)
	m.mu.Unlock()
}

func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		m.Advance(d)
	}
	return nil
}
