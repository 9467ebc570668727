package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rgov/foxglove-studio/internal/player"
	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

func deliver(t *testing.T, c *Controller, done chan<- error) {
	t.Helper()
	go func() {
		done <- c.Listener()(context.Background(), player.State{})
	}()
}

func TestFrameResolvesImmediatelyWithoutPauses(t *testing.T) {
	c := New(problems.NewManager())
	var handled atomic.Int32
	c.AddHandler(func(player.State) { handled.Add(1) })

	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if handled.Load() != 1 {
		t.Fatalf("handler ran %d times", handled.Load())
	}
}

func TestFrameWaitsForAllResumes(t *testing.T) {
	c := New(problems.NewManager())
	resumes := make(chan func(), 3)
	c.AddHandler(func(player.State) {
		for i := 0; i < 3; i++ {
			resumes <- c.PauseFrame("consumer")
		}
	})

	done := make(chan error, 1)
	deliver(t, c, done)

	r1, r2, r3 := <-resumes, <-resumes, <-resumes
	select {
	case <-done:
		t.Fatal("frame resolved before any resume")
	case <-time.After(20 * time.Millisecond):
	}
	r1()
	r2()
	select {
	case <-done:
		t.Fatal("frame resolved with one resume outstanding")
	case <-time.After(20 * time.Millisecond):
	}
	r3()
	if err := <-done; err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestDoubleResumeHasNoAdditionalEffect(t *testing.T) {
	c := New(problems.NewManager())
	resumes := make(chan func(), 2)
	c.AddHandler(func(player.State) {
		resumes <- c.PauseFrame("a")
		resumes <- c.PauseFrame("b")
	})

	done := make(chan error, 1)
	deliver(t, c, done)
	r1, r2 := <-resumes, <-resumes

	r1()
	r1() // second call must not count for b
	select {
	case <-done:
		t.Fatal("double resume resolved the frame")
	case <-time.After(20 * time.Millisecond):
	}
	r2()
	if err := <-done; err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestWatchdogForcesStuckFrame(t *testing.T) {
	pm := problems.NewManager()
	c := New(pm, WithFrameTimeout(30*time.Millisecond))
	c.AddHandler(func(player.State) {
		c.PauseFrame("stuck") // never resumed
	})

	start := time.Now()
	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("frame resolved before the watchdog")
	}
	if pm.Len() == 0 {
		t.Fatal("expected a frame-timeout problem")
	}
}

func TestPauseAndResumeBetweenFramesHasNoEffect(t *testing.T) {
	c := New(problems.NewManager())
	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	resume := c.PauseFrame("early")
	resume()
	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
}

func TestUnresumedPauseIsReportedAtNextDelivery(t *testing.T) {
	pm := problems.NewManager()
	c := New(pm)
	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_ = c.PauseFrame("leaky") // never resumed
	if err := c.Listener()(context.Background(), player.State{}); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	found := false
	for _, p := range pm.List() {
		if p.Severity == problems.SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a protocol violation problem")
	}
}

// The controller shares the player's problem manager, so a forced frame must
// be visible in the problems of a later emitted state.
func TestForcedFrameSurfacesInEmittedState(t *testing.T) {
	src := source.NewMemorySource(
		[]source.Topic{{Name: "/imu", Datatype: "t"}},
		[]*source.MessageEvent{{
			Topic: "/imu", ReceiveTime: timeutil.Time{Sec: 1},
			Message: []byte("m"), SizeInBytes: 1,
		}},
	)
	src.SetRange(timeutil.Time{}, timeutil.Time{Sec: 2})
	pl := player.New(src, player.Options{
		Clock:      &timeutil.MockClock{},
		StartDelay: time.Millisecond,
	})
	defer pl.Close()

	c := New(pl.Problems(), WithFrameTimeout(20*time.Millisecond))
	c.SetPlayer(pl.ID())

	var stuck sync.Once
	c.AddHandler(func(player.State) {
		stuck.Do(func() { c.PauseFrame("stuck") }) // never resumed
	})
	var mu sync.Mutex
	var states []player.State
	c.AddHandler(func(s player.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	if err := pl.SetListener(c.Listener()); err != nil {
		t.Fatalf("set listener: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		pl.RequestBackfill()
		mu.Lock()
		found := false
		for _, s := range states {
			for _, prob := range s.Problems {
				if prob.Severity == problems.SeverityWarn &&
					prob.Message == "a consumer did not finish rendering in time; the frame was forced" {
					found = true
				}
			}
		}
		mu.Unlock()
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("forced frame never surfaced in an emitted state's problems")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlayerSwapInvalidatesOldResumes(t *testing.T) {
	c := New(problems.NewManager())
	oldResumes := make(chan func(), 1)
	first := true
	c.AddHandler(func(player.State) {
		if first {
			first = false
			oldResumes <- c.PauseFrame("old-player")
		}
	})

	done := make(chan error, 1)
	deliver(t, c, done)
	resume := <-oldResumes

	c.SetPlayer("new-player")
	if err := <-done; err != nil {
		t.Fatalf("swap should resolve the old frame: %v", err)
	}

	// The old resume must not touch the new player's frames.
	newResumes := make(chan func(), 1)
	c.AddHandler(func(player.State) {
		select {
		case newResumes <- c.PauseFrame("new-player"):
		default:
		}
	})
	done2 := make(chan error, 1)
	deliver(t, c, done2)
	newResume := <-newResumes
	resume() // stale
	select {
	case <-done2:
		t.Fatal("stale resume resolved the new player's frame")
	case <-time.After(20 * time.Millisecond):
	}
	newResume()
	if err := <-done2; err != nil {
		t.Fatalf("deliver: %v", err)
	}
}
