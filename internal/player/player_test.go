package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

func at(sec int64) timeutil.Time { return timeutil.Time{Sec: sec} }

func atMs(ms int64) timeutil.Time { return timeutil.FromMillis(ms) }

type collector struct {
	mu     sync.Mutex
	states []State
}

func (c *collector) listener(_ context.Context, s State) error {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

// wait polls until cond holds over the collected states.
func (c *collector) wait(t *testing.T, what string, cond func([]State) bool) []State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		states := c.snapshot()
		if cond(states) {
			return states
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
	return nil
}

func messagesOf(states []State) []*source.MessageEvent {
	var out []*source.MessageEvent
	for _, s := range states {
		if s.ActiveData != nil {
			out = append(out, s.ActiveData.Messages...)
		}
	}
	return out
}

func newTestPlayer(t *testing.T, src source.Source) (*Player, *collector) {
	t.Helper()
	p := New(src, Options{
		Clock:      &timeutil.MockClock{},
		StartDelay: time.Millisecond,
	})
	c := &collector{}
	if err := p.SetListener(c.listener); err != nil {
		t.Fatalf("set listener: %v", err)
	}
	t.Cleanup(p.Close)
	return p, c
}

func oneTopicPerSecond(topic string, firstSec, lastSec int64) []*source.MessageEvent {
	var out []*source.MessageEvent
	for s := firstSec; s <= lastSec; s++ {
		out = append(out, &source.MessageEvent{
			Topic: topic, ReceiveTime: at(s), Message: []byte("m"), SizeInBytes: 8,
		})
	}
	return out
}

func TestSecondListenerRejected(t *testing.T) {
	src := source.NewMemorySource(nil, nil)
	p := New(src, Options{Clock: &timeutil.MockClock{}, StartDelay: time.Millisecond})
	defer p.Close()
	if err := p.SetListener(func(context.Context, State) error { return nil }); err != nil {
		t.Fatalf("first listener: %v", err)
	}
	if err := p.SetListener(func(context.Context, State) error { return nil }); err == nil {
		t.Fatal("expected second registration to be rejected")
	}
}

func TestInitializationFailureIsFatal(t *testing.T) {
	src := &failingSource{}
	_, c := newTestPlayer(t, src)
	states := c.wait(t, "error presence", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].Presence == PresenceError
	})
	last := states[len(states)-1]
	if last.ActiveData != nil {
		t.Fatal("error emission must clear activeData")
	}
	found := false
	for _, prob := range last.Problems {
		if prob.Severity == problems.SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a global error problem, got %+v", last.Problems)
	}
}

func TestDuplicateTopicsDemotedToProblem(t *testing.T) {
	src := source.NewMemorySource([]source.Topic{
		{Name: "/a", Datatype: "first"},
		{Name: "/a", Datatype: "second"},
		{Name: "/b", Datatype: "x"},
	}, oneTopicPerSecond("/a", 0, 1))
	_, c := newTestPlayer(t, src)
	states := c.wait(t, "present", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].Presence == PresencePresent
	})
	last := states[len(states)-1]
	if len(last.ActiveData.Topics) != 2 {
		t.Fatalf("expected deduplicated topics, got %+v", last.ActiveData.Topics)
	}
	if last.ActiveData.Topics[0].Datatype != "first" {
		t.Fatal("first topic occurrence must win")
	}
	if len(last.Problems) == 0 {
		t.Fatal("expected a duplicate-topic problem")
	}
}

func TestPlayThroughDeliversEveryMessageOnceInOrder(t *testing.T) {
	events := oneTopicPerSecond("/imu", 1, 5)
	src := source.NewMemorySource([]source.Topic{{Name: "/imu", Datatype: "t"}}, events)
	src.SetRange(at(0), at(5))

	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/imu", PreloadType: PreloadPartial}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})
	p.StartPlayback()

	states := c.wait(t, "playback to end", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(5)) == 0 &&
			!last.ActiveData.IsPlaying
	})

	got := messagesOf(states)
	if len(got) != len(events) {
		t.Fatalf("expected %d messages exactly once, got %d", len(events), len(got))
	}
	for i, ev := range got {
		if ev.ReceiveTime != events[i].ReceiveTime {
			t.Fatalf("message %d out of order: %v", i, ev.ReceiveTime)
		}
	}
}

func TestTicksNeverRegress(t *testing.T) {
	src := source.NewMemorySource([]source.Topic{{Name: "/imu", Datatype: "t"}},
		oneTopicPerSecond("/imu", 0, 3))
	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/imu"}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})
	p.StartPlayback()
	states := c.wait(t, "end of playback", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil && !last.ActiveData.IsPlaying &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(3)) == 0
	})

	// Batches are internally ordered and never reach behind the previous
	// tick's window.
	var prevEnd timeutil.Time
	for _, s := range states {
		if s.ActiveData == nil {
			continue
		}
		for _, ev := range s.ActiveData.Messages {
			if timeutil.Less(ev.ReceiveTime, prevEnd) {
				t.Fatalf("message at %v regressed behind %v", ev.ReceiveTime, prevEnd)
			}
		}
		if len(s.ActiveData.Messages) > 0 {
			prevEnd = s.ActiveData.Messages[len(s.ActiveData.Messages)-1].ReceiveTime
		}
	}
}

func TestSeekWhilePausedBackfills(t *testing.T) {
	events := []*source.MessageEvent{
		{Topic: "/a", ReceiveTime: atMs(2900), Message: []byte("x"), SizeInBytes: 4},
	}
	src := source.NewMemorySource([]source.Topic{{Name: "/a", Datatype: "t"}}, events)
	src.SetRange(at(0), at(5))

	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/a"}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})

	p.SeekPlayback(at(3))
	states := c.wait(t, "seek emission", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(3)) == 0 &&
			len(last.ActiveData.Messages) == 1
	})
	last := states[len(states)-1]
	got := last.ActiveData.Messages[0]
	if got.Topic != "/a" || got.ReceiveTime != atMs(2900) {
		t.Fatalf("unexpected backfill message: %+v", got)
	}
}

func TestSeekClampsToRange(t *testing.T) {
	src := source.NewMemorySource([]source.Topic{{Name: "/a", Datatype: "t"}},
		oneTopicPerSecond("/a", 0, 5))
	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/a"}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})
	p.SeekPlayback(at(100))
	c.wait(t, "clamped seek", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(5)) == 0
	})
}

func TestSubscriptionChangeMidPlayback(t *testing.T) {
	var events []*source.MessageEvent
	events = append(events, oneTopicPerSecond("/a", 1, 8)...)
	for s := int64(0); s < 8; s++ {
		events = append(events, &source.MessageEvent{
			Topic: "/b", ReceiveTime: atMs(s*1000 + 500), Message: []byte("b"), SizeInBytes: 4,
		})
	}
	src := source.NewMemorySource([]source.Topic{
		{Name: "/a", Datatype: "t"}, {Name: "/b", Datatype: "t"},
	}, events)
	src.SetRange(at(0), at(8))

	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/a"}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})
	p.StartPlayback()

	states := c.wait(t, "mid playback", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(2)) > 0
	})
	switchTime := states[len(states)-1].ActiveData.CurrentTime
	p.SetSubscriptions([]Subscription{{Topic: "/a"}, {Topic: "/b"}})

	final := c.wait(t, "end of playback", func(states []State) bool {
		last := states[len(states)-1]
		return last.ActiveData != nil && !last.ActiveData.IsPlaying &&
			timeutil.Compare(last.ActiveData.CurrentTime, at(8)) == 0
	})

	var aCount int
	seen := map[int64]bool{}
	for _, ev := range messagesOf(final) {
		switch ev.Topic {
		case "/a":
			aCount++
		case "/b":
			// No retroactive delivery of B messages from before the change.
			if timeutil.Less(ev.ReceiveTime, switchTime) {
				t.Fatalf("stale /b message at %v delivered after switch at %v",
					ev.ReceiveTime, switchTime)
			}
			ns, _ := ev.ReceiveTime.Nanoseconds()
			if seen[ns] {
				t.Fatalf("duplicate /b message at %v", ev.ReceiveTime)
			}
			seen[ns] = true
		}
	}
	if aCount != 8 {
		t.Fatalf("expected all 8 /a messages despite the change, got %d", aCount)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	src := source.NewMemorySource([]source.Topic{{Name: "/a", Datatype: "t"}},
		oneTopicPerSecond("/a", 0, 2))
	p, c := newTestPlayer(t, src)
	p.SetSubscriptions([]Subscription{{Topic: "/a"}})
	c.wait(t, "initialized", func(states []State) bool {
		return len(states) > 0 && states[len(states)-1].ActiveData != nil
	})
	p.Close()
	time.Sleep(20 * time.Millisecond)
	before := len(c.snapshot())
	p.StartPlayback()
	p.SeekPlayback(at(1))
	time.Sleep(20 * time.Millisecond)
	if after := len(c.snapshot()); after != before {
		t.Fatalf("emissions after close: %d -> %d", before, after)
	}
}

type failingSource struct{}

func (f *failingSource) Initialize(context.Context) (*source.Initialization, error) {
	return nil, errors.New("connection refused")
}

func (f *failingSource) MessageIterator(source.MessageIteratorArgs) source.Iterator {
	return nil
}

func (f *failingSource) GetBackfillMessages(context.Context, source.BackfillArgs) ([]*source.MessageEvent, error) {
	return nil, nil
}
