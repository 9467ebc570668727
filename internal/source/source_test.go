package source

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/rgov/foxglove-studio/internal/timeutil"
)

func at(sec int64) timeutil.Time { return timeutil.Time{Sec: sec} }

func fixtureEvents() []*MessageEvent {
	return []*MessageEvent{
		{Topic: "/imu", ReceiveTime: at(1), Message: []byte("a"), SizeInBytes: 1},
		{Topic: "/gps", ReceiveTime: at(2), Message: []byte("b"), SizeInBytes: 1},
		{Topic: "/imu", ReceiveTime: at(3), Message: []byte("c"), SizeInBytes: 1},
		{Topic: "/imu", ReceiveTime: at(5), Message: []byte("d"), SizeInBytes: 1},
	}
}

func fixtureTopics() []Topic {
	return []Topic{
		{Name: "/imu", Datatype: "sensor_msgs/Imu"},
		{Name: "/gps", Datatype: "sensor_msgs/NavSatFix"},
	}
}

func drain(t *testing.T, it Iterator) []*MessageEvent {
	t.Helper()
	var out []*MessageEvent
	for {
		res, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("iterator error: %v", err)
		}
		if res.Problem != nil {
			t.Fatalf("unexpected problem: %+v", res.Problem)
		}
		out = append(out, res.Event)
	}
}

func TestMemoryIteratorBoundsInclusive(t *testing.T) {
	s := NewMemorySource(fixtureTopics(), fixtureEvents())
	got := drain(t, s.MessageIterator(MessageIteratorArgs{
		Topics: []string{"/imu"}, Start: at(1), End: at(3),
	}))
	if len(got) != 2 || got[0].ReceiveTime != at(1) || got[1].ReceiveTime != at(3) {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestMemoryBackfillLatestPerTopic(t *testing.T) {
	s := NewMemorySource(fixtureTopics(), fixtureEvents())
	got, err := s.GetBackfillMessages(context.Background(), BackfillArgs{
		Topics: []string{"/imu", "/gps"}, Time: at(4),
	})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	// sorted by time: /gps@2 then /imu@3
	if got[0].Topic != "/gps" || got[1].Topic != "/imu" || got[1].ReceiveTime != at(3) {
		t.Fatalf("unexpected backfill: %+v", got)
	}
}

func TestMemoryBackfillHonorsCancellation(t *testing.T) {
	s := NewMemorySource(fixtureTopics(), fixtureEvents())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetBackfillMessages(ctx, BackfillArgs{Topics: []string{"/imu"}, Time: at(4)}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bag.db")
	ctx := context.Background()
	if err := WriteBag(ctx, path, fixtureTopics(), fixtureEvents()); err != nil {
		t.Fatalf("write bag: %v", err)
	}

	s := NewSQLiteSource(path)
	init, err := s.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()

	if init.Start != at(1) || init.End != at(5) {
		t.Fatalf("unexpected range %v..%v", init.Start, init.End)
	}
	if len(init.Topics) != 2 || init.TopicStats["/imu"].NumMessages != 3 {
		t.Fatalf("unexpected topics/stats: %+v", init.TopicStats)
	}

	got := drain(t, s.MessageIterator(MessageIteratorArgs{
		Topics: []string{"/imu", "/gps"}, Start: at(1), End: at(3),
	}))
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if timeutil.Less(got[i].ReceiveTime, got[i-1].ReceiveTime) {
			t.Fatal("events out of order")
		}
	}

	bf, err := s.GetBackfillMessages(ctx, BackfillArgs{Topics: []string{"/imu"}, Time: at(4)})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(bf) != 1 || bf[0].ReceiveTime != at(3) {
		t.Fatalf("unexpected backfill: %+v", bf)
	}
}

func TestSQLiteIteratorEarlyClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bag.db")
	ctx := context.Background()
	if err := WriteBag(ctx, path, fixtureTopics(), fixtureEvents()); err != nil {
		t.Fatalf("write bag: %v", err)
	}
	s := NewSQLiteSource(path)
	if _, err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()

	it := s.MessageIterator(MessageIteratorArgs{Topics: []string{"/imu"}, Start: at(1), End: at(5)})
	if _, err := it.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := it.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
