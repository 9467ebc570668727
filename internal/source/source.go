// Package source defines the pluggable message source consumed by the player:
// an ordered, seekable stream of topic messages over a bounded time range,
// plus point-in-time backfill queries. Implementations cover recorded bags
// (sqlite) and in-memory fixtures; the player is agnostic to which one it is
// driving.
package source

import (
	"context"
	"time"

	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// Topic is a named, typed channel of messages within a source.
type Topic struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	// OriginalTopic is set when the topic was renamed (aliased) by the source.
	OriginalTopic string `json:"originalTopic,omitempty"`
}

// TopicStats carries per-topic counts reported by the source at initialize.
type TopicStats struct {
	NumMessages      int64         `json:"numMessages"`
	FirstMessageTime timeutil.Time `json:"firstMessageTime"`
	LastMessageTime  timeutil.Time `json:"lastMessageTime"`
}

// MessageEvent is a single recorded message. Events are created by the source
// and immutable downstream.
type MessageEvent struct {
	Topic       string        `json:"topic"`
	ReceiveTime timeutil.Time `json:"receiveTime"`
	Message     any           `json:"message"`
	SizeInBytes int64         `json:"sizeInBytes"`
}

// Initialization is the result of Source.Initialize.
type Initialization struct {
	Start             timeutil.Time
	End               timeutil.Time
	Topics            []Topic
	TopicStats        map[string]TopicStats
	Problems          []problems.Problem
	PublishersByTopic map[string][]string
	Datatypes         map[string]string
	// BlockDuration is the source's suggested cache bucket duration.
	// Zero means the source has no preference.
	BlockDuration time.Duration
}

// IteratorResult is a tagged union: exactly one of Event or Problem is set.
// Problems carry the connection they originated from so the player can report
// them under a stable key without stopping the read loop.
type IteratorResult struct {
	Event        *MessageEvent
	Problem      *problems.Problem
	ConnectionID int
}

// MessageIteratorArgs bounds a forward read. Start and End are inclusive.
type MessageIteratorArgs struct {
	Topics []string
	Start  timeutil.Time
	End    timeutil.Time
}

// BackfillArgs requests the most recent message per topic at or before Time.
type BackfillArgs struct {
	Topics []string
	Time   timeutil.Time
}

// Iterator is a finite forward cursor over a bounded time range. Next returns
// io.EOF once the range is exhausted. Close releases held resources and may be
// called before exhaustion.
type Iterator interface {
	Next(ctx context.Context) (*IteratorResult, error)
	Close() error
}

// Source produces ordered message events for bounded time ranges.
type Source interface {
	// Initialize is called exactly once per player lifetime. A returned error
	// is fatal to the player.
	Initialize(ctx context.Context) (*Initialization, error)

	// MessageIterator opens a forward cursor over [Start, End].
	MessageIterator(args MessageIteratorArgs) Iterator

	// GetBackfillMessages returns the latest message per requested topic at or
	// before the given time. It honors ctx cancellation.
	GetBackfillMessages(ctx context.Context, args BackfillArgs) ([]*MessageEvent, error)
}
