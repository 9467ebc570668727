// Package player implements the iterable playback engine: a state machine
// wrapping a pluggable message source that provides seek/play/pause/speed
// control, drives block pre-caching, and emits consolidated state snapshots
// to a single downstream listener.
package player

import (
	"context"

	"github.com/rgov/foxglove-studio/internal/player/blockcache"
	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// Presence is the connection/lifecycle status of the current data source.
type Presence string

const (
	PresenceNotPresent   Presence = "NOT_PRESENT"
	PresenceConstructing Presence = "CONSTRUCTING"
	PresenceInitializing Presence = "INITIALIZING"
	PresenceReconnecting Presence = "RECONNECTING"
	PresencePresent      Presence = "PRESENT"
	PresenceError        Presence = "ERROR"
)

// Capability advertises an optional control surface to the UI.
type Capability string

const (
	CapabilityPlaybackControl Capability = "playbackControl"
	CapabilitySetSpeed        Capability = "setSpeed"
)

// PreloadType selects whether a subscription participates in block
// pre-caching ("partial") or only receives live playback messages ("full").
type PreloadType string

const (
	PreloadFull    PreloadType = "full"
	PreloadPartial PreloadType = "partial"
)

// Subscription is one consumer's interest in a topic.
type Subscription struct {
	Topic       string      `json:"topic"`
	PreloadType PreloadType `json:"preloadType,omitempty"`
}

// Progress reports how much of the source is resident in the block cache.
type Progress struct {
	FullyLoadedFractionRanges []blockcache.Range  `json:"fullyLoadedFractionRanges,omitempty"`
	MessageCache              []*blockcache.Block `json:"-"`
	CacheBytes                int64               `json:"cacheBytes"`
}

// ActiveData is the playback payload of a state snapshot. It is nil until the
// source has initialized, then sticky across presence transitions so the UI
// does not lose context on disconnect; a fatal error clears it.
type ActiveData struct {
	Messages           []*source.MessageEvent        `json:"messages"`
	TotalBytesReceived int64                         `json:"totalBytesReceived"`
	CurrentTime        timeutil.Time                 `json:"currentTime"`
	StartTime          timeutil.Time                 `json:"startTime"`
	EndTime            timeutil.Time                 `json:"endTime"`
	IsPlaying          bool                          `json:"isPlaying"`
	Speed              float64                       `json:"speed"`
	LastSeekTime       int64                         `json:"lastSeekTime"`
	Topics             []source.Topic                `json:"topics"`
	TopicStats         map[string]source.TopicStats  `json:"topicStats,omitempty"`
	Datatypes          map[string]string             `json:"datatypes,omitempty"`
	PublishedTopics    map[string][]string           `json:"publishedTopics,omitempty"`
}

// State is the single value emitted to the listener after every change.
type State struct {
	Presence     Presence           `json:"presence"`
	Progress     Progress           `json:"progress"`
	Capabilities []Capability       `json:"capabilities"`
	PlayerID     string             `json:"playerId"`
	Problems     []problems.Problem `json:"problems,omitempty"`
	ActiveData   *ActiveData        `json:"activeData,omitempty"`
}

// StateListener receives every emitted snapshot. It must not return until all
// consumers have finished acting on the snapshot; the player will not produce
// the next one before it returns.
type StateListener func(ctx context.Context, state State) error
