package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// PlaybackMetrics provides lightweight counters, gauges, and windowed
// per-second rates for one player instance plus the global aggregate.
type PlaybackMetrics struct {
	// Gauges
	cacheBytes   atomic.Int64
	playing      atomic.Int64
	speedMilli   atomic.Int64 // playback speed * 1000
	problemCount atomic.Int64

	// Counters and windowed rates (per second)
	ticksTotal          atomic.Int64
	ticksWindowStartSec atomic.Int64
	ticksWindowCount    atomic.Int64
	ticksPerSec         atomic.Int64

	messagesTotal atomic.Int64
	bytesTotal    atomic.Int64

	seeksTotal        atomic.Int64
	backfillsTotal    atomic.Int64
	emitsTotal        atomic.Int64
	evictionsTotal    atomic.Int64
	forcedFramesTotal atomic.Int64
}

// MetricsRegistry holds the global metrics and an optional per-player breakdown.
type MetricsRegistry struct {
	global  PlaybackMetrics
	mu      sync.RWMutex
	players map[string]*PlaybackMetrics
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{players: make(map[string]*PlaybackMetrics)}
}

var Metrics = NewMetricsRegistry()

// getPlayer returns the per-player metrics struct, creating it if missing.
func (r *MetricsRegistry) getPlayer(id string) *PlaybackMetrics {
	if id == "" {
		return nil
	}
	r.mu.RLock()
	pm := r.players[id]
	r.mu.RUnlock()
	if pm != nil {
		return pm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pm = r.players[id]; pm == nil {
		pm = &PlaybackMetrics{}
		r.players[id] = pm
	}
	return pm
}

// DropPlayer removes the per-player breakdown when a player closes.
func (r *MetricsRegistry) DropPlayer(id string) {
	r.mu.Lock()
	delete(r.players, id)
	r.mu.Unlock()
}

func (m *PlaybackMetrics) recordTick(messages int, bytes int64, now time.Time) {
	m.ticksTotal.Add(1)
	m.messagesTotal.Add(int64(messages))
	m.bytesTotal.Add(bytes)

	sec := now.Unix()
	start := m.ticksWindowStartSec.Load()
	if start != sec {
		if m.ticksWindowStartSec.CompareAndSwap(start, sec) {
			m.ticksPerSec.Store(m.ticksWindowCount.Swap(0))
		}
	}
	m.ticksWindowCount.Add(1)
}

func (m *PlaybackMetrics) snapshot() map[string]interface{} {
	return map[string]interface{}{
		"ticks_total":         m.ticksTotal.Load(),
		"ticks_per_sec":       m.ticksPerSec.Load(),
		"messages_total":      m.messagesTotal.Load(),
		"bytes_total":         m.bytesTotal.Load(),
		"seeks_total":         m.seeksTotal.Load(),
		"backfills_total":     m.backfillsTotal.Load(),
		"emits_total":         m.emitsTotal.Load(),
		"evictions_total":     m.evictionsTotal.Load(),
		"forced_frames_total": m.forcedFramesTotal.Load(),
		"cache_bytes":         m.cacheBytes.Load(),
		"playing":             m.playing.Load(),
		"speed_milli":         m.speedMilli.Load(),
		"problem_count":       m.problemCount.Load(),
	}
}

// Snapshot returns the aggregate metrics as a name->value map.
func (r *MetricsRegistry) Snapshot() map[string]interface{} { return r.global.snapshot() }

// PlayerSnapshots returns the per-player breakdown.
func (r *MetricsRegistry) PlayerSnapshots() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(r.players))
	for id, pm := range r.players {
		out[id] = pm.snapshot()
	}
	return out
}

// Collector records playback activity for one player instance into the
// registry. The player stops it at close; recording after Stop is a no-op.
type Collector struct {
	registry *MetricsRegistry
	playerID string
	stopped  atomic.Bool
}

func NewCollector(registry *MetricsRegistry, playerID string) *Collector {
	return &Collector{registry: registry, playerID: playerID}
}

func (c *Collector) each(f func(m *PlaybackMetrics)) {
	if c == nil || c.stopped.Load() {
		return
	}
	f(&c.registry.global)
	if pm := c.registry.getPlayer(c.playerID); pm != nil {
		f(pm)
	}
}

// Tick records one playback tick and its emitted batch.
func (c *Collector) Tick(messages int, bytes int64, now time.Time) {
	c.each(func(m *PlaybackMetrics) { m.recordTick(messages, bytes, now) })
}

func (c *Collector) Seek()     { c.each(func(m *PlaybackMetrics) { m.seeksTotal.Add(1) }) }
func (c *Collector) Backfill() { c.each(func(m *PlaybackMetrics) { m.backfillsTotal.Add(1) }) }
func (c *Collector) Emit()     { c.each(func(m *PlaybackMetrics) { m.emitsTotal.Add(1) }) }
func (c *Collector) Eviction() { c.each(func(m *PlaybackMetrics) { m.evictionsTotal.Add(1) }) }
func (c *Collector) ForcedFrame() {
	c.each(func(m *PlaybackMetrics) { m.forcedFramesTotal.Add(1) })
}

func (c *Collector) SetCacheBytes(n int64) {
	c.each(func(m *PlaybackMetrics) { m.cacheBytes.Store(n) })
}

func (c *Collector) SetPlaying(playing bool, speed float64) {
	v := int64(0)
	if playing {
		v = 1
	}
	c.each(func(m *PlaybackMetrics) {
		m.playing.Store(v)
		m.speedMilli.Store(int64(speed * 1000))
	})
}

func (c *Collector) SetProblemCount(n int) {
	c.each(func(m *PlaybackMetrics) { m.problemCount.Store(int64(n)) })
}

// Stop halts recording and drops the per-player breakdown.
func (c *Collector) Stop() {
	if c == nil || !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.registry.DropPlayer(c.playerID)
}
