// Package blockcache maintains a sparse, byte-budgeted in-memory cache of
// message events bucketed into fixed-duration blocks. Blocks are filled
// outward from a pivot time (the playback cursor) so that data near the
// cursor is resident before temporally distant data, which matches the access
// pattern of scrubbing. When the byte budget is exceeded the cache evicts the
// blocks furthest from the pivot first.
package blockcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rgov/foxglove-studio/internal/logging"
	"github.com/rgov/foxglove-studio/internal/observability"
	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// maxBlockCount bounds ceil(duration/blockDuration). A range long enough to
// exceed it cannot be cached sensibly and is treated as a fatal input error.
const maxBlockCount = 1 << 20

const progressInterval = 100 * time.Millisecond

// Block is one fixed-duration bucket of cached messages. A topic present in
// MessagesByTopic, even with an empty slice, means the topic was checked for
// this time range; an absent topic has not been checked yet.
type Block struct {
	MessagesByTopic map[string][]*source.MessageEvent
	SizeInBytes     int64
}

// Range is a fractional [Start, End) interval over the total block count.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Progress is an immutable snapshot of cache state for progress reporting.
type Progress struct {
	FullyLoadedFractionRanges []Range
	Blocks                    []*Block
	TotalBytes                int64
}

// Config parameterizes a Loader.
type Config struct {
	Source        source.Source
	Problems      *problems.Manager
	Metrics       *observability.Collector
	Clock         timeutil.Clock
	Start         timeutil.Time
	End           timeutil.Time
	BlockDuration time.Duration
	MaxBytes      int64
}

// Loader owns the block arena and fills it from the source. The arena is
// mutated only by Load; consumers see it through Progress snapshots.
type Loader struct {
	src      source.Source
	problems *problems.Manager
	metrics  *observability.Collector
	clock    timeutil.Clock

	start, end timeutil.Time
	durNanos   int64
	count      int
	maxBytes   int64

	mu         sync.Mutex
	blocks     []*Block // nil entry = hole ("not yet loaded")
	totalBytes int64
	topics     []string
	pivot      timeutil.Time
	generation uint64
	onProgress func(Progress)

	lastProgress time.Time
}

// New computes the block arena dimensions. The total range duration is
// validated against maxBlockCount; exceeding it is a fatal error.
func New(cfg Config) (*Loader, error) {
	durNanos := cfg.BlockDuration.Nanoseconds()
	if durNanos <= 0 {
		return nil, fmt.Errorf("block duration must be positive, got %v", cfg.BlockDuration)
	}
	startNs, err := cfg.Start.Nanoseconds()
	if err != nil {
		return nil, err
	}
	endNs, err := cfg.End.Nanoseconds()
	if err != nil {
		return nil, err
	}
	if endNs < startNs {
		return nil, fmt.Errorf("end %v precedes start %v", cfg.End, cfg.Start)
	}
	span := endNs - startNs + 1
	count := span / durNanos
	if span%durNanos != 0 {
		count++
	}
	if count > maxBlockCount {
		return nil, fmt.Errorf("time range needs %d blocks, limit is %d", count, maxBlockCount)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Loader{
		src:      cfg.Source,
		problems: cfg.Problems,
		metrics:  cfg.Metrics,
		clock:    clock,
		start:    cfg.Start,
		end:      cfg.End,
		durNanos: durNanos,
		count:    int(count),
		maxBytes: cfg.MaxBytes,
		blocks:   make([]*Block, count),
		pivot:    cfg.Start,
	}, nil
}

// BlockCount returns the number of buckets in the arena.
func (l *Loader) BlockCount() int { return l.count }

// SetTopics replaces the topic set to pre-cache. A change invalidates the
// running fill pass so it restarts with the new set.
func (l *Loader) SetTopics(topics []string) {
	l.mu.Lock()
	l.topics = append([]string(nil), topics...)
	l.generation++
	l.mu.Unlock()
}

// SetPivot recenters the fill order around t.
func (l *Loader) SetPivot(t timeutil.Time) {
	l.mu.Lock()
	l.pivot = timeutil.Clamp(t, l.start, l.end)
	l.generation++
	l.mu.Unlock()
}

// SetProgressCallback installs the throttled progress sink.
func (l *Loader) SetProgressCallback(f func(Progress)) {
	l.mu.Lock()
	l.onProgress = f
	l.mu.Unlock()
}

// Snapshot returns the current cache state.
func (l *Loader) Snapshot() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loader) snapshotLocked() Progress {
	return Progress{
		FullyLoadedFractionRanges: l.loadedRangesLocked(),
		Blocks:                    append([]*Block(nil), l.blocks...),
		TotalBytes:                l.totalBytes,
	}
}

// blockIndex maps a time to its bucket index.
func (l *Loader) blockIndex(t timeutil.Time) int {
	ns, err := timeutil.Sub(timeutil.Clamp(t, l.start, l.end), l.start).Nanoseconds()
	if err != nil || ns < 0 {
		return 0
	}
	idx := int(ns / l.durNanos)
	if idx >= l.count {
		idx = l.count - 1
	}
	return idx
}

// fetchOrder builds the outward-from-pivot order: p, p+1, p-1, p+2, p-2, ...
func fetchOrder(pivot, count int) []int {
	order := make([]int, 0, count)
	order = append(order, pivot)
	for d := 1; len(order) < count; d++ {
		if i := pivot + d; i < count {
			order = append(order, i)
		}
		if i := pivot - d; i >= 0 {
			order = append(order, i)
		}
	}
	return order
}

// Load fills the cache until every block holds every requested topic or ctx
// is canceled. Pivot or topic changes restart the fill with a fresh order.
func (l *Loader) Load(ctx context.Context) error {
	for {
		restart, err := l.loadPass(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

func (l *Loader) loadPass(ctx context.Context) (restart bool, err error) {
	l.mu.Lock()
	gen := l.generation
	topics := append([]string(nil), l.topics...)
	pivotIdx := l.blockIndex(l.pivot)
	l.mu.Unlock()

	if len(topics) == 0 {
		return false, nil
	}
	queue := fetchOrder(pivotIdx, l.count)

	for qi, idx := range queue {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		l.mu.Lock()
		stale := l.generation != gen
		missing := l.missingTopicsLocked(idx, topics)
		l.mu.Unlock()
		if stale {
			return true, nil
		}
		if len(missing) == 0 {
			continue
		}
		full, err := l.fillBlock(ctx, queue, qi, idx, missing)
		if err != nil {
			return false, err
		}
		logging.VInfo("cache", "block filled",
			slog.Int("block", idx),
			slog.Int("topics", len(missing)))
		if full {
			// Budget exhausted with nothing left to evict; farther blocks
			// would evict closer ones, so stop here.
			return false, nil
		}
		l.emitProgress(false)
	}
	l.emitProgress(true)
	return false, nil
}

func (l *Loader) missingTopicsLocked(idx int, topics []string) []string {
	blk := l.blocks[idx]
	var missing []string
	for _, t := range topics {
		if blk == nil {
			missing = append(missing, t)
			continue
		}
		if _, ok := blk.MessagesByTopic[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// blockRange returns the inclusive time range of bucket idx.
func (l *Loader) blockRange(idx int) (timeutil.Time, timeutil.Time) {
	bs := timeutil.AddNanos(l.start, int64(idx)*l.durNanos)
	be := timeutil.AddNanos(bs, l.durNanos-1)
	return bs, timeutil.Clamp(be, l.start, l.end)
}

// fillBlock reads the missing topics of one bucket and merges them in,
// evicting from the tail of the queue when the byte budget would overflow.
// It reports full=true when no more room can be made.
func (l *Loader) fillBlock(ctx context.Context, queue []int, qi, idx int, missing []string) (full bool, err error) {
	bs, be := l.blockRange(idx)
	it := l.src.MessageIterator(source.MessageIteratorArgs{Topics: missing, Start: bs, End: be})
	defer it.Close()

	// Presence of a topic key means "checked", even with zero messages.
	fetched := make(map[string][]*source.MessageEvent, len(missing))
	for _, t := range missing {
		fetched[t] = []*source.MessageEvent{}
	}
	var fetchedBytes int64

	for {
		res, nerr := it.Next(ctx)
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			return false, nerr
		}
		if res.Problem != nil {
			if l.problems != nil {
				l.problems.Add(fmt.Sprintf("connid-%d", res.ConnectionID), *res.Problem)
			}
			continue
		}
		ev := res.Event
		if !l.makeRoom(queue, qi, idx, fetchedBytes+ev.SizeInBytes) {
			// Discard the partial read: merging it would mark its topics as
			// checked even though the block was not fully read.
			return true, nil
		}
		fetched[ev.Topic] = append(fetched[ev.Topic], ev)
		fetchedBytes += ev.SizeInBytes
	}
	l.mergeBlock(idx, fetched, fetchedBytes)
	return false, nil
}

// makeRoom evicts blocks from the tail of the load queue until pending more
// bytes fits the budget. The block being filled is never evicted.
func (l *Loader) makeRoom(queue []int, qi, current int, pendingBytes int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxBytes <= 0 {
		return true
	}
	tail := len(queue) - 1
	for l.totalBytes+pendingBytes > l.maxBytes {
		for tail > qi && (queue[tail] == current || l.blocks[queue[tail]] == nil) {
			tail--
		}
		if tail <= qi {
			return false
		}
		victim := queue[tail]
		l.totalBytes -= l.blocks[victim].SizeInBytes
		l.blocks[victim] = nil // hole, not an empty block
		if l.metrics != nil {
			l.metrics.Eviction()
		}
		tail--
	}
	return true
}

// mergeBlock folds freshly fetched topic data into any existing partial block.
// Blocks already handed out in snapshots are never mutated: the merge builds a
// replacement Block sharing the old message slices and swaps it into the arena.
func (l *Loader) mergeBlock(idx int, fetched map[string][]*source.MessageEvent, fetchedBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.blocks[idx]
	next := &Block{MessagesByTopic: make(map[string][]*source.MessageEvent, len(fetched))}
	if old != nil {
		for topic, evs := range old.MessagesByTopic {
			next.MessagesByTopic[topic] = evs
		}
		next.SizeInBytes = old.SizeInBytes
	}
	for topic, evs := range fetched {
		next.MessagesByTopic[topic] = evs
	}
	next.SizeInBytes += fetchedBytes
	l.blocks[idx] = next
	l.totalBytes += fetchedBytes
	if l.metrics != nil {
		l.metrics.SetCacheBytes(l.totalBytes)
	}
}

// loadedRangesLocked coalesces contiguous fully-loaded bucket indexes into
// fractional ranges over the total block count.
func (l *Loader) loadedRangesLocked() []Range {
	var out []Range
	runStart := -1
	for i := 0; i <= l.count; i++ {
		loaded := false
		if i < l.count {
			loaded = l.isLoadedLocked(i)
		}
		switch {
		case loaded && runStart < 0:
			runStart = i
		case !loaded && runStart >= 0:
			out = append(out, Range{
				Start: float64(runStart) / float64(l.count),
				End:   float64(i) / float64(l.count),
			})
			runStart = -1
		}
	}
	return out
}

func (l *Loader) isLoadedLocked(idx int) bool {
	blk := l.blocks[idx]
	if blk == nil {
		return false
	}
	for _, t := range l.topics {
		if _, ok := blk.MessagesByTopic[t]; !ok {
			return false
		}
	}
	return true
}

// emitProgress calls the progress sink, throttled to roughly one update per
// progressInterval unless force is set.
func (l *Loader) emitProgress(force bool) {
	l.mu.Lock()
	cb := l.onProgress
	now := l.clock.Now()
	if cb == nil || (!force && now.Sub(l.lastProgress) < progressInterval) {
		l.mu.Unlock()
		return
	}
	l.lastProgress = now
	snap := l.snapshotLocked()
	l.mu.Unlock()
	cb(snap)
}
