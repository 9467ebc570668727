package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rgov/foxglove-studio/internal/logging"
	"github.com/rgov/foxglove-studio/internal/observability"
	"github.com/rgov/foxglove-studio/internal/player/blockcache"
	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

const (
	// startDelay gives consumers a moment to register subscriptions before the
	// first read, preventing an under-subscribed initial frame.
	defaultStartDelay = 100 * time.Millisecond

	// seekAckTimeout is the soft watchdog on seek backfill: past it the player
	// acknowledges the seek with an empty state rather than blocking the UI.
	defaultSeekAckTimeout = 100 * time.Millisecond

	// initialReadWindow is the range read fully during start-play so the UI
	// has a first frame.
	initialReadWindow = 100 * time.Millisecond

	// framePeriod bounds emission rate to roughly display refresh rate.
	framePeriod = 16 * time.Millisecond

	// defaultTickInterval seeds the very first tick's window.
	defaultTickInterval = 20 * time.Millisecond

	// maxTickWindow caps the simulated time requested in one tick.
	maxTickWindow = 300 * time.Millisecond

	defaultBlockDuration = 10 * time.Second
	defaultCacheBytes    = int64(1 << 30)
)

type stateID int

const (
	stateNone stateID = iota
	statePreinit
	stateInitialize
	stateStartDelay
	stateStartPlay
	stateIdle
	statePlay
	stateSeekBackfill
	stateClose
)

func (s stateID) String() string {
	switch s {
	case statePreinit:
		return "preinit"
	case stateInitialize:
		return "initialize"
	case stateStartDelay:
		return "start-delay"
	case stateStartPlay:
		return "start-play"
	case stateIdle:
		return "idle"
	case statePlay:
		return "play"
	case stateSeekBackfill:
		return "seek-backfill"
	case stateClose:
		return "close"
	}
	return "none"
}

// Options tunes a Player. Zero values select production defaults.
type Options struct {
	Clock           timeutil.Clock
	MetricsRegistry *observability.MetricsRegistry
	BlockDuration   time.Duration
	CacheBytes      int64
	StartDelay      time.Duration
	SeekAckTimeout  time.Duration
}

// Player is the playback state machine. All state bodies execute on a single
// run goroutine; control methods only record requests and abort the running
// body, so there is no reentrant state execution.
type Player struct {
	src      source.Source
	clock    timeutil.Clock
	metrics  *observability.Collector
	problems *problems.Manager
	id       string

	blockDuration  time.Duration
	cacheBytes     int64
	startDelay     time.Duration
	seekAckTimeout time.Duration

	emitMu sync.Mutex // serializes listener invocations

	mu           sync.Mutex
	listener     StateListener
	runningState stateID
	nextState    stateID
	cancelState  context.CancelFunc
	requestCh    chan struct{}
	closed       bool
	hasError     bool

	presence        Presence
	start, end      timeutil.Time
	current         timeutil.Time
	isPlaying       bool
	speed           float64
	lastSeekTime    int64
	initialized     bool
	topics          []source.Topic
	topicStats      map[string]source.TopicStats
	datatypes       map[string]string
	publishedTopics map[string][]string
	capabilities    []Capability

	msgs               []*source.MessageEvent
	totalBytesReceived int64

	subFingerprint uint64
	allTopics      []string
	partialTopics  []string
	subsChanged    bool

	seekTarget timeutil.Time

	loader   *blockcache.Loader
	progress Progress

	// tick read state, touched only by the run goroutine
	forwardIter   source.Iterator
	iterEnd       timeutil.Time
	iterNextStart timeutil.Time
	lookahead     *source.MessageEvent
	lastTickAt    time.Time
	tickWindowNs  float64
}

// New creates a player over the given source. Playback does not start until a
// listener is attached with SetListener.
func New(src source.Source, opts Options) *Player {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	registry := opts.MetricsRegistry
	if registry == nil {
		registry = observability.Metrics
	}
	blockDuration := opts.BlockDuration
	if blockDuration <= 0 {
		blockDuration = defaultBlockDuration
	}
	cacheBytes := opts.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = defaultCacheBytes
	}
	startDelay := opts.StartDelay
	if startDelay <= 0 {
		startDelay = defaultStartDelay
	}
	seekAckTimeout := opts.SeekAckTimeout
	if seekAckTimeout <= 0 {
		seekAckTimeout = defaultSeekAckTimeout
	}
	id := uuid.NewString()
	return &Player{
		src:            src,
		clock:          clock,
		metrics:        observability.NewCollector(registry, id),
		problems:       problems.NewManager(),
		id:             id,
		blockDuration:  blockDuration,
		cacheBytes:     cacheBytes,
		startDelay:     startDelay,
		seekAckTimeout: seekAckTimeout,
		requestCh:      make(chan struct{}, 1),
		presence:       PresenceNotPresent,
		speed:          1.0,
		capabilities:   []Capability{CapabilityPlaybackControl, CapabilitySetSpeed},
		runningState:   statePreinit,
	}
}

// ID returns the stable player instance id.
func (p *Player) ID() string { return p.id }

// Problems exposes the player's problem manager so cooperating components,
// like the delivery pipeline, can surface problems in emitted states.
func (p *Player) Problems() *problems.Manager { return p.problems }

// SetListener attaches the single downstream listener and starts the state
// machine. A second registration is rejected.
func (p *Player) SetListener(l StateListener) error {
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()
		return errors.New("listener already registered")
	}
	if p.closed {
		p.mu.Unlock()
		return errors.New("player closed")
	}
	p.listener = l
	p.mu.Unlock()
	go p.run()
	p.request(stateInitialize)
	return nil
}

// request records the desired next state and aborts the running state body.
// The switch happens when the run loop observes the request.
func (p *Player) request(st stateID) {
	p.mu.Lock()
	if p.closed && st != stateClose {
		p.mu.Unlock()
		return
	}
	if p.nextState != stateClose {
		p.nextState = st
	}
	if p.cancelState != nil {
		p.cancelState()
	}
	p.mu.Unlock()
	select {
	case p.requestCh <- struct{}{}:
	default:
	}
}

func (p *Player) run() {
	for {
		<-p.requestCh

		p.mu.Lock()
		st := p.nextState
		p.nextState = stateNone
		if st == stateNone {
			p.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		p.cancelState = cancel
		p.runningState = st
		p.mu.Unlock()

		slog.Debug("player: entering state", slog.String("state", st.String()))

		var err error
		switch st {
		case stateInitialize:
			err = p.stateInitialize(ctx)
		case stateStartDelay:
			err = p.stateStartDelay(ctx)
		case stateStartPlay:
			err = p.stateStartPlay(ctx)
		case stateIdle:
			err = p.stateIdle(ctx)
		case statePlay:
			err = p.statePlay(ctx)
		case stateSeekBackfill:
			err = p.stateSeekBackfill(ctx)
		case stateClose:
			p.stateClose()
			cancel()
			return
		}
		cancel()

		// Cancellation caused by a state-transition request is expected and
		// swallowed; anything else is a sticky fatal error.
		if err != nil && !errors.Is(err, context.Canceled) {
			p.setFatal(err)
		}
	}
}

// setFatal records an unrecoverable failure: playback stops, presence becomes
// ERROR, and one final state is emitted. There is no implicit retry.
func (p *Player) setFatal(err error) {
	slog.Error("player: fatal error", slog.Any("error", err))
	p.mu.Lock()
	p.hasError = true
	p.isPlaying = false
	p.presence = PresenceError
	p.mu.Unlock()
	p.problems.Add("global-error", problems.Problem{
		Severity: problems.SeverityError,
		Message:  err.Error(),
	})
	_ = p.emitState(context.Background())
}

func (p *Player) stateInitialize(ctx context.Context) error {
	p.mu.Lock()
	p.presence = PresenceInitializing
	p.mu.Unlock()
	if err := p.emitState(ctx); err != nil {
		return err
	}

	init, err := p.src.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("source initialization failed: %w", err)
	}

	// Deduplicate topics: first occurrence wins, duplicates become problems.
	seen := map[string]bool{}
	var topics []source.Topic
	for _, tp := range init.Topics {
		if seen[tp.Name] {
			p.problems.Add("duplicate-topic-"+tp.Name, problems.Problem{
				Severity: problems.SeverityWarn,
				Message:  fmt.Sprintf("duplicate topic %q ignored", tp.Name),
				Tip:      "the source reported this topic more than once; the first definition is used",
			})
			continue
		}
		seen[tp.Name] = true
		topics = append(topics, tp)
	}
	for i, prob := range init.Problems {
		p.problems.Add(fmt.Sprintf("init-problem-%d", i), prob)
	}

	blockDuration := p.blockDuration
	if init.BlockDuration > 0 {
		blockDuration = init.BlockDuration
	}
	loader, err := blockcache.New(blockcache.Config{
		Source:        p.src,
		Problems:      p.problems,
		Metrics:       p.metrics,
		Clock:         p.clock,
		Start:         init.Start,
		End:           init.End,
		BlockDuration: blockDuration,
		MaxBytes:      p.cacheBytes,
	})
	if err != nil {
		return fmt.Errorf("block cache setup failed: %w", err)
	}
	loader.SetProgressCallback(p.onCacheProgress)

	p.mu.Lock()
	p.start = init.Start
	p.end = init.End
	p.current = init.Start
	p.topics = topics
	p.topicStats = init.TopicStats
	p.datatypes = init.Datatypes
	p.publishedTopics = init.PublishersByTopic
	p.loader = loader
	p.blockDuration = blockDuration
	p.initialized = true
	p.presence = PresencePresent
	p.loader.SetTopics(p.partialTopics)
	p.iterNextStart = init.Start
	p.mu.Unlock()

	p.request(stateStartDelay)
	return nil
}

func (p *Player) stateStartDelay(ctx context.Context) error {
	if err := p.clock.Sleep(ctx, p.startDelay); err != nil {
		return err
	}
	p.request(stateStartPlay)
	return nil
}

// stateStartPlay reads a small initial window fully (not chunked) so the UI
// has a first frame, then idles.
func (p *Player) stateStartPlay(ctx context.Context) error {
	p.mu.Lock()
	start := p.start
	tickEnd := timeutil.Clamp(timeutil.AddNanos(start, initialReadWindow.Nanoseconds()), p.start, p.end)
	topics := append([]string(nil), p.allTopics...)
	p.subsChanged = false
	p.mu.Unlock()

	var batch []*source.MessageEvent
	var batchBytes int64
	if len(topics) > 0 {
		it := p.src.MessageIterator(source.MessageIteratorArgs{Topics: topics, Start: start, End: tickEnd})
		defer it.Close()
		for {
			res, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if res.Problem != nil {
				p.problems.Add(fmt.Sprintf("connid-%d", res.ConnectionID), *res.Problem)
				continue
			}
			batch = append(batch, res.Event)
			batchBytes += res.Event.SizeInBytes
		}
	}

	p.mu.Lock()
	p.current = tickEnd
	p.msgs = batch
	p.totalBytesReceived += batchBytes
	p.iterNextStart = timeutil.AddNanos(tickEnd, 1)
	p.mu.Unlock()

	if err := p.emitState(ctx); err != nil {
		return err
	}
	p.request(stateIdle)
	return nil
}

// stateIdle emits once, then fills the block cache centered at the current
// time. The fill is aborted by the next state request.
func (p *Player) stateIdle(ctx context.Context) error {
	if err := p.emitState(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	loader := p.loader
	pivot := p.current
	playing := p.isPlaying
	p.mu.Unlock()
	if loader == nil || playing {
		return nil
	}
	loader.SetPivot(pivot)
	if err := loader.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// statePlay runs the tick loop while playing, with a concurrent background
// block-cache fill that is awaited before the state is left.
func (p *Player) statePlay(ctx context.Context) error {
	p.mu.Lock()
	loader := p.loader
	p.lastTickAt = time.Time{}
	p.mu.Unlock()

	loadCtx, loadCancel := context.WithCancel(ctx)
	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		if loader != nil {
			// Errors here are cache-only; playback itself is unaffected.
			if err := loader.Load(loadCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("player: background cache fill failed", slog.Any("error", err))
			}
		}
	}()
	defer func() {
		loadCancel()
		<-loadDone
	}()

	for {
		p.mu.Lock()
		playing := p.isPlaying && !p.hasError
		p.mu.Unlock()
		if !playing || ctx.Err() != nil {
			return nil
		}
		if err := p.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if loader != nil {
			p.mu.Lock()
			pivot := p.current
			p.mu.Unlock()
			loader.SetPivot(pivot)
		}
		p.mu.Lock()
		reachedEnd := timeutil.Compare(p.current, p.end) >= 0
		if reachedEnd {
			p.isPlaying = false
		}
		p.mu.Unlock()
		if reachedEnd {
			p.metrics.SetPlaying(false, p.currentSpeed())
			p.request(stateIdle)
			return nil
		}
	}
}

func (p *Player) currentSpeed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// resetIteratorLocked invalidates the forward iterator and any buffered
// look-ahead message. The next read continues from just past the last
// delivered time, so nothing is lost or duplicated.
func (p *Player) resetIteratorLocked() {
	if p.forwardIter != nil {
		_ = p.forwardIter.Close()
		p.forwardIter = nil
	}
	p.lookahead = nil
	p.iterNextStart = timeutil.AddNanos(p.current, 1)
}

// tick advances simulated time by one bounded window, delivers the messages
// inside it, and paces to roughly the display refresh rate.
func (p *Player) tick(ctx context.Context) error {
	now := p.clock.Now()

	p.mu.Lock()
	elapsed := defaultTickInterval
	if !p.lastTickAt.IsZero() {
		elapsed = now.Sub(p.lastTickAt)
	}
	p.lastTickAt = now

	// Exponential smoothing avoids window oscillation on irregular frames.
	windowNs := float64(elapsed.Nanoseconds()) * p.speed
	if windowNs > float64(maxTickWindow.Nanoseconds()) {
		windowNs = float64(maxTickWindow.Nanoseconds())
	}
	if p.tickWindowNs > 0 {
		windowNs = 0.9*p.tickWindowNs + 0.1*windowNs
	}
	p.tickWindowNs = windowNs

	tickEnd := timeutil.Clamp(timeutil.AddNanos(p.current, int64(windowNs)), p.start, p.end)

	if p.subsChanged {
		// The requested topic set changed; restart the read rather than
		// continuing with stale results.
		p.resetIteratorLocked()
		p.subsChanged = false
	}
	topics := append([]string(nil), p.allTopics...)
	end := p.end

	var batch []*source.MessageEvent
	var batchBytes int64
	if p.lookahead != nil {
		if timeutil.Less(tickEnd, p.lookahead.ReceiveTime) {
			// Still beyond this tick: emit an empty tick.
			p.current = tickEnd
			p.msgs = nil
			p.mu.Unlock()
			return p.finishTick(ctx, now, 0, 0)
		}
		batch = append(batch, p.lookahead)
		batchBytes += p.lookahead.SizeInBytes
		p.lookahead = nil
	}
	p.mu.Unlock()

	// Consume the forward iterator up to tickEnd, buffering the first
	// over-limit message for the next tick.
	for len(topics) > 0 {
		p.mu.Lock()
		it := p.forwardIter
		if it == nil {
			if timeutil.Less(end, p.iterNextStart) {
				p.mu.Unlock()
				break // past the end of the source
			}
			horizon := timeutil.Clamp(timeutil.AddNanos(p.iterNextStart, p.blockDuration.Nanoseconds()), p.start, end)
			it = p.src.MessageIterator(source.MessageIteratorArgs{
				Topics: topics,
				Start:  p.iterNextStart,
				End:    horizon,
			})
			p.forwardIter = it
			p.iterEnd = horizon
		}
		p.mu.Unlock()

		res, err := it.Next(ctx)
		if err == io.EOF {
			// Exhaustion of a bounded iterator does not mean no more data
			// exists; continue from the exhaustion point.
			p.mu.Lock()
			_ = it.Close()
			p.forwardIter = nil
			p.iterNextStart = timeutil.AddNanos(p.iterEnd, 1)
			done := timeutil.Compare(p.iterEnd, end) >= 0
			p.mu.Unlock()
			if done {
				break
			}
			continue
		}
		if err != nil {
			return err
		}
		if res.Problem != nil {
			p.problems.Add(fmt.Sprintf("connid-%d", res.ConnectionID), *res.Problem)
			continue
		}
		ev := res.Event
		if timeutil.Less(tickEnd, ev.ReceiveTime) {
			p.mu.Lock()
			p.lookahead = ev
			p.mu.Unlock()
			break
		}
		batch = append(batch, ev)
		batchBytes += ev.SizeInBytes
	}

	p.mu.Lock()
	p.current = tickEnd
	p.msgs = batch
	p.totalBytesReceived += batchBytes
	p.mu.Unlock()

	return p.finishTick(ctx, now, len(batch), batchBytes)
}

func (p *Player) finishTick(ctx context.Context, tickStart time.Time, messages int, bytes int64) error {
	if err := p.emitState(ctx); err != nil {
		return err
	}
	p.metrics.Tick(messages, bytes, p.clock.Now())
	if spent := p.clock.Now().Sub(tickStart); spent < framePeriod {
		return p.clock.Sleep(ctx, framePeriod-spent)
	}
	return ctx.Err()
}

// stateSeekBackfill jumps the cursor and primes it with the most recent
// message per subscribed topic. A watchdog acknowledges the seek with an
// empty state when backfill takes too long; the later real emission is
// authoritative and strictly serialized after the acknowledgement.
func (p *Player) stateSeekBackfill(ctx context.Context) error {
	p.mu.Lock()
	target := timeutil.Clamp(p.seekTarget, p.start, p.end)
	p.current = target
	p.lastSeekTime = p.clock.Now().UnixNano()
	p.resetIteratorLocked()
	p.subsChanged = false
	p.msgs = nil
	topics := append([]string(nil), p.allTopics...)
	wasPlaying := p.isPlaying
	p.mu.Unlock()

	p.metrics.Seek()
	logging.VInfo("seek", "seek backfill", slog.String("target", target.String()))

	type backfillResult struct {
		events []*source.MessageEvent
		err    error
	}
	resCh := make(chan backfillResult, 1)
	go func() {
		if len(topics) == 0 {
			resCh <- backfillResult{}
			return
		}
		evs, err := p.src.GetBackfillMessages(ctx, source.BackfillArgs{Topics: topics, Time: target})
		resCh <- backfillResult{events: evs, err: err}
	}()
	p.metrics.Backfill()

	apply := func(r backfillResult) error {
		// A newer request supersedes this seek; never emit for a stale target.
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) {
				return r.err
			}
			p.problems.Add("backfill", problems.Problem{
				Severity: problems.SeverityWarn,
				Message:  fmt.Sprintf("backfill at %v failed: %v", target, r.err),
			})
		}
		p.mu.Lock()
		p.msgs = r.events
		for _, ev := range r.events {
			p.totalBytesReceived += ev.SizeInBytes
		}
		p.mu.Unlock()
		return p.emitState(ctx)
	}

	watchdog := time.NewTimer(p.seekAckTimeout)
	defer watchdog.Stop()
	select {
	case r := <-resCh:
		// Backfill beat the watchdog: suppress the empty acknowledgement.
		if err := apply(r); err != nil {
			return err
		}
	case <-watchdog.C:
		if err := p.emitState(ctx); err != nil {
			return err
		}
		select {
		case r := <-resCh:
			if err := apply(r); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if wasPlaying {
		p.request(statePlay)
	} else {
		p.request(stateIdle)
	}
	return nil
}

func (p *Player) stateClose() {
	p.mu.Lock()
	p.closed = true
	p.isPlaying = false
	p.resetIteratorLocked()
	p.listener = nil
	p.mu.Unlock()
	p.metrics.Stop()
	if closer, ok := p.src.(io.Closer); ok {
		_ = closer.Close()
	}
}

// onCacheProgress receives throttled updates from the block loader. During
// playback it only records progress (picked up by the next tick's emission)
// to avoid state emission storms; when idle it emits directly.
func (p *Player) onCacheProgress(prog blockcache.Progress) {
	p.mu.Lock()
	p.progress = Progress{
		FullyLoadedFractionRanges: prog.FullyLoadedFractionRanges,
		MessageCache:              prog.Blocks,
		CacheBytes:                prog.TotalBytes,
	}
	playing := p.isPlaying
	p.mu.Unlock()
	if !playing {
		_ = p.emitState(context.Background())
	}
}

// emitState delivers one consolidated snapshot to the listener. The listener
// call blocks until downstream consumers finish the frame, which is what
// backpressures the tick loop. The message batch is consumed: each batch is
// delivered exactly once.
func (p *Player) emitState(ctx context.Context) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	listener := p.listener
	state := State{
		Presence:     p.presence,
		Progress:     p.progress,
		Capabilities: append([]Capability(nil), p.capabilities...),
		PlayerID:     p.id,
		Problems:     p.problems.List(),
	}
	if p.initialized && p.presence != PresenceError {
		state.ActiveData = &ActiveData{
			Messages:           p.msgs,
			TotalBytesReceived: p.totalBytesReceived,
			CurrentTime:        p.current,
			StartTime:          p.start,
			EndTime:            p.end,
			IsPlaying:          p.isPlaying,
			Speed:              p.speed,
			LastSeekTime:       p.lastSeekTime,
			Topics:             append([]source.Topic(nil), p.topics...),
			TopicStats:         p.topicStats,
			Datatypes:          p.datatypes,
			PublishedTopics:    p.publishedTopics,
		}
	}
	p.msgs = nil
	p.mu.Unlock()

	p.metrics.Emit()
	p.metrics.SetProblemCount(len(state.Problems))
	if listener == nil {
		return nil
	}
	return listener(ctx, state)
}

// --- public control surface ---------------------------------------------
//
// Each method is a synchronous, fire-and-forget request into the state
// machine; results arrive via the next emitted state.

// StartPlayback begins or resumes playback at the current speed.
func (p *Player) StartPlayback() {
	p.mu.Lock()
	if p.closed || p.hasError || !p.initialized || p.isPlaying {
		p.mu.Unlock()
		return
	}
	p.isPlaying = true
	speed := p.speed
	p.mu.Unlock()
	p.metrics.SetPlaying(true, speed)
	p.request(statePlay)
}

// PausePlayback stops advancing time; the cursor stays put.
func (p *Player) PausePlayback() {
	p.mu.Lock()
	if p.closed || !p.isPlaying {
		p.mu.Unlock()
		return
	}
	p.isPlaying = false
	speed := p.speed
	p.mu.Unlock()
	p.metrics.SetPlaying(false, speed)
	p.request(stateIdle)
}

// SetPlaybackSpeed changes the simulated-time multiplier.
func (p *Player) SetPlaybackSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.speed = speed
	playing := p.isPlaying
	p.mu.Unlock()
	p.metrics.SetPlaying(playing, speed)
	if !playing {
		// Re-emit so the UI reflects the new speed while paused.
		p.request(stateIdle)
	}
}

// SeekPlayback moves the cursor to t (clamped to the source range) and
// backfills the latest message per subscribed topic.
func (p *Player) SeekPlayback(t timeutil.Time) {
	p.mu.Lock()
	if p.closed || p.hasError || !p.initialized {
		p.mu.Unlock()
		return
	}
	p.seekTarget = t
	p.mu.Unlock()
	p.request(stateSeekBackfill)
}

// SetSubscriptions replaces the union of all consumers' subscriptions. The
// set is compared by value; an unchanged set causes no invalidation.
func (p *Player) SetSubscriptions(subs []Subscription) {
	all := map[string]bool{}
	partial := map[string]bool{}
	for _, s := range subs {
		all[s.Topic] = true
		if s.PreloadType == PreloadPartial {
			partial[s.Topic] = true
		}
	}
	allTopics := sortedKeys(all)
	partialTopics := sortedKeys(partial)

	h := xxhash.New()
	_, _ = h.WriteString(strings.Join(allTopics, "\x00"))
	_, _ = h.WriteString("\x01")
	_, _ = h.WriteString(strings.Join(partialTopics, "\x00"))
	fp := h.Sum64()

	p.mu.Lock()
	if p.closed || fp == p.subFingerprint {
		p.mu.Unlock()
		return
	}
	p.subFingerprint = fp
	p.allTopics = allTopics
	p.partialTopics = partialTopics
	p.subsChanged = true
	loader := p.loader
	refresh := p.initialized && !p.isPlaying && !p.hasError
	current := p.current
	p.mu.Unlock()

	if loader != nil {
		loader.SetTopics(partialTopics)
	}
	if refresh {
		// While paused, prime the new topics via backfill at the cursor.
		p.mu.Lock()
		p.seekTarget = current
		p.mu.Unlock()
		p.request(stateSeekBackfill)
	}
}

// RequestBackfill re-primes the current cursor position, used by consumers
// that attached after the last seek.
func (p *Player) RequestBackfill() {
	p.mu.Lock()
	if p.closed || p.hasError || !p.initialized || p.isPlaying {
		p.mu.Unlock()
		return
	}
	p.seekTarget = p.current
	p.mu.Unlock()
	p.request(stateSeekBackfill)
}

// SetPublishers records the UI's advertised topics. Recorded sources cannot
// accept publications, so this is bookkeeping only.
func (p *Player) SetPublishers(topics map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, ids := range topics {
		if p.publishedTopics == nil {
			p.publishedTopics = map[string][]string{}
		}
		p.publishedTopics[topic] = ids
	}
}

// Publish is unsupported on recorded sources; it surfaces a problem instead
// of failing the caller.
func (p *Player) Publish(topic string) {
	p.problems.Add("publish-unsupported", problems.Problem{
		Severity: problems.SeverityWarn,
		Message:  fmt.Sprintf("cannot publish %q: source is read-only", topic),
	})
}

// SetParameter is unsupported on recorded sources.
func (p *Player) SetParameter(key string, _ any) {
	p.problems.Add("parameters-unsupported", problems.Problem{
		Severity: problems.SeverityWarn,
		Message:  fmt.Sprintf("cannot set parameter %q: source is read-only", key),
	})
}

// SetGlobalVariables is accepted for interface parity; recorded playback has
// no use for them.
func (p *Player) SetGlobalVariables(map[string]any) {}

// Close is terminal and irreversible: it stops the metrics collector, tears
// down any pending iterator, and ends the run loop.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.request(stateClose)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
