// Package pipeline serializes delivery of player state snapshots to the UI
// consumers. A snapshot is not considered rendered until every consumer that
// requested extra asynchronous time (via PauseFrame) has resumed; the
// player's listener call does not return before then, which is what holds
// back the next tick.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rgov/foxglove-studio/internal/observability"
	"github.com/rgov/foxglove-studio/internal/player"
	"github.com/rgov/foxglove-studio/internal/problems"
)

// defaultFrameTimeout bounds how long one stuck consumer can freeze the
// pipeline before the frame is forcibly resolved.
const defaultFrameTimeout = 5 * time.Second

// Handler consumes one state snapshot. Handlers run synchronously during
// delivery; long work should be started asynchronously under a PauseFrame.
type Handler func(state player.State)

type frame struct {
	generation  uint64
	outstanding int
	resolved    bool
	done        chan struct{}
}

// Controller implements the frame backpressure protocol for one current
// player. Replacing the player invalidates all pause/resume state belonging
// to the old one.
type Controller struct {
	timeout  time.Duration
	problems *problems.Manager
	metrics  *observability.Collector

	mu         sync.Mutex
	generation uint64
	current    *frame
	handlers   []Handler
}

// Option mutates a Controller at construction.
type Option func(*Controller)

// WithFrameTimeout overrides the stuck-consumer watchdog.
func WithFrameTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithMetrics records forced frame resolutions into the given collector.
func WithMetrics(m *observability.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func New(problemSink *problems.Manager, opts ...Option) *Controller {
	c := &Controller{timeout: defaultFrameTimeout, problems: problemSink}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddHandler registers a consumer for every delivered snapshot.
func (c *Controller) AddHandler(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// SetPlayer invalidates pause/resume state tied to the previous player so an
// asynchronous resume racing the swap cannot affect the new player's frames.
func (c *Controller) SetPlayer(id string) {
	c.mu.Lock()
	c.generation++
	if f := c.current; f != nil && !f.resolved {
		f.resolved = true
		close(f.done)
	}
	c.current = nil
	c.mu.Unlock()
	slog.Debug("pipeline: player swapped", slog.String("player", id))
}

// PauseFrame registers that the caller needs extra asynchronous time before
// the current frame counts as rendered. The returned resume function is
// idempotent; calling it after a player swap or forced resolution is a no-op.
func (c *Controller) PauseFrame(name string) func() {
	c.mu.Lock()
	f := c.current
	if f == nil || f.resolved {
		// No frame in flight (or it already completed): pausing and resuming
		// before the next snapshot must have no effect, but an unresumed
		// pause is still detected at the next delivery. Attach to a frame
		// that the next delivery can inspect.
		f = &frame{generation: c.generation, done: make(chan struct{})}
		c.current = f
	}
	f.outstanding++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if f.resolved || f.generation != c.generation {
				return
			}
			f.outstanding--
			slog.Debug("pipeline: frame resumed",
				slog.String("consumer", name),
				slog.Int("outstanding", f.outstanding))
			if f.outstanding <= 0 {
				f.resolved = true
				close(f.done)
			}
		})
	}
}

// Listener returns the player listener. It fans the snapshot out to all
// handlers, then blocks until every outstanding PauseFrame has resumed, the
// watchdog fires, or ctx is canceled.
func (c *Controller) Listener() player.StateListener {
	return func(ctx context.Context, state player.State) error {
		c.mu.Lock()
		if prev := c.current; prev != nil && !prev.resolved && prev.outstanding > 0 {
			// Upstream produced a new snapshot while the previous frame was
			// still outstanding: a sequencing bug, not something to hide.
			prev.resolved = true
			close(prev.done)
			c.mu.Unlock()
			slog.Error("pipeline: protocol violation",
				slog.String("detail", "new state arrived while a previous frame was still paused"))
			if c.problems != nil {
				c.problems.Add("frame-protocol", problems.Problem{
					Severity: problems.SeverityError,
					Message:  "new state arrived while a previous frame was still paused",
					Tip:      "a consumer is not being awaited before the next emission",
				})
			}
			c.mu.Lock()
		}
		f := &frame{generation: c.generation, done: make(chan struct{})}
		c.current = f
		handlers := append([]Handler(nil), c.handlers...)
		c.mu.Unlock()

		for _, h := range handlers {
			h(state)
		}

		c.mu.Lock()
		if f.outstanding == 0 && !f.resolved {
			f.resolved = true
			close(f.done)
		}
		c.mu.Unlock()

		watchdog := time.NewTimer(c.timeout)
		defer watchdog.Stop()
		select {
		case <-f.done:
			return nil
		case <-watchdog.C:
			c.mu.Lock()
			forced := !f.resolved
			if forced {
				f.resolved = true
				f.outstanding = 0
				close(f.done)
			}
			c.mu.Unlock()
			if forced {
				slog.Warn("pipeline: frame forcibly resolved after timeout")
				if c.problems != nil {
					c.problems.Add("frame-timeout", problems.Problem{
						Severity: problems.SeverityWarn,
						Message:  "a consumer did not finish rendering in time; the frame was forced",
					})
				}
				if c.metrics != nil {
					c.metrics.ForcedFrame()
				}
			}
			return nil
		case <-ctx.Done():
			c.mu.Lock()
			if !f.resolved {
				f.resolved = true
				close(f.done)
			}
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}
