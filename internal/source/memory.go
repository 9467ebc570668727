package source

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// MemorySource is an in-memory Source over a fixed set of events. It is the
// reference implementation used by tests and the demo mode of the server; it
// also records how it was called so cache tests can assert read counts.
type MemorySource struct {
	mu            sync.Mutex
	topics        []Topic
	events        []*MessageEvent // sorted by receive time
	start, end    timeutil.Time
	blockDuration time.Duration
	initProblems  []problems.Problem

	initializeCalls  int
	iteratorRequests []MessageIteratorArgs
	backfillCalls    int
}

// NewMemorySource builds a source over the given events. Events are sorted by
// receive time; the range defaults to [first, last] event time.
func NewMemorySource(topics []Topic, events []*MessageEvent) *MemorySource {
	sorted := make([]*MessageEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return timeutil.Less(sorted[i].ReceiveTime, sorted[j].ReceiveTime)
	})
	s := &MemorySource{topics: topics, events: sorted}
	if len(sorted) > 0 {
		s.start = sorted[0].ReceiveTime
		s.end = sorted[len(sorted)-1].ReceiveTime
	}
	return s
}

// SetRange overrides the [start, end] range reported by Initialize.
func (s *MemorySource) SetRange(start, end timeutil.Time) {
	s.mu.Lock()
	s.start, s.end = start, end
	s.mu.Unlock()
}

// SetBlockDuration sets the suggested cache bucket duration.
func (s *MemorySource) SetBlockDuration(d time.Duration) {
	s.mu.Lock()
	s.blockDuration = d
	s.mu.Unlock()
}

// AddInitProblem injects a problem into the Initialize result.
func (s *MemorySource) AddInitProblem(p problems.Problem) {
	s.mu.Lock()
	s.initProblems = append(s.initProblems, p)
	s.mu.Unlock()
}

func (s *MemorySource) Initialize(_ context.Context) (*Initialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializeCalls++

	stats := map[string]TopicStats{}
	for _, ev := range s.events {
		st := stats[ev.Topic]
		if st.NumMessages == 0 {
			st.FirstMessageTime = ev.ReceiveTime
		}
		st.NumMessages++
		st.LastMessageTime = ev.ReceiveTime
		stats[ev.Topic] = st
	}
	datatypes := map[string]string{}
	for _, tp := range s.topics {
		datatypes[tp.Name] = tp.Datatype
	}
	return &Initialization{
		Start:             s.start,
		End:               s.end,
		Topics:            append([]Topic(nil), s.topics...),
		TopicStats:        stats,
		Problems:          append([]problems.Problem(nil), s.initProblems...),
		PublishersByTopic: map[string][]string{},
		Datatypes:         datatypes,
		BlockDuration:     s.blockDuration,
	}, nil
}

func (s *MemorySource) MessageIterator(args MessageIteratorArgs) Iterator {
	s.mu.Lock()
	s.iteratorRequests = append(s.iteratorRequests, args)
	wanted := map[string]bool{}
	for _, t := range args.Topics {
		wanted[t] = true
	}
	var selected []*MessageEvent
	for _, ev := range s.events {
		if !wanted[ev.Topic] {
			continue
		}
		if timeutil.Less(ev.ReceiveTime, args.Start) || timeutil.Less(args.End, ev.ReceiveTime) {
			continue
		}
		selected = append(selected, ev)
	}
	s.mu.Unlock()
	return &memoryIterator{events: selected}
}

func (s *MemorySource) GetBackfillMessages(ctx context.Context, args BackfillArgs) ([]*MessageEvent, error) {
	s.mu.Lock()
	s.backfillCalls++
	events := s.events
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	latest := map[string]*MessageEvent{}
	for _, ev := range events {
		if timeutil.Less(args.Time, ev.ReceiveTime) {
			break
		}
		latest[ev.Topic] = ev
	}
	var out []*MessageEvent
	for _, topic := range args.Topics {
		if ev, ok := latest[topic]; ok {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return timeutil.Less(out[i].ReceiveTime, out[j].ReceiveTime)
	})
	return out, nil
}

// IteratorRequests returns a copy of every MessageIterator call made so far.
func (s *MemorySource) IteratorRequests() []MessageIteratorArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageIteratorArgs(nil), s.iteratorRequests...)
}

// BackfillCalls returns the number of GetBackfillMessages calls so far.
func (s *MemorySource) BackfillCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backfillCalls
}

type memoryIterator struct {
	events []*MessageEvent
	next   int
	closed bool
}

func (it *memoryIterator) Next(ctx context.Context) (*IteratorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.closed || it.next >= len(it.events) {
		return nil, io.EOF
	}
	ev := it.events[it.next]
	it.next++
	return &IteratorResult{Event: ev}, nil
}

func (it *memoryIterator) Close() error {
	it.closed = true
	return nil
}
