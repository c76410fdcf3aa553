package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to its sinks. Publish never blocks the
// simulation: a full queue drops the event and counts it.
type Router struct {
	cfg        Config
	clock      Clock
	fallback   *log.Logger
	queue      chan Event
	done       chan struct{}
	sinks      []*sinkWorker
	categories map[string]bool
	closed     atomic.Bool
	closeOnce  sync.Once
	dispatched sync.WaitGroup

	eventsTotal   atomic.Uint64
	droppedTotal  atomic.Uint64
	filteredTotal atomic.Uint64
	nextDropWarn  atomic.Int64
}

type SinkStats struct {
	Written  uint64
	Dropped  uint64
	Failures uint64
}

type RouterStats struct {
	EventsTotal   uint64
	DroppedTotal  uint64
	FilteredTotal uint64
	Sinks         map[string]SinkStats
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = DefaultConfig().SinkBuffer
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = DefaultConfig().DropWarnInterval
	}
	r := &Router{
		cfg:        cfg,
		clock:      clock,
		fallback:   log.New(os.Stderr, "[logging] ", log.LstdFlags),
		queue:      make(chan Event, cfg.BufferSize),
		done:       make(chan struct{}),
		categories: cfg.categorySet(),
	}
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, cfg.SinkBuffer),
			fallback: r.fallback,
		})
	}

	for _, worker := range r.sinks {
		r.dispatched.Add(1)
		go func(w *sinkWorker) {
			defer r.dispatched.Done()
			w.run()
		}(worker)
	}
	r.dispatched.Add(1)
	go r.dispatch()
	return r, nil
}

// Publish admits events at or above the minimum severity whose category is
// routed. Filtering happens here so rejected events never take queue space.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	if event.Severity < r.cfg.MinimumSeverity || !r.routes(event.Category) {
		r.filteredTotal.Add(1)
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	select {
	case r.queue <- event.withDefaults(r.cfg.Fields):
	default:
		r.dropped(event)
	}
}

func (r *Router) routes(category string) bool {
	return r.categories == nil || r.categories[category]
}

func (r *Router) dispatch() {
	defer func() {
		for _, worker := range r.sinks {
			close(worker.events)
		}
		r.dispatched.Done()
	}()
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.done:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(event Event) {
	r.eventsTotal.Add(1)
	for _, worker := range r.sinks {
		worker.enqueue(event.Clone())
	}
}

func (r *Router) dropped(event Event) {
	r.droppedTotal.Add(1)
	now := r.clock.Now().UnixNano()
	next := r.nextDropWarn.Load()
	if now < next {
		return
	}
	if r.nextDropWarn.CompareAndSwap(next, now+r.cfg.DropWarnInterval.Nanoseconds()) {
		r.fallback.Printf("queue full, dropping %s at tick %d (%d dropped so far)", event.Type, event.Tick, r.droppedTotal.Load())
	}
}

// Close drains queued events into the sinks and closes them. Later calls
// return nil.
func (r *Router) Close(ctx context.Context) error {
	first := false
	r.closeOnce.Do(func() {
		first = true
		r.closed.Store(true)
		close(r.done)
	})
	if !first {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		r.dispatched.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.sinks {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:   r.eventsTotal.Load(),
		DroppedTotal:  r.droppedTotal.Load(),
		FilteredTotal: r.filteredTotal.Load(),
		Sinks:         make(map[string]SinkStats, len(r.sinks)),
	}
	for _, worker := range r.sinks {
		stats.Sinks[worker.name] = SinkStats{
			Written:  worker.written.Load(),
			Dropped:  worker.dropped.Load(),
			Failures: worker.failures.Load(),
		}
	}
	return stats
}

// Export copies the router counters into metrics under logging_* keys so
// they show up next to the simulation counters.
func (r *Router) Export(metrics *Metrics) {
	stats := r.Stats()
	metrics.TelemetryStore("logging_events_total", stats.EventsTotal)
	metrics.TelemetryStore("logging_dropped_total", stats.DroppedTotal)
	metrics.TelemetryStore("logging_filtered_total", stats.FilteredTotal)
	for name, sink := range stats.Sinks {
		metrics.TelemetryStore("logging_sink_"+name+"_written", sink.Written)
		metrics.TelemetryStore("logging_sink_"+name+"_dropped", sink.Dropped)
		metrics.TelemetryStore("logging_sink_"+name+"_failures", sink.Failures)
	}
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.sinks {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger

	written  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
	// streak counts consecutive failed writes and sets the pause before the
	// next attempt.
	streak int
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event:
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping events", w.name)
		}
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if err := w.sink.Write(event); err != nil {
			w.failures.Add(1)
			w.streak++
			delay := retryDelay(w.streak)
			w.fallback.Printf("sink %s failed: %v (pausing %s)", w.name, err, delay)
			time.Sleep(delay)
			continue
		}
		w.streak = 0
		w.written.Add(1)
	}
}

// retryDelay doubles from 100ms and stops growing at 3.2s.
func retryDelay(streak int) time.Duration {
	return 100 * time.Millisecond << min(streak-1, 5)
}
