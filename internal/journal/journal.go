package journal

import (
	"sync"
	"time"
)

const (
	metricKeyframesExpired    = "journal_keyframes_expired_total"
	metricKeyframesEvicted    = "journal_keyframes_evicted_total"
	metricKeyframesSuperseded = "journal_keyframes_superseded_total"
	metricKeyframesRetained   = "journal_keyframes_retained"
)

// Eviction reasons.
const (
	EvictCapacity   = "capacity"
	EvictExpired    = "expired"
	EvictSuperseded = "superseded"
)

type Counters interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Keyframe is an encoded snapshot of the host state at Tick. Snapshot holds
// the exact bytes a state sync carries and must be treated as read-only.
type Keyframe struct {
	Tick       uint64
	Snapshot   []byte
	RecordedAt time.Time
}

type Eviction struct {
	Tick   uint64
	Reason string
}

type Options struct {
	// Capacity bounds the number of retained keyframes; zero disables the
	// journal.
	Capacity int
	// MaxAge drops keyframes recorded longer ago than this. Zero keeps them
	// until Capacity pushes them out.
	MaxAge  time.Duration
	Now     func() time.Time
	Metrics Counters
}

// Journal retains recently encoded host snapshots so joins and resyncs in
// the same tick share one encoding.
type Journal struct {
	mu     sync.RWMutex
	frames []Keyframe
	opts   Options
}

func New(opts Options) *Journal {
	opts.Capacity = max(opts.Capacity, 0)
	opts.MaxAge = max(opts.MaxAge, 0)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Journal{frames: make([]Keyframe, 0, opts.Capacity), opts: opts}
}

// Record stores a copy of snapshot as the keyframe for tick and reports what
// it pushed out. Recording a tick at or before the newest one means the host
// rewound, so every later keyframe is superseded.
func (j *Journal) Record(tick uint64, snapshot []byte) []Eviction {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.opts.Capacity == 0 {
		return nil
	}

	var evicted []Eviction
	drop := func(frames []Keyframe, reason, metric string) {
		for _, frame := range frames {
			evicted = append(evicted, Eviction{Tick: frame.Tick, Reason: reason})
		}
		j.count(metric, uint64(len(frames)))
	}

	cut := len(j.frames)
	for cut > 0 && j.frames[cut-1].Tick >= tick {
		cut--
	}
	drop(j.frames[cut:], EvictSuperseded, metricKeyframesSuperseded)
	j.frames = j.frames[:cut]

	now := j.opts.Now()
	if j.opts.MaxAge > 0 {
		cutoff := now.Add(-j.opts.MaxAge)
		stale := 0
		for stale < len(j.frames) && j.frames[stale].RecordedAt.Before(cutoff) {
			stale++
		}
		drop(j.frames[:stale], EvictExpired, metricKeyframesExpired)
		j.frames = j.frames[stale:]
	}
	if over := len(j.frames) + 1 - j.opts.Capacity; over > 0 {
		drop(j.frames[:over], EvictCapacity, metricKeyframesEvicted)
		j.frames = j.frames[over:]
	}

	j.frames = append(j.frames, Keyframe{
		Tick:       tick,
		Snapshot:   append([]byte(nil), snapshot...),
		RecordedAt: now,
	})
	if j.opts.Metrics != nil {
		j.opts.Metrics.Store(metricKeyframesRetained, uint64(len(j.frames)))
	}
	return evicted
}

// At returns the keyframe recorded for tick.
func (j *Journal) At(tick uint64) (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for i := len(j.frames) - 1; i >= 0; i-- {
		if j.frames[i].Tick == tick {
			return j.frames[i], true
		}
	}
	return Keyframe{}, false
}

func (j *Journal) Latest() (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.frames) == 0 {
		return Keyframe{}, false
	}
	return j.frames[len(j.frames)-1], true
}

// Window reports how many keyframes are retained and the ticks they span.
func (j *Journal) Window() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.frames) == 0 {
		return 0, 0, 0
	}
	return len(j.frames), j.frames[0].Tick, j.frames[len(j.frames)-1].Tick
}

func (j *Journal) count(metric string, n uint64) {
	if n > 0 && j.opts.Metrics != nil {
		j.opts.Metrics.Add(metric, n)
	}
}
