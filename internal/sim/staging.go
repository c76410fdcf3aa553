package sim

import (
	"errors"
	"sync"

	"simsync/server/internal/command"
)

const (
	stagingOccupancyMetricKey = "sim_staging_occupancy"
	stagingOverflowMetricKey  = "sim_staging_overflow_total"
	stagingThrottledMetricKey = "sim_staging_throttled_total"
	stagingCancelledMetricKey = "sim_staging_cancelled_total"
)

var (
	errStagingFull  = errors.New("sim: staging area full")
	errActorLimited = errors.New("sim: actor staged too many commands this tick")
)

// Staging holds the commands admitted for the next tick in arrival order.
// Each remote actor may stage at most perActor commands per tick; the host's
// own commands are never throttled.
type Staging struct {
	mu       sync.Mutex
	pending  []command.Command
	capacity int
	perActor int
	staged   map[uint32]int
	metrics  counterSink
}

type counterSink interface {
	Add(string, uint64)
	Store(string, uint64)
}

func NewStaging(capacity, perActor int, metrics counterSink) *Staging {
	if capacity < 1 {
		capacity = 1
	}
	return &Staging{
		pending:  make([]command.Command, 0, capacity),
		capacity: capacity,
		perActor: perActor,
		staged:   make(map[uint32]int),
		metrics:  metrics,
	}
}

// Stage admits cmd and returns the number of staged commands.
func (s *Staging) Stage(cmd command.Command) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limited := s.perActor > 0 && cmd.Actor != command.AuthoritativeActor
	if limited && s.staged[cmd.Actor] >= s.perActor {
		s.count(stagingThrottledMetricKey, 1)
		return len(s.pending), errActorLimited
	}
	if len(s.pending) == s.capacity {
		s.count(stagingOverflowMetricKey, 1)
		return len(s.pending), errStagingFull
	}
	s.pending = append(s.pending, cmd)
	if limited {
		s.staged[cmd.Actor]++
	}
	s.occupancy()
	return len(s.pending), nil
}

// Take hands over every staged command and resets the per-actor allowance.
func (s *Staging) Take() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	taken := s.pending
	s.pending = make([]command.Command, 0, s.capacity)
	clear(s.staged)
	s.occupancy()
	return taken
}

// Cancel withdraws staged commands matching pred, returning their allowance
// to the actor, and reports how many were withdrawn.
func (s *Staging) Cancel(pred func(command.Command) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	removed := 0
	for _, cmd := range s.pending {
		if !pred(cmd) {
			kept = append(kept, cmd)
			continue
		}
		removed++
		if n := s.staged[cmd.Actor]; n > 0 {
			s.staged[cmd.Actor] = n - 1
		}
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	if removed > 0 {
		s.count(stagingCancelledMetricKey, uint64(removed))
		s.occupancy()
	}
	return removed
}

func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Staging) count(key string, delta uint64) {
	if s.metrics != nil {
		s.metrics.Add(key, delta)
	}
}

func (s *Staging) occupancy() {
	if s.metrics != nil {
		s.metrics.Store(stagingOccupancyMetricKey, uint64(len(s.pending)))
	}
}
