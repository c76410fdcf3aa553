package journal

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a resync request.
type Decision int

const (
	// ResyncAllow grants a new targeted state sync.
	ResyncAllow Decision = iota
	// ResyncDefer refuses the request for now; the peer may ask again later.
	ResyncDefer
	// ResyncGiveUp means the peer exhausted its consecutive budget and should
	// be disconnected.
	ResyncGiveUp
)

func (d Decision) String() string {
	switch d {
	case ResyncAllow:
		return "allow"
	case ResyncDefer:
		return "defer"
	case ResyncGiveUp:
		return "give_up"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type ResyncReason struct {
	Reason string
	Tick   uint64
}

type ResyncSignal struct {
	Decision    Decision
	Consecutive int
	Total       uint64
	Reasons     []ResyncReason
}

// PolicyConfig bounds how often a single peer may be resynchronised.
type PolicyConfig struct {
	// PerSecond and Burst feed the token bucket.
	PerSecond float64
	Burst     int
	// Budget caps resyncs that follow each other without a stable period.
	Budget int
	// StableTicks is how long a peer must stay synced to reset the budget.
	StableTicks uint64
}

// DefaultPolicyConfig returns the limits used when none are configured.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{PerSecond: 0.5, Burst: 2, Budget: 5, StableTicks: 150}
}

// Policy decides whether a peer may receive another state sync.
type Policy struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	budget      int
	stableTicks uint64

	consecutive int
	total       uint64
	syncedAt    uint64
	synced      bool
	reasons     []ResyncReason
}

const resyncReasonLimit = 8

func NewPolicy(cfg PolicyConfig) *Policy {
	defaults := DefaultPolicyConfig()
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = defaults.PerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaults.Budget
	}
	return &Policy{
		limiter:     rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
		budget:      cfg.Budget,
		stableTicks: cfg.StableTicks,
		reasons:     make([]ResyncReason, 0, resyncReasonLimit),
	}
}

// Synced records that the peer confirmed a sync at tick.
func (p *Policy) Synced(tick uint64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncedAt = tick
	p.synced = true
}

// Request evaluates a resync request raised at tick.
func (p *Policy) Request(now time.Time, tick uint64, reason string) ResyncSignal {
	if p == nil {
		return ResyncSignal{Decision: ResyncAllow}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.synced && tick >= p.syncedAt && tick-p.syncedAt >= p.stableTicks {
		p.consecutive = 0
		p.reasons = p.reasons[:0]
	}
	p.synced = false
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Reason: reason, Tick: tick})
	}

	decision := ResyncAllow
	switch {
	case p.consecutive >= p.budget:
		decision = ResyncGiveUp
	case !p.limiter.AllowN(now, 1):
		decision = ResyncDefer
	default:
		p.consecutive++
		p.total++
	}
	return ResyncSignal{
		Decision:    decision,
		Consecutive: p.consecutive,
		Total:       p.total,
		Reasons:     append([]ResyncReason(nil), p.reasons...),
	}
}

func (s ResyncSignal) Summary() string {
	if s.Total == 0 && len(s.Reasons) == 0 {
		return ""
	}
	return fmt.Sprintf("decision=%s consecutive=%d total=%d reasons=%v", s.Decision, s.Consecutive, s.Total, s.Reasons)
}
