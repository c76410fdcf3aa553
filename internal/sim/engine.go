package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"simsync/server/internal/command"
	"simsync/server/internal/snapshot"
	"simsync/server/internal/trace"
	"simsync/server/internal/world"
	"simsync/server/logging"
	loggingsimulation "simsync/server/logging/simulation"
)

const (
	engineTicksMetricKey    = "sim_ticks_total"
	engineAcceptedMetricKey = "sim_commands_accepted_total"
	engineRejectedMetricKey = "sim_commands_rejected_total"
	engineFailedMetricKey   = "sim_commands_failed_total"
)

// Rejection reasons reported in StepResult.
const (
	RejectNotFromClient = "not_accepted_from_client"
	RejectVerify        = "verify_failed"
)

var (
	// ErrDesync reports that a critical command failed to execute, meaning the
	// local state can no longer be trusted.
	ErrDesync = errors.New("sim: critical command failed")
	// ErrOutOfOrder reports a tick that does not directly follow the state.
	ErrOutOfOrder = errors.New("sim: tick out of order")
)

// EngineConfig tunes tracing.
type EngineConfig struct {
	Tracing     bool
	TraceWindow int
	OnDesync    func(trace.Divergence)
}

// Rejection records a remote command refused before execution.
type Rejection struct {
	Command command.Command
	Reason  string
}

// StepResult summarises one applied tick. Accepted is the canonical command
// list for the tick in execution order; Failed indexes into it.
type StepResult struct {
	Tick     uint64
	Accepted []command.Command
	Rejected []Rejection
	Failed   []int
	Trace    trace.Tick
	Desync   bool
}

// Engine owns the simulation state. Apply, Sync and Snapshot are serialised;
// Latest may be called from any goroutine.
type Engine struct {
	mu     sync.Mutex
	state  *world.State
	latest atomic.Pointer[world.State]
	trace  *trace.Trace
	env    *command.Env
	deps   Deps
}

// NewEngine takes ownership of st.
func NewEngine(st *world.State, cfg EngineConfig, deps Deps) *Engine {
	deps = deps.withDefaults()
	tr := trace.New(cfg.TraceWindow)
	engine := &Engine{
		state: st,
		trace: tr,
		env:   &command.Env{Trace: tr, Tracing: cfg.Tracing, OnDesync: cfg.OnDesync},
		deps:  deps,
	}
	engine.publishLocked()
	return engine
}

// Deps returns the injected dependencies.
func (e *Engine) Deps() Deps {
	if e == nil {
		return Deps{}
	}
	return e.deps
}

// Trace exposes the local command trace.
func (e *Engine) Trace() *trace.Trace {
	if e == nil {
		return nil
	}
	return e.trace
}

// Tracing reports whether per-command fingerprints are recorded.
func (e *Engine) Tracing() bool {
	return e != nil && e.env.Tracing
}

// Latest returns the immutable state published after the most recent change.
func (e *Engine) Latest() *world.State {
	if e == nil {
		return nil
	}
	return e.latest.Load()
}

// Tick reports the tick of the latest published state.
func (e *Engine) Tick() uint64 {
	if st := e.Latest(); st != nil {
		return st.Tick
	}
	return 0
}

// View runs fn against the live state under the engine lock. fn must not
// retain st or mutate it.
func (e *Engine) View(fn func(st *world.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
}

// Snapshot encodes the live state.
func (e *Engine) Snapshot(opts snapshot.Options) ([]byte, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, err := snapshot.Encode(e.state, opts)
	return data, e.state.Tick, err
}

// Apply executes tick with the provided commands in order. Remote commands
// must pass AcceptFromClient and Verify against the pre-execution state of
// their slot in the tick; refused commands are reported but never executed.
func (e *Engine) Apply(tick uint64, cmds []command.Command) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := StepResult{Tick: tick}
	st := e.state
	if tick != st.Tick+1 {
		return result, fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, st.Tick, tick)
	}

	st.Tick = tick
	tracing := e.env.Tracing
	if tracing {
		e.trace.Begin(tick)
	}

	var err error
	for _, cmd := range cmds {
		if cmd.FromRemote {
			if !cmd.AcceptFromClient() {
				result.Rejected = append(result.Rejected, Rejection{Command: cmd, Reason: RejectNotFromClient})
				continue
			}
			origin, _ := st.AvatarByOwner(cmd.Actor)
			if !cmd.Verify(st, origin) {
				result.Rejected = append(result.Rejected, Rejection{Command: cmd, Reason: RejectVerify})
				continue
			}
		}

		index := len(result.Accepted)
		result.Accepted = append(result.Accepted, cmd)
		st.ResetDraws()
		ok := cmd.Execute(st, e.env)
		// A state sync inside a batch adopts the batch tick.
		st.Tick = tick
		if tracing {
			e.trace.Record(trace.Entry{
				Index:  uint16(index),
				Tag:    uint8(cmd.Tag()),
				Actor:  cmd.Actor,
				Result: ok,
				Draws:  st.Draws,
				Digest: trace.Fingerprint(st),
			})
		}
		if ok {
			continue
		}
		result.Failed = append(result.Failed, index)
		loggingsimulation.ExecuteFailed(context.Background(), e.deps.Publisher, tick, actorRef(cmd.Actor), loggingsimulation.ExecuteFailedPayload{
			Command:  cmd.Name(),
			Index:    index,
			Critical: cmd.Critical(),
		}, nil)
		if cmd.Critical() {
			result.Desync = true
			err = fmt.Errorf("%w: %s at tick %d index %d", ErrDesync, cmd.Name(), tick, index)
			break
		}
	}

	if tracing {
		e.trace.End()
		result.Trace, _ = e.trace.Find(tick)
	}
	e.publishLocked()
	e.countStep(result)
	return result, err
}

// Sync executes a runnable state sync outside of any tick. The state adopts
// the snapshot's tick and the trace history is discarded.
func (e *Engine) Sync(cmd command.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := cmd.Body.(command.StateSync); !ok {
		return fmt.Errorf("sim: sync requires a state sync, got %s", cmd.Name())
	}
	if !cmd.Execute(e.state, e.env) {
		return fmt.Errorf("%w: state sync rejected", ErrDesync)
	}
	e.trace.Reset()
	e.publishLocked()
	return nil
}

// Load replaces the live state directly, keeping its content.
func (e *Engine) Load(next *world.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Replace(next.Clone())
	e.trace.Reset()
	e.publishLocked()
}

func (e *Engine) publishLocked() {
	e.latest.Store(e.state.Clone())
}

func (e *Engine) countStep(result StepResult) {
	metrics := e.deps.Metrics
	if metrics == nil {
		return
	}
	metrics.Add(engineTicksMetricKey, 1)
	metrics.Add(engineAcceptedMetricKey, uint64(len(result.Accepted)))
	metrics.Add(engineRejectedMetricKey, uint64(len(result.Rejected)))
	metrics.Add(engineFailedMetricKey, uint64(len(result.Failed)))
}

func actorRef(actor uint32) logging.EntityRef {
	if actor == command.AuthoritativeActor {
		return logging.EntityRef{ID: "host", Kind: logging.EntityKindWorld}
	}
	return logging.EntityRef{ID: fmt.Sprintf("%d", actor), Kind: logging.EntityKindPeer}
}
