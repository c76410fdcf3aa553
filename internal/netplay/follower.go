package netplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"simsync/server/internal/command"
	"simsync/server/internal/sim"
	"simsync/server/internal/trace"
	"simsync/server/internal/world"
	loggingnetplay "simsync/server/logging/netplay"
)

// Reasons a follower gives when asking for a resync.
const (
	ResyncTraceDivergence = "trace_divergence"
	ResyncCriticalFailure = "critical_failure"
	ResyncTickGap         = "tick_gap"
	ResyncSyncFailed      = "sync_failed"
)

// ErrNotLive is returned by Submit outside of the Live state.
var ErrNotLive = errors.New("netplay: follower is not live")

// Dialer opens a new connection to the host.
type Dialer func(ctx context.Context) (Conn, error)

// RetryConfig bounds reconnect attempts. The budget resets whenever a session
// reaches Live.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// FollowerConfig tunes a follower.
type FollowerConfig struct {
	Name        string
	Tracing     bool
	TraceWindow int
	Retry       RetryConfig
}

// FollowerHooks observe a follower. They run on the session goroutine.
type FollowerHooks struct {
	OnStateChange func(from, to PeerState)
	OnStep        func(sim.StepResult)
	OnReject      func(Reject)
}

// Follower mirrors the host's simulation by executing its canonical batches.
type Follower struct {
	engine *sim.Engine
	cfg    FollowerConfig
	dial   Dialer
	hooks  FollowerHooks
	deps   sim.Deps

	mu         sync.Mutex
	state      PeerState
	peer       uint32
	session    string
	conn       Conn
	divergence *trace.Divergence
}

// NewFollower builds a follower whose state is replaced by the first sync.
// content must match the host's.
func NewFollower(content world.Content, cfg FollowerConfig, dial Dialer, hooks FollowerHooks, deps sim.Deps) *Follower {
	f := &Follower{cfg: cfg, dial: dial, hooks: hooks}
	st := world.New(world.DefaultConfig(), content)
	f.engine = sim.NewEngine(st, sim.EngineConfig{
		Tracing:     cfg.Tracing,
		TraceWindow: cfg.TraceWindow,
		OnDesync:    f.noteDivergence,
	}, deps)
	f.deps = f.engine.Deps()
	return f
}

// Engine returns the follower's engine.
func (f *Follower) Engine() *sim.Engine { return f.engine }

// State reports the lifecycle state.
func (f *Follower) State() PeerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Peer reports the peer id and session assigned by the host.
func (f *Follower) Peer() (uint32, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer, f.session
}

// Submit sends a command for the host to admit.
func (f *Follower) Submit(body command.Body) error {
	f.mu.Lock()
	conn, state := f.conn, f.state
	f.mu.Unlock()
	if conn == nil || state != Live {
		return ErrNotLive
	}
	data, err := EncodeFrame(Submit{Command: command.Command{Body: body}})
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// Run keeps a session with the host alive until ctx is cancelled, rejoining
// with exponential backoff after malformed data or connection loss.
func (f *Follower) Run(ctx context.Context) error {
	for {
		_, err := backoff.Retry(ctx, func() (bool, error) {
			live, err := f.runSession(ctx)
			if ctx.Err() != nil {
				return false, backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, ErrVersionMismatch) {
				return false, backoff.Permanent(err)
			}
			if live {
				return true, nil
			}
			if err == nil {
				err = errors.New("netplay: session ended before sync")
			}
			f.deps.Logger.Printf("[netplay] session attempt failed: %v", err)
			return false, err
		}, f.retryOptions()...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

func (f *Follower) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if f.cfg.Retry.InitialInterval > 0 {
		b.InitialInterval = f.cfg.Retry.InitialInterval
	}
	if f.cfg.Retry.MaxInterval > 0 {
		b.MaxInterval = f.cfg.Retry.MaxInterval
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if f.cfg.Retry.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(f.cfg.Retry.MaxAttempts))
	}
	return opts
}

// runSession reports whether the session reached Live before it ended.
func (f *Follower) runSession(ctx context.Context) (bool, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.divergence = nil
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		f.setState(Disconnected)
	}()

	f.setState(Joining)
	if err := writeFrame(conn, Hello{Version: ProtocolVersion, Name: f.cfg.Name}); err != nil {
		return false, err
	}

	live := false
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return live, err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			loggingnetplay.SessionTornDown(ctx, f.deps.Publisher, f.engine.Tick(), peerRef(f.peerID()), loggingnetplay.TeardownPayload{Reason: err.Error()}, nil)
			return live, err
		}
		switch fr := frame.(type) {
		case Welcome:
			if f.State() != Joining {
				return live, fmt.Errorf("%w: welcome while %s", ErrUnexpectedFrame, f.State())
			}
			if fr.Version != ProtocolVersion {
				return live, fmt.Errorf("%w: host speaks %d", ErrVersionMismatch, fr.Version)
			}
			f.mu.Lock()
			f.peer = fr.Peer
			f.session = fr.Session
			f.mu.Unlock()
			f.setState(Syncing)
		case Sync:
			ok, err := f.applySync(ctx, conn, fr)
			if err != nil {
				return live, err
			}
			live = live || ok
		case Batch:
			if err := f.applyBatch(ctx, conn, fr); err != nil {
				return live, err
			}
		case Reject:
			if fr.Reason == RejectVersionMismatch {
				return live, fmt.Errorf("%w: rejected by host", ErrVersionMismatch)
			}
			if f.hooks.OnReject != nil {
				f.hooks.OnReject(fr)
			}
		default:
			return live, fmt.Errorf("%w: %s from host", ErrUnexpectedFrame, frame.FrameType())
		}
	}
}

func (f *Follower) applySync(ctx context.Context, conn Conn, fr Sync) (bool, error) {
	switch f.State() {
	case Syncing, Resyncing:
	case Live:
		f.setState(Resyncing)
	default:
		return false, fmt.Errorf("%w: sync while %s", ErrUnexpectedFrame, f.State())
	}
	if err := f.engine.Sync(fr.Command); err != nil {
		f.deps.Logger.Printf("[netplay] failed to apply sync: %v", err)
		return false, f.requestResync(ctx, conn, ResyncSyncFailed, f.engine.Tick(), -1, nil)
	}
	f.mu.Lock()
	f.divergence = nil
	f.mu.Unlock()
	f.setState(Live)
	body, _ := fr.Command.Body.(command.StateSync)
	loggingnetplay.SnapshotApplied(ctx, f.deps.Publisher, f.engine.Tick(), peerRef(f.peerID()), loggingnetplay.SnapshotAppliedPayload{Bytes: len(body.Snapshot)}, nil)
	return true, writeFrame(conn, Synced{Tick: f.engine.Tick()})
}

// applyBatch executes the next tick. Batches are only consumed while Live and
// strictly in order; a gap means commands were lost and only a resync can
// recover.
func (f *Follower) applyBatch(ctx context.Context, conn Conn, fr Batch) error {
	if f.State() != Live {
		return nil
	}
	current := f.engine.Tick()
	if fr.Tick <= current {
		return nil
	}
	if fr.Tick != current+1 {
		return f.requestResync(ctx, conn, ResyncTickGap, current+1, -1, nil)
	}

	result, err := f.engine.Apply(fr.Tick, fr.Commands)
	if f.hooks.OnStep != nil {
		f.hooks.OnStep(result)
	}
	if err != nil {
		index := int32(-1)
		if len(result.Failed) > 0 {
			index = int32(result.Failed[len(result.Failed)-1])
		}
		return f.requestResync(ctx, conn, ResyncCriticalFailure, fr.Tick, index, f.localTrace(fr.Tick))
	}

	f.mu.Lock()
	divergence := f.divergence
	f.divergence = nil
	f.mu.Unlock()
	if divergence != nil {
		f.deps.Logger.Printf("[netplay] %s", divergence)
		return f.requestResync(ctx, conn, ResyncTraceDivergence, divergence.Tick, int32(divergence.Index), f.localTrace(divergence.Tick))
	}
	return nil
}

func (f *Follower) requestResync(ctx context.Context, conn Conn, reason string, tick uint64, index int32, local *trace.Tick) error {
	if f.State() != Resyncing {
		f.setState(Resyncing)
	}
	loggingnetplay.DesyncDetected(ctx, f.deps.Publisher, tick, peerRef(f.peerID()), loggingnetplay.DesyncPayload{
		Tick:   tick,
		Index:  int(index),
		Detail: reason,
	}, nil)
	return writeFrame(conn, Resync{Reason: reason, Tick: tick, Index: index, Trace: local})
}

func (f *Follower) localTrace(tick uint64) *trace.Tick {
	if local, ok := f.engine.Trace().Find(tick); ok {
		return &local
	}
	return nil
}

// noteDivergence runs inside Apply under the engine lock; it only records.
func (f *Follower) noteDivergence(d trace.Divergence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.divergence == nil {
		f.divergence = &d
	}
}

func (f *Follower) setState(to PeerState) {
	f.mu.Lock()
	from := f.state
	next, err := Transition(from, to)
	if err != nil || next == from {
		f.mu.Unlock()
		if err != nil {
			f.deps.Logger.Printf("[netplay] %v", err)
		}
		return
	}
	f.state = next
	peer := f.peer
	f.mu.Unlock()
	loggingnetplay.PeerStateChanged(context.Background(), f.deps.Publisher, f.engine.Tick(), peerRef(peer), loggingnetplay.PeerStatePayload{
		From: from.String(),
		To:   next.String(),
	}, nil)
	if f.hooks.OnStateChange != nil {
		f.hooks.OnStateChange(from, next)
	}
}

func (f *Follower) peerID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}

func writeFrame(conn Conn, frame Frame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
