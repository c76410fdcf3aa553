package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"simsync/server/internal/command"
)

func TestLoopEnqueueThrottlesPerActor(t *testing.T) {
	engine := newTestEngine(EngineConfig{})
	var mu sync.Mutex
	var drops []string
	loop := NewLoop(engine, LoopConfig{CommandCapacity: 8, PerActorLimit: 2}, LoopHooks{
		OnCommandDrop: func(reason string, cmd command.Command) {
			mu.Lock()
			drops = append(drops, reason)
			mu.Unlock()
		},
	})

	for i := 0; i < 2; i++ {
		if ok, reason := loop.Enqueue(moveBy(1, int32(i))); !ok {
			t.Fatalf("expected enqueue %d to succeed, got %s", i, reason)
		}
	}
	if ok, reason := loop.Enqueue(moveBy(1, 9)); ok || reason != CommandRejectQueueLimit {
		t.Fatalf("expected per-actor limit, got ok=%v reason=%s", ok, reason)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := loop.Enqueue(command.Command{Body: command.Leave{Peer: 7}}); !ok {
			t.Fatalf("expected authoritative command to bypass throttling")
		}
	}
	if loop.Pending() != 5 {
		t.Fatalf("expected 5 pending commands, got %d", loop.Pending())
	}

	loop.Advance()
	if ok, _ := loop.Enqueue(moveBy(1, 3)); !ok {
		t.Fatalf("expected per-actor budget to reset after a tick")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(drops) != 1 || drops[0] != CommandRejectQueueLimit {
		t.Fatalf("unexpected drops %v", drops)
	}
}

func TestLoopEnqueueReportsFullBuffer(t *testing.T) {
	engine := newTestEngine(EngineConfig{})
	loop := NewLoop(engine, LoopConfig{CommandCapacity: 1}, LoopHooks{})
	if ok, _ := loop.Enqueue(moveBy(1, 0)); !ok {
		t.Fatalf("expected first enqueue to succeed")
	}
	if ok, reason := loop.Enqueue(moveBy(2, 0)); ok || reason != CommandRejectQueueFull {
		t.Fatalf("expected queue full, got ok=%v reason=%s", ok, reason)
	}
}

func TestLoopQueueWarning(t *testing.T) {
	engine := newTestEngine(EngineConfig{})
	var warnings []int
	loop := NewLoop(engine, LoopConfig{CommandCapacity: 8, WarningStep: 2}, LoopHooks{
		OnQueueWarning: func(length int) { warnings = append(warnings, length) },
	})
	for i := 0; i < 5; i++ {
		loop.Enqueue(moveBy(uint32(i+1), 0))
	}
	if len(warnings) != 2 || warnings[0] != 2 || warnings[1] != 4 {
		t.Fatalf("unexpected warnings %v", warnings)
	}
}

func TestLoopCancelDropsQueuedCommands(t *testing.T) {
	engine := newTestEngine(EngineConfig{})
	loop := NewLoop(engine, LoopConfig{CommandCapacity: 8, PerActorLimit: 1}, LoopHooks{})
	loop.Enqueue(command.Command{Body: command.Join{Peer: 1, Name: "a"}})
	loop.Enqueue(command.Command{Body: command.Join{Peer: 2, Name: "b"}})
	loop.Enqueue(moveBy(2, 1))

	removed := loop.Cancel(func(cmd command.Command) bool {
		if join, ok := cmd.Body.(command.Join); ok {
			return join.Peer == 2
		}
		return cmd.Actor == 2
	})
	if removed != 2 {
		t.Fatalf("expected two cancelled commands, got %d", removed)
	}
	if ok, _ := loop.Enqueue(moveBy(2, 2)); !ok {
		t.Fatalf("expected cancelled command to release the per-actor slot")
	}

	result := loop.Advance()
	if result.Err != nil {
		t.Fatalf("advance: %v", result.Err)
	}
	if result.Tick != 1 || len(result.Accepted) != 1 {
		t.Fatalf("expected only the first join to execute, got %+v", result.StepResult)
	}
	if len(result.Rejected) != 1 {
		t.Fatalf("expected the move from the cancelled peer to be rejected, got %+v", result.Rejected)
	}
}

func TestLoopRunAdvancesUntilCancelled(t *testing.T) {
	engine := newTestEngine(EngineConfig{})
	ticks := make(chan uint64, 64)
	loop := NewLoop(engine, LoopConfig{TickRate: 200, CatchupMaxTicks: 2}, LoopHooks{
		AfterStep: func(result LoopStepResult) {
			select {
			case ticks <- result.Tick:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	var last uint64
	for last < 3 {
		select {
		case tick := <-ticks:
			if tick != last+1 {
				t.Fatalf("expected consecutive ticks, got %d after %d", tick, last)
			}
			last = tick
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, last=%d", last)
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}
