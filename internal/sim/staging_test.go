package sim

import (
	"errors"
	"testing"

	"simsync/server/internal/command"
)

func moveBy(actor uint32, x int32) command.Command {
	return command.Command{Actor: actor, FromRemote: true, Body: command.Move{X: x}}
}

func TestStagingKeepsArrivalOrder(t *testing.T) {
	staging := NewStaging(3, 0, nil)
	for _, actor := range []uint32{3, 1, 2} {
		if _, err := staging.Stage(moveBy(actor, 0)); err != nil {
			t.Fatalf("stage %d: %v", actor, err)
		}
	}
	if _, err := staging.Stage(moveBy(9, 0)); !errors.Is(err, errStagingFull) {
		t.Fatalf("expected full staging area, got %v", err)
	}
	taken := staging.Take()
	if len(taken) != 3 || taken[0].Actor != 3 || taken[1].Actor != 1 || taken[2].Actor != 2 {
		t.Fatalf("unexpected order %+v", taken)
	}
	if staging.Len() != 0 || staging.Take() != nil {
		t.Fatalf("expected an empty staging area after take")
	}
}

func TestStagingLimitsRemoteActors(t *testing.T) {
	metrics := newRecordingMetrics()
	staging := NewStaging(8, 1, metrics)
	if _, err := staging.Stage(moveBy(1, 0)); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := staging.Stage(moveBy(1, 1)); !errors.Is(err, errActorLimited) {
		t.Fatalf("expected actor limit, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := staging.Stage(command.Command{Body: command.Leave{Peer: 4}}); err != nil {
			t.Fatalf("host command throttled: %v", err)
		}
	}
	if metrics.value(stagingThrottledMetricKey) != 1 {
		t.Fatalf("expected one throttled command")
	}
	staging.Take()
	if _, err := staging.Stage(moveBy(1, 2)); err != nil {
		t.Fatalf("expected allowance to reset after take: %v", err)
	}
}

func TestStagingCancelReturnsAllowance(t *testing.T) {
	metrics := newRecordingMetrics()
	staging := NewStaging(4, 1, metrics)
	for _, actor := range []uint32{1, 2, 3} {
		staging.Stage(moveBy(actor, 0))
	}
	if removed := staging.Cancel(func(cmd command.Command) bool { return cmd.Actor == 2 }); removed != 1 {
		t.Fatalf("expected one cancellation, got %d", removed)
	}
	if _, err := staging.Stage(moveBy(2, 5)); err != nil {
		t.Fatalf("expected actor 2 to stage again: %v", err)
	}
	taken := staging.Take()
	if len(taken) != 3 || taken[0].Actor != 1 || taken[1].Actor != 3 || taken[2].Actor != 2 {
		t.Fatalf("unexpected order after cancel %+v", taken)
	}
	if metrics.value(stagingCancelledMetricKey) != 1 || metrics.value(stagingOccupancyMetricKey) != 0 {
		t.Fatalf("unexpected counters")
	}
}
