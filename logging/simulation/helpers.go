package simulation

import (
	"context"

	"simsync/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when the simulation loop exceeds the allotted tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventExecuteFailed is emitted when an admitted command reports no effect.
	EventExecuteFailed logging.EventType = "simulation.execute_failed"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// TickBudgetOverrun publishes a warning when the simulation exceeds the configured tick budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ExecuteFailedPayload identifies the command that failed.
type ExecuteFailedPayload struct {
	Command  string `json:"command"`
	Index    int    `json:"index"`
	Critical bool   `json:"critical"`
}

// ExecuteFailed publishes a debug event for ordinary failures and an error
// event for critical ones.
func ExecuteFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ExecuteFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	if payload.Critical {
		severity = logging.SeverityError
	}
	event := logging.Event{
		Type:     EventExecuteFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
