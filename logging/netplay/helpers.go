package netplay

import (
	"context"

	"simsync/server/logging"
)

const (
	// EventCommandRejected is emitted when a peer's command is refused before execution.
	EventCommandRejected logging.EventType = "netplay.command_rejected"
	// EventDesyncDetected is emitted when a peer's state is known to have diverged.
	EventDesyncDetected logging.EventType = "netplay.desync_detected"
	// EventResyncScheduled is emitted when the host queues a targeted state sync.
	EventResyncScheduled logging.EventType = "netplay.resync_scheduled"
	// EventSnapshotApplied is emitted when a peer adopts a state sync.
	EventSnapshotApplied logging.EventType = "netplay.snapshot_applied"
	// EventPeerStateChanged is emitted on every peer lifecycle transition.
	EventPeerStateChanged logging.EventType = "netplay.peer_state_changed"
	// EventSessionTornDown is emitted when a session is closed because of a protocol error.
	EventSessionTornDown logging.EventType = "netplay.session_torn_down"
)

// CommandRejectedPayload describes the refused command.
type CommandRejectedPayload struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// DesyncPayload locates the first divergence.
type DesyncPayload struct {
	Tick   uint64 `json:"tick"`
	Index  int    `json:"index"`
	Detail string `json:"detail"`
}

// ResyncPayload describes a scheduled sync.
type ResyncPayload struct {
	Reason string `json:"reason"`
	Count  uint64 `json:"count"`
}

// SnapshotAppliedPayload describes an applied sync.
type SnapshotAppliedPayload struct {
	Bytes int `json:"bytes"`
}

// PeerStatePayload captures a lifecycle transition.
type PeerStatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TeardownPayload captures why a session was closed.
type TeardownPayload struct {
	Reason string `json:"reason"`
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetplay,
		Payload:  payload,
		Extra:    extra,
	})
}

// CommandRejected publishes a debug event for a refused command.
func CommandRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandRejectedPayload, extra map[string]any) {
	publish(ctx, pub, EventCommandRejected, logging.SeverityDebug, tick, actor, payload, extra)
}

// DesyncDetected publishes an error event for a diverged peer.
func DesyncDetected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncPayload, extra map[string]any) {
	publish(ctx, pub, EventDesyncDetected, logging.SeverityError, tick, actor, payload, extra)
}

// ResyncScheduled publishes an info event when a state sync is queued.
func ResyncScheduled(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncScheduled, logging.SeverityInfo, tick, actor, payload, extra)
}

// SnapshotApplied publishes an info event when a peer adopts a snapshot.
func SnapshotApplied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SnapshotAppliedPayload, extra map[string]any) {
	publish(ctx, pub, EventSnapshotApplied, logging.SeverityInfo, tick, actor, payload, extra)
}

// PeerStateChanged publishes a debug event for a lifecycle transition.
func PeerStateChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerStatePayload, extra map[string]any) {
	publish(ctx, pub, EventPeerStateChanged, logging.SeverityDebug, tick, actor, payload, extra)
}

// SessionTornDown publishes a warning when a session is closed for a protocol error.
func SessionTornDown(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TeardownPayload, extra map[string]any) {
	publish(ctx, pub, EventSessionTornDown, logging.SeverityWarn, tick, actor, payload, extra)
}
