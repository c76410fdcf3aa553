package lifecycle

import (
	"context"

	"simsync/server/logging"
)

const (
	// EventPeerJoined is emitted when the host admits a peer and schedules its join.
	EventPeerJoined logging.EventType = "lifecycle.peer_joined"
	// EventPeerLeft is emitted when the host schedules a peer's departure.
	EventPeerLeft logging.EventType = "lifecycle.peer_left"
)

// PeerJoinedPayload captures handshake metadata for a new peer.
type PeerJoinedPayload struct {
	Name    string `json:"name"`
	Session string `json:"session"`
}

// PeerLeftPayload captures the reason a peer left.
type PeerLeftPayload struct {
	Reason string `json:"reason"`
}

// PeerJoined publishes a peer join event.
func PeerJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerJoined,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerLeft publishes a peer departure event.
func PeerLeft(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerLeft,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
