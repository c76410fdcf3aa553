package logging

import (
	"context"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// EntityKind tells peers apart from the host's own world actor.
type EntityKind string

const (
	EntityKindPeer  EntityKind = "peer"
	EntityKindWorld EntityKind = "world"
)

// Event is one structured record. Tick is the simulation tick the event
// belongs to, not the wall clock.
type Event struct {
	Type     EventType      `json:"type"`
	Tick     uint64         `json:"tick"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

func (r EntityRef) String() string {
	switch {
	case r.ID == "":
		return string(r.Kind)
	case r.Kind == "":
		return r.ID
	}
	return string(r.Kind) + ":" + r.ID
}

const (
	CategoryNetplay    = "netplay"
	CategorySimulation = "simulation"
	CategoryEconomy    = "economy"
	CategoryLifecycle  = "lifecycle"
)

// Categories lists every category the helper packages publish under.
var Categories = []string{CategoryNetplay, CategorySimulation, CategoryEconomy, CategoryLifecycle}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

// WithFields stamps fields onto every event that does not already carry them.
// The follower binary uses it to tag its events with the peer name.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := cloneMap(fields)
	return PublisherFunc(func(ctx context.Context, event Event) {
		p.Publish(ctx, event.withDefaults(copied))
	})
}

// withDefaults returns a copy whose Extra holds fields for every key the
// event left unset.
func (e Event) withDefaults(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	extra := make(map[string]any, len(e.Extra)+len(fields))
	for k, v := range fields {
		extra[k] = v
	}
	for k, v := range e.Extra {
		extra[k] = v
	}
	e.Extra = extra
	return e
}

// Clone copies the event's Extra map so sinks can retain it.
func (e Event) Clone() Event {
	e.Extra = cloneMap(e.Extra)
	return e
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
