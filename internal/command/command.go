// Package command defines the closed set of simulation commands, their wire
// encoding and the verify/execute contract every variant implements.
package command

import (
	"errors"
	"fmt"

	"simsync/server/internal/trace"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

// Tag identifies a command variant on the wire.
type Tag uint8

const (
	TagStateSync Tag = 1
	TagJoin      Tag = 2
	TagLeave     Tag = 3
	TagMove      Tag = 4
	TagInteract  Tag = 5
	TagPurchase  Tag = 6
)

// AuthoritativeActor is the actor slot used for commands issued by the host.
const AuthoritativeActor uint32 = 0

var (
	// ErrMalformedCommand reports a command payload that failed to decode.
	ErrMalformedCommand = errors.New("command: malformed")
	// ErrUnknownVariant reports a tag outside the dispatch table.
	ErrUnknownVariant = errors.New("command: unknown variant")
)

// Body is the variant-specific payload of a command.
type Body interface {
	Tag() Tag
}

// Command is a single deterministic intent. FromRemote marks commands that
// arrived from a non-authoritative peer; it is assigned by the receiving
// transport and never serialised.
type Command struct {
	Actor      uint32
	FromRemote bool
	Body       Body
}

// Env carries the per-peer facilities available while executing commands.
type Env struct {
	Trace    *trace.Trace
	Tracing  bool
	OnDesync func(trace.Divergence)
}

func (e *Env) tracing() bool {
	return e != nil && e.Tracing && e.Trace != nil
}

type variant struct {
	name             string
	acceptFromClient bool
	critical         bool
	decode           func(r *wire.Reader) (Body, error)
	encode           func(w *wire.Writer, body Body)
	verify           func(st *world.State, cmd Command, origin *world.Entity) bool
	execute          func(st *world.State, cmd Command, env *Env) bool
}

var variants [256]*variant

func init() {
	variants[TagStateSync] = stateSyncVariant
	variants[TagJoin] = joinVariant
	variants[TagLeave] = leaveVariant
	variants[TagMove] = moveVariant
	variants[TagInteract] = interactVariant
	variants[TagPurchase] = purchaseVariant
}

func lookup(tag Tag) (*variant, bool) {
	if variants[tag] == nil {
		return nil, false
	}
	return variants[tag], true
}

// Known reports whether tag names a variant.
func Known(tag Tag) bool {
	_, ok := lookup(tag)
	return ok
}

// dispatchable reports whether b is one of the variant value types. A pointer
// to a variant also satisfies Body, but the table only dispatches values.
func dispatchable(b Body) bool {
	switch b.(type) {
	case StateSync, Join, Leave, Move, Interact, Purchase:
		return true
	}
	return false
}

func (c Command) variant() *variant {
	if !dispatchable(c.Body) {
		return nil
	}
	v, _ := lookup(c.Body.Tag())
	return v
}

// Tag reports the variant tag, or zero for an empty or undispatchable command.
func (c Command) Tag() Tag {
	if !dispatchable(c.Body) {
		return 0
	}
	return c.Body.Tag()
}

// Name returns a human readable variant name for logs.
func (c Command) Name() string {
	if v := c.variant(); v != nil {
		return v.name
	}
	return fmt.Sprintf("unknown(%d)", c.Tag())
}

// AcceptFromClient reports whether a non-authoritative peer may submit this
// variant at all. It depends only on the variant.
func (c Command) AcceptFromClient() bool {
	v := c.variant()
	return v != nil && v.acceptFromClient
}

// Critical reports whether an Execute failure means the peer has diverged.
func (c Command) Critical() bool {
	v := c.variant()
	return v != nil && v.critical
}

// Verify checks a remote command against the current state. origin is the
// avatar owned by the submitting peer, or nil when it has none. Verify never
// mutates st.
func (c Command) Verify(st *world.State, origin *world.Entity) bool {
	v := c.variant()
	if v == nil || st == nil {
		return false
	}
	return v.verify(st, c, origin)
}

// Execute applies the command to st and reports whether it took effect.
func (c Command) Execute(st *world.State, env *Env) bool {
	v := c.variant()
	if v == nil || st == nil {
		return false
	}
	return v.execute(st, c, env)
}

// SerializeInto appends [tag u8][actor u32][payload].
func (c Command) SerializeInto(w *wire.Writer) error {
	v := c.variant()
	if v == nil {
		return fmt.Errorf("%w: tag %d", ErrUnknownVariant, c.Tag())
	}
	w.U8(uint8(c.Body.Tag()))
	w.U32(c.Actor)
	v.encode(w, c.Body)
	if err := w.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedCommand, v.name, err)
	}
	return nil
}

// Deserialize reads a command written by SerializeInto from a shared reader.
func Deserialize(r *wire.Reader) (Command, error) {
	tag := Tag(r.U8())
	actor := r.U32()
	if err := r.Err(); err != nil {
		return Command{}, fmt.Errorf("%w: header: %v", ErrMalformedCommand, err)
	}
	v, ok := lookup(tag)
	if !ok {
		return Command{}, fmt.Errorf("%w: tag %d", ErrUnknownVariant, tag)
	}
	body, err := v.decode(r)
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, v.name, err)
	}
	return Command{Actor: actor, Body: body}, nil
}

// Marshal encodes a standalone command.
func Marshal(c Command) ([]byte, error) {
	w := wire.NewWriter(32)
	if err := c.SerializeInto(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Unmarshal decodes a standalone command and rejects trailing bytes.
func Unmarshal(data []byte) (Command, error) {
	r := wire.NewReader(data)
	cmd, err := Deserialize(r)
	if err != nil {
		return Command{}, err
	}
	if err := r.Done(); err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, cmd.Name(), err)
	}
	return cmd, nil
}
