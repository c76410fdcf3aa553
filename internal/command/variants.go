package command

import (
	"fmt"

	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

// maxNameLength bounds avatar names accepted from the wire.
const maxNameLength = 64

// Join spawns the avatar for a peer. Only the host issues joins; it resolves
// Name and Fields from the neighbourhood before enqueueing.
type Join struct {
	Peer   uint32
	Name   string
	Fields []int16
}

func (Join) Tag() Tag { return TagJoin }

// NewJoin resolves the avatar fields for name against the state's content.
func NewJoin(st *world.State, peer uint32, name string) Command {
	return Command{Actor: AuthoritativeActor, Body: Join{Peer: peer, Name: name, Fields: st.AvatarFields(name)}}
}

var joinVariant = &variant{
	name: "join",
	decode: func(r *wire.Reader) (Body, error) {
		body := Join{Peer: r.U32(), Name: r.String()}
		count := r.U8()
		if r.Err() == nil && int(count) > world.AvatarFieldCount {
			return nil, fmt.Errorf("%w: %d avatar fields", wire.ErrMalformed, count)
		}
		if len(body.Name) > maxNameLength {
			return nil, fmt.Errorf("%w: name length %d", wire.ErrMalformed, len(body.Name))
		}
		if count > 0 {
			body.Fields = make([]int16, count)
			for i := range body.Fields {
				body.Fields[i] = r.I16()
			}
		}
		return body, nil
	},
	encode: func(w *wire.Writer, b Body) {
		body := b.(Join)
		w.U32(body.Peer)
		w.String(body.Name)
		if len(body.Fields) > 0xFF {
			w.Fail(fmt.Errorf("%w: %d join fields", wire.ErrTooLong, len(body.Fields)))
			return
		}
		w.U8(uint8(len(body.Fields)))
		for _, field := range body.Fields {
			w.I16(field)
		}
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		return !cmd.FromRemote
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(Join)
		if body.Peer == AuthoritativeActor || len(body.Fields) > world.AvatarFieldCount {
			return false
		}
		if _, exists := st.AvatarByOwner(body.Peer); exists {
			return false
		}
		fields := make([]int16, world.AvatarFieldCount)
		copy(fields, body.Fields)
		x := int32(st.Random(uint32(st.Width)))
		y := int32(st.Random(uint32(st.Height)))
		st.Spawn(world.Entity{
			Kind:   world.KindAvatar,
			Owner:  body.Peer,
			Name:   body.Name,
			X:      x,
			Y:      y,
			Budget: st.Budget,
			Fields: fields,
		})
		return true
	},
}

// Leave removes a departed peer's avatar and everything it owns.
type Leave struct {
	Peer uint32
}

func (Leave) Tag() Tag { return TagLeave }

var leaveVariant = &variant{
	name: "leave",
	decode: func(r *wire.Reader) (Body, error) {
		return Leave{Peer: r.U32()}, nil
	},
	encode: func(w *wire.Writer, b Body) {
		w.U32(b.(Leave).Peer)
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		return !cmd.FromRemote
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(Leave)
		if body.Peer == AuthoritativeActor {
			return false
		}
		return st.RemoveOwnedBy(body.Peer) > 0
	},
}

// Move relocates the actor's avatar.
type Move struct {
	X int32
	Y int32
}

func (Move) Tag() Tag { return TagMove }

var moveVariant = &variant{
	name:             "move",
	acceptFromClient: true,
	decode: func(r *wire.Reader) (Body, error) {
		return Move{X: r.I32(), Y: r.I32()}, nil
	},
	encode: func(w *wire.Writer, b Body) {
		body := b.(Move)
		w.I32(body.X)
		w.I32(body.Y)
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		body := cmd.Body.(Move)
		return origin != nil && st.InBounds(body.X, body.Y)
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(Move)
		avatar, ok := st.AvatarByOwner(cmd.Actor)
		if !ok || !st.InBounds(body.X, body.Y) {
			return false
		}
		avatar.X = body.X
		avatar.Y = body.Y
		return true
	},
}

// Interact uses an object: a roll from the shared RNG is added to one of the
// object's fields and credited to the actor.
type Interact struct {
	Object uint32
	Slot   uint8
}

func (Interact) Tag() Tag { return TagInteract }

// interactRollRange bounds the reward drawn per interaction.
const interactRollRange = 100

func interactTarget(st *world.State, body Interact) (*world.Entity, bool) {
	object, ok := st.Entity(body.Object)
	if !ok || object.Kind != world.KindObject || int(body.Slot) >= len(object.Fields) {
		return nil, false
	}
	return object, true
}

var interactVariant = &variant{
	name:             "interact",
	acceptFromClient: true,
	decode: func(r *wire.Reader) (Body, error) {
		return Interact{Object: r.U32(), Slot: r.U8()}, nil
	},
	encode: func(w *wire.Writer, b Body) {
		body := b.(Interact)
		w.U32(body.Object)
		w.U8(body.Slot)
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		if origin == nil {
			return false
		}
		_, ok := interactTarget(st, cmd.Body.(Interact))
		return ok
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(Interact)
		avatar, ok := st.AvatarByOwner(cmd.Actor)
		if !ok {
			return false
		}
		object, ok := interactTarget(st, body)
		if !ok {
			return false
		}
		roll := st.Random(interactRollRange)
		object.Fields[body.Slot] += int16(roll)
		avatar.Budget += int64(roll)
		return true
	},
}

// Purchase buys a catalog item and places it on the lot. Price is the price
// the client saw; it must match the catalog at verification time.
type Purchase struct {
	GUID  uint32
	Price uint32
	X     int32
	Y     int32
}

func (Purchase) Tag() Tag { return TagPurchase }

func purchaseAllowed(st *world.State, body Purchase, buyer *world.Entity) bool {
	if buyer == nil || st.Content.Catalog == nil || !st.InBounds(body.X, body.Y) {
		return false
	}
	item, ok := st.Content.Catalog.ByGUID(body.GUID)
	if !ok || !item.Purchasable() || item.Price != body.Price {
		return false
	}
	return buyer.Budget >= int64(item.Price)
}

var purchaseVariant = &variant{
	name:             "purchase",
	acceptFromClient: true,
	decode: func(r *wire.Reader) (Body, error) {
		return Purchase{GUID: r.U32(), Price: r.U32(), X: r.I32(), Y: r.I32()}, nil
	},
	encode: func(w *wire.Writer, b Body) {
		body := b.(Purchase)
		w.U32(body.GUID)
		w.U32(body.Price)
		w.I32(body.X)
		w.I32(body.Y)
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		return purchaseAllowed(st, cmd.Body.(Purchase), origin)
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(Purchase)
		buyer, ok := st.AvatarByOwner(cmd.Actor)
		if !ok || !purchaseAllowed(st, body, buyer) {
			return false
		}
		buyer.Budget -= int64(body.Price)
		object := st.Spawn(world.Entity{
			Kind:   world.KindObject,
			GUID:   body.GUID,
			Owner:  cmd.Actor,
			X:      body.X,
			Y:      body.Y,
			Fields: make([]int16, world.ObjectFieldCount),
		})
		return st.ResolveObject(object) == nil
	},
}
