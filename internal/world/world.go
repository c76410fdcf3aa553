package world

import (
	"errors"
	"sort"

	"simsync/server/internal/catalog"
	"simsync/server/internal/iff"
)

// Kind distinguishes the entity families held by the state.
type Kind uint8

const (
	KindAvatar Kind = 1
	KindObject Kind = 2
)

const (
	// AvatarFieldCount is the number of attribute slots carried by avatars.
	AvatarFieldCount = 8
	// ObjectFieldCount is the number of attribute slots carried by objects.
	ObjectFieldCount = 4
)

// ErrUnknownContent reports a reference to catalog or neighbourhood content
// that the local content set does not define.
var ErrUnknownContent = errors.New("world: unknown content")

// Entity is a single simulated thing. Objects take Name and Category from the
// catalog; avatars carry their own.
type Entity struct {
	ID       uint32
	Kind     Kind
	GUID     uint32
	Owner    uint32
	Name     string
	Category int8
	X        int32
	Y        int32
	Budget   int64
	Fields   []int16
}

func (e Entity) clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = append([]int16(nil), e.Fields...)
	}
	return out
}

// SubWorld is a derived surrounding lot rebuilt from the seed.
type SubWorld struct {
	ID        uint32
	OriginX   int32
	OriginY   int32
	Width     uint16
	Height    uint16
	Elevation []byte
}

// Flags are persistent toggles that travel with the state.
type Flags struct {
	UseWorld bool
}

// Content bundles the read-only collaborators a state resolves references
// against. It is never serialised and survives Replace.
type Content struct {
	Catalog       catalog.Catalog
	Neighbourhood *iff.Neighbourhood
}

// State is the complete deterministic simulation state. Commands mutate it in
// place from the tick loop only.
type State struct {
	Tick      uint64
	Seed      uint64
	RNG       uint64
	Draws     uint32
	NextID    uint32
	Budget    int64
	Flags     Flags
	Width     int32
	Height    int32
	Entities  []Entity
	SubWorlds []SubWorld

	Content Content
}

// New constructs an empty state for the configured lot.
func New(cfg Config, content Content) *State {
	normalized := cfg.normalized()
	return &State{
		Seed:    normalized.Seed,
		RNG:     DeterministicSeedValue(normalized.Seed, "commands"),
		NextID:  1,
		Budget:  normalized.Budget,
		Flags:   Flags{UseWorld: normalized.UseWorld},
		Width:   normalized.Width,
		Height:  normalized.Height,
		Content: content,
	}
}

func (s *State) index(id uint32) int {
	idx := sort.Search(len(s.Entities), func(i int) bool { return s.Entities[i].ID >= id })
	if idx < len(s.Entities) && s.Entities[idx].ID == id {
		return idx
	}
	return -1
}

// Entity returns a pointer to the live entity with the given ID.
func (s *State) Entity(id uint32) (*Entity, bool) {
	if s == nil {
		return nil, false
	}
	idx := s.index(id)
	if idx < 0 {
		return nil, false
	}
	return &s.Entities[idx], true
}

// AvatarByOwner returns the avatar controlled by peer.
func (s *State) AvatarByOwner(peer uint32) (*Entity, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Entities {
		entity := &s.Entities[i]
		if entity.Kind == KindAvatar && entity.Owner == peer {
			return entity, true
		}
	}
	return nil, false
}

// Spawn assigns the next ID to entity and inserts it. The returned pointer is
// valid until the next structural mutation.
func (s *State) Spawn(entity Entity) *Entity {
	entity.ID = s.NextID
	s.NextID++
	s.Entities = append(s.Entities, entity)
	return &s.Entities[len(s.Entities)-1]
}

// Remove deletes the entity with the given ID.
func (s *State) Remove(id uint32) bool {
	idx := s.index(id)
	if idx < 0 {
		return false
	}
	s.Entities = append(s.Entities[:idx], s.Entities[idx+1:]...)
	return true
}

// RemoveOwnedBy deletes every entity owned by peer and reports how many were
// removed.
func (s *State) RemoveOwnedBy(peer uint32) int {
	kept := s.Entities[:0]
	removed := 0
	for _, entity := range s.Entities {
		if entity.Owner == peer {
			removed++
			continue
		}
		kept = append(kept, entity)
	}
	for i := len(kept); i < len(s.Entities); i++ {
		s.Entities[i] = Entity{}
	}
	s.Entities = kept
	return removed
}

// InBounds reports whether the tile lies on the lot.
func (s *State) InBounds(x, y int32) bool {
	return x >= 0 && y >= 0 && x < s.Width && y < s.Height
}

// Clone returns a deep copy that shares only the read-only Content.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Entities != nil {
		out.Entities = make([]Entity, len(s.Entities))
		for i, entity := range s.Entities {
			out.Entities[i] = entity.clone()
		}
	}
	if s.SubWorlds != nil {
		out.SubWorlds = make([]SubWorld, len(s.SubWorlds))
		for i, sub := range s.SubWorlds {
			out.SubWorlds[i] = sub
			out.SubWorlds[i].Elevation = append([]byte(nil), sub.Elevation...)
		}
	}
	return &out
}

// Replace swaps every serialised field for the values held by other. Content
// is kept. other must not be used afterwards.
func (s *State) Replace(other *State) {
	content := s.Content
	*s = *other
	s.Content = content
}

// NeedsSurroundings reports whether the derived surroundings are missing.
func (s *State) NeedsSurroundings() bool {
	return s.Flags.UseWorld && len(s.SubWorlds) == 0
}

// ResolveObject fills catalog-derived fields for an object GUID.
func (s *State) ResolveObject(entity *Entity) error {
	if s.Content.Catalog == nil {
		return ErrUnknownContent
	}
	item, ok := s.Content.Catalog.ByGUID(entity.GUID)
	if !ok {
		return ErrUnknownContent
	}
	entity.Name = item.Name
	entity.Category = item.Category
	return nil
}
