package world

import (
	"os"
	"path/filepath"
	"testing"

	"simsync/server/internal/iff"
)

func TestNewNormalizesConfig(t *testing.T) {
	st := New(Config{}, Content{})
	if st.Seed != DefaultSeed || st.Width != DefaultWidth || st.Height != DefaultHeight {
		t.Fatalf("expected defaults, got seed=%d size=%dx%d", st.Seed, st.Width, st.Height)
	}
	if st.NextID != 1 {
		t.Fatalf("expected NextID 1, got %d", st.NextID)
	}
	if st.Budget != DefaultBudget {
		t.Fatalf("expected default budget, got %d", st.Budget)
	}
}

func TestRandomIsDeterministicAndCounted(t *testing.T) {
	a := New(Config{Seed: 42}, Content{})
	b := New(Config{Seed: 42}, Content{})
	for i := 0; i < 16; i++ {
		if x, y := a.Random(1000), b.Random(1000); x != y {
			t.Fatalf("draw %d diverged: %d != %d", i, x, y)
		}
	}
	if a.Draws != 16 {
		t.Fatalf("expected 16 draws, got %d", a.Draws)
	}
	if got := a.Random(0); got != 0 || a.Draws != 16 {
		t.Fatalf("expected zero-range draw to be free, got %d draws=%d", got, a.Draws)
	}
	a.ResetDraws()
	if a.Draws != 0 {
		t.Fatalf("expected draws reset")
	}
}

func TestSpawnRemoveKeepsIDsSorted(t *testing.T) {
	st := New(Config{}, Content{})
	first := st.Spawn(Entity{Kind: KindAvatar, Owner: 1}).ID
	second := st.Spawn(Entity{Kind: KindObject, Owner: 1}).ID
	third := st.Spawn(Entity{Kind: KindAvatar, Owner: 2}).ID
	if first != 1 || second != 2 || third != 3 {
		t.Fatalf("unexpected ids %d %d %d", first, second, third)
	}

	if !st.Remove(second) {
		t.Fatalf("expected removal of %d", second)
	}
	if _, ok := st.Entity(second); ok {
		t.Fatalf("expected entity %d to be gone", second)
	}
	if _, ok := st.Entity(third); !ok {
		t.Fatalf("expected entity %d to remain addressable", third)
	}
	if st.Remove(99) {
		t.Fatalf("expected removal of unknown id to fail")
	}

	avatar, ok := st.AvatarByOwner(2)
	if !ok || avatar.ID != third {
		t.Fatalf("expected avatar %d for owner 2, got %+v", third, avatar)
	}
	if removed := st.RemoveOwnedBy(1); removed != 1 {
		t.Fatalf("expected one entity removed for owner 1, got %d", removed)
	}
	if len(st.Entities) != 1 {
		t.Fatalf("expected one entity left, got %d", len(st.Entities))
	}
}

func TestCloneIsDeep(t *testing.T) {
	st := New(Config{UseWorld: true}, Content{})
	st.Spawn(Entity{Kind: KindAvatar, Fields: []int16{1, 2}})
	st.RestoreSurroundings()

	clone := st.Clone()
	clone.Entities[0].Fields[0] = 99
	clone.SubWorlds[0].Elevation[0] = 255
	clone.Tick = 7

	if st.Entities[0].Fields[0] != 1 {
		t.Fatalf("expected original fields untouched")
	}
	if st.SubWorlds[0].Elevation[0] == 255 {
		t.Fatalf("expected original elevation untouched")
	}
	if st.Tick != 0 {
		t.Fatalf("expected original tick untouched")
	}
}

func TestReplaceKeepsContent(t *testing.T) {
	hood := &iff.Neighbourhood{}
	st := New(Config{}, Content{Neighbourhood: hood})
	other := New(Config{Seed: 9}, Content{})
	other.Tick = 12
	st.Replace(other)
	if st.Tick != 12 || st.Seed != 9 {
		t.Fatalf("expected replaced fields, got tick=%d seed=%d", st.Tick, st.Seed)
	}
	if st.Content.Neighbourhood != hood {
		t.Fatalf("expected content to survive replace")
	}
}

func TestRestoreSurroundingsIsDeterministic(t *testing.T) {
	a := New(Config{Seed: 3, Width: 8, Height: 6, UseWorld: true}, Content{})
	b := New(Config{Seed: 3, Width: 8, Height: 6, UseWorld: true}, Content{})
	if !a.NeedsSurroundings() {
		t.Fatalf("expected surroundings to be required")
	}
	a.RestoreSurroundings()
	b.RestoreSurroundings()
	if a.NeedsSurroundings() {
		t.Fatalf("expected surroundings to be present")
	}
	if len(a.SubWorlds) != 8 {
		t.Fatalf("expected 8 surrounding lots, got %d", len(a.SubWorlds))
	}
	for i := range a.SubWorlds {
		if string(a.SubWorlds[i].Elevation) != string(b.SubWorlds[i].Elevation) {
			t.Fatalf("surrounding %d differs between peers", i)
		}
	}
	if a.SubWorlds[0].OriginX != -8 || a.SubWorlds[0].OriginY != -6 {
		t.Fatalf("unexpected origin for first surrounding: %+v", a.SubWorlds[0])
	}
	if a.RNG != b.RNG || a.Draws != 0 {
		t.Fatalf("expected surroundings not to consume command draws")
	}
}

func TestLoadNeighbourhoodAndAvatarFields(t *testing.T) {
	payload, err := iff.EncodeNBRS(1, []iff.Neighbour{{
		Present:    true,
		Version:    4,
		Name:       "Goth",
		PersonMode: 9,
		PersonData: []int16{5, 6, 7},
		ID:         1,
		GUID:       77,
	}})
	if err != nil {
		t.Fatalf("encode nbrs: %v", err)
	}
	data, err := iff.Encode([]iff.Chunk{{Type: iff.TypeNBRS, ID: 1, Data: payload}})
	if err != nil {
		t.Fatalf("encode container: %v", err)
	}
	path := filepath.Join(t.TempDir(), "hood.iff")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	hood, err := LoadNeighbourhood(path)
	if err != nil {
		t.Fatalf("load neighbourhood: %v", err)
	}
	st := New(Config{}, Content{Neighbourhood: hood})
	fields := st.AvatarFields("Goth")
	if len(fields) != AvatarFieldCount || fields[0] != 5 || fields[2] != 7 {
		t.Fatalf("unexpected fields %v", fields)
	}
	if unknown := st.AvatarFields("Nobody"); len(unknown) != AvatarFieldCount || unknown[0] != 0 {
		t.Fatalf("expected zeroed fields for unknown neighbour, got %v", unknown)
	}
}
