package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"simsync/server/internal/catalog"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

func testContent() world.Content {
	return world.Content{Catalog: catalog.MustNew([]catalog.Item{
		{GUID: 100, Category: 3, Price: 50, Name: "Chair"},
		{GUID: 200, Category: 4, Price: 75, Name: "Lamp"},
	})}
}

func populatedState(t *testing.T) *world.State {
	t.Helper()
	st := world.New(world.Config{Seed: 11, Width: 10, Height: 8, UseWorld: true}, testContent())
	st.Tick = 42
	st.Random(10)
	st.Spawn(world.Entity{Kind: world.KindAvatar, Owner: 1, Name: "Bella", X: 2, Y: 3, Budget: 900, Fields: []int16{1, -2, 3}})
	chair := st.Spawn(world.Entity{Kind: world.KindObject, GUID: 100, Owner: 1, X: 4, Y: 4, Fields: make([]int16, world.ObjectFieldCount)})
	if err := st.ResolveObject(chair); err != nil {
		t.Fatalf("resolve chair: %v", err)
	}
	st.Spawn(world.Entity{Kind: world.KindAvatar, Owner: 2, Name: "Mort"})
	st.Remove(1)
	st.RestoreSurroundings()
	return st
}

func raw(st *world.State, opts Options) []byte {
	w := wire.NewWriter(0)
	AppendRaw(w, st, opts)
	return w.Bytes()
}

func TestEncodeDecodeFidelity(t *testing.T) {
	st := populatedState(t)
	encoded, err := Encode(st, Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded, testContent())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(raw(st, Options{}), raw(decoded, Options{})) {
		t.Fatalf("decoded state differs from original")
	}
	again, err := Encode(decoded, Options{})
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(encoded, again) {
		t.Fatalf("expected byte-identical re-encoding")
	}

	chair, ok := decoded.Entity(2)
	if !ok {
		t.Fatalf("expected object 2 after decode")
	}
	if chair.Name != "Chair" || chair.Category != 3 {
		t.Fatalf("expected catalog-derived fields, got %+v", chair)
	}
}

func TestEncodeCanOmitSurroundings(t *testing.T) {
	st := populatedState(t)
	full, err := Encode(st, Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	slim, err := Encode(st, Options{OmitSurroundings: true})
	if err != nil {
		t.Fatalf("encode slim: %v", err)
	}
	if len(slim) >= len(full) {
		t.Fatalf("expected omitting surroundings to shrink snapshot: %d >= %d", len(slim), len(full))
	}
	decoded, err := Decode(slim, testContent())
	if err != nil {
		t.Fatalf("decode slim: %v", err)
	}
	if !decoded.NeedsSurroundings() {
		t.Fatalf("expected decoded state to need surroundings")
	}
	decoded.RestoreSurroundings()
	if !bytes.Equal(raw(st, Options{}), raw(decoded, Options{})) {
		t.Fatalf("expected restored surroundings to match the original")
	}
}

func TestDecodeRejectsEveryTruncation(t *testing.T) {
	body := raw(populatedState(t), Options{})
	for n := 0; n < len(body); n++ {
		st, err := DecodeRaw(body[:n], testContent())
		if !errors.Is(err, ErrMalformedSnapshot) {
			t.Fatalf("prefix %d: expected ErrMalformedSnapshot, got %v", n, err)
		}
		if st != nil {
			t.Fatalf("prefix %d: expected nil state on failure", n)
		}
	}

	encoded, err := Encode(populatedState(t), Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 0; n < len(encoded); n++ {
		if _, err := Decode(encoded[:n], testContent()); !errors.Is(err, ErrMalformedSnapshot) {
			t.Fatalf("compressed prefix %d: expected ErrMalformedSnapshot, got %v", n, err)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	body := append(raw(populatedState(t), Options{}), 0)
	if _, err := DecodeRaw(body, testContent()); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected ErrMalformedSnapshot, got %v", err)
	}
}

func TestDecodeRejectsUnknownObject(t *testing.T) {
	st := populatedState(t)
	for i := range st.Entities {
		if st.Entities[i].Kind == world.KindObject {
			st.Entities[i].GUID = 999
		}
	}
	_, err := DecodeRaw(raw(st, Options{}), testContent())
	if !errors.Is(err, ErrMalformedSnapshot) || !errors.Is(err, world.ErrUnknownContent) {
		t.Fatalf("expected malformed unknown content, got %v", err)
	}
}

func TestDecodeRejectsUnsortedIDs(t *testing.T) {
	st := populatedState(t)
	st.Entities[0], st.Entities[1] = st.Entities[1], st.Entities[0]
	if _, err := DecodeRaw(raw(st, Options{}), testContent()); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected ErrMalformedSnapshot, got %v", err)
	}
}

func TestDecodeRejectsImplausibleCount(t *testing.T) {
	st := world.New(world.Config{}, testContent())
	body := raw(st, Options{})
	// Entity count sits after tick, seed, rng, nextID, budget, flags, width, height.
	offset := 8 + 8 + 8 + 4 + 8 + 1 + 4 + 4
	body[offset+3] = 0x10
	if _, err := DecodeRaw(body, testContent()); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected ErrMalformedSnapshot, got %v", err)
	}
}

func TestDecodeRejectsHeaderProblems(t *testing.T) {
	encoded, err := Encode(populatedState(t), Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	badMagic := append([]byte(nil), encoded...)
	badMagic[0] = 'X'
	if _, err := Decode(badMagic, testContent()); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected bad magic to be malformed, got %v", err)
	}

	badVersion := append([]byte(nil), encoded...)
	badVersion[4] = 9
	if _, err := Decode(badVersion, testContent()); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected bad version to be malformed, got %v", err)
	}
}

func TestEncodeRejectsOverlongFieldList(t *testing.T) {
	st := populatedState(t)
	st.Spawn(world.Entity{Kind: world.KindAvatar, Owner: 2, Name: "Mort", Fields: make([]int16, 1<<16)})
	if _, err := Encode(st, Options{}); !errors.Is(err, wire.ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}
