package trace

import (
	"errors"
	"testing"

	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

func recordTicks(tr *Trace, from, to uint64, digest func(tick uint64, idx uint16) byte) {
	for tick := from; tick <= to; tick++ {
		tr.Begin(tick)
		for idx := uint16(0); idx < 2; idx++ {
			entry := Entry{Index: idx, Tag: 4, Actor: 1, Result: true}
			entry.Digest[0] = digest(tick, idx)
			tr.Record(entry)
		}
		tr.End()
	}
}

func same(tick uint64, idx uint16) byte { return byte(tick) + byte(idx) }

func TestTraceWindowEvictsOldestTicks(t *testing.T) {
	tr := New(3)
	recordTicks(tr, 1, 5, same)
	ticks := tr.Ticks()
	if len(ticks) != 3 {
		t.Fatalf("expected 3 retained ticks, got %d", len(ticks))
	}
	if ticks[0].Tick != 3 || ticks[2].Tick != 5 {
		t.Fatalf("unexpected retained range %d..%d", ticks[0].Tick, ticks[2].Tick)
	}
	if _, ok := tr.Find(2); ok {
		t.Fatalf("expected tick 2 to be evicted")
	}
	latest, ok := tr.Latest()
	if !ok || latest.Tick != 5 || len(latest.Entries) != 2 {
		t.Fatalf("unexpected latest tick %+v", latest)
	}
}

func TestTraceRewindDropsSupersededTicks(t *testing.T) {
	tr := New(10)
	recordTicks(tr, 1, 5, same)
	tr.Begin(3)
	tr.End()
	ticks := tr.Ticks()
	if len(ticks) != 3 || ticks[2].Tick != 3 || len(ticks[2].Entries) != 0 {
		t.Fatalf("expected timeline rewound to tick 3, got %+v", ticks)
	}
}

func TestCompareReportsFirstDivergentCommand(t *testing.T) {
	local := New(16)
	remote := New(16)
	recordTicks(local, 1, 8, same)
	recordTicks(remote, 1, 8, func(tick uint64, idx uint16) byte {
		if tick >= 6 && idx == 1 {
			return 0xff
		}
		return same(tick, idx)
	})

	d, ok := Compare(local.Ticks(), remote.Ticks())
	if !ok {
		t.Fatalf("expected divergence")
	}
	if d.Tick != 6 || d.Index != 1 {
		t.Fatalf("expected divergence at tick 6 command 1, got %s", d)
	}
	if !d.HasLocal || !d.HasRemote || d.Remote.Digest[0] != 0xff {
		t.Fatalf("unexpected divergence entries %+v", d)
	}
}

func TestCompareIdenticalTracesAgree(t *testing.T) {
	local := New(16)
	remote := New(4)
	recordTicks(local, 1, 8, same)
	recordTicks(remote, 1, 8, same)
	if d, ok := Compare(local.Ticks(), remote.Ticks()); ok {
		t.Fatalf("expected agreement over the overlapping window, got %s", d)
	}
}

func TestCompareDetectsMissingTickAndEntry(t *testing.T) {
	local := []Tick{{Tick: 1}, {Tick: 2}, {Tick: 4}}
	remote := []Tick{{Tick: 1}, {Tick: 2}, {Tick: 3}, {Tick: 4}}
	d, ok := Compare(local, remote)
	if !ok || d.Tick != 3 || d.Index != -1 {
		t.Fatalf("expected misalignment at tick 3, got %+v (ok=%v)", d, ok)
	}

	local = []Tick{{Tick: 9, Entries: []Entry{{Index: 0}}}}
	remote = []Tick{{Tick: 9, Entries: []Entry{{Index: 0}, {Index: 1}}}}
	d, ok = Compare(local, remote)
	if !ok || d.Index != 1 || d.HasLocal || !d.HasRemote {
		t.Fatalf("expected missing local entry at index 1, got %+v (ok=%v)", d, ok)
	}
}

func TestCompareFirstErrorSkipsTicksOutsideWindow(t *testing.T) {
	tr := New(2)
	recordTicks(tr, 1, 4, same)
	if _, ok := tr.CompareFirstError(Tick{Tick: 1, Entries: []Entry{{Index: 9}}}); ok {
		t.Fatalf("expected evicted tick to be incomparable")
	}
	remote, _ := tr.Find(4)
	if _, ok := tr.CompareFirstError(remote); ok {
		t.Fatalf("expected matching tick to agree")
	}
	remote.Entries[0].Result = false
	d, ok := tr.CompareFirstError(remote)
	if !ok || d.Tick != 4 || d.Index != 0 {
		t.Fatalf("expected divergence at tick 4 command 0, got %+v (ok=%v)", d, ok)
	}
}

func TestTickSerializationRoundTrip(t *testing.T) {
	tr := New(4)
	recordTicks(tr, 7, 7, same)
	original, _ := tr.Find(7)

	w := wire.NewWriter(0)
	original.SerializeInto(w)
	r := wire.NewReader(w.Bytes())
	decoded, err := DeserializeTick(r)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("expected full consumption: %v", err)
	}
	if _, diverged := compareTick(original, decoded); diverged || decoded.Tick != 7 {
		t.Fatalf("decoded tick differs: %+v", decoded)
	}

	if _, err := DeserializeTick(wire.NewReader(w.Bytes()[:20])); err == nil {
		t.Fatalf("expected truncated tick to fail")
	}
}

func TestFingerprintTracksStateChanges(t *testing.T) {
	a := world.New(world.Config{Seed: 1}, world.Content{})
	b := world.New(world.Config{Seed: 1}, world.Content{})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("expected identical states to share a fingerprint")
	}
	b.Spawn(world.Entity{Kind: world.KindAvatar, Owner: 1, Name: "x"})
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("expected fingerprint to change after spawn")
	}
}

func TestTickSerializationFailsPastEntryLimit(t *testing.T) {
	w := wire.NewWriter(0)
	Tick{Tick: 1, Entries: make([]Entry, 1<<16)}.SerializeInto(w)
	if !errors.Is(w.Err(), wire.ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", w.Err())
	}
}
