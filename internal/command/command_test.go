package command

import (
	"bytes"
	"errors"
	"testing"

	"simsync/server/internal/catalog"
	"simsync/server/internal/snapshot"
	"simsync/server/internal/trace"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

func testState(t *testing.T) *world.State {
	t.Helper()
	content := world.Content{Catalog: catalog.MustNew([]catalog.Item{
		{GUID: 100, Category: 1, Price: 300, Name: "Chair"},
		{GUID: 200, Category: 2, Price: 50, Name: "Trophy", DisableLevel: catalog.DisableRare},
	})}
	st := world.New(world.Config{Seed: 5, Width: 16, Height: 16, Budget: 1000}, content)
	if !NewJoin(st, 1, "Bella").Execute(st, nil) {
		t.Fatalf("join peer 1 failed")
	}
	return st
}

func fingerprint(st *world.State) []byte {
	w := wire.NewWriter(0)
	snapshot.AppendRaw(w, st, snapshot.Options{})
	return w.Bytes()
}

func TestCommandsRoundTrip(t *testing.T) {
	st := testState(t)
	sync, err := NewStateSync(st, snapshot.Options{})
	if err != nil {
		t.Fatalf("state sync: %v", err)
	}
	commands := []Command{
		sync,
		NewTraceReport(trace.Tick{Tick: 9, Entries: []trace.Entry{{Index: 0, Tag: 4, Actor: 1, Result: true, Draws: 2}}}),
		{Actor: AuthoritativeActor, Body: Join{Peer: 3, Name: "Mort", Fields: []int16{1, 2}}},
		{Actor: AuthoritativeActor, Body: Leave{Peer: 3}},
		{Actor: 1, Body: Move{X: -1, Y: 7}},
		{Actor: 1, Body: Interact{Object: 42, Slot: 3}},
		{Actor: 1, Body: Purchase{GUID: 100, Price: 300, X: 1, Y: 2}},
	}
	for _, cmd := range commands {
		data, err := Marshal(cmd)
		if err != nil {
			t.Fatalf("marshal %s: %v", cmd.Name(), err)
		}
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", cmd.Name(), err)
		}
		again, err := Marshal(decoded)
		if err != nil {
			t.Fatalf("re-marshal %s: %v", cmd.Name(), err)
		}
		if !bytes.Equal(data, again) {
			t.Fatalf("%s: re-encoding differs", cmd.Name())
		}
		if decoded.Tag() != cmd.Tag() || decoded.Actor != cmd.Actor || decoded.FromRemote {
			t.Fatalf("%s: unexpected header %+v", cmd.Name(), decoded)
		}
		if body, ok := cmd.Body.(StateSync); ok && decoded.Body.(StateSync).Run != body.Run {
			t.Fatalf("%s: run flag lost in transit", cmd.Name())
		}
	}
}

func TestUnmarshalRejectsTruncationAndUnknownTags(t *testing.T) {
	data, err := Marshal(Command{Actor: 1, Body: Purchase{GUID: 100, Price: 300, X: 1, Y: 2}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for n := 0; n < len(data); n++ {
		if _, err := Unmarshal(data[:n]); !errors.Is(err, ErrMalformedCommand) {
			t.Fatalf("prefix %d: expected ErrMalformedCommand, got %v", n, err)
		}
	}
	if _, err := Unmarshal(append(data, 0)); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("expected trailing byte to be rejected, got %v", err)
	}
	if _, err := Unmarshal([]byte{0xEE, 0, 0, 0, 0}); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if Known(0xEE) || !Known(TagPurchase) {
		t.Fatalf("unexpected Known results")
	}
}

func TestTrustClassification(t *testing.T) {
	st := testState(t)
	sync, err := NewStateSync(st, snapshot.Options{})
	if err != nil {
		t.Fatalf("state sync: %v", err)
	}
	clientOnly := []Command{
		{Body: Move{}},
		{Body: Interact{}},
		{Body: Purchase{}},
	}
	for _, cmd := range clientOnly {
		if !cmd.AcceptFromClient() {
			t.Fatalf("expected %s to be accepted from clients", cmd.Name())
		}
	}
	hostOnly := []Command{sync, NewTraceReport(trace.Tick{}), {Body: Join{Peer: 2}}, {Body: Leave{Peer: 2}}}
	for _, cmd := range hostOnly {
		if cmd.AcceptFromClient() {
			t.Fatalf("expected %s to be refused from clients", cmd.Name())
		}
		cmd.FromRemote = true
		if cmd.Verify(st, nil) {
			t.Fatalf("expected remote %s to fail verification", cmd.Name())
		}
		cmd.FromRemote = false
		if !cmd.Verify(st, nil) {
			t.Fatalf("expected local %s to pass verification", cmd.Name())
		}
	}
	if !sync.Critical() || (Command{Body: Move{}}).Critical() {
		t.Fatalf("expected only state sync to be critical")
	}
}

func TestJoinAndLeave(t *testing.T) {
	st := testState(t)
	if NewJoin(st, 1, "Again").Execute(st, nil) {
		t.Fatalf("expected duplicate join to fail")
	}
	if !NewJoin(st, 2, "Mort").Execute(st, nil) {
		t.Fatalf("expected join of peer 2")
	}
	avatar, ok := st.AvatarByOwner(2)
	if !ok || avatar.Budget != 1000 || len(avatar.Fields) != world.AvatarFieldCount {
		t.Fatalf("unexpected avatar %+v", avatar)
	}
	if !st.InBounds(avatar.X, avatar.Y) {
		t.Fatalf("expected avatar spawned on the lot, got %d,%d", avatar.X, avatar.Y)
	}
	leave := Command{Body: Leave{Peer: 2}}
	if !leave.Execute(st, nil) {
		t.Fatalf("expected leave to remove peer 2")
	}
	if leave.Execute(st, nil) {
		t.Fatalf("expected second leave to report no effect")
	}
}

func TestMoveVerifyAndExecute(t *testing.T) {
	st := testState(t)
	origin, _ := st.AvatarByOwner(1)
	inside := Command{Actor: 1, FromRemote: true, Body: Move{X: 15, Y: 0}}
	outside := Command{Actor: 1, FromRemote: true, Body: Move{X: 16, Y: 0}}
	if !inside.Verify(st, origin) {
		t.Fatalf("expected in-bounds move to verify")
	}
	if outside.Verify(st, origin) {
		t.Fatalf("expected out-of-bounds move to fail")
	}
	if inside.Verify(st, nil) {
		t.Fatalf("expected move without an avatar to fail")
	}
	if !inside.Execute(st, nil) {
		t.Fatalf("expected move to execute")
	}
	avatar, _ := st.AvatarByOwner(1)
	if avatar.X != 15 || avatar.Y != 0 {
		t.Fatalf("unexpected position %d,%d", avatar.X, avatar.Y)
	}
}

func TestPurchaseAdmissionBoundary(t *testing.T) {
	st := testState(t)
	buyer, _ := st.AvatarByOwner(1)
	buyer.Budget = 300

	exact := Command{Actor: 1, FromRemote: true, Body: Purchase{GUID: 100, Price: 300, X: 3, Y: 3}}
	if !exact.Verify(st, buyer) {
		t.Fatalf("expected purchase with exactly enough budget to verify")
	}
	buyer.Budget = 299
	if exact.Verify(st, buyer) {
		t.Fatalf("expected purchase one short of budget to fail")
	}
	buyer.Budget = 1000

	rejects := []Purchase{
		{GUID: 100, Price: 1, X: 3, Y: 3},
		{GUID: 999, Price: 300, X: 3, Y: 3},
		{GUID: 200, Price: 50, X: 3, Y: 3},
		{GUID: 100, Price: 300, X: -1, Y: 3},
	}
	for _, body := range rejects {
		cmd := Command{Actor: 1, FromRemote: true, Body: body}
		if cmd.Verify(st, buyer) {
			t.Fatalf("expected purchase %+v to fail verification", body)
		}
	}

	before := len(st.Entities)
	if !exact.Execute(st, nil) {
		t.Fatalf("expected purchase to execute")
	}
	if len(st.Entities) != before+1 {
		t.Fatalf("expected a new object")
	}
	object := st.Entities[len(st.Entities)-1]
	if object.Name != "Chair" || object.Category != 1 || object.Owner != 1 {
		t.Fatalf("unexpected purchased object %+v", object)
	}
	buyer, _ = st.AvatarByOwner(1)
	if buyer.Budget != 700 {
		t.Fatalf("expected budget 700, got %d", buyer.Budget)
	}
}

func TestInteractDrawsFromSharedRNG(t *testing.T) {
	a := testState(t)
	(Command{Actor: 1, Body: Purchase{GUID: 100, Price: 300, X: 1, Y: 1}}).Execute(a, nil)
	b := a.Clone()
	object := a.Entities[len(a.Entities)-1].ID

	interact := Command{Actor: 1, FromRemote: true, Body: Interact{Object: object, Slot: 2}}
	origin, _ := a.AvatarByOwner(1)
	if !interact.Verify(a, origin) {
		t.Fatalf("expected interaction to verify")
	}
	if (Command{Actor: 1, Body: Interact{Object: object, Slot: world.ObjectFieldCount}}).Verify(a, origin) {
		t.Fatalf("expected out-of-range slot to fail")
	}
	if (Command{Actor: 1, Body: Interact{Object: origin.ID, Slot: 0}}).Verify(a, origin) {
		t.Fatalf("expected interacting with an avatar to fail")
	}

	a.ResetDraws()
	if !interact.Execute(a, nil) || !interact.Execute(b, nil) {
		t.Fatalf("expected interaction to execute")
	}
	if a.Draws != 1 {
		t.Fatalf("expected one draw, got %d", a.Draws)
	}
	if !bytes.Equal(fingerprint(a), fingerprint(b)) {
		t.Fatalf("expected identical results from identical states")
	}
}

func TestStateSyncReplacesState(t *testing.T) {
	source := testState(t)
	source.Tick = 30
	(Command{Actor: 1, Body: Move{X: 4, Y: 4}}).Execute(source, nil)
	sync, err := NewStateSync(source, snapshot.Options{})
	if err != nil {
		t.Fatalf("state sync: %v", err)
	}

	target := world.New(world.Config{Seed: 99}, source.Content)
	if !sync.Execute(target, nil) {
		t.Fatalf("expected state sync to execute")
	}
	if !bytes.Equal(fingerprint(source), fingerprint(target)) {
		t.Fatalf("expected target to match source after sync")
	}
}

func TestStateSyncRestoresOmittedSurroundings(t *testing.T) {
	source := world.New(world.Config{Seed: 4, Width: 6, Height: 6, UseWorld: true}, world.Content{})
	source.RestoreSurroundings()
	sync, err := NewStateSync(source, snapshot.Options{OmitSurroundings: true})
	if err != nil {
		t.Fatalf("state sync: %v", err)
	}
	target := world.New(world.Config{}, world.Content{})
	if !sync.Execute(target, nil) {
		t.Fatalf("expected state sync to execute")
	}
	if target.NeedsSurroundings() || len(target.SubWorlds) != 8 {
		t.Fatalf("expected surroundings rebuilt after load")
	}
	if !bytes.Equal(fingerprint(source), fingerprint(target)) {
		t.Fatalf("expected rebuilt surroundings to match source")
	}
}

func TestStateSyncMalformedSnapshotLeavesStateUntouched(t *testing.T) {
	st := testState(t)
	before := fingerprint(st)
	sync, err := NewStateSync(st, snapshot.Options{})
	if err != nil {
		t.Fatalf("state sync: %v", err)
	}
	body := sync.Body.(StateSync)
	body.Snapshot = body.Snapshot[:len(body.Snapshot)/2]
	sync.Body = body

	target := st.Clone()
	target.Tick = 77
	want := fingerprint(target)
	if sync.Execute(target, nil) {
		t.Fatalf("expected truncated snapshot to fail")
	}
	if !sync.Critical() {
		t.Fatalf("expected state sync failure to be critical")
	}
	if !bytes.Equal(fingerprint(target), want) {
		t.Fatalf("expected failed load to leave state untouched")
	}
	if !bytes.Equal(fingerprint(st), before) {
		t.Fatalf("source state mutated")
	}
}

func TestTraceReportIsNoOpAndReportsDivergence(t *testing.T) {
	st := testState(t)
	before := fingerprint(st)

	local := trace.New(8)
	local.Begin(5)
	local.Record(trace.Entry{Index: 0, Tag: uint8(TagMove), Actor: 1, Result: true})
	local.End()

	remoteTick, _ := local.Find(5)
	remoteTick.Entries[0].Result = false

	var reported []trace.Divergence
	env := &Env{Trace: local, Tracing: true, OnDesync: func(d trace.Divergence) { reported = append(reported, d) }}

	report := NewTraceReport(remoteTick)
	if !report.Execute(st, env) {
		t.Fatalf("expected trace report to succeed")
	}
	if !bytes.Equal(fingerprint(st), before) {
		t.Fatalf("expected trace report to leave state untouched")
	}
	if len(reported) != 1 || reported[0].Tick != 5 || reported[0].Index != 0 {
		t.Fatalf("expected divergence at tick 5 command 0, got %+v", reported)
	}

	env.Tracing = false
	if !report.Execute(st, env) || len(reported) != 1 {
		t.Fatalf("expected no comparison with tracing disabled")
	}

	matching, _ := local.Find(5)
	env.Tracing = true
	if !NewTraceReport(matching).Execute(st, env) || len(reported) != 1 {
		t.Fatalf("expected matching trace to report nothing")
	}
}

func TestPointerBodiesAreNotDispatched(t *testing.T) {
	st := testState(t)
	bodies := []Body{&Move{X: 1, Y: 2}, &Purchase{GUID: 100, Price: 300}, &StateSync{}, &Join{Peer: 2}}
	for _, body := range bodies {
		cmd := Command{Actor: 1, Body: body}
		if cmd.Tag() != 0 {
			t.Fatalf("expected %T to report tag 0, got %d", body, cmd.Tag())
		}
		if cmd.Name() != "unknown(0)" || cmd.AcceptFromClient() || cmd.Critical() {
			t.Fatalf("expected %T to classify as unknown", body)
		}
		if cmd.Verify(st, nil) || cmd.Execute(st, &Env{}) {
			t.Fatalf("expected %T to be refused", body)
		}
		if _, err := Marshal(cmd); !errors.Is(err, ErrUnknownVariant) {
			t.Fatalf("expected ErrUnknownVariant for %T, got %v", body, err)
		}
	}
}

func TestMarshalRejectsOverlongFields(t *testing.T) {
	long := string(make([]byte, 1<<16))
	if _, err := Marshal(Command{Body: Join{Peer: 2, Name: long}}); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("expected overlong name to fail, got %v", err)
	}
	if _, err := Marshal(Command{Body: Join{Peer: 2, Fields: make([]int16, 256)}}); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("expected 256 join fields to fail, got %v", err)
	}
	if _, err := Marshal(Command{Body: Join{Peer: 2, Name: "ok", Fields: make([]int16, 255)}}); err != nil {
		t.Fatalf("expected 255 join fields to encode: %v", err)
	}
}
