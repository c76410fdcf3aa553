package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"simsync/server/internal/catalog"
	"simsync/server/internal/netplay"
	"simsync/server/internal/sim"
	"simsync/server/internal/world"
)

func testContent() world.Content {
	return world.Content{Catalog: catalog.MustNew([]catalog.Item{{GUID: 1, Price: 10, Name: "Stool"}})}
}

func newTestHost(t *testing.T) (*netplay.Server, string) {
	t.Helper()
	engine := sim.NewEngine(world.New(world.Config{Seed: 3, Width: 8, Height: 8}, testContent()), sim.EngineConfig{}, sim.Deps{})
	host := netplay.NewServer(engine, sim.LoopConfig{CommandCapacity: 16}, netplay.ServerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewHandler(host, HandlerConfig{Context: ctx}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return host, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestFollowerJoinsOverWebsocket(t *testing.T) {
	host, url := newTestHost(t)

	follower := netplay.NewFollower(testContent(), netplay.FollowerConfig{Name: "Bella"}, Dialer(url), netplay.FollowerHooks{}, sim.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- follower.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "join to be queued", func() bool { return host.Loop().Pending() == 1 })
	host.Step()
	waitFor(t, "follower to go live", func() bool { return follower.State() == netplay.Live })

	host.Step()
	waitFor(t, "follower to apply the next batch", func() bool {
		return follower.Engine().Tick() == host.Engine().Tick()
	})
	peer, _ := follower.Peer()
	if _, ok := follower.Engine().Latest().AvatarByOwner(peer); !ok {
		t.Fatalf("expected the follower to see its own avatar")
	}
}

func TestMalformedMessageClosesSocket(t *testing.T) {
	host, url := newTestHost(t)

	conn, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello, err := netplay.EncodeFrame(netplay.Hello{Version: netplay.ProtocolVersion, Name: "Bella"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := conn.WriteMessage(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if frame, err := netplay.DecodeFrame(data); err != nil || frame.FrameType() != netplay.FrameWelcome {
		t.Fatalf("expected welcome, got %v (%v)", frame, err)
	}

	if err := conn.ws.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the host to close the socket")
	}
	waitFor(t, "session teardown", func() bool { return len(host.Peers()) == 0 })
}
