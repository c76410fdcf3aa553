package netplay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"simsync/server/internal/command"
	"simsync/server/internal/journal"
	"simsync/server/internal/sim"
	"simsync/server/internal/snapshot"
	"simsync/server/internal/store"
	"simsync/server/internal/trace"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
	"simsync/server/logging"
	loggingeconomy "simsync/server/logging/economy"
	logginglifecycle "simsync/server/logging/lifecycle"
	loggingnetplay "simsync/server/logging/netplay"
)

const (
	serverSessionsMetricKey   = "netplay_sessions"
	serverSyncsMetricKey      = "netplay_syncs_sent_total"
	serverResyncsMetricKey    = "netplay_resyncs_total"
	serverTeardownsMetricKey  = "netplay_teardowns_total"
	serverBatchBytesMetricKey = "netplay_batch_bytes_total"
	serverReportsMetricKey    = "netplay_desync_reports_total"
)

// Reasons carried in Reject frames besides the engine's rejection reasons.
const (
	RejectVersionMismatch = "version_mismatch"
	RejectNotLive         = "not_live"
)

var (
	// ErrVersionMismatch reports a peer speaking another protocol version.
	ErrVersionMismatch = errors.New("netplay: protocol version mismatch")
	// ErrUnexpectedFrame reports a well-formed frame sent in the wrong
	// direction or state.
	ErrUnexpectedFrame = errors.New("netplay: unexpected frame")
)

// Reporter persists desync reports raised by followers.
type Reporter interface {
	SaveReport(ctx context.Context, report store.Report) error
}

// ServerConfig tunes the authoritative host.
type ServerConfig struct {
	// TraceReportInterval is the tick period of trace reports broadcast to
	// followers. Zero disables them; they also require engine tracing.
	TraceReportInterval uint64
	Snapshot            snapshot.Options
	Resync              journal.PolicyConfig
	KeyframeCapacity    int
	KeyframeMaxAge      time.Duration
}

// PeerInfo describes a connected follower for diagnostics.
type PeerInfo struct {
	Peer    uint32 `json:"peer"`
	Session string `json:"session"`
	Name    string `json:"name"`
	State   string `json:"state"`
}

type session struct {
	id      string
	peer    uint32
	name    string
	conn    Conn
	writeMu sync.Mutex
	policy  *journal.Policy

	// Guarded by Server.mu.
	state        PeerState
	needSync     bool
	streaming    bool
	resyncReason string
	resyncTick   uint64
	resyncWanted bool
	closed       bool
}

func (s *session) write(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

// Server is the authoritative peer. It admits remote commands, owns the tick
// loop and is the sole broadcaster of the canonical command order.
type Server struct {
	engine   *sim.Engine
	loop     *sim.Loop
	journal  *journal.Journal
	reporter Reporter
	cfg      ServerConfig
	deps     sim.Deps

	mu       sync.Mutex
	nextPeer uint32
	sessions map[uint32]*session
}

// NewServer wraps engine in a tick loop whose steps are broadcast to peers.
// reporter may be nil.
func NewServer(engine *sim.Engine, loopCfg sim.LoopConfig, cfg ServerConfig, reporter Reporter) *Server {
	s := &Server{
		engine:   engine,
		reporter: reporter,
		cfg:      cfg,
		deps:     engine.Deps(),
		nextPeer: 1,
		sessions: make(map[uint32]*session),
	}
	s.journal = journal.New(journal.Options{
		Capacity: cfg.KeyframeCapacity,
		MaxAge:   cfg.KeyframeMaxAge,
		Now:      s.deps.Clock.Now,
		Metrics:  s.deps.Metrics,
	})
	s.loop = sim.NewLoop(engine, loopCfg, sim.LoopHooks{
		AfterStep:     s.afterStep,
		OnCommandDrop: s.commandDropped,
	})
	return s
}

// Engine returns the host engine.
func (s *Server) Engine() *sim.Engine { return s.engine }

// Loop returns the host tick loop.
func (s *Server) Loop() *sim.Loop { return s.loop }

// Tick reports the last executed tick.
func (s *Server) Tick() uint64 { return s.engine.Tick() }

// KeyframeWindow reports the retained keyframes.
func (s *Server) KeyframeWindow() (int, uint64, uint64) { return s.journal.Window() }

// Run drives the tick loop until ctx is cancelled, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	s.Close()
	return err
}

// Step advances one tick outside of Run and distributes it.
func (s *Server) Step() sim.LoopStepResult {
	result := s.loop.Advance()
	s.afterStep(result)
	return result
}

// Close drops every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.drop(context.Background(), sess, "shutdown", nil)
	}
}

// Peers lists the connected followers ordered by peer id.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]PeerInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		peers = append(peers, PeerInfo{Peer: sess.peer, Session: sess.id, Name: sess.name, State: sess.state.String()})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Peer < peers[j].Peer })
	return peers
}

// Serve runs one follower session on conn until the connection ends. A
// malformed frame tears the session down and is returned as the error.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		s.rejectHandshake(ctx, conn, err)
		return err
	}
	hello, ok := frame.(Hello)
	if !ok {
		err := fmt.Errorf("%w: %s before hello", ErrUnexpectedFrame, frame.FrameType())
		s.rejectHandshake(ctx, conn, err)
		return err
	}
	if hello.Version != ProtocolVersion {
		if data, err := EncodeFrame(Reject{Reason: RejectVersionMismatch}); err == nil {
			conn.WriteMessage(data)
		}
		conn.Close()
		return fmt.Errorf("%w: got %d", ErrVersionMismatch, hello.Version)
	}

	sess := s.register(hello.Name, conn)
	if err := sess.write(Welcome{Version: ProtocolVersion, Peer: sess.peer, Session: sess.id}); err != nil {
		s.drop(ctx, sess, "write_failed", nil)
		return err
	}
	s.admit(ctx, sess)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.drop(ctx, sess, "connection_closed", nil)
			return nil
		}
		frame, err := DecodeFrame(data)
		if err == nil {
			err = s.handle(ctx, sess, frame)
		}
		if err != nil {
			s.drop(ctx, sess, "protocol_error", err)
			return err
		}
	}
}

func (s *Server) rejectHandshake(ctx context.Context, conn Conn, err error) {
	conn.Close()
	loggingnetplay.SessionTornDown(ctx, s.deps.Publisher, s.engine.Tick(), logging.EntityRef{Kind: logging.EntityKindPeer}, loggingnetplay.TeardownPayload{Reason: err.Error()}, nil)
	s.deps.Logger.Printf("[netplay] handshake failed: %v", err)
}

func (s *Server) register(name string, conn Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &session{
		id:     uuid.NewString(),
		peer:   s.nextPeer,
		name:   name,
		conn:   conn,
		policy: journal.NewPolicy(s.cfg.Resync),
		state:  Disconnected,
	}
	s.nextPeer++
	s.sessions[sess.peer] = sess
	s.setStateLocked(context.Background(), sess, Joining)
	s.storeSessionCountLocked()
	return sess
}

// admit schedules a targeted sync after the current tick and queues the
// peer's avatar. The sync may land before or after the join executes; either
// way the follower sees the join exactly once.
func (s *Server) admit(ctx context.Context, sess *session) {
	s.mu.Lock()
	if !sess.closed {
		sess.needSync = true
	}
	s.mu.Unlock()
	var join command.Command
	s.engine.View(func(st *world.State) {
		join = command.NewJoin(st, sess.peer, sess.name)
	})
	if ok, reason := s.loop.Enqueue(join); !ok {
		s.deps.Logger.Printf("[netplay] join for peer %d dropped: %s", sess.peer, reason)
	}
	logginglifecycle.PeerJoined(ctx, s.deps.Publisher, s.engine.Tick(), peerRef(sess.peer), logginglifecycle.PeerJoinedPayload{Name: sess.name, Session: sess.id}, nil)
}

func (s *Server) handle(ctx context.Context, sess *session, frame Frame) error {
	switch f := frame.(type) {
	case Submit:
		s.submit(ctx, sess, f.Command)
		return nil
	case Resync:
		s.requestResync(ctx, sess, f)
		return nil
	case Synced:
		s.mu.Lock()
		if sess.state == Syncing || sess.state == Resyncing {
			s.setStateLocked(ctx, sess, Live)
		}
		s.mu.Unlock()
		sess.policy.Synced(f.Tick)
		return nil
	default:
		return fmt.Errorf("%w: %s from follower", ErrUnexpectedFrame, frame.FrameType())
	}
}

// submit admits a follower command into the tick queue. Variants that may
// never originate remotely are refused before they reach the queue; the rest
// are verified against the state when their tick executes.
func (s *Server) submit(ctx context.Context, sess *session, cmd command.Command) {
	cmd.Actor = sess.peer
	cmd.FromRemote = true
	if !cmd.AcceptFromClient() {
		s.reject(ctx, sess, cmd, sim.RejectNotFromClient)
		return
	}
	s.mu.Lock()
	closed := sess.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if ok, reason := s.loop.Enqueue(cmd); !ok {
		s.reject(ctx, sess, cmd, reason)
	}
}

func (s *Server) reject(ctx context.Context, sess *session, cmd command.Command, reason string) {
	loggingnetplay.CommandRejected(ctx, s.deps.Publisher, s.engine.Tick(), peerRef(sess.peer), loggingnetplay.CommandRejectedPayload{Command: cmd.Name(), Reason: reason}, nil)
	if err := sess.write(Reject{Tag: uint8(cmd.Tag()), Reason: reason}); err != nil {
		go s.drop(context.Background(), sess, "write_failed", nil)
	}
}

func (s *Server) commandDropped(reason string, cmd command.Command) {
	if cmd.Actor == command.AuthoritativeActor {
		s.deps.Logger.Printf("[netplay] host command %s dropped: %s", cmd.Name(), reason)
	}
}

func (s *Server) requestResync(ctx context.Context, sess *session, f Resync) {
	s.mu.Lock()
	if sess.closed || sess.state == Joining {
		s.mu.Unlock()
		return
	}
	if sess.state != Resyncing {
		s.setStateLocked(ctx, sess, Resyncing)
	}
	sess.streaming = false
	sess.needSync = false
	sess.resyncWanted = true
	sess.resyncReason = f.Reason
	sess.resyncTick = f.Tick
	s.mu.Unlock()

	loggingnetplay.DesyncDetected(ctx, s.deps.Publisher, f.Tick, peerRef(sess.peer), loggingnetplay.DesyncPayload{
		Tick:   f.Tick,
		Index:  int(f.Index),
		Detail: f.Reason,
	}, nil)
	s.saveReport(ctx, sess, f)
}

func (s *Server) saveReport(ctx context.Context, sess *session, f Resync) {
	if s.reporter == nil {
		return
	}
	report := store.Report{
		ID:        uuid.NewString(),
		Peer:      sess.peer,
		Session:   sess.id,
		Tick:      f.Tick,
		Index:     int(f.Index),
		Reason:    f.Reason,
		CreatedAt: s.deps.Clock.Now(),
	}
	if local, ok := s.engine.Trace().Find(f.Tick); ok {
		report.LocalTrace = encodeTraceTick(local)
	}
	if f.Trace != nil {
		report.RemoteTrace = encodeTraceTick(*f.Trace)
	}
	if frame, ok := s.journal.Latest(); ok {
		report.Snapshot = frame.Snapshot
	}
	if err := s.reporter.SaveReport(ctx, report); err != nil {
		s.deps.Logger.Printf("[netplay] failed to save desync report for peer %d: %v", sess.peer, err)
		return
	}
	s.addMetric(serverReportsMetricKey, 1)
}

// afterStep runs on the loop goroutine between ticks, so every frame it
// writes is ordered after the tick it describes and before the next one.
func (s *Server) afterStep(result sim.LoopStepResult) {
	ctx := context.Background()
	if result.Err != nil && !errors.Is(result.Err, sim.ErrDesync) {
		s.deps.Logger.Printf("[netplay] tick %d failed: %v", result.Tick, result.Err)
		return
	}

	s.publishOutcomes(ctx, result.StepResult)

	batch, err := EncodeFrame(Batch{Tick: result.Tick, Commands: result.Accepted})
	if err != nil {
		s.deps.Logger.Printf("[netplay] failed to encode batch %d: %v", result.Tick, err)
		return
	}

	streaming, syncing, giveUp := s.collectTargets(ctx, result.Tick)
	for _, sess := range giveUp {
		s.drop(ctx, sess, "resync_budget_exhausted", nil)
	}
	for _, sess := range streaming {
		if err := sess.writeRaw(batch); err != nil {
			s.drop(ctx, sess, "write_failed", nil)
			continue
		}
		s.addMetric(serverBatchBytesMetricKey, uint64(len(batch)))
	}
	if len(syncing) > 0 {
		s.sendSyncs(ctx, syncing)
	}

	if s.cfg.TraceReportInterval > 0 && s.engine.Tracing() && result.Tick%s.cfg.TraceReportInterval == 0 {
		s.loop.Enqueue(command.NewTraceReport(result.Trace))
	}
}

func (s *Server) collectTargets(ctx context.Context, tick uint64) (streaming, syncing, giveUp []*session) {
	now := s.deps.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.streaming {
			streaming = append(streaming, sess)
		}
		if sess.resyncWanted {
			signal := sess.policy.Request(now, tick, sess.resyncReason)
			switch signal.Decision {
			case journal.ResyncAllow:
				sess.resyncWanted = false
				sess.needSync = true
				s.addMetric(serverResyncsMetricKey, 1)
				loggingnetplay.ResyncScheduled(ctx, s.deps.Publisher, tick, peerRef(sess.peer), loggingnetplay.ResyncPayload{
					Reason: sess.resyncReason,
					Count:  signal.Total,
				}, nil)
			case journal.ResyncGiveUp:
				sess.resyncWanted = false
				giveUp = append(giveUp, sess)
				s.deps.Logger.Printf("[netplay] peer %d exhausted resync budget: %s", sess.peer, signal.Summary())
			}
		}
		if sess.needSync {
			sess.needSync = false
			sess.streaming = true
			if sess.state == Joining {
				s.setStateLocked(ctx, sess, Syncing)
			}
			syncing = append(syncing, sess)
		}
	}
	sort.Slice(syncing, func(i, j int) bool { return syncing[i].peer < syncing[j].peer })
	return streaming, syncing, giveUp
}

func (s *Server) sendSyncs(ctx context.Context, targets []*session) {
	cmd, err := s.keyframe()
	if err != nil {
		s.deps.Logger.Printf("[netplay] failed to encode snapshot: %v", err)
		for _, sess := range targets {
			s.drop(ctx, sess, "snapshot_failed", err)
		}
		return
	}
	data, err := EncodeFrame(Sync{Command: cmd})
	if err != nil {
		s.deps.Logger.Printf("[netplay] failed to encode sync: %v", err)
		return
	}
	for _, sess := range targets {
		if err := sess.writeRaw(data); err != nil {
			s.drop(ctx, sess, "write_failed", nil)
			continue
		}
		s.addMetric(serverSyncsMetricKey, 1)
	}
}

// keyframe returns a runnable state sync of the current tick, reusing the
// journal's encoding when one exists.
func (s *Server) keyframe() (command.Command, error) {
	tick := s.engine.Tick()
	if frame, ok := s.journal.At(tick); ok {
		return command.Command{Body: command.StateSync{Snapshot: frame.Snapshot, Run: true}}, nil
	}
	data, tick, err := s.engine.Snapshot(s.cfg.Snapshot)
	if err != nil {
		return command.Command{}, err
	}
	s.journal.Record(tick, data)
	return command.Command{Body: command.StateSync{Snapshot: data, Run: true}}, nil
}

func (s *Server) publishOutcomes(ctx context.Context, result sim.StepResult) {
	for _, rejection := range result.Rejected {
		s.mu.Lock()
		sess := s.sessions[rejection.Command.Actor]
		s.mu.Unlock()
		if sess != nil {
			s.reject(ctx, sess, rejection.Command, rejection.Reason)
		}
	}

	failed := make(map[int]bool, len(result.Failed))
	for _, idx := range result.Failed {
		failed[idx] = true
	}
	for idx, cmd := range result.Accepted {
		purchase, ok := cmd.Body.(command.Purchase)
		if !ok {
			continue
		}
		if failed[idx] {
			loggingeconomy.PurchaseFailed(ctx, s.deps.Publisher, result.Tick, peerRef(cmd.Actor), loggingeconomy.PurchaseFailedPayload{
				GUID:   purchase.GUID,
				Reason: "execute_failed",
			}, nil)
			continue
		}
		loggingeconomy.ItemPurchased(ctx, s.deps.Publisher, result.Tick, peerRef(cmd.Actor), loggingeconomy.ItemPurchasedPayload{
			GUID:  purchase.GUID,
			Price: purchase.Price,
			X:     purchase.X,
			Y:     purchase.Y,
		}, nil)
	}
}

// drop closes the session, cancels its queued commands and removes its avatar.
// Safe to call more than once.
func (s *Server) drop(ctx context.Context, sess *session, reason string, cause error) {
	s.mu.Lock()
	if sess.closed {
		s.mu.Unlock()
		return
	}
	sess.closed = true
	sess.needSync = false
	sess.streaming = false
	s.setStateLocked(ctx, sess, Disconnected)
	delete(s.sessions, sess.peer)
	s.storeSessionCountLocked()
	s.mu.Unlock()

	sess.conn.Close()

	joinCancelled := false
	s.loop.Cancel(func(cmd command.Command) bool {
		if join, ok := cmd.Body.(command.Join); ok && join.Peer == sess.peer {
			joinCancelled = true
			return true
		}
		return cmd.Actor == sess.peer
	})
	if !joinCancelled {
		s.loop.Enqueue(command.Command{Body: command.Leave{Peer: sess.peer}})
	}

	tick := s.engine.Tick()
	if cause != nil {
		s.addMetric(serverTeardownsMetricKey, 1)
		loggingnetplay.SessionTornDown(ctx, s.deps.Publisher, tick, peerRef(sess.peer), loggingnetplay.TeardownPayload{Reason: cause.Error()}, nil)
		s.deps.Logger.Printf("[netplay] tore down peer %d: %v", sess.peer, cause)
	}
	logginglifecycle.PeerLeft(ctx, s.deps.Publisher, tick, peerRef(sess.peer), logginglifecycle.PeerLeftPayload{Reason: reason}, nil)
}

func (s *Server) setStateLocked(ctx context.Context, sess *session, to PeerState) {
	from := sess.state
	next, err := Transition(from, to)
	if err != nil {
		s.deps.Logger.Printf("[netplay] peer %d: %v", sess.peer, err)
		return
	}
	sess.state = next
	loggingnetplay.PeerStateChanged(ctx, s.deps.Publisher, s.engine.Tick(), peerRef(sess.peer), loggingnetplay.PeerStatePayload{
		From: from.String(),
		To:   next.String(),
	}, nil)
}

func (s *Server) storeSessionCountLocked() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Store(serverSessionsMetricKey, uint64(len(s.sessions)))
	}
}

func (s *Server) addMetric(key string, delta uint64) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(key, delta)
	}
}

func peerRef(peer uint32) logging.EntityRef {
	if peer == command.AuthoritativeActor {
		return logging.EntityRef{ID: "host", Kind: logging.EntityKindWorld}
	}
	return logging.EntityRef{ID: fmt.Sprintf("%d", peer), Kind: logging.EntityKindPeer}
}

func encodeTraceTick(tick trace.Tick) []byte {
	w := wire.NewWriter(16 + len(tick.Entries)*32)
	tick.SerializeInto(w)
	if w.Err() != nil {
		return nil
	}
	return w.Bytes()
}
