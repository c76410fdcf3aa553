package command

import (
	"simsync/server/internal/snapshot"
	"simsync/server/internal/trace"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

// StateSync replaces the receiver's whole state with an encoded snapshot. With
// Run unset it only carries the sender's trace for desync diagnostics.
type StateSync struct {
	Snapshot []byte
	Run      bool
	Trace    *trace.Tick
}

func (StateSync) Tag() Tag { return TagStateSync }

// NewStateSync encodes st into a runnable state sync issued by the host.
func NewStateSync(st *world.State, opts snapshot.Options) (Command, error) {
	data, err := snapshot.Encode(st, opts)
	if err != nil {
		return Command{}, err
	}
	return Command{Actor: AuthoritativeActor, Body: StateSync{Snapshot: data, Run: true}}, nil
}

// NewTraceReport wraps a trace tick in a non-running state sync.
func NewTraceReport(tick trace.Tick) Command {
	return Command{Actor: AuthoritativeActor, Body: StateSync{Trace: &tick}}
}

var stateSyncVariant = &variant{
	name:             "state_sync",
	acceptFromClient: false,
	critical:         true,
	decode: func(r *wire.Reader) (Body, error) {
		var body StateSync
		body.Snapshot = r.Blob()
		body.Run = r.Bool()
		if r.Bool() {
			tick, err := trace.DeserializeTick(r)
			if err != nil {
				return nil, err
			}
			body.Trace = &tick
		}
		return body, nil
	},
	encode: func(w *wire.Writer, b Body) {
		body := b.(StateSync)
		w.Blob(body.Snapshot)
		w.Bool(body.Run)
		w.Bool(body.Trace != nil)
		if body.Trace != nil {
			body.Trace.SerializeInto(w)
		}
	},
	verify: func(st *world.State, cmd Command, origin *world.Entity) bool {
		return !cmd.FromRemote
	},
	execute: func(st *world.State, cmd Command, env *Env) bool {
		body := cmd.Body.(StateSync)
		if body.Trace != nil && env.tracing() {
			if divergence, diverged := env.Trace.CompareFirstError(*body.Trace); diverged && env.OnDesync != nil {
				env.OnDesync(divergence)
			}
		}
		if !body.Run {
			return true
		}
		next, err := snapshot.Decode(body.Snapshot, st.Content)
		if err != nil {
			return false
		}
		st.Replace(next)
		if st.NeedsSurroundings() {
			st.RestoreSurroundings()
		}
		return true
	},
}
