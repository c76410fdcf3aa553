// Package netplay implements the lockstep synchronisation protocol between the
// authoritative host and its followers.
package netplay

import (
	"errors"
	"fmt"

	"simsync/server/internal/command"
	"simsync/server/internal/trace"
	"simsync/server/internal/wire"
)

// ProtocolVersion is exchanged in Hello/Welcome.
const ProtocolVersion uint16 = 1

const (
	maxNameLength   = 64
	maxReasonLength = 256
	minCommandSize  = 5
)

// ErrMalformedFrame reports a frame that failed to decode. Receiving one
// tears down the session.
var ErrMalformedFrame = errors.New("netplay: malformed frame")

// FrameType discriminates frames on the wire.
type FrameType uint8

const (
	FrameHello   FrameType = 1
	FrameWelcome FrameType = 2
	FrameBatch   FrameType = 3
	FrameSync    FrameType = 4
	FrameSubmit  FrameType = 5
	FrameResync  FrameType = 6
	FrameSynced  FrameType = 7
	FrameReject  FrameType = 8
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameWelcome:
		return "welcome"
	case FrameBatch:
		return "batch"
	case FrameSync:
		return "sync"
	case FrameSubmit:
		return "submit"
	case FrameResync:
		return "resync"
	case FrameSynced:
		return "synced"
	case FrameReject:
		return "reject"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Frame is one protocol message.
type Frame interface {
	FrameType() FrameType
}

// Hello opens a session from a follower.
type Hello struct {
	Version uint16
	Name    string
}

// Welcome assigns the follower its peer slot.
type Welcome struct {
	Version uint16
	Peer    uint32
	Session string
}

// Batch carries the canonical command list of one tick.
type Batch struct {
	Tick     uint64
	Commands []command.Command
}

// Sync carries a runnable state sync targeted at a single follower.
type Sync struct {
	Command command.Command
}

// Submit carries a command a follower wants the host to admit.
type Submit struct {
	Command command.Command
}

// Resync asks the host for a fresh state sync. Tick and Index locate the
// divergence when known; Trace is the follower's record of that tick.
type Resync struct {
	Reason string
	Tick   uint64
	Index  int32
	Trace  *trace.Tick
}

// Synced confirms that a state sync was applied.
type Synced struct {
	Tick uint64
}

// Reject tells a follower why its submission or handshake was refused.
type Reject struct {
	Tag    uint8
	Reason string
}

func (Hello) FrameType() FrameType   { return FrameHello }
func (Welcome) FrameType() FrameType { return FrameWelcome }
func (Batch) FrameType() FrameType   { return FrameBatch }
func (Sync) FrameType() FrameType    { return FrameSync }
func (Submit) FrameType() FrameType  { return FrameSubmit }
func (Resync) FrameType() FrameType  { return FrameResync }
func (Synced) FrameType() FrameType  { return FrameSynced }
func (Reject) FrameType() FrameType  { return FrameReject }

// EncodeFrame writes [type u8][payload].
func EncodeFrame(f Frame) ([]byte, error) {
	w := wire.NewWriter(64)
	w.U8(uint8(f.FrameType()))
	switch frame := f.(type) {
	case Hello:
		w.U16(frame.Version)
		w.String(frame.Name)
	case Welcome:
		w.U16(frame.Version)
		w.U32(frame.Peer)
		w.String(frame.Session)
	case Batch:
		w.U64(frame.Tick)
		w.Count16(len(frame.Commands))
		for _, cmd := range frame.Commands {
			if err := cmd.SerializeInto(w); err != nil {
				return nil, err
			}
		}
	case Sync:
		if frame.Command.Tag() != command.TagStateSync {
			return nil, fmt.Errorf("netplay: sync frame requires a state sync, got %s", frame.Command.Name())
		}
		if err := frame.Command.SerializeInto(w); err != nil {
			return nil, err
		}
	case Submit:
		if err := frame.Command.SerializeInto(w); err != nil {
			return nil, err
		}
	case Resync:
		w.String(frame.Reason)
		w.U64(frame.Tick)
		w.I32(frame.Index)
		w.Bool(frame.Trace != nil)
		if frame.Trace != nil {
			frame.Trace.SerializeInto(w)
		}
	case Synced:
		w.U64(frame.Tick)
	case Reject:
		w.U8(frame.Tag)
		w.String(frame.Reason)
	default:
		return nil, fmt.Errorf("netplay: unknown frame %T", f)
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("netplay: encode %s: %w", f.FrameType(), err)
	}
	return w.Bytes(), nil
}

// DecodeFrame parses a frame and rejects trailing bytes.
func DecodeFrame(data []byte) (Frame, error) {
	r := wire.NewReader(data)
	typ := FrameType(r.U8())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame, err := decodePayload(typ, r)
	if err == nil {
		err = r.Err()
	}
	if err == nil {
		err = r.Done()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, typ, err)
	}
	return frame, nil
}

func decodePayload(typ FrameType, r *wire.Reader) (Frame, error) {
	switch typ {
	case FrameHello:
		frame := Hello{Version: r.U16(), Name: r.String()}
		if len(frame.Name) > maxNameLength {
			return nil, fmt.Errorf("name length %d exceeds %d", len(frame.Name), maxNameLength)
		}
		return frame, nil
	case FrameWelcome:
		return Welcome{Version: r.U16(), Peer: r.U32(), Session: r.String()}, nil
	case FrameBatch:
		frame := Batch{Tick: r.U64()}
		count := int(r.U16())
		if err := r.Err(); err != nil {
			return nil, err
		}
		if count*minCommandSize > r.Remaining() {
			return nil, fmt.Errorf("batch declares %d commands in %d bytes", count, r.Remaining())
		}
		frame.Commands = make([]command.Command, 0, count)
		for i := 0; i < count; i++ {
			cmd, err := command.Deserialize(r)
			if err != nil {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
			frame.Commands = append(frame.Commands, cmd)
		}
		return frame, nil
	case FrameSync:
		cmd, err := command.Deserialize(r)
		if err != nil {
			return nil, err
		}
		if cmd.Tag() != command.TagStateSync {
			return nil, fmt.Errorf("sync frame carries %s", cmd.Name())
		}
		return Sync{Command: cmd}, nil
	case FrameSubmit:
		cmd, err := command.Deserialize(r)
		if err != nil {
			return nil, err
		}
		return Submit{Command: cmd}, nil
	case FrameResync:
		frame := Resync{Reason: r.String(), Tick: r.U64(), Index: r.I32()}
		if len(frame.Reason) > maxReasonLength {
			return nil, fmt.Errorf("reason length %d exceeds %d", len(frame.Reason), maxReasonLength)
		}
		if r.Bool() {
			tick, err := trace.DeserializeTick(r)
			if err != nil {
				return nil, err
			}
			frame.Trace = &tick
		}
		return frame, nil
	case FrameSynced:
		return Synced{Tick: r.U64()}, nil
	case FrameReject:
		return Reject{Tag: r.U8(), Reason: r.String()}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %d", uint8(typ))
	}
}
