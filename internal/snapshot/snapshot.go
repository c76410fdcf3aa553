// Package snapshot encodes and decodes complete world states.
//
// An encoded snapshot is the four byte magic "SNAP", a little-endian u16
// format version, the u32 length of the lz4 frame that follows, and the frame
// itself holding the state body. Decoding always targets a scratch state;
// callers swap it in with world.State.Replace only after the whole payload has
// been validated.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

const (
	magic      = "SNAP"
	headerSize = len(magic) + 2 + 4
	// Version is the body layout produced by Encode.
	Version uint16 = 1

	flagUseWorld uint8 = 1 << 0
	knownFlags         = flagUseWorld

	// Smallest possible encodings, used to reject implausible counts early.
	minEntitySize   = 4 + 1 + 4 + 4 + 2 + 4 + 4 + 8 + 2
	minSubWorldSize = 4 + 4 + 4 + 2 + 2
)

// ErrMalformedSnapshot wraps every decoding failure.
var ErrMalformedSnapshot = errors.New("snapshot: malformed")

// Options adjust what Encode writes.
type Options struct {
	// OmitSurroundings drops derived sub-worlds; receivers rebuild them.
	OmitSurroundings bool
}

// Encode serialises st into a compressed snapshot.
func Encode(st *world.State, opts Options) ([]byte, error) {
	if st == nil {
		return nil, errors.New("snapshot: nil state")
	}
	body := wire.NewWriter(256 + len(st.Entities)*48)
	AppendRaw(body, st, opts)
	if err := body.Err(); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var frame bytes.Buffer
	zw := lz4.NewWriter(&frame)
	if _, err := zw.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}

	out := wire.NewWriter(headerSize + frame.Len())
	out.Raw([]byte(magic))
	out.U16(Version)
	out.Blob(frame.Bytes())
	if err := out.Err(); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return out.Bytes(), nil
}

// AppendRaw writes the uncompressed body of st. Object names and categories
// are omitted since decoders restore them from the catalog.
func AppendRaw(w *wire.Writer, st *world.State, opts Options) {
	w.U64(st.Tick)
	w.U64(st.Seed)
	w.U64(st.RNG)
	w.U32(st.NextID)
	w.I64(st.Budget)
	var flags uint8
	if st.Flags.UseWorld {
		flags |= flagUseWorld
	}
	w.U8(flags)
	w.I32(st.Width)
	w.I32(st.Height)

	w.U32(uint32(len(st.Entities)))
	for _, entity := range st.Entities {
		w.U32(entity.ID)
		w.U8(uint8(entity.Kind))
		w.U32(entity.GUID)
		w.U32(entity.Owner)
		if entity.Kind == world.KindAvatar {
			w.String(entity.Name)
		} else {
			w.String("")
		}
		w.I32(entity.X)
		w.I32(entity.Y)
		w.I64(entity.Budget)
		w.Count16(len(entity.Fields))
		for _, field := range entity.Fields {
			w.I16(field)
		}
	}

	if opts.OmitSurroundings {
		w.U16(0)
		return
	}
	w.Count16(len(st.SubWorlds))
	for _, sub := range st.SubWorlds {
		w.U32(sub.ID)
		w.I32(sub.OriginX)
		w.I32(sub.OriginY)
		w.U16(sub.Width)
		w.U16(sub.Height)
		w.Raw(sub.Elevation)
	}
}

// Decode parses a snapshot into a new state bound to content. The caller's
// state is never touched; on error the returned state is nil.
func Decode(data []byte, content world.Content) (*world.State, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedSnapshot, len(data))
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedSnapshot)
	}
	r := wire.NewReader(data[len(magic):])
	if version := r.U16(); version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedSnapshot, version)
	}
	frame := r.Blob()
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: frame length: %v", ErrMalformedSnapshot, err)
	}

	body, err := io.ReadAll(lz4.NewReader(bytes.NewReader(frame)))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformedSnapshot, err)
	}
	st, err := DecodeRaw(body, content)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DecodeRaw parses an uncompressed body produced by AppendRaw.
func DecodeRaw(body []byte, content world.Content) (*world.State, error) {
	r := wire.NewReader(body)
	st := &world.State{Content: content}
	st.Tick = r.U64()
	st.Seed = r.U64()
	st.RNG = r.U64()
	st.NextID = r.U32()
	st.Budget = r.I64()
	flags := r.U8()
	if flags&^knownFlags != 0 {
		r.Fail(fmt.Errorf("unknown flags 0x%02x", flags))
	}
	st.Flags.UseWorld = flags&flagUseWorld != 0
	st.Width = r.I32()
	st.Height = r.I32()
	if r.Err() == nil && (st.Width <= 0 || st.Height <= 0) {
		r.Fail(fmt.Errorf("lot size %dx%d", st.Width, st.Height))
	}

	count := r.U32()
	if r.Err() == nil && uint64(count) > uint64(r.Remaining()/minEntitySize) {
		r.Fail(fmt.Errorf("entity count %d exceeds payload", count))
	}
	if r.Err() == nil && count > 0 {
		st.Entities = make([]world.Entity, 0, count)
	}
	var lastID uint32
	for i := uint32(0); i < count && r.Err() == nil; i++ {
		entity, err := decodeEntity(r, st)
		if err != nil {
			return nil, fmt.Errorf("%w: entity %d: %w", ErrMalformedSnapshot, i, err)
		}
		if r.Err() != nil {
			break
		}
		if entity.ID == 0 || entity.ID <= lastID || entity.ID >= st.NextID {
			r.Fail(fmt.Errorf("entity id %d out of order (previous %d, next %d)", entity.ID, lastID, st.NextID))
			break
		}
		lastID = entity.ID
		st.Entities = append(st.Entities, entity)
	}

	subs := r.U16()
	if r.Err() == nil && int(subs) > r.Remaining()/minSubWorldSize {
		r.Fail(fmt.Errorf("sub-world count %d exceeds payload", subs))
	}
	if r.Err() == nil && subs > 0 {
		st.SubWorlds = make([]world.SubWorld, 0, subs)
	}
	for i := uint16(0); i < subs && r.Err() == nil; i++ {
		sub := world.SubWorld{
			ID:      r.U32(),
			OriginX: r.I32(),
			OriginY: r.I32(),
			Width:   r.U16(),
			Height:  r.U16(),
		}
		sub.Elevation = r.Raw(int(sub.Width) * int(sub.Height))
		st.SubWorlds = append(st.SubWorlds, sub)
	}

	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return st, nil
}

func decodeEntity(r *wire.Reader, st *world.State) (world.Entity, error) {
	entity := world.Entity{
		ID:    r.U32(),
		Kind:  world.Kind(r.U8()),
		GUID:  r.U32(),
		Owner: r.U32(),
		Name:  r.String(),
		X:     r.I32(),
		Y:     r.I32(),
	}
	entity.Budget = r.I64()
	fields := r.U16()
	if r.Err() == nil && int(fields) > r.Remaining()/2 {
		r.Fail(fmt.Errorf("field count %d exceeds payload", fields))
	}
	if r.Err() != nil {
		return entity, nil
	}
	if fields > 0 {
		entity.Fields = make([]int16, fields)
		for i := range entity.Fields {
			entity.Fields[i] = r.I16()
		}
	}

	switch entity.Kind {
	case world.KindAvatar:
	case world.KindObject:
		if entity.Name != "" {
			r.Fail(fmt.Errorf("object %d carries a name", entity.ID))
			return entity, nil
		}
		if err := st.ResolveObject(&entity); err != nil {
			return entity, fmt.Errorf("object guid 0x%08x: %w", entity.GUID, err)
		}
	default:
		r.Fail(fmt.Errorf("unknown entity kind %d", entity.Kind))
	}
	return entity, nil
}
