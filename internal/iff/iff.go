// Package iff reads the chunked resource container used for neighbourhood
// content. Container headers are big-endian; chunk payloads are decoded by the
// chunk-specific readers in this package.
package iff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Header is the fixed signature that opens every container.
const Header = "IFF FILE 2.5:TYPE FOLLOWED BY SIZE\x00 JAMIE DOE 1995 MAXIS"

const (
	headerSize      = 60
	chunkHeaderSize = 76
	labelSize       = 64
)

var (
	// ErrBadContainer reports a container whose header or chunk framing is invalid.
	ErrBadContainer = errors.New("iff: malformed container")
	// ErrBadChunk reports a chunk payload that could not be decoded.
	ErrBadChunk = errors.New("iff: malformed chunk")
)

// Chunk is one typed resource inside a container.
type Chunk struct {
	Type  string
	ID    uint16
	Flags uint16
	Label string
	Data  []byte
}

// File is a decoded container.
type File struct {
	chunks []Chunk
}

// Read decodes a container from data. Chunk payloads are copied.
func Read(data []byte) (*File, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadContainer, len(data))
	}
	if !bytes.Equal(data[:len(Header)], []byte(Header)) {
		return nil, fmt.Errorf("%w: unrecognised signature", ErrBadContainer)
	}

	file := &File{}
	off := headerSize
	for off < len(data) {
		if len(data)-off < chunkHeaderSize {
			return nil, fmt.Errorf("%w: truncated chunk header at offset %d", ErrBadContainer, off)
		}
		typ := string(data[off : off+4])
		size := binary.BigEndian.Uint32(data[off+4 : off+8])
		id := binary.BigEndian.Uint16(data[off+8 : off+10])
		flags := binary.BigEndian.Uint16(data[off+10 : off+12])
		label := trimLabel(data[off+12 : off+12+labelSize])

		if size < chunkHeaderSize || uint64(size) > uint64(len(data)-off) {
			return nil, fmt.Errorf("%w: chunk %s#%d declares size %d at offset %d", ErrBadContainer, typ, id, size, off)
		}
		payload := make([]byte, int(size)-chunkHeaderSize)
		copy(payload, data[off+chunkHeaderSize:off+int(size)])

		file.chunks = append(file.chunks, Chunk{Type: typ, ID: id, Flags: flags, Label: label, Data: payload})
		off += int(size)
	}
	return file, nil
}

// Encode serialises chunks into a container. The resource map offset is left
// zero since readers in this package do not consult it.
func Encode(chunks []Chunk) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.Write(make([]byte, headerSize-len(Header)))

	for _, chunk := range chunks {
		if len(chunk.Type) != 4 {
			return nil, fmt.Errorf("%w: chunk type %q must be four characters", ErrBadContainer, chunk.Type)
		}
		if len(chunk.Label) >= labelSize {
			return nil, fmt.Errorf("%w: chunk label %q too long", ErrBadContainer, chunk.Label)
		}
		var head [chunkHeaderSize]byte
		copy(head[0:4], chunk.Type)
		binary.BigEndian.PutUint32(head[4:8], uint32(chunkHeaderSize+len(chunk.Data)))
		binary.BigEndian.PutUint16(head[8:10], chunk.ID)
		binary.BigEndian.PutUint16(head[10:12], chunk.Flags)
		copy(head[12:12+labelSize], chunk.Label)
		buf.Write(head[:])
		buf.Write(chunk.Data)
	}
	return buf.Bytes(), nil
}

// Chunks returns every chunk of the given type ordered by ID.
func (f *File) Chunks(typ string) []Chunk {
	if f == nil {
		return nil
	}
	var out []Chunk
	for _, chunk := range f.chunks {
		if chunk.Type == typ {
			out = append(out, chunk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chunk looks up a chunk by type and ID.
func (f *File) Chunk(typ string, id uint16) (Chunk, bool) {
	if f == nil {
		return Chunk{}, false
	}
	for _, chunk := range f.chunks {
		if chunk.Type == typ && chunk.ID == id {
			return chunk, true
		}
	}
	return Chunk{}, false
}

func trimLabel(raw []byte) string {
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}
