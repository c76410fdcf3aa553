package iff

import (
	"errors"
	"fmt"
	"sort"

	"simsync/server/internal/wire"
)

// TypeNBRS is the chunk type holding the neighbourhood roster.
const TypeNBRS = "NBRS"

const (
	nbrsMagic          = "SRBN"
	neighbourVersion4  = 0x4
	neighbourVersionA  = 0xA
	personDataKept     = 88
	personDataSizeV4   = 0xa0
	personDataSizeRest = 0x200
)

// Relationship lists the values a neighbour holds about another neighbour.
type Relationship struct {
	Key    int32
	Values []int16
}

// Neighbour is one entry of the neighbourhood roster. Entries whose Present
// flag is false carry no further data.
type Neighbour struct {
	Present       bool
	Version       int32
	Unknown3      int32
	Name          string
	MysteryZero   int32
	PersonMode    int32
	PersonData    []int16
	ID            int16
	GUID          uint32
	UnknownNegOne int32
	Relationships []Relationship
}

// Relationship returns the values recorded for key.
func (n Neighbour) Relationship(key int32) ([]int16, bool) {
	for _, rel := range n.Relationships {
		if rel.Key == key {
			return rel.Values, true
		}
	}
	return nil, false
}

// Neighbourhood is the decoded roster, sorted by neighbour ID.
type Neighbourhood struct {
	Version       uint32
	Entries       []Neighbour
	byID          map[int16]int
	defaultByGUID map[uint32]int16
}

// ByID returns the present neighbour with the given ID.
func (n *Neighbourhood) ByID(id int16) (Neighbour, bool) {
	if n == nil {
		return Neighbour{}, false
	}
	idx, ok := n.byID[id]
	if !ok {
		return Neighbour{}, false
	}
	return n.Entries[idx], true
}

// DefaultByGUID returns the neighbour ID last registered for an object GUID.
func (n *Neighbourhood) DefaultByGUID(guid uint32) (int16, bool) {
	if n == nil {
		return 0, false
	}
	id, ok := n.defaultByGUID[guid]
	return id, ok
}

// ByName returns the first present neighbour with the given name in ID order.
func (n *Neighbourhood) ByName(name string) (Neighbour, bool) {
	if n == nil {
		return Neighbour{}, false
	}
	for _, entry := range n.Entries {
		if entry.Present && entry.Name == name {
			return entry, true
		}
	}
	return Neighbour{}, false
}

// ReadNeighbourhood locates the first NBRS chunk in the container and decodes it.
func ReadNeighbourhood(f *File) (*Neighbourhood, error) {
	chunks := f.Chunks(TypeNBRS)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: container has no %s chunk", ErrBadChunk, TypeNBRS)
	}
	return ParseNBRS(chunks[0].Data)
}

// ParseNBRS decodes a neighbourhood chunk payload. Decoding stops quietly when
// the payload ends between entries.
func ParseNBRS(data []byte) (*Neighbourhood, error) {
	r := wire.NewReader(data)
	r.U32()
	version := r.U32()
	magic := string(r.Raw(4))
	count := r.U32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: nbrs header: %v", ErrBadChunk, err)
	}
	if magic != nbrsMagic {
		return nil, fmt.Errorf("%w: nbrs magic %q", ErrBadChunk, magic)
	}

	hood := &Neighbourhood{
		Version:       version,
		byID:          make(map[int16]int),
		defaultByGUID: make(map[uint32]int16),
	}
	for i := uint32(0); i < count; i++ {
		if r.Remaining() == 0 {
			break
		}
		neigh, err := readNeighbour(r)
		if err != nil {
			return nil, fmt.Errorf("%w: neighbour %d: %v", ErrBadChunk, i, err)
		}
		hood.Entries = append(hood.Entries, neigh)
	}

	sort.SliceStable(hood.Entries, func(i, j int) bool { return hood.Entries[i].ID < hood.Entries[j].ID })
	for idx, entry := range hood.Entries {
		if !entry.Present {
			continue
		}
		if _, exists := hood.byID[entry.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate neighbour id %d", ErrBadChunk, entry.ID)
		}
		hood.byID[entry.ID] = idx
		hood.defaultByGUID[entry.GUID] = entry.ID
	}
	return hood, nil
}

func readNeighbour(r *wire.Reader) (Neighbour, error) {
	var n Neighbour
	if r.I32() != 1 {
		return n, r.Err()
	}
	n.Present = true
	n.Version = r.I32()
	if n.Version == neighbourVersionA {
		n.Unknown3 = r.I32()
	}
	n.Name = r.CString()
	if len(n.Name)%2 == 0 {
		r.Skip(1)
	}
	n.MysteryZero = r.I32()
	n.PersonMode = r.I32()
	if n.PersonMode > 0 {
		size := personDataSize(n.Version)
		n.PersonData = make([]int16, personDataKept)
		kept := min(size/2, personDataKept)
		for i := 0; i < kept; i++ {
			n.PersonData[i] = r.I16()
		}
		r.Skip(size - kept*2)
	}
	n.ID = r.I16()
	n.GUID = r.U32()
	n.UnknownNegOne = r.I32()

	entries := r.I32()
	if entries < 0 || int(entries) > r.Remaining()/12 {
		r.Fail(fmt.Errorf("%w: relationship count %d", wire.ErrMalformed, entries))
	}
	for i := int32(0); i < entries && r.Err() == nil; i++ {
		r.I32()
		key := r.I32()
		valueCount := r.I32()
		if valueCount < 0 || int(valueCount) > r.Remaining()/4 {
			r.Fail(fmt.Errorf("%w: relationship value count %d", wire.ErrMalformed, valueCount))
			break
		}
		values := make([]int16, valueCount)
		for j := range values {
			values[j] = int16(r.I32())
		}
		if _, dup := n.Relationship(key); dup {
			r.Fail(fmt.Errorf("%w: duplicate relationship key %d", wire.ErrMalformed, key))
			break
		}
		n.Relationships = append(n.Relationships, Relationship{Key: key, Values: values})
	}
	return n, r.Err()
}

func personDataSize(version int32) int {
	if version == neighbourVersion4 {
		return personDataSizeV4
	}
	return personDataSizeRest
}

// EncodeNBRS produces a chunk payload readable by ParseNBRS.
func EncodeNBRS(version uint32, entries []Neighbour) ([]byte, error) {
	w := wire.NewWriter(64 * (len(entries) + 1))
	w.U32(0)
	w.U32(version)
	w.Raw([]byte(nbrsMagic))
	w.U32(uint32(len(entries)))
	for _, n := range entries {
		if !n.Present {
			w.I32(0)
			continue
		}
		if len(n.PersonData) > personDataKept {
			return nil, errors.New("iff: person data exceeds retained entries")
		}
		w.I32(1)
		w.I32(n.Version)
		if n.Version == neighbourVersionA {
			w.I32(n.Unknown3)
		}
		w.Raw([]byte(n.Name))
		w.U8(0)
		if len(n.Name)%2 == 0 {
			w.U8(0)
		}
		w.I32(n.MysteryZero)
		w.I32(n.PersonMode)
		if n.PersonMode > 0 {
			size := personDataSize(n.Version)
			for i := 0; i < size/2; i++ {
				var v int16
				if i < len(n.PersonData) {
					v = n.PersonData[i]
				}
				w.I16(v)
			}
		}
		w.I16(n.ID)
		w.U32(n.GUID)
		w.I32(n.UnknownNegOne)
		w.I32(int32(len(n.Relationships)))
		for _, rel := range n.Relationships {
			w.I32(1)
			w.I32(rel.Key)
			w.I32(int32(len(rel.Values)))
			for _, v := range rel.Values {
				w.I32(int32(v))
			}
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
