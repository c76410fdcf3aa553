// Package trace records per-command state fingerprints so two peers can find
// the first tick and command at which their simulations diverged.
package trace

import (
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"simsync/server/internal/snapshot"
	"simsync/server/internal/wire"
	"simsync/server/internal/world"
)

// DefaultWindow is the number of ticks retained when no window is configured.
const DefaultWindow = 64

// DigestSize is the number of fingerprint bytes kept per entry.
const DigestSize = 16

// Digest is a truncated state fingerprint.
type Digest [DigestSize]byte

// Fingerprint hashes the serialised state. Derived surroundings are excluded.
func Fingerprint(st *world.State) Digest {
	w := wire.NewWriter(256 + len(st.Entities)*48)
	snapshot.AppendRaw(w, st, snapshot.Options{OmitSurroundings: true})
	sum := blake3.Sum256(w.Bytes())
	var digest Digest
	copy(digest[:], sum[:DigestSize])
	return digest
}

// Entry describes the outcome of one executed command.
type Entry struct {
	Index  uint16
	Tag    uint8
	Actor  uint32
	Result bool
	Draws  uint32
	Digest Digest
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d tag=%d actor=%d result=%t draws=%d digest=%x", e.Index, e.Tag, e.Actor, e.Result, e.Draws, e.Digest[:4])
}

// Tick groups the entries recorded while executing one tick.
type Tick struct {
	Tick    uint64
	Entries []Entry
}

// SerializeInto appends the tick's wire encoding. A tick with more than 65535
// entries fails w.
func (t Tick) SerializeInto(w *wire.Writer) {
	w.U64(t.Tick)
	w.Count16(len(t.Entries))
	for _, entry := range t.Entries {
		w.U16(entry.Index)
		w.U8(entry.Tag)
		w.U32(entry.Actor)
		w.Bool(entry.Result)
		w.U32(entry.Draws)
		w.Raw(entry.Digest[:])
	}
}

const entrySize = 2 + 1 + 4 + 1 + 4 + DigestSize

// DeserializeTick reads a tick written by SerializeInto.
func DeserializeTick(r *wire.Reader) (Tick, error) {
	var t Tick
	t.Tick = r.U64()
	count := r.U16()
	if r.Err() == nil && int(count) > r.Remaining()/entrySize {
		r.Fail(fmt.Errorf("%w: trace entry count %d exceeds payload", wire.ErrMalformed, count))
	}
	if r.Err() != nil {
		return Tick{}, r.Err()
	}
	if count > 0 {
		t.Entries = make([]Entry, count)
	}
	for i := range t.Entries {
		entry := &t.Entries[i]
		entry.Index = r.U16()
		entry.Tag = r.U8()
		entry.Actor = r.U32()
		entry.Result = r.Bool()
		entry.Draws = r.U32()
		copy(entry.Digest[:], r.Raw(DigestSize))
	}
	if err := r.Err(); err != nil {
		return Tick{}, err
	}
	return t, nil
}

func (t Tick) clone() Tick {
	out := Tick{Tick: t.Tick}
	if t.Entries != nil {
		out.Entries = append([]Entry(nil), t.Entries...)
	}
	return out
}

// Trace is a windowed history of recorded ticks. Recording happens on the
// tick loop; readers may inspect it concurrently.
type Trace struct {
	mu      sync.RWMutex
	window  int
	ticks   []Tick
	current *Tick
}

// New returns a trace retaining at most window ticks.
func New(window int) *Trace {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Trace{window: window}
}

// Window reports the configured retention.
func (t *Trace) Window() int {
	if t == nil {
		return 0
	}
	return t.window
}

// Begin opens a tick. An unfinished tick is committed first.
func (t *Trace) Begin(tick uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked()
	t.current = &Tick{Tick: tick}
}

// Record appends an entry to the open tick.
func (t *Trace) Record(entry Entry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.Entries = append(t.current.Entries, entry)
}

// End commits the open tick.
func (t *Trace) End() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked()
}

func (t *Trace) commitLocked() {
	if t.current == nil {
		return
	}
	if n := len(t.ticks); n > 0 && t.ticks[n-1].Tick >= t.current.Tick {
		// A reloaded state rewinds the timeline; drop the superseded ticks.
		keep := 0
		for keep < n && t.ticks[keep].Tick < t.current.Tick {
			keep++
		}
		t.ticks = t.ticks[:keep]
	}
	t.ticks = append(t.ticks, *t.current)
	t.current = nil
	if over := len(t.ticks) - t.window; over > 0 {
		t.ticks = append(t.ticks[:0:0], t.ticks[over:]...)
	}
}

// Reset discards every recorded tick.
func (t *Trace) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks = nil
	t.current = nil
}

// Ticks returns a copy of the committed ticks, oldest first.
func (t *Trace) Ticks() []Tick {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Tick, len(t.ticks))
	for i, tick := range t.ticks {
		out[i] = tick.clone()
	}
	return out
}

// Latest returns the most recently committed tick.
func (t *Trace) Latest() (Tick, bool) {
	if t == nil {
		return Tick{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.ticks) == 0 {
		return Tick{}, false
	}
	return t.ticks[len(t.ticks)-1].clone(), true
}

// Find returns the committed tick with the given number.
func (t *Trace) Find(tick uint64) (Tick, bool) {
	if t == nil {
		return Tick{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, candidate := range t.ticks {
		if candidate.Tick == tick {
			return candidate.clone(), true
		}
	}
	return Tick{}, false
}

// CompareFirstError compares a remote tick against the local record of the
// same tick. Ticks outside the local window are not compared.
func (t *Trace) CompareFirstError(remote Tick) (Divergence, bool) {
	local, ok := t.Find(remote.Tick)
	if !ok {
		return Divergence{}, false
	}
	return compareTick(local, remote)
}
