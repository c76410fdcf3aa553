package trace

import "fmt"

// Divergence identifies the first point at which two traces disagree. Index is
// -1 when the ticks themselves are misaligned.
type Divergence struct {
	Tick      uint64
	Index     int
	Local     Entry
	Remote    Entry
	HasLocal  bool
	HasRemote bool
}

func (d Divergence) String() string {
	if d.Index < 0 {
		return fmt.Sprintf("tick %d: timelines misaligned", d.Tick)
	}
	local, remote := "missing", "missing"
	if d.HasLocal {
		local = d.Local.String()
	}
	if d.HasRemote {
		remote = d.Remote.String()
	}
	return fmt.Sprintf("tick %d command %d: local %s, remote %s", d.Tick, d.Index, local, remote)
}

// Compare walks the tick range both traces cover and reports the earliest
// disagreement. Traces without overlap are not comparable and report none.
func Compare(local, remote []Tick) (Divergence, bool) {
	if len(local) == 0 || len(remote) == 0 {
		return Divergence{}, false
	}
	start := max(local[0].Tick, remote[0].Tick)
	end := min(local[len(local)-1].Tick, remote[len(remote)-1].Tick)
	if start > end {
		return Divergence{}, false
	}

	i, j := 0, 0
	for i < len(local) && local[i].Tick < start {
		i++
	}
	for j < len(remote) && remote[j].Tick < start {
		j++
	}
	for i < len(local) && j < len(remote) {
		a, b := local[i], remote[j]
		if a.Tick > end && b.Tick > end {
			break
		}
		if a.Tick != b.Tick {
			return Divergence{Tick: min(a.Tick, b.Tick), Index: -1}, true
		}
		if d, diverged := compareTick(a, b); diverged {
			return d, true
		}
		i++
		j++
	}
	return Divergence{}, false
}

func compareTick(local, remote Tick) (Divergence, bool) {
	n := max(len(local.Entries), len(remote.Entries))
	for idx := 0; idx < n; idx++ {
		d := Divergence{Tick: local.Tick, Index: idx}
		if idx < len(local.Entries) {
			d.Local, d.HasLocal = local.Entries[idx], true
		}
		if idx < len(remote.Entries) {
			d.Remote, d.HasRemote = remote.Entries[idx], true
		}
		if !d.HasLocal || !d.HasRemote || d.Local != d.Remote {
			return d, true
		}
	}
	return Divergence{}, false
}
