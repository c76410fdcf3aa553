package world

import (
	"encoding/binary"
	"hash/fnv"
)

// DeterministicSeedValue derives a labelled sub-seed from the world seed so
// derived content never consumes draws from the command RNG.
func DeterministicSeedValue(rootSeed uint64, label string) uint64 {
	hasher := fnv.New64a()
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], rootSeed)
	hasher.Write(raw[:])
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// splitmix64 advances state and returns the next output. The whole generator
// state is a single word so it serialises with the snapshot.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Random draws a value in [0, n) from the shared simulation RNG and counts the
// draw. n == 0 yields 0 without advancing the generator.
func (s *State) Random(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	s.Draws++
	return uint32(splitmix64(&s.RNG) % uint64(n))
}

// ResetDraws clears the per-command draw counter.
func (s *State) ResetDraws() {
	s.Draws = 0
}
