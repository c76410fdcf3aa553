package world

import (
	"fmt"
	"math"
	"os"

	"simsync/server/internal/iff"
)

// surroundingOffsets lists the neighbouring lots in row-major order, skipping
// the centre lot itself.
var surroundingOffsets = [8][2]int32{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// RestoreSurroundings rebuilds the derived neighbouring lots. The result
// depends only on Seed and the lot size, so every peer produces identical
// surroundings without transferring them.
func (s *State) RestoreSurroundings() {
	width := clampDimension(s.Width)
	height := clampDimension(s.Height)
	subs := make([]SubWorld, 0, len(surroundingOffsets))
	for i, offset := range surroundingOffsets {
		id := uint32(i + 1)
		rng := DeterministicSeedValue(s.Seed, fmt.Sprintf("surroundings/%d", id))
		elevation := make([]byte, int(width)*int(height))
		base := byte(splitmix64(&rng) % 32)
		for j := range elevation {
			elevation[j] = base + byte(splitmix64(&rng)%8)
		}
		subs = append(subs, SubWorld{
			ID:        id,
			OriginX:   offset[0] * s.Width,
			OriginY:   offset[1] * s.Height,
			Width:     width,
			Height:    height,
			Elevation: elevation,
		})
	}
	s.SubWorlds = subs
}

func clampDimension(v int32) uint16 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// LoadNeighbourhood reads the neighbourhood roster from a container on disk.
func LoadNeighbourhood(path string) (*iff.Neighbourhood, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read neighbourhood %s: %w", path, err)
	}
	file, err := iff.Read(data)
	if err != nil {
		return nil, fmt.Errorf("decode neighbourhood %s: %w", path, err)
	}
	hood, err := iff.ReadNeighbourhood(file)
	if err != nil {
		return nil, fmt.Errorf("decode neighbourhood %s: %w", path, err)
	}
	return hood, nil
}

// AvatarFields derives the starting attribute slots for a named neighbour.
// Unknown names get zeroed fields.
func (s *State) AvatarFields(name string) []int16 {
	fields := make([]int16, AvatarFieldCount)
	neighbour, ok := s.Content.Neighbourhood.ByName(name)
	if !ok {
		return fields
	}
	copy(fields, neighbour.PersonData)
	return fields
}
