// Package catalog exposes the read-only object catalog consumed by the
// simulation core when reconstructing entities and pricing purchases.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DisableLevel flags restrict where a catalog item may be used.
const (
	DisableNone         uint8 = 0
	DisableShoppingOnly uint8 = 1
	DisableRare         uint8 = 2
)

// ErrDuplicateGUID reports two catalog entries sharing an identifier.
var ErrDuplicateGUID = errors.New("catalog: duplicate guid")

// Item describes a purchasable object definition.
type Item struct {
	GUID         uint32 `json:"guid" jsonschema:"title=GUID,description=Stable object identifier referenced by world snapshots.,minimum=1,required"`
	Category     int8   `json:"category" jsonschema:"title=Category,description=Catalog category the item is listed under."`
	Price        uint32 `json:"price" jsonschema:"title=Price,description=Purchase price debited from the buyer's budget."`
	Name         string `json:"name" jsonschema:"title=Name,description=Display name restored onto spawned objects.,minLength=1,required"`
	DisableLevel uint8  `json:"disableLevel,omitempty" jsonschema:"title=Disable level,description=0 normal; 1 shopping only; 2 rare and unsellable.,enum=0,enum=1,enum=2"`
}

// Purchasable reports whether the item may be bought by a player.
func (i Item) Purchasable() bool {
	return i.DisableLevel < DisableRare
}

// Sellable reports whether the item may be sold back.
func (i Item) Sellable() bool {
	return i.DisableLevel == DisableNone
}

// Catalog is the lookup capability required by the core.
type Catalog interface {
	All() []Item
	ByCategory(category int8) []Item
	ByGUID(guid uint32) (Item, bool)
}

// FileDocument is the on-disk layout of a catalog file. It is exported so the
// schema tool can reflect over it.
type FileDocument struct {
	Items []Item `json:"items" jsonschema:"title=Items,description=Every object definition known to the simulation.,required"`
}

// Static is an immutable in-memory catalog sorted by GUID.
type Static struct {
	items  []Item
	byGUID map[uint32]int
}

// New builds a catalog from the provided items.
func New(items []Item) (*Static, error) {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GUID < sorted[j].GUID })

	index := make(map[uint32]int, len(sorted))
	for i, item := range sorted {
		if _, exists := index[item.GUID]; exists {
			return nil, fmt.Errorf("%w: 0x%08x", ErrDuplicateGUID, item.GUID)
		}
		index[item.GUID] = i
	}
	return &Static{items: sorted, byGUID: index}, nil
}

// MustNew panics when the items are inconsistent. Intended for fixtures.
func MustNew(items []Item) *Static {
	c, err := New(items)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile reads a JSON catalog document from disk.
func LoadFile(path string) (*Static, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a JSON catalog document.
func Parse(data []byte) (*Static, error) {
	var doc FileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i, item := range doc.Items {
		if item.GUID == 0 {
			return nil, fmt.Errorf("catalog entry %d: guid is required", i)
		}
		if strings.TrimSpace(item.Name) == "" {
			return nil, fmt.Errorf("catalog entry 0x%08x: name is required", item.GUID)
		}
	}
	return New(doc.Items)
}

// All returns every item ordered by GUID.
func (c *Static) All() []Item {
	if c == nil || len(c.items) == 0 {
		return nil
	}
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// ByCategory returns the items listed under category ordered by GUID.
func (c *Static) ByCategory(category int8) []Item {
	if c == nil {
		return nil
	}
	var out []Item
	for _, item := range c.items {
		if item.Category == category {
			out = append(out, item)
		}
	}
	return out
}

// ByGUID looks up a single item.
func (c *Static) ByGUID(guid uint32) (Item, bool) {
	if c == nil {
		return Item{}, false
	}
	idx, ok := c.byGUID[guid]
	if !ok {
		return Item{}, false
	}
	return c.items[idx], true
}

var _ Catalog = (*Static)(nil)
