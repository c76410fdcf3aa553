package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseOrdersItemsAndIndexes(t *testing.T) {
	doc := []byte(`{"items":[
		{"guid": 30, "category": 2, "price": 500, "name": "Lamp"},
		{"guid": 10, "category": 1, "price": 120, "name": "Chair"},
		{"guid": 20, "category": 1, "price": 90, "name": "Stool", "disableLevel": 2}
	]}`)

	c, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	all := c.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
	if all[0].GUID != 10 || all[1].GUID != 20 || all[2].GUID != 30 {
		t.Fatalf("expected items sorted by guid, got %+v", all)
	}

	seating := c.ByCategory(1)
	if len(seating) != 2 {
		t.Fatalf("expected 2 items in category 1, got %d", len(seating))
	}

	stool, ok := c.ByGUID(20)
	if !ok {
		t.Fatalf("expected stool lookup to succeed")
	}
	if stool.Purchasable() || stool.Sellable() {
		t.Fatalf("expected rare stool to be neither purchasable nor sellable: %+v", stool)
	}

	if _, ok := c.ByGUID(99); ok {
		t.Fatalf("expected unknown guid lookup to report no value")
	}
}

func TestNewRejectsDuplicateGUID(t *testing.T) {
	_, err := New([]Item{{GUID: 1, Name: "a"}, {GUID: 1, Name: "b"}})
	if !errors.Is(err, ErrDuplicateGUID) {
		t.Fatalf("expected ErrDuplicateGUID, got %v", err)
	}
}

func TestParseRequiresNameAndGUID(t *testing.T) {
	if _, err := Parse([]byte(`{"items":[{"guid":0,"name":"x"}]}`)); err == nil {
		t.Fatalf("expected error for zero guid")
	}
	if _, err := Parse([]byte(`{"items":[{"guid":4,"name":"  "}]}`)); err == nil {
		t.Fatalf("expected error for blank name")
	}
}

func TestShoppingOnlyItemsArePurchasableButNotSellable(t *testing.T) {
	item := Item{GUID: 5, Name: "Gift", DisableLevel: DisableShoppingOnly}
	if !item.Purchasable() {
		t.Fatalf("expected shopping-only item to be purchasable")
	}
	if item.Sellable() {
		t.Fatalf("expected shopping-only item to be unsellable")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(`{"items":[{"guid":7,"name":"Sofa","price":300}]}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	item, ok := c.ByGUID(7)
	if !ok || item.Price != 300 {
		t.Fatalf("unexpected item %+v (ok=%v)", item, ok)
	}
	if _, err := LoadFile(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
