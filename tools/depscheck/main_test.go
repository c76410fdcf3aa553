package main

import (
	"strings"
	"testing"
)

func TestCheckFlagsCoreImportingTransport(t *testing.T) {
	input := `
{"ImportPath": "simsync/server/internal/command", "Imports": ["fmt", "simsync/server/internal/world", "simsync/server/internal/netplay"]}
{"ImportPath": "simsync/server/internal/trace", "Imports": ["lukechampine.com/blake3", "github.com/gorilla/websocket"]}
{"ImportPath": "simsync/server/internal/netplay", "Imports": ["github.com/gorilla/websocket", "simsync/server/internal/command"]}
`
	violations, err := check(strings.NewReader(input))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := []string{
		"simsync/server/internal/command -> simsync/server/internal/netplay",
		"simsync/server/internal/trace -> github.com/gorilla/websocket",
	}
	if len(violations) != len(want) {
		t.Fatalf("expected %v, got %v", want, violations)
	}
	for i := range want {
		if violations[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, violations)
		}
	}
}

func TestForbiddenDoesNotMatchSiblingPrefixes(t *testing.T) {
	if forbidden("simsync/server/internal/snapshot") {
		t.Fatalf("snapshot must not match the sim prefix")
	}
	if !forbidden("simsync/server/internal/net/ws") {
		t.Fatalf("expected nested transport packages to be forbidden")
	}
	if forbidden("encoding/binary") {
		t.Fatalf("standard library imports are allowed")
	}
}
