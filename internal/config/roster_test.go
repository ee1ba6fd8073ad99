package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRoster_MissingFileReturnsEmpty(t *testing.T) {
	roster, err := LoadRoster(filepath.Join(t.TempDir(), "bots.yaml"))
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected empty roster, got %v", roster)
	}
	if got := roster.NameFor(1, "Bot-1"); got != "Bot-1" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestLoadRoster_ParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	content := "bots:\n  - index: 1\n    name: Ops Relay\n  - index: 2\n    name: Storm Relay\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if got := roster.NameFor(1, "Bot-1"); got != "Ops Relay" {
		t.Fatalf("expected Ops Relay, got %q", got)
	}
	if got := roster.NameFor(2, "Bot-2"); got != "Storm Relay" {
		t.Fatalf("expected Storm Relay, got %q", got)
	}
	if got := roster.NameFor(3, "Bot-3"); got != "Bot-3" {
		t.Fatalf("expected fallback for unknown index, got %q", got)
	}
}
