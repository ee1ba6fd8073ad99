// Package categ holds the relay's categorization cache: three disjoint
// sets of channel names plus a hard-coded ignore list, reloaded on a
// 12-hour timer and on process start.
package categ

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ignoredChannelNames are ignored regardless of what channel_lists.json
// says.
var ignoredChannelNames = map[string]struct{}{
	"ccdocs-agents": {},
	"ccdocs-admin":  {},
	"ccdocs-apptbk": {},
	"ccdocs-dialer": {},
}

// Category is the classification result returned by Classify.
type Category string

const (
	Agent        Category = "agent"
	Apptbk       Category = "apptbk"
	ManagedAdmin Category = "managed_admin"
	StormAdmin   Category = "storm_admin"
	Ignored      Category = "ignored"
	Unknown      Category = "unknown"
)

// fileSchema is the on-disk shape of data/channel_lists.json:
// {managed_channels, storm_channels, ignored_channels}, matching the
// field names the external categorization provider writes.
type fileSchema struct {
	Ignored      []string `json:"ignored_channels"`
	ManagedAdmin []string `json:"managed_channels"`
	StormAdmin   []string `json:"storm_channels"`
}

// Cache holds the three categorization sets in memory, safe for
// concurrent reads while Reload swaps them out.
type Cache struct {
	path   string
	logger *slog.Logger

	mu           sync.RWMutex
	ignored      map[string]struct{}
	managedAdmin map[string]struct{}
	stormAdmin   map[string]struct{}
}

// New returns a Cache reading from path (data/channel_lists.json),
// empty until the first Load/Reload succeeds.
func New(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		path:         path,
		logger:       logger,
		ignored:      map[string]struct{}{},
		managedAdmin: map[string]struct{}{},
		stormAdmin:   map[string]struct{}{},
	}
}

// Load reads the categorization file once, failing if it cannot be
// parsed. Intended for process start, where a broken file should stop
// startup rather than silently run with an empty cache.
func (c *Cache) Load() error {
	return c.reload(true)
}

// Reload re-reads the categorization file, logging and keeping the
// previous in-memory sets on failure rather than returning an error —
// a bad edit to channel_lists.json during a periodic reload should not
// take down classification for channels already known.
func (c *Cache) Reload() {
	if err := c.reload(false); err != nil {
		c.logger.Error("categorization reload failed, keeping previous sets", "path", c.path, "error", err)
	}
}

func (c *Cache) reload(strict bool) error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if strict {
			return fmt.Errorf("categ: read %s: %w", c.path, err)
		}
		return err
	}

	var parsed fileSchema
	if err := json.Unmarshal(data, &parsed); err != nil {
		if strict {
			return fmt.Errorf("categ: parse %s: %w", c.path, err)
		}
		return err
	}

	ignored := toSet(parsed.Ignored)
	managed := toSet(parsed.ManagedAdmin)
	storm := toSet(parsed.StormAdmin)

	c.mu.Lock()
	c.ignored = ignored
	c.managedAdmin = managed
	c.stormAdmin = storm
	c.mu.Unlock()

	c.logger.Info("categorization cache reloaded",
		"ignored", len(ignored), "managed_admin", len(managed), "storm_admin", len(storm))
	return nil
}

// WriteLists persists a freshly discovered categorization document to
// disk (atomically: temp file in the same directory, then rename) and
// loads it into the cache. Called by internal/scheduler after a
// categprovider.Provider.Discover.
func (c *Cache) WriteLists(ignored, managedAdmin, stormAdmin []string) error {
	doc := fileSchema{Ignored: ignored, ManagedAdmin: managedAdmin, StormAdmin: stormAdmin}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("categ: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("categ: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".channel_lists-*.tmp")
	if err != nil {
		return fmt.Errorf("categ: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("categ: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("categ: close temp: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("categ: rename: %w", err)
	}

	return c.reload(true)
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Classify returns the category for channelName following the exact
// precedence described in the package doc.
func (c *Cache) Classify(channelName string) Category {
	if _, ok := ignoredChannelNames[channelName]; ok {
		return Ignored
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.ignored[channelName]; ok {
		return Ignored
	}
	if strings.HasSuffix(channelName, "-apptbk") {
		return Apptbk
	}
	if strings.HasSuffix(channelName, "-admin") || strings.HasSuffix(channelName, "-admins") {
		if _, ok := c.managedAdmin[channelName]; ok {
			return ManagedAdmin
		}
		if _, ok := c.stormAdmin[channelName]; ok {
			return StormAdmin
		}
		return Unknown
	}
	if strings.HasSuffix(channelName, "-agent") || strings.HasSuffix(channelName, "-agents") {
		return Agent
	}
	return Unknown
}
