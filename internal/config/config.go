// Package config loads the relay's environment-driven configuration:
// one BotConfig per configured Slack bot identity, the four category
// master-channel ids, and the paths/addresses the rest of the system
// needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BotConfig is one configured bot identity.
type BotConfig struct {
	BotIndex      int    // 1..N
	Name          string // human-readable, e.g. "Bot-1"
	BotToken      string // SLACK_BOT_TOKEN[_i] — xoxb-...
	AppToken      string // SLACK_APP_TOKEN[_i] — xapp-... (socket mode)
}

// MasterChannels holds the one destination channel per category.
type MasterChannels struct {
	Agent        string
	Apptbk       string
	ManagedAdmin string
	StormAdmin   string
}

// Config is the fully resolved relay configuration.
type Config struct {
	DataDir string // base dir for data/ and logs/, default "./data"

	Bots           []BotConfig
	MasterChannels MasterChannels

	StateDBPath string // sqlite path backing internal/state

	// WorkerCount is the number of forwarder worker goroutines
	// (FORWARDER_WORKER_COUNT, default 1). M>1 gives only
	// best-effort per-channel ordering; this is logged once at startup.
	WorkerCount int

	LogLevel string

	// MetricsEnabled toggles internal/otel's meter provider
	// (RELAY_METRICS_ENABLED). Disabled by default: zero overhead.
	MetricsEnabled bool
	// MetricsExporter selects internal/otel's reader ("stdout" or "none").
	MetricsExporter string
}

// Load reads the relay configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		DataDir:         getenvDefault("RELAY_DATA_DIR", "./data"),
		WorkerCount:     1,
		LogLevel:        getenvDefault("RELAY_LOG_LEVEL", "info"),
		MetricsEnabled:  os.Getenv("RELAY_METRICS_ENABLED") == "1",
		MetricsExporter: getenvDefault("RELAY_METRICS_EXPORTER", "stdout"),
	}

	if v := os.Getenv("FORWARDER_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("config: FORWARDER_WORKER_COUNT must be a positive integer, got %q", v)
		}
		cfg.WorkerCount = n
	}

	cfg.StateDBPath = getenvDefault("RELAY_STATE_DB_PATH", filepath.Join(cfg.DataDir, "relay.db"))

	bots, err := loadBots()
	if err != nil {
		return cfg, err
	}
	cfg.Bots = bots

	cfg.MasterChannels = MasterChannels{
		Agent:        os.Getenv("AGENT_MASTER_CHANNEL_ID"),
		Apptbk:       os.Getenv("APPTBK_MASTER_CHANNEL_ID"),
		ManagedAdmin: os.Getenv("MANAGED_ADMIN_MASTER_CHANNEL_ID"),
		StormAdmin:   os.Getenv("STORM_ADMIN_MASTER_CHANNEL_ID"),
	}
	if err := cfg.MasterChannels.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// loadBots scans SLACK_BOT_TOKEN/SLACK_APP_TOKEN (bot 1) then
// SLACK_BOT_TOKEN_<i>/SLACK_APP_TOKEN_<i> for i=2.. until a pair is
// missing. Every configured bot identity runs as a goroutine in this
// single daemon process rather than as a separate process selected via
// BOT_ID.
func loadBots() ([]BotConfig, error) {
	var bots []BotConfig
	for i := 1; ; i++ {
		botTokenVar, appTokenVar := "SLACK_BOT_TOKEN", "SLACK_APP_TOKEN"
		if i > 1 {
			botTokenVar = fmt.Sprintf("SLACK_BOT_TOKEN_%d", i)
			appTokenVar = fmt.Sprintf("SLACK_APP_TOKEN_%d", i)
		}
		botToken := os.Getenv(botTokenVar)
		appToken := os.Getenv(appTokenVar)
		if botToken == "" || appToken == "" {
			break
		}
		bots = append(bots, BotConfig{
			BotIndex: i,
			Name:     fmt.Sprintf("Bot-%d", i),
			BotToken: botToken,
			AppToken: appToken,
		})
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("config: no bot identities configured; set SLACK_BOT_TOKEN and SLACK_APP_TOKEN")
	}
	return bots, nil
}

func (m MasterChannels) validate() error {
	var missing []string
	if m.Agent == "" {
		missing = append(missing, "AGENT_MASTER_CHANNEL_ID")
	}
	if m.Apptbk == "" {
		missing = append(missing, "APPTBK_MASTER_CHANNEL_ID")
	}
	if m.ManagedAdmin == "" {
		missing = append(missing, "MANAGED_ADMIN_MASTER_CHANNEL_ID")
	}
	if m.StormAdmin == "" {
		missing = append(missing, "STORM_ADMIN_MASTER_CHANNEL_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required master channel env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ForCategory returns the configured master channel id for category, or
// "" if category has no destination (e.g. ignored/unknown).
func (m MasterChannels) ForCategory(category string) string {
	switch category {
	case "agent":
		return m.Agent
	case "apptbk":
		return m.Apptbk
	case "managed_admin":
		return m.ManagedAdmin
	case "storm_admin":
		return m.StormAdmin
	default:
		return ""
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
