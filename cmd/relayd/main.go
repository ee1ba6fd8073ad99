// Command relayd is the daemon entrypoint: it wires configuration,
// the shared state store, categorization/assignment caches, one Slack
// listener and one forwarder worker per configured bot identity, the
// periodic discovery scheduler, and the supervisor that keeps all of it
// running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/slack-go/slack"

	"github.com/ccdocs/master-relay/internal/assign"
	"github.com/ccdocs/master-relay/internal/categ"
	"github.com/ccdocs/master-relay/internal/categprovider"
	"github.com/ccdocs/master-relay/internal/channels"
	"github.com/ccdocs/master-relay/internal/config"
	otelPkg "github.com/ccdocs/master-relay/internal/otel"
	"github.com/ccdocs/master-relay/internal/queue"
	"github.com/ccdocs/master-relay/internal/scheduler"
	"github.com/ccdocs/master-relay/internal/state"
	"github.com/ccdocs/master-relay/internal/supervisor"
	"github.com/ccdocs/master-relay/internal/telemetry"
	"github.com/ccdocs/master-relay/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// archivedCandidates is the set of channel ids the startup health check
// probes for archival before the supervisor starts any listener.
// Operators populate this via RELAY_ARCHIVE_CANDIDATES (comma-separated
// channel ids); empty by default since no channel is known to be
// archived until one is added.
func archivedCandidates() []string {
	raw := os.Getenv("RELAY_ARCHIVE_CANDIDATES")
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, "relayd", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "bots", len(cfg.Bots), "worker_count", cfg.WorkerCount)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.MetricsEnabled,
		Exporter: cfg.MetricsExporter,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		fatalStartup(logger, "E_STATE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "state_store_opened", "path", cfg.StateDBPath)

	// Bootstrap the workers consumer group before any listener can enqueue a
	// job: a group created later would start "from latest" and silently miss
	// anything appended between process start and its first read.
	if err := queue.Bootstrap(ctx, store); err != nil {
		fatalStartup(logger, "E_QUEUE_BOOTSTRAP", err)
	}

	worker.LogOrderingCaveat(logger, cfg.WorkerCount)

	categCache := categ.New(filepath.Join(cfg.DataDir, "channel_lists.json"), logger.With("component", "categ"))
	if err := categCache.Load(); err != nil {
		logger.Warn("no prior categorization file found, starting empty until first discovery run", "error", err)
	}

	botIDs := make([]int, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		botIDs = append(botIDs, b.BotIndex)
	}
	assignTbl := assign.New(filepath.Join(cfg.DataDir, "channel_assignment.json"), botIDs, logger.With("component", "assign"))
	if err := assignTbl.Load(); err != nil {
		fatalStartup(logger, "E_ASSIGN_LOAD", err)
	}

	confWatcher := config.NewWatcher(cfg.DataDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "channel_lists.json":
				categCache.Reload()
			case "channel_assignment.json":
				if err := assignTbl.Load(); err != nil {
					logger.Error("failed to reload channel_assignment.json after external edit", "error", err)
				}
			}
		}
	}()

	apis := make(map[int]*slack.Client, len(cfg.Bots))
	platformClients := make(map[int]worker.PlatformClient, len(cfg.Bots))
	var children []supervisor.Child

	for _, bot := range cfg.Bots {
		api := slack.New(bot.BotToken, slack.OptionAppLevelToken(bot.AppToken))
		apis[bot.BotIndex] = api
		platformClients[bot.BotIndex] = worker.NewSlackClient(api)

		listener := channels.NewSlackListener(bot, cfg.MasterChannels, categCache, store,
			logger.With("component", "listener", "bot_index", bot.BotIndex))
		children = append(children, listener)
	}

	discovery := channels.NewAdminDiscovery(apis[cfg.Bots[0].BotIndex])

	sched := scheduler.New(discovery, &categprovider.Fake{}, categCache, assignTbl,
		logger.With("component", "scheduler"))
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	supervisor.StartupHealthCheck(ctx, discovery, assignTbl, archivedCandidates(), logger.With("component", "supervisor"))

	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(store, platformClients, logger.With("component", "worker"))
		children = append(children, workerChild{w: w, index: i + 1})
	}

	sup := supervisor.New(children, logger.With("component", "supervisor"))
	logger.Info("startup phase", "phase", "supervisor_started", "children", len(children))
	sup.Run(ctx)

	logger.Info("shutdown complete")
}

// workerChild adapts *worker.Worker to supervisor.Child.
type workerChild struct {
	w     *worker.Worker
	index int
}

func (c workerChild) Name() string { return fmt.Sprintf("forwarder-worker-%d", c.index) }

func (c workerChild) Start(ctx context.Context) error { return c.w.Run(ctx) }

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
