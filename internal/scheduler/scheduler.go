// Package scheduler runs the periodic refresh loop: inside bot index 1,
// it triggers channel discovery and categorization refresh, then
// re-derives the channel-to-bot assignment table from the result. It
// fires once synchronously at startup, so categorization is populated
// before any listener starts filtering, and again every 12 hours via a
// cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ccdocs/master-relay/internal/assign"
	"github.com/ccdocs/master-relay/internal/categ"
	"github.com/ccdocs/master-relay/internal/categprovider"
)

// schedule fires every 12 hours.
const schedule = "0 */12 * * *"

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ChannelDiscoverer enumerates the workspace's admin channels for
// re-assignment, skipping archived channels. The concrete Slack
// implementation lives in internal/channels; this interface keeps the
// scheduler testable without a live API.
type ChannelDiscoverer interface {
	DiscoverAdminChannels(ctx context.Context) ([]string, error)
}

// Scheduler is the bot-1-only periodic refresh loop.
type Scheduler struct {
	discoverer ChannelDiscoverer
	provider   categprovider.Provider
	categCache *categ.Cache
	assignTbl  *assign.Table
	logger     *slog.Logger

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. logger defaults to slog.Default() if nil.
func New(discoverer ChannelDiscoverer, provider categprovider.Provider, categCache *categ.Cache, assignTbl *assign.Table, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		discoverer: discoverer,
		provider:   provider,
		categCache: categCache,
		assignTbl:  assignTbl,
		logger:     logger,
		cron:       cronlib.New(cronlib.WithParser(cronParser)),
	}
}

// Start runs the refresh synchronously once (so the first batch of
// channels is assigned before any listener begins classifying events),
// then schedules the 12-hour cron job in the background. It returns
// once the initial run completes; the caller decides whether a failed
// initial run should block daemon startup.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		s.logger.Error("initial categorization/discovery refresh failed", "error", err)
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.refresh(ctx); err != nil {
			s.logger.Error("periodic categorization/discovery refresh failed", "error", err)
		}
	}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

// Stop cancels the background cron job and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// refresh discovers admin channels, refreshes the categorization
// provider, persists both, and re-derives assignment. Other bots
// picking up the new categorization/assignment happens passively:
// internal/categ and internal/assign are read on every classify/lookup
// call against their in-memory snapshot, refreshed by
// internal/config.Watcher when the files change.
func (s *Scheduler) refresh(ctx context.Context) error {
	channelIDs, err := s.discoverer.DiscoverAdminChannels(ctx)
	if err != nil {
		return err
	}

	lists, err := s.provider.Discover(ctx)
	if err != nil {
		return err
	}
	if err := s.categCache.WriteLists(lists.Ignored, lists.ManagedAdmin, lists.StormAdmin); err != nil {
		return err
	}

	if _, err := s.assignTbl.AssignChannels(channelIDs); err != nil {
		return err
	}

	s.logger.Info("categorization/discovery refresh complete",
		"admin_channels", len(channelIDs),
		"managed", len(lists.ManagedAdmin), "storm", len(lists.StormAdmin), "ignored", len(lists.Ignored))
	return nil
}
