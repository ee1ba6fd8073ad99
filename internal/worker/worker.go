// Package worker implements the forwarder worker: it
// consumes forwarding:jobs, selects the bot identity that is a member
// of the source channel, synthesizes thread parents on demand,
// posts/updates the destination message under a per-bot-identity rate
// limit with retry, and records the source-ts -> target-ts mapping.
package worker

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ccdocs/master-relay/internal/ingest"
	"github.com/ccdocs/master-relay/internal/queue"
	"github.com/ccdocs/master-relay/internal/state"
)

// defaultRateLimit is the per-bot-identity token-bucket rate applied
// ahead of the retry envelope, conservative enough to stay under
// Slack's Tier 3 chat.postMessage/chat.update budgets.
const defaultRateLimit = rate.Limit(1)

// Worker runs the consumer-group read loop for one goroutine. Multiple
// Workers may share the same store/clients; with more than one worker,
// per-channel post ordering is best-effort only.
type Worker struct {
	store     *state.Store
	clients   map[int]PlatformClient
	limiters  map[int]*rate.Limiter
	logger    *slog.Logger
	consumer  string
	fallback  []int // sorted bot indices, for deterministic fallback selection
}

// New constructs a Worker over clients (bot_index -> PlatformClient).
func New(store *state.Store, clients map[int]PlatformClient, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make(map[int]*rate.Limiter, len(clients))
	fallback := make([]int, 0, len(clients))
	for idx := range clients {
		limiters[idx] = rate.NewLimiter(defaultRateLimit, 1)
		fallback = append(fallback, idx)
	}
	sort.Ints(fallback)
	return &Worker{
		store:    store,
		clients:  clients,
		limiters: limiters,
		logger:   logger,
		consumer: "worker-" + uuid.NewString(),
		fallback: fallback,
	}
}

// Run blocks, reading and handling jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "consumer", w.consumer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := queue.Read(ctx, w.store, w.consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue read failed", "error", err)
			continue
		}
		for _, entry := range entries {
			w.handle(ctx, entry)
		}
	}
}

func (w *Worker) handle(ctx context.Context, entry queue.Entry) {
	logger := w.logger.With("source_channel_id", entry.Job.SourceChannelID, "source_ts", entry.Job.SourceTS, "type", entry.Job.Type)

	client, limiter := w.clientFor(entry.Job.OriginatingBotIndex)
	if client == nil {
		logger.Error("no platform client available for job, dropping")
		w.ack(ctx, entry.ID, logger)
		return
	}

	var err error
	switch entry.Job.Type {
	case "update":
		err = w.handleUpdate(ctx, client, limiter, entry.Job, logger)
	default:
		err = w.handlePost(ctx, client, limiter, entry.Job, logger)
	}
	if err != nil {
		logger.Error("forwarding job failed, acking anyway", "error", err)
	}
	w.ack(ctx, entry.ID, logger)
}

// clientFor selects the client for originatingBotIndex (it is
// guaranteed to be a member of the source channel); if that identity is
// not running in this process, falls back to any available identity,
// because posting to a master channel only requires membership there,
// which every identity has.
func (w *Worker) clientFor(originatingBotIndex int) (PlatformClient, *rate.Limiter) {
	if c, ok := w.clients[originatingBotIndex]; ok {
		return c, w.limiters[originatingBotIndex]
	}
	if len(w.fallback) == 0 {
		return nil, nil
	}
	idx := w.fallback[0]
	return w.clients[idx], w.limiters[idx]
}

func (w *Worker) handlePost(ctx context.Context, client PlatformClient, limiter *rate.Limiter, job ingest.ForwardJob, logger *slog.Logger) error {
	threadTS := ""
	if job.IsThreadReply {
		parentTS, err := w.ensureParentPosted(ctx, client, limiter, job, logger)
		if err != nil {
			logger.Warn("could not synthesize thread parent, posting without thread linkage", "error", err)
		} else {
			threadTS = parentTS
		}
	}

	text := renderText(job.SourceChannelName, job.User, job.Text, job.SourceTS)
	attachments := append(append([]map[string]any{}, job.Attachments...), job.Files...)

	var targetTS string
	err := callWithRetry(ctx, limiter, func() error {
		var postErr error
		// TODO: claim (entry_id) before posting to make a worker
		// crash between post success and MsgMap write exactly-once
		// instead of at-least-once.
		targetTS, postErr = client.PostMessage(ctx, job.TargetChannelID, text, threadTS, attachments)
		return postErr
	})
	if err != nil {
		return err
	}

	if err := w.store.SetString(ctx, msgMapKey(job.SourceChannelID, job.SourceTS), targetTS, mapTTL); err != nil {
		logger.Error("failed to persist msg map after successful post", "target_ts", targetTS, "error", err)
	}
	return nil
}

// ensureParentPosted resolves the destination-channel parent timestamp
// for a threaded reply: cache hit attaches the mapped parent ts; cache
// miss fetches the original parent from the source channel, posts it as
// a synthetic parent, and caches the result before the reply is posted,
// so a thread reply never precedes its parent in the destination
// channel.
func (w *Worker) ensureParentPosted(ctx context.Context, client PlatformClient, limiter *rate.Limiter, job ingest.ForwardJob, logger *slog.Logger) (string, error) {
	key := parentMapKey(job.SourceChannelID, job.ThreadTS)
	if cached, ok, err := w.store.GetString(ctx, key); err == nil && ok {
		return cached, nil
	}

	var parent ParentMessage
	if err := callWithRetry(ctx, limiter, func() error {
		var fetchErr error
		parent, fetchErr = client.FetchParent(ctx, job.SourceChannelID, job.ThreadTS)
		return fetchErr
	}); err != nil {
		return "", err
	}

	parentText := renderText(job.SourceChannelName, parent.User, parent.Text, parent.TS)
	var parentTargetTS string
	if err := callWithRetry(ctx, limiter, func() error {
		var postErr error
		parentTargetTS, postErr = client.PostMessage(ctx, job.TargetChannelID, parentText, "", nil)
		return postErr
	}); err != nil {
		return "", err
	}

	if err := w.store.SetString(ctx, key, parentTargetTS, mapTTL); err != nil {
		logger.Error("failed to persist parent map after synthetic post", "parent_target_ts", parentTargetTS, "error", err)
	}
	return parentTargetTS, nil
}

func (w *Worker) handleUpdate(ctx context.Context, client PlatformClient, limiter *rate.Limiter, job ingest.ForwardJob, logger *slog.Logger) error {
	targetTS, ok, err := w.store.GetString(ctx, msgMapKey(job.SourceChannelID, job.SourceTS))
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("no msg map for update, treating as no-op (mapping absent or expired)")
		return nil
	}

	text := renderText(job.SourceChannelName, job.User, job.Text, job.SourceTS)
	return callWithRetry(ctx, limiter, func() error {
		return client.UpdateMessage(ctx, job.TargetChannelID, targetTS, text)
	})
}

func (w *Worker) ack(ctx context.Context, entryID string, logger *slog.Logger) {
	if err := queue.Ack(ctx, w.store, entryID); err != nil {
		logger.Error("failed to ack job", "entry_id", entryID, "error", err)
	}
}

// LogOrderingCaveat logs once, at startup, the best-effort-ordering
// caveat that applies when more than one worker is configured.
func LogOrderingCaveat(logger *slog.Logger, workerCount int) {
	if workerCount > 1 {
		logger.Warn("FORWARDER_WORKER_COUNT > 1: per-channel post ordering is best-effort only", "worker_count", workerCount)
	}
}
