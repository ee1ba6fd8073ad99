package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ccdocs/master-relay/internal/categ"
	"github.com/ccdocs/master-relay/internal/config"
	"github.com/ccdocs/master-relay/internal/ingest"
	"github.com/ccdocs/master-relay/internal/queue"
	"github.com/ccdocs/master-relay/internal/state"
)

// claimTTL is the FCFS claim lifetime for both new-message and edit
// events.
const claimTTL = 5 * time.Minute

// nameCacheTTL bounds how long a resolved channel name is trusted
// before being looked up again; the cache is best-effort and may go
// stale between refreshes.
const nameCacheTTL = 10 * time.Minute

// SlackListener is one bot identity's long-lived socketmode connection
// (see component design). It never calls chat-platform post APIs
// itself: every decision it reaches is enqueued for internal/worker to
// execute.
type SlackListener struct {
	bot       config.BotConfig
	master    config.MasterChannels
	cache     *categ.Cache
	store     *state.Store
	logger    *slog.Logger
	api       *slack.Client
	client    *socketmode.Client

	nameMu    sync.Mutex
	nameCache map[string]cachedName
}

type cachedName struct {
	name      string
	expiresAt time.Time
}

// NewSlackListener constructs a listener for a single bot identity.
func NewSlackListener(bot config.BotConfig, master config.MasterChannels, cache *categ.Cache, store *state.Store, logger *slog.Logger) *SlackListener {
	if logger == nil {
		logger = slog.Default()
	}
	api := slack.New(bot.BotToken, slack.OptionAppLevelToken(bot.AppToken))
	client := socketmode.New(api)
	return &SlackListener{
		bot:       bot,
		master:    master,
		cache:     cache,
		store:     store,
		logger:    logger,
		api:       api,
		client:    client,
		nameCache: make(map[string]cachedName),
	}
}

func (l *SlackListener) Name() string {
	return l.bot.Name
}

// Start runs the socketmode event loop until ctx is canceled, with
// library-level reconnect: socketmode.Client.RunContext already retries
// the underlying websocket, so the outer loop here only needs to
// restart RunContext itself if it returns (e.g. the app token was
// revoked mid-run), backing off exponentially around the restart.
func (l *SlackListener) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		go l.handleEvents(ctx)

		err := l.client.RunContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		l.logger.Warn("slack socket disconnected, reconnecting", "bot", l.bot.Name, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *SlackListener) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				l.client.Ack(*evt.Request)
			}
			l.handleInnerEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	}
}

func (l *SlackListener) handleInnerEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType == "message_changed" {
			l.process(ctx, l.rawEventFromEdit(ev))
			return
		}
		if ev.SubType != "" {
			// Other subtypes (channel_join, message_deleted, bot_add, ...)
			// are not forwardable message content.
			return
		}
		l.process(ctx, l.rawEventFromMessage(ctx, ev))
	}
}

func (l *SlackListener) rawEventFromMessage(ctx context.Context, ev *slackevents.MessageEvent) ingest.RawEvent {
	userOrBot := ev.User
	isBot := ev.BotID != ""
	if isBot {
		userOrBot = ev.BotID
	}
	return ingest.RawEvent{
		ChannelID:   ev.Channel,
		ChannelName: l.resolveChannelName(ev.Channel),
		Text:        ev.Text,
		UserOrBotID: userOrBot,
		IsBot:       isBot,
		ClientMsgID: ev.ClientMsgID,
		SourceTS:    ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
		IsEdit:      false,
		Attachments: convertAttachments(ev.Attachments),
		Files:       l.convertFiles(ctx, ev.Files, userOrBot, ev.TimeStamp),
		BotIndex:    l.bot.BotIndex,
	}
}

func (l *SlackListener) rawEventFromEdit(ev *slackevents.MessageEvent) ingest.RawEvent {
	edited := ev.Message
	userOrBot := ""
	isBot := false
	clientMsgID := ""
	text := ""
	sourceTS := ev.Message.TimeStamp
	if edited != nil {
		userOrBot = edited.User
		if edited.BotID != "" {
			isBot = true
			userOrBot = edited.BotID
		}
		clientMsgID = edited.ClientMsgID
		text = edited.Text
		sourceTS = edited.TimeStamp
	}
	return ingest.RawEvent{
		ChannelID:   ev.Channel,
		ChannelName: l.resolveChannelName(ev.Channel),
		Text:        text,
		UserOrBotID: userOrBot,
		IsBot:       isBot,
		ClientMsgID: clientMsgID,
		SourceTS:    sourceTS,
		IsEdit:      true,
		BotIndex:    l.bot.BotIndex,
	}
}

// process applies the full listener pipeline to a normalized event:
// classify, drop, claim, normalize, enqueue.
func (l *SlackListener) process(ctx context.Context, ev ingest.RawEvent) {
	category := l.cache.Classify(ev.ChannelName)
	if ingest.ShouldDrop(category, ev.IsBot) {
		return
	}

	identifier := ingest.Identifier(ev)
	claimKey := ingest.ClaimKey(ev.IsEdit, ev.ChannelID, identifier)

	won, err := l.store.Claim(ctx, claimKey, identifier, claimTTL)
	if err != nil {
		l.logger.Warn("claim degraded, proceeding fail-open", "key", claimKey, "error", err)
	}
	if !won {
		return
	}

	target := l.master.ForCategory(string(category))
	job := ingest.Normalize(ev, category, target)

	if _, err := queue.Enqueue(ctx, l.store, job); err != nil {
		l.logger.Error("failed to enqueue forwarding job", "channel", ev.ChannelID, "error", err)
	}
}

// resolveChannelName looks up a channel's display name, caching hits
// for nameCacheTTL to avoid a conversations.info call per message.
func (l *SlackListener) resolveChannelName(channelID string) string {
	l.nameMu.Lock()
	if cached, ok := l.nameCache[channelID]; ok && time.Now().Before(cached.expiresAt) {
		l.nameMu.Unlock()
		return cached.name
	}
	l.nameMu.Unlock()

	info, err := l.api.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		l.logger.Warn("channel name lookup failed", "channel", channelID, "error", err)
		return ""
	}

	l.nameMu.Lock()
	l.nameCache[channelID] = cachedName{name: info.Name, expiresAt: time.Now().Add(nameCacheTTL)}
	l.nameMu.Unlock()
	return info.Name
}

// convertAttachments builds attachment records from the legacy
// attachments a message event carries. slackevents.MessageEvent embeds
// these as plain []slack.Attachment (slackevents itself defines no
// Attachment type of its own).
func convertAttachments(attachments []slack.Attachment) []map[string]any {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, map[string]any{
			"fallback":   a.Fallback,
			"title":      a.Title,
			"title_link": a.TitleLink,
			"text":       a.Text,
		})
	}
	return out
}

// convertFiles builds the file attachment records described in the
// forwarded message format.
//
// slackevents.File on a message event carries only the file id; the
// name/url/mimetype needed to render the record live on slack.File, so
// each reference is hydrated with a files.info call before rendering.
func (l *SlackListener) convertFiles(ctx context.Context, files []slackevents.File, userOrBot, sourceTS string) []map[string]any {
	if len(files) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(files))
	for _, ref := range files {
		info, _, _, err := l.api.GetFileInfoContext(ctx, ref.ID, 0, 0)
		if err != nil {
			l.logger.Warn("file info lookup failed, forwarding without this file", "file_id", ref.ID, "error", err)
			continue
		}
		out = append(out, fileRecord(info, userOrBot, sourceTS))
	}
	return out
}

// fileRecord builds a single file attachment record: fallback/title/
// title_link, a "File shared by <@user>" text, the source timestamp,
// and an image_url when the file's mimetype indicates an image. Split
// out from convertFiles so the mimetype-to-image_url rule is testable
// without a live files.info call.
func fileRecord(info *slack.File, userOrBot, sourceTS string) map[string]any {
	rec := map[string]any{
		"fallback":   fmt.Sprintf("File: %s", info.Name),
		"title":      info.Name,
		"title_link": info.URLPrivate,
		"text":       fmt.Sprintf("File shared by <@%s>", userOrBot),
		"ts":         sourceTS,
	}
	if len(info.Mimetype) >= 6 && info.Mimetype[:6] == "image/" {
		rec["image_url"] = info.URLPrivate
	}
	return rec
}
