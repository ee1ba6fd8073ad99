package channels

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
)

// AdminDiscovery implements internal/scheduler.ChannelDiscoverer and
// internal/supervisor.ArchiveChecker over a single bot identity's Slack
// client — any identity can enumerate/inspect public channel metadata,
// so bot 1's client (the one running the scheduler) is sufficient.
type AdminDiscovery struct {
	api *slack.Client
}

// NewAdminDiscovery wraps api for discovery/archive-check use.
func NewAdminDiscovery(api *slack.Client) *AdminDiscovery {
	return &AdminDiscovery{api: api}
}

// DiscoverAdminChannels enumerates every channel in the workspace,
// returning the ids of non-archived channels whose name ends in
// "-admin" or "-admins".
func (d *AdminDiscovery) DiscoverAdminChannels(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		channels, nextCursor, err := d.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Types:           []string{"public_channel", "private_channel"},
			Limit:           200,
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			if ch.IsArchived {
				continue
			}
			if strings.HasSuffix(ch.Name, "-admin") || strings.HasSuffix(ch.Name, "-admins") {
				ids = append(ids, ch.ID)
			}
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	return ids, nil
}

// IsArchived reports whether channelID is currently archived, used by
// the supervisor's startup health check.
func (d *AdminDiscovery) IsArchived(ctx context.Context, channelID string) (bool, error) {
	info, err := d.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return false, err
	}
	return info.IsArchived, nil
}
