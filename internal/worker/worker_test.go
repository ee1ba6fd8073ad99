package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/ccdocs/master-relay/internal/ingest"
	"github.com/ccdocs/master-relay/internal/queue"
	"github.com/ccdocs/master-relay/internal/state"
)

type fakeClient struct {
	posts   []postCall
	updates []updateCall
	parent  ParentMessage
	parentErr error
	postErr error
	nextTS  int
}

type postCall struct {
	channelID, text, threadTS string
	attachments               []map[string]any
}

type updateCall struct {
	channelID, ts, text string
}

func (f *fakeClient) PostMessage(ctx context.Context, channelID, text, threadTS string, attachments []map[string]any) (string, error) {
	if f.postErr != nil {
		err := f.postErr
		f.postErr = nil
		return "", err
	}
	f.posts = append(f.posts, postCall{channelID, text, threadTS, attachments})
	f.nextTS++
	return "T" + itoa(f.nextTS), nil
}

func (f *fakeClient) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	f.updates = append(f.updates, updateCall{channelID, ts, text})
	return nil
}

func (f *fakeClient) FetchParent(ctx context.Context, channelID, ts string) (ParentMessage, error) {
	if f.parentErr != nil {
		return ParentMessage{}, f.parentErr
	}
	return f.parent, nil
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandlePost_NewMessage_StoresMsgMap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := queue.Bootstrap(ctx, store); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	job := ingest.ForwardJob{
		Type: "post", Category: "managed_admin",
		SourceChannelID: "C123", SourceChannelName: "acme-admin",
		TargetChannelID: "MASTER1", User: "U1", SourceTS: "1700000100.0001",
		OriginatingBotIndex: 1,
	}
	if _, err := queue.Enqueue(ctx, store, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := &fakeClient{}
	w := New(store, map[int]PlatformClient{1: client}, nil)

	entries, err := queue.Read(ctx, store, "c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	w.handle(ctx, entries[0])

	if len(client.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(client.posts))
	}
	if client.posts[0].channelID != "MASTER1" {
		t.Fatalf("wrong target channel: %q", client.posts[0].channelID)
	}

	ts, ok, err := store.GetString(ctx, msgMapKey("C123", "1700000100.0001"))
	if err != nil || !ok {
		t.Fatalf("expected msg map to be stored, ok=%v err=%v", ok, err)
	}
	if ts != "T1" {
		t.Fatalf("unexpected mapped ts: %q", ts)
	}
}

func TestHandlePost_ThreadReply_SynthesizesParentBeforeReply(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	client := &fakeClient{parent: ParentMessage{Text: "original", User: "U9", TS: "1700000000.0001"}}
	w := New(store, map[int]PlatformClient{1: client}, nil)

	job := ingest.ForwardJob{
		Type: "post", Category: "agent",
		SourceChannelID: "C123", SourceChannelName: "team-agent",
		TargetChannelID: "MASTER2", User: "U1", SourceTS: "1700000100.0001",
		ThreadTS: "1700000000.0001", IsThreadReply: true,
		OriginatingBotIndex: 1,
	}

	if err := w.handlePost(ctx, client, nil, job, discardLogger()); err != nil {
		t.Fatalf("handlePost: %v", err)
	}

	if len(client.posts) != 2 {
		t.Fatalf("expected parent + reply post, got %d", len(client.posts))
	}
	if client.posts[1].threadTS == "" {
		t.Fatalf("expected reply to carry thread_ts")
	}

	parentTS, ok, err := store.GetString(ctx, parentMapKey("C123", "1700000000.0001"))
	if err != nil || !ok {
		t.Fatalf("expected parent map to be stored, ok=%v err=%v", ok, err)
	}
	if client.posts[1].threadTS != parentTS {
		t.Fatalf("reply thread_ts %q != stored parent ts %q", client.posts[1].threadTS, parentTS)
	}
}

func TestHandlePost_ThreadReply_CacheHitSkipsParentFetch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetString(ctx, parentMapKey("C123", "1700000000.0001"), "CACHEDTS", mapTTL); err != nil {
		t.Fatalf("seed parent map: %v", err)
	}

	client := &fakeClient{parentErr: errors.New("should not be called")}
	w := New(store, map[int]PlatformClient{1: client}, nil)

	job := ingest.ForwardJob{
		Type: "post", SourceChannelID: "C123", SourceChannelName: "team-agent",
		TargetChannelID: "MASTER2", User: "U1", SourceTS: "1700000100.0001",
		ThreadTS: "1700000000.0001", IsThreadReply: true, OriginatingBotIndex: 1,
	}

	if err := w.handlePost(ctx, client, nil, job, discardLogger()); err != nil {
		t.Fatalf("handlePost: %v", err)
	}
	if len(client.posts) != 1 {
		t.Fatalf("expected only the reply post (no synthetic parent), got %d", len(client.posts))
	}
	if client.posts[0].threadTS != "CACHEDTS" {
		t.Fatalf("expected cached parent ts to be reused, got %q", client.posts[0].threadTS)
	}
}

func TestHandleUpdate_NoMapping_IsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	client := &fakeClient{}
	w := New(store, map[int]PlatformClient{1: client}, nil)

	job := ingest.ForwardJob{
		Type: "update", SourceChannelID: "C999", TargetChannelID: "MASTER1",
		SourceTS: "1700000100.0001", OriginatingBotIndex: 1,
	}
	if err := w.handleUpdate(ctx, client, nil, job, discardLogger()); err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if len(client.updates) != 0 {
		t.Fatalf("expected no update call, got %d", len(client.updates))
	}
}

func TestHandleUpdate_WithMapping_UpdatesTargetMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SetString(ctx, msgMapKey("C123", "1700000100.0001"), "T1", mapTTL); err != nil {
		t.Fatalf("seed msg map: %v", err)
	}
	client := &fakeClient{}
	w := New(store, map[int]PlatformClient{1: client}, nil)

	job := ingest.ForwardJob{
		Type: "update", SourceChannelID: "C123", SourceChannelName: "acme-admin",
		TargetChannelID: "MASTER1", User: "U1", SourceTS: "1700000100.0001",
		Text: "edited text", OriginatingBotIndex: 1,
	}
	if err := w.handleUpdate(ctx, client, nil, job, discardLogger()); err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(client.updates))
	}
	if client.updates[0].ts != "T1" {
		t.Fatalf("expected update against mapped ts T1, got %q", client.updates[0].ts)
	}
}

func TestClientFor_FallsBackToAnyAvailableIdentity(t *testing.T) {
	store := openTestStore(t)
	client2 := &fakeClient{}
	w := New(store, map[int]PlatformClient{2: client2}, nil)

	c, _ := w.clientFor(1) // bot 1 is not running in this process
	if c != client2 {
		t.Fatalf("expected fallback to the only available client")
	}
}

func TestCallWithRetry_RetryAfterHonored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	calls := 0
	start := time.Now()
	err := callWithRetry(ctx, nil, func() error {
		calls++
		if calls == 1 {
			return &slack.RateLimitedError{RetryAfter: 10 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("callWithRetry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected the call to have waited out Retry-After")
	}
}

func TestCallWithRetry_TransientErrorBackoffThenGivesUp(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := callWithRetry(ctx, nil, func() error {
		calls++
		return &slack.SlackErrorResponse{Err: "internal_error"}
	})
	if err == nil {
		t.Fatalf("expected callWithRetry to give up and return the last error")
	}
	if calls != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, calls)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
