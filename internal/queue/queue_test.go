package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ccdocs/master-relay/internal/ingest"
	"github.com/ccdocs/master-relay/internal/state"
)

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBootstrap_GroupSeesOnlyEntriesAppendedAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// An entry enqueued before Bootstrap must never surface: it predates
	// the group, matching the "from latest" guarantee.
	if _, err := Enqueue(ctx, s, ingest.ForwardJob{Type: "post", SourceTS: "stale"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := Bootstrap(ctx, s); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := Enqueue(ctx, s, ingest.ForwardJob{Type: "post", SourceTS: "fresh"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, err := Read(ctx, s, "worker-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Job.SourceTS != "fresh" {
		t.Fatalf("expected only the post-bootstrap entry, got %+v", entries)
	}
}

func TestEnqueueReadAck_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := Bootstrap(ctx, s); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	job := ingest.ForwardJob{
		Type:                "post",
		Category:            "managed_admin",
		SourceChannelID:     "C1",
		SourceChannelName:   "acme-admin",
		TargetChannelID:     "CMASTER",
		User:                "U1",
		SourceTS:            "100.001",
		IsThreadReply:       true,
		ThreadTS:            "99.000",
		Text:                "hello",
		Attachments:         []map[string]any{{"title": "a"}},
		Files:               []map[string]any{{"name": "f.png"}},
		OriginatingBotIndex: 2,
	}

	id, err := Enqueue(ctx, s, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty entry id")
	}

	entries, err := Read(ctx, s, "worker-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	got := entries[0].Job
	if got.Type != job.Type || got.SourceChannelID != job.SourceChannelID || got.TargetChannelID != job.TargetChannelID {
		t.Fatalf("decoded job mismatch: %+v", got)
	}
	if !got.IsThreadReply {
		t.Fatalf("expected IsThreadReply=true to survive encoding round trip")
	}
	if len(got.Attachments) != 1 || got.Attachments[0]["title"] != "a" {
		t.Fatalf("expected attachments to survive JSON round trip, got %+v", got.Attachments)
	}
	if got.OriginatingBotIndex != 2 {
		t.Fatalf("expected originating bot index 2, got %d", got.OriginatingBotIndex)
	}

	if err := Ack(ctx, s, entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := s.PendingEntries(ctx, StreamName, GroupName, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after ack, got %v", pending)
	}
}

func TestEnqueue_EmptyAttachmentsEncodeAsEmptyJSONArray(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := Bootstrap(ctx, s); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if _, err := Enqueue(ctx, s, ingest.ForwardJob{Type: "post", SourceTS: "1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := Read(ctx, s, "worker-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].Job.Attachments) != 0 {
		t.Fatalf("expected no attachments, got %+v", entries[0].Job.Attachments)
	}
}
