// Package queue wraps internal/state's stream primitives with the
// fixed stream/group names and field encoding the forwarding pipeline
// uses: stream "forwarding:jobs", consumer group "workers", all fields
// encoded as strings (JSON for attachments/files, "1"/"0" for booleans,
// decimal for integers).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ccdocs/master-relay/internal/ingest"
	"github.com/ccdocs/master-relay/internal/state"
)

const (
	StreamName = "forwarding:jobs"
	GroupName  = "workers"

	// ReadBlock and ReadCount match the worker's consumer-group read loop:
	// block up to 5s per read, at most 10 entries at a time.
	ReadBlock = 5 * time.Second
	ReadCount = 10
)

// Entry is a queued job together with the stream entry id its ack
// targets.
type Entry struct {
	ID  string
	Job ingest.ForwardJob
}

// Bootstrap creates the workers consumer group if it does not already
// exist. A freshly created group only sees entries appended after its
// creation, so this must run once at daemon startup, before any
// listener is given the chance to enqueue a job, or that job would
// never be delivered to a worker.
func Bootstrap(ctx context.Context, store *state.Store) error {
	_, err := store.StreamReadGroup(ctx, StreamName, GroupName, "bootstrap", 0, 0)
	return err
}

// Enqueue appends job onto forwarding:jobs.
func Enqueue(ctx context.Context, store *state.Store, job ingest.ForwardJob) (string, error) {
	fields, err := encode(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	return store.StreamAppend(ctx, StreamName, fields)
}

// Read pulls up to ReadCount pending jobs for consumer from the workers
// group, blocking up to ReadBlock. Entries whose fields fail to decode
// are skipped with an error logged by the caller, not fatal to the
// batch — a single malformed entry should not starve the rest of the
// queue.
func Read(ctx context.Context, store *state.Store, consumer string) ([]Entry, error) {
	raw, err := store.StreamReadGroup(ctx, StreamName, GroupName, consumer, ReadCount, ReadBlock)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		job, err := decode(r.Fields)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: r.ID, Job: job})
	}
	return entries, nil
}

// Ack acknowledges entryID in the workers group.
func Ack(ctx context.Context, store *state.Store, entryID string) error {
	return store.StreamAck(ctx, StreamName, GroupName, entryID)
}

func encode(job ingest.ForwardJob) (map[string]string, error) {
	attachments, err := json.Marshal(job.Attachments)
	if err != nil {
		return nil, err
	}
	files, err := json.Marshal(job.Files)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"type":                  job.Type,
		"category":              job.Category,
		"source_channel_id":     job.SourceChannelID,
		"source_channel_name":   job.SourceChannelName,
		"target_channel_id":     job.TargetChannelID,
		"user":                  job.User,
		"source_ts":             job.SourceTS,
		"thread_ts":             job.ThreadTS,
		"is_thread_reply":       boolString(job.IsThreadReply),
		"text":                  job.Text,
		"attachments":           string(attachments),
		"files":                 string(files),
		"bot_id":                strconv.Itoa(job.OriginatingBotIndex),
	}, nil
}

func decode(fields map[string]string) (ingest.ForwardJob, error) {
	var attachments []map[string]any
	if v := fields["attachments"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &attachments); err != nil {
			return ingest.ForwardJob{}, fmt.Errorf("queue: decode attachments: %w", err)
		}
	}
	var files []map[string]any
	if v := fields["files"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &files); err != nil {
			return ingest.ForwardJob{}, fmt.Errorf("queue: decode files: %w", err)
		}
	}
	botIndex, err := strconv.Atoi(fields["bot_id"])
	if err != nil {
		return ingest.ForwardJob{}, fmt.Errorf("queue: decode bot_id: %w", err)
	}

	return ingest.ForwardJob{
		Type:                fields["type"],
		Category:            fields["category"],
		SourceChannelID:     fields["source_channel_id"],
		SourceChannelName:   fields["source_channel_name"],
		TargetChannelID:     fields["target_channel_id"],
		User:                fields["user"],
		SourceTS:            fields["source_ts"],
		ThreadTS:            fields["thread_ts"],
		IsThreadReply:       fields["is_thread_reply"] == "1",
		Text:                fields["text"],
		Attachments:         attachments,
		Files:               files,
		OriginatingBotIndex: botIndex,
	}, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
