// Package state implements the relay's Shared State Store: a local,
// embedded key/value-with-TTL store plus an append-only stream with
// consumer-group semantics, both backed by SQLite. It is the only
// cross-goroutine (and, when the relay is deployed with replicated data
// directories, cross-process) coordination point the rest of the system
// relies on: FCFS claims, source-ts->target-ts mappings, and the
// forwarding job queue all live here.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// maxStreamEntries bounds each stream's retained entries. Trimming on
// append is approximate (best-effort, not exact), matching the
// approximate=true semantics spec'd for streamAppend.
const maxStreamEntries = 10000

// Store is the Shared State Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create data dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnreachable returns a Store wrapping an already-closed *sql.DB, so
// every operation fails the way an unreachable network-backed store
// would. It exists to exercise the fail-open claim path
// in tests without standing up a real broken connection.
func OpenUnreachable() *Store {
	db, _ := sql.Open("sqlite3", ":memory:")
	_ = db.Close()
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("state: set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS stream_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			inserted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_entries_stream_id ON stream_entries(stream, id);`,
		`CREATE TABLE IF NOT EXISTS stream_groups (
			stream TEXT NOT NULL,
			group_name TEXT NOT NULL,
			last_delivered_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (stream, group_name)
		);`,
		`CREATE TABLE IF NOT EXISTS stream_pending (
			stream TEXT NOT NULL,
			group_name TEXT NOT NULL,
			id INTEGER NOT NULL,
			consumer TEXT NOT NULL,
			delivered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (stream, group_name, id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state: exec schema stmt: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// jittered backoff, capped at maxRetries attempts.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// Claim implements set-if-absent-with-expiry. It returns true iff the
// caller became the owner of key. If the store is
// unreachable the caller fails open: the claim is reported as won so
// duplication under partition is preferred over silently dropping the
// event.
func (s *Store) Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var won bool
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existing string
		row := tx.QueryRowContext(ctx, `
			SELECT value FROM kv
			WHERE key = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP);`, key)
		switch scanErr := row.Scan(&existing); {
		case scanErr == nil:
			won = false
			return tx.Rollback()
		case errors.Is(scanErr, sql.ErrNoRows):
			// fallthrough to insert
		default:
			return scanErr
		}

		expiresAt := time.Now().UTC().Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;`,
			key, value, expiresAt); err != nil {
			return err
		}
		won = true
		return tx.Commit()
	})
	if err != nil {
		// Fail open: an unreachable/erroring store must not block or drop
		// the event. Duplication is tolerable, loss is not.
		return true, fmt.Errorf("state: claim %q degraded to fail-open: %w", key, err)
	}
	return won, nil
}

// GetString returns the value for key, or ok=false if absent or expired.
func (s *Store) GetString(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv
		WHERE key = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP);`, key)
	switch scanErr := row.Scan(&value); {
	case scanErr == nil:
		return value, true, nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("state: get %q: %w", key, scanErr)
	}
}

// SetString writes key=value with the given TTL (0 means no expiry).
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;`,
			key, value, expiresAt)
		if err != nil {
			return fmt.Errorf("state: set %q: %w", key, err)
		}
		return nil
	})
}

// StreamAppend appends fields onto stream, returning the new entry id.
// The stream is trimmed to approximately maxStreamEntries entries.
func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("state: marshal stream fields: %w", err)
	}

	var id int64
	err = retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO stream_entries (stream, fields_json) VALUES (?, ?);`, stream, string(payload))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		// Approximate trim: drop entries past the newest maxStreamEntries.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM stream_entries
			WHERE stream = ? AND id NOT IN (
				SELECT id FROM stream_entries WHERE stream = ? ORDER BY id DESC LIMIT ?
			);`, stream, stream, maxStreamEntries); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("state: append to stream %q: %w", stream, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// StreamEntry is one delivered stream record.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// pelReclaimIdle bounds how long a pending-entry-list row can sit
// unacknowledged under one consumer before StreamReadGroup redelivers
// it to whichever consumer asks next. A var, not a const, so tests can
// shorten it instead of waiting for a real crash-replay window. Set
// comfortably above the worker's own read-to-ack latency (a full
// 10-entry batch retried through the rate-limited retry envelope) so a
// still-working consumer is not redelivered out from under itself.
var pelReclaimIdle = 2 * time.Minute

// StreamReadGroup reads up to count undelivered entries from stream for
// group/consumer, creating the group (from latest, mkstream) if absent.
// block bounds how long to wait for at least one entry when the stream
// is currently caught up.
func (s *Store) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamEntry, error) {
	if err := s.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(block)
	for {
		entries, err := s.readGroupOnce(ctx, stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 || time.Now().After(deadline) {
			return entries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Store) ensureGroup(ctx context.Context, stream, group string) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		row := tx.QueryRowContext(ctx, `
			SELECT 1 FROM stream_groups WHERE stream = ? AND group_name = ?;`, stream, group)
		if scanErr := row.Scan(&exists); scanErr == nil {
			return tx.Rollback()
		} else if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		// New group reads from latest: last_delivered_id starts at the
		// current max id (mkstream semantics — an empty stream starts at 0).
		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(id) FROM stream_entries WHERE stream = ?;`, stream).Scan(&maxID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stream_groups (stream, group_name, last_delivered_id) VALUES (?, ?, ?);`,
			stream, group, maxID.Int64); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// readGroupOnce first redelivers any pending-entry-list rows that have
// sat unacknowledged for longer than pelReclaimIdle (the crash-replay
// path: "unacknowledged stream entries are reclaimed by the next
// worker via the consumer group's pending-entry list"), then fills the
// remainder of count with entries the group has never delivered.
func (s *Store) readGroupOnce(ctx context.Context, stream, group, consumer string, count int) ([]StreamEntry, error) {
	var entries []StreamEntry
	err := retryOnBusy(ctx, 3, func() error {
		entries = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		reclaimed, err := reclaimStalePending(ctx, tx, stream, group, consumer, count)
		if err != nil {
			return err
		}
		entries = append(entries, reclaimed...)

		if remaining := count - len(entries); remaining > 0 {
			fresh, err := deliverFreshEntries(ctx, tx, stream, group, consumer, remaining)
			if err != nil {
				return err
			}
			entries = append(entries, fresh...)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("state: read group %q/%q: %w", stream, group, err)
	}
	return entries, nil
}

// reclaimStalePending redelivers up to count pending-entry-list rows
// idle longer than pelReclaimIdle to consumer, reassigning ownership
// (and resetting delivered_at) without touching last_delivered_id,
// which tracks never-yet-delivered entries only.
func reclaimStalePending(ctx context.Context, tx *sql.Tx, stream, group, consumer string, count int) ([]StreamEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-pelReclaimIdle).UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT stream_pending.id, stream_entries.fields_json
		FROM stream_pending
		JOIN stream_entries
			ON stream_entries.stream = stream_pending.stream AND stream_entries.id = stream_pending.id
		WHERE stream_pending.stream = ? AND stream_pending.group_name = ? AND stream_pending.delivered_at <= ?
		ORDER BY stream_pending.id ASC LIMIT ?;`, stream, group, cutoff, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StreamEntry
	var ids []int64
	for rows.Next() {
		var id int64
		var fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, err
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("unmarshal stream fields: %w", err)
		}
		entries = append(entries, StreamEntry{ID: strconv.FormatInt(id, 10), Fields: fields})
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_pending SET consumer = ?, delivered_at = CURRENT_TIMESTAMP
			WHERE stream = ? AND group_name = ? AND id = ?;`, consumer, stream, group, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// deliverFreshEntries delivers up to count entries the group has never
// delivered before, advancing last_delivered_id and recording each in
// the pending-entry list.
func deliverFreshEntries(ctx context.Context, tx *sql.Tx, stream, group, consumer string, count int) ([]StreamEntry, error) {
	var lastDelivered int64
	if err := tx.QueryRowContext(ctx, `
		SELECT last_delivered_id FROM stream_groups WHERE stream = ? AND group_name = ?;`,
		stream, group).Scan(&lastDelivered); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, fields_json FROM stream_entries
		WHERE stream = ? AND id > ?
		ORDER BY id ASC LIMIT ?;`, stream, lastDelivered, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StreamEntry
	var maxSeen int64
	for rows.Next() {
		var id int64
		var fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, err
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("unmarshal stream fields: %w", err)
		}
		entries = append(entries, StreamEntry{ID: strconv.FormatInt(id, 10), Fields: fields})
		maxSeen = id

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stream_pending (stream, group_name, id, consumer) VALUES (?, ?, ?, ?)
			ON CONFLICT(stream, group_name, id) DO UPDATE SET consumer = excluded.consumer, delivered_at = CURRENT_TIMESTAMP;`,
			stream, group, id, consumer); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxSeen > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_groups SET last_delivered_id = ? WHERE stream = ? AND group_name = ?;`,
			maxSeen, stream, group); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// StreamAck removes entryID from the group's pending-entry list.
func (s *Store) StreamAck(ctx context.Context, stream, group, entryID string) error {
	id, err := strconv.ParseInt(entryID, 10, 64)
	if err != nil {
		return fmt.Errorf("state: ack: invalid entry id %q: %w", entryID, err)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM stream_pending WHERE stream = ? AND group_name = ? AND id = ?;`,
			stream, group, id)
		if err != nil {
			return fmt.Errorf("state: ack %q/%q/%s: %w", stream, group, entryID, err)
		}
		return nil
	})
}

// PendingEntries lists entries in group's pending-entry list for stream,
// used by the supervisor/worker to reclaim jobs left unacked by a crashed
// consumer (unacknowledged stream entries are reclaimed by the
// next worker via the consumer group's pending-entry list").
func (s *Store) PendingEntries(ctx context.Context, stream, group string, olderThan time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM stream_pending
		WHERE stream = ? AND group_name = ? AND delivered_at <= ?
		ORDER BY id ASC;`, stream, group, time.Now().Add(-olderThan).UTC())
	if err != nil {
		return nil, fmt.Errorf("state: list pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return ids, rows.Err()
}
