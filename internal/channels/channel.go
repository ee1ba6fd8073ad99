// Package channels hosts one SlackListener per configured bot identity,
// each holding its own long-lived socket connection and delegating all
// decision logic to internal/ingest and internal/categ.
package channels

import (
	"context"
)

// Channel is a single running platform integration, started by
// internal/supervisor and run until ctx is canceled or a fatal error
// occurs.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "bot-1").
	Name() string

	// Start begins listening for messages. It blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
