// Package storage persists link sessions to SQLite: the telemetry stream
// accepted by the receiver and periodic channel-quality snapshots, keyed by
// a session so multiple runs can share one database file.
package storage

import (
	"context"
	"time"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/host"
)

// Session is one recorded run of the receiver.
type Session struct {
	ID          string
	StartedAt   time.Time
	ReceiverMAC string
	Config      *string
}

// QualitySnapshot is the channel table at one instant.
type QualitySnapshot struct {
	RecordedUS int64
	Quality    [hopping.ChannelCount]uint8
}

// SessionStats summarizes one session's recorded data.
type SessionStats struct {
	Updates  int64
	Trackers int64
	FirstUS  int64
	LastUS   int64
}

// Store is the write surface of the recorder. All writes are atomic; a
// batch of updates lands in a single transaction.
type Store interface {
	// CreateSession registers a new run and returns its identifier. Config
	// may be a string, []byte or any JSON-serializable value.
	CreateSession(ctx context.Context, receiverMAC string, config any) (sessionID string, err error)

	// Session retrieves one session by ID.
	Session(ctx context.Context, id string) (*Session, error)

	// Sessions lists all recorded sessions, oldest first.
	Sessions(ctx context.Context) ([]*Session, error)

	// StoreUpdates appends a batch of accepted telemetry records.
	StoreUpdates(ctx context.Context, sessionID string, batch []host.Update) error

	// StoreQualitySnapshot appends the channel table at recordedUS.
	StoreQualitySnapshot(ctx context.Context, sessionID string, recordedUS int64, quality [hopping.ChannelCount]uint8) error

	// Close releases the database connections. Safe to call repeatedly.
	Close() error
}
