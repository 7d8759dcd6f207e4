package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
)

// ErrNoData indicates either that nothing was recorded for the given
// parameters, or that the reader is exhausted.
var ErrNoData = errors.New("no data available")

// ReaderOption narrows what a QualityReader iterates over.
type ReaderOption func(*QualityReader)

// WithStartUS skips snapshots recorded before t.
func WithStartUS(t int64) ReaderOption {
	return func(r *QualityReader) {
		r.startUS = &t
	}
}

// WithEndUS skips snapshots recorded after t.
func WithEndUS(t int64) ReaderOption {
	return func(r *QualityReader) {
		r.endUS = &t
	}
}

// WithTimeRangeUS bounds the iteration to [start, end].
func WithTimeRangeUS(start, end int64) ReaderOption {
	return func(r *QualityReader) {
		r.startUS = &start
		r.endUS = &end
	}
}

const selectQualitySQL = `
SELECT recorded_us, channel, quality
FROM channel_quality
WHERE session_id = ?
  AND recorded_us BETWEEN ? AND ?
ORDER BY recorded_us, channel`

// QualityReader iterates a session's channel-quality snapshots in recording
// order, regrouping the per-channel rows into whole tables. Each reader is
// single-goroutine; Close releases the underlying rows.
type QualityReader struct {
	rows *sql.Rows
	err  error

	startUS *int64
	endUS   *int64

	current *QualitySnapshot

	// one row of lookahead, carried across Next calls
	pendingUS  int64
	pendingCh  int
	pendingQ   uint8
	hasPending bool
}

// ReadQuality opens a snapshot reader for sessionID.
func (s *SqliteStore) ReadQuality(ctx context.Context, sessionID string, opts ...ReaderOption) (*QualityReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	r := &QualityReader{}
	for _, opt := range opts {
		opt(r)
	}

	start, end := int64(0), int64(1)<<62
	if r.startUS != nil {
		start = *r.startUS
	}
	if r.endUS != nil {
		end = *r.endUS
	}

	rows, err := db.QueryContext(ctx, selectQualitySQL, sessionID, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying quality snapshots: %w", err)
	}

	r.rows = rows
	return r, nil
}

// Next advances to the next snapshot; false means exhaustion or error.
func (r *QualityReader) Next() bool {
	if r.err != nil {
		return false
	}

	var snap *QualitySnapshot

	consume := func(us int64, ch int, q uint8) {
		if snap == nil {
			snap = &QualitySnapshot{RecordedUS: us}
		}
		if ch >= 0 && ch < hopping.ChannelCount {
			snap.Quality[ch] = q
		}
	}

	if r.hasPending {
		consume(r.pendingUS, r.pendingCh, r.pendingQ)
		r.hasPending = false
	}

	for r.rows.Next() {
		var us int64
		var ch int
		var q uint8
		if err := r.rows.Scan(&us, &ch, &q); err != nil {
			r.err = err
			return false
		}

		if snap != nil && us != snap.RecordedUS {
			// First row of the next snapshot; hold it for the next call.
			r.pendingUS, r.pendingCh, r.pendingQ = us, ch, q
			r.hasPending = true
			r.current = snap
			return true
		}
		consume(us, ch, q)
	}

	if snap == nil {
		return false
	}
	r.current = snap
	return true
}

// Current returns the snapshot Next advanced to.
func (r *QualityReader) Current() *QualitySnapshot {
	return r.current
}

// Error reports any failure during iteration.
func (r *QualityReader) Error() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the database resources.
func (r *QualityReader) Close() error {
	return r.rows.Close()
}
