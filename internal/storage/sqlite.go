package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/host"
)

//go:embed schema.sql
var schemaSQL string

// Indexes are created on Close so bulk inserts during the run stay cheap.
const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_updates_session_time ON tracker_updates (session_id, received_us);
CREATE INDEX IF NOT EXISTS idx_quality_session_time ON channel_quality (session_id, recorded_us);
`

const (
	insertSessionSQL = `
INSERT INTO sessions (id, started_at, receiver_mac, config)
VALUES (?, CURRENT_TIMESTAMP, ?, ?)`

	selectSessionSQL = `
SELECT id, started_at, receiver_mac, config
FROM sessions
WHERE id = ?`

	selectSessionsSQL = `
SELECT id, started_at, receiver_mac, config
FROM sessions
ORDER BY started_at`

	insertUpdatesSQL = `
INSERT INTO tracker_updates (session_id,
                             received_us,
                             tracker_id,
                             quat_w, quat_x, quat_y, quat_z,
                             battery,
                             flags,
                             rssi,
                             frame_num)
VALUES `

	insertQualitySQL = `
INSERT INTO channel_quality (session_id, recorded_us, channel, quality)
VALUES `

	selectStatsSQL = `
SELECT COUNT(*),
       COUNT(DISTINCT tracker_id),
       COALESCE(MIN(received_us), 0),
       COALESCE(MAX(received_us), 0)
FROM tracker_updates
WHERE session_id = ?`
)

// SqliteStore implements Store over a single database file. Reads and
// writes go through separate lazily opened connections so a renderer can
// follow a live recording.
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store over dbPath. The schema is initialized on
// first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, receiverMAC string, config any) (sessionID string, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	sessionID = uuid.NewString()
	if _, err = stmt.ExecContext(ctx, sessionID, receiverMAC, configData); err != nil {
		err = fmt.Errorf("inserting session: %w", err)
	}
	return
}

func (s *SqliteStore) Session(ctx context.Context, id string) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var sess Session
	var config sql.NullString
	if err = stmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.StartedAt, &sess.ReceiverMAC, &config); err != nil {
		err = fmt.Errorf("scanning session: %w", err)
		return
	}
	if config.Valid {
		sess.Config = &config.String
	}

	return &sess, nil
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartedAt, &sess.ReceiverMAC, &config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func (s *SqliteStore) StoreUpdates(ctx context.Context, sessionID string, batch []host.Update) (err error) {
	if len(batch) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]any, 0, len(batch)*11)

	var sb strings.Builder
	sb.WriteString(insertUpdatesSQL)

	for i, u := range batch {
		values = append(values,
			sessionID,
			u.ReceivedUS,
			u.TrackerID,
			u.Quat[0], u.Quat[1], u.Quat[2], u.Quat[3],
			u.Battery,
			u.Flags,
			u.RSSI,
			u.FrameNum,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting updates: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) StoreQualitySnapshot(ctx context.Context, sessionID string, recordedUS int64, quality [hopping.ChannelCount]uint8) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]any, 0, len(quality)*4)

	var sb strings.Builder
	sb.WriteString(insertQualitySQL)

	for ch, q := range quality {
		values = append(values, sessionID, recordedUS, ch, q)

		if ch > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?)")
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting quality snapshot: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Stats summarizes the update stream of one session.
func (s *SqliteStore) Stats(ctx context.Context, sessionID string) (stats SessionStats, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectStatsSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	if err = stmt.QueryRowContext(ctx, sessionID).Scan(&stats.Updates, &stats.Trackers, &stats.FirstUS, &stats.LastUS); err != nil {
		err = fmt.Errorf("scanning stats: %w", err)
	}
	return
}

// LatestSession returns the most recently started session.
func (s *SqliteStore) LatestSession(ctx context.Context) (*Session, error) {
	sessions, err := s.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoData
	}
	return sessions[len(sessions)-1], nil
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && *err == nil && !errors.Is(cErr, sql.ErrTxDone) {
		*err = cErr
	}
}
