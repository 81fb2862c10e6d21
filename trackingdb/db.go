// Package trackingdb persists widget tracking rows in SQLite. It implements
// the livesync.Store contract consumed by the delivery loops, plus the
// registration and resync writes the host application calls when a client
// registers a token or reports a fresh counter.
package trackingdb

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/xerrors"

	_ "modernc.org/sqlite"

	"github.com/stridesync/stridesync/livesync"
)

const schema = `
CREATE TABLE IF NOT EXISTS widget_tracking (
	user_id           TEXT PRIMARY KEY,
	push_token        TEXT,
	device_token      TEXT,
	step_count        INTEGER,
	step_goal         INTEGER,
	last_sync_at      INTEGER,
	last_pushed_value INTEGER,
	last_push_at      INTEGER
);
`

type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the tracking database at path and
// applies the production pragmas and schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open tracking database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// ListTrackable returns every record with at least one delivery channel.
func (d *DB) ListTrackable(ctx context.Context) ([]livesync.TrackingRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT user_id, push_token, device_token, step_count, step_goal,
		       last_sync_at, last_pushed_value, last_push_at
		FROM widget_tracking
		WHERE push_token IS NOT NULL OR device_token IS NOT NULL`)
	if err != nil {
		return nil, xerrors.Errorf("query tracking records: %w", err)
	}
	defer rows.Close()

	var records []livesync.TrackingRecord
	for rows.Next() {
		var (
			rec                    livesync.TrackingRecord
			pushToken, deviceToken sql.NullString
			count, goal, pushed    sql.NullInt64
			syncAt, pushAt         sql.NullInt64
		)
		err := rows.Scan(&rec.UserID, &pushToken, &deviceToken, &count, &goal, &syncAt, &pushed, &pushAt)
		if err != nil {
			return nil, xerrors.Errorf("scan tracking record: %w", err)
		}
		rec.PushToken = pushToken.String
		rec.DeviceToken = deviceToken.String
		rec.StepCount = count.Int64
		rec.StepGoal = goal.Int64
		rec.LastSyncAt = unixTime(syncAt)
		rec.LastPushedValue = pushed.Int64
		rec.LastPushAt = unixTime(pushAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("iterate tracking records: %w", err)
	}
	return records, nil
}

// UpdatePushTracking records a confirmed successful push. Counter fields are
// never touched here; they belong to the resync path.
func (d *DB) UpdatePushTracking(ctx context.Context, userID string, value int64, sentAt time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE widget_tracking SET last_pushed_value = ?, last_push_at = ?
		WHERE user_id = ?`, value, sentAt.Unix(), userID)
	if err != nil {
		return xerrors.Errorf("update push tracking for %q: %w", userID, err)
	}
	return nil
}

func (d *DB) DeleteRecord(ctx context.Context, userID string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM widget_tracking WHERE user_id = ?`, userID)
	if err != nil {
		return xerrors.Errorf("delete tracking record for %q: %w", userID, err)
	}
	return nil
}

// RegisterPushToken stores the widget push channel for a user, creating the
// row if needed. An empty token clears the channel.
func (d *DB) RegisterPushToken(ctx context.Context, userID, token string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO widget_tracking (user_id, push_token) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET push_token = excluded.push_token`,
		userID, nullString(token))
	if err != nil {
		return xerrors.Errorf("register push token for %q: %w", userID, err)
	}
	return nil
}

// RegisterDeviceToken stores the wake channel for a user, creating the row if
// needed. An empty token clears the channel.
func (d *DB) RegisterDeviceToken(ctx context.Context, userID, token string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO widget_tracking (user_id, device_token) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET device_token = excluded.device_token`,
		userID, nullString(token))
	if err != nil {
		return xerrors.Errorf("register device token for %q: %w", userID, err)
	}
	return nil
}

// UpsertCounterState records a trusted resync from the app.
func (d *DB) UpsertCounterState(ctx context.Context, userID string, count, goal int64, syncedAt time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO widget_tracking (user_id, step_count, step_goal, last_sync_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			step_count = excluded.step_count,
			step_goal = excluded.step_goal,
			last_sync_at = excluded.last_sync_at`,
		userID, count, goal, syncedAt.Unix())
	if err != nil {
		return xerrors.Errorf("upsert counter state for %q: %w", userID, err)
	}
	return nil
}

func unixTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
