package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mechcat/partsync/internal/replica/ledger"
)

const entryColumns = `id, entity_name, entity_id, operation, payload, base_version, timestamp`

// appendChange inserts one ledger row and returns its id.
func appendChange(ctx context.Context, q querier, e ledger.Entry) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("invalid ledger entry: %w", err)
	}

	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
	INSERT INTO change_log (entity_name, entity_id, operation, payload, base_version, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	`, e.EntityName, e.EntityID, string(e.Operation), payload, e.BaseVersion, e.Timestamp.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry for %s: %w", e.Key(), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger entry id: %w", err)
	}
	return id, nil
}

func deleteChange(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM change_log WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ledger entry %d: %w", id, err)
	}
	return nil
}

// ChangesSince returns entries with after < timestamp <= until, ascending.
// A zero until means no upper bound.
func (db *DB) ChangesSince(ctx context.Context, after, until time.Time) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM change_log WHERE timestamp > ?`
	args := []any{timeArg(after)}
	if !until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, until.UTC().UnixNano())
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// PendingChanges returns every ledger entry, ascending.
func (db *DB) PendingChanges(ctx context.Context) ([]ledger.Entry, error) {
	return db.ChangesSince(ctx, time.Time{}, time.Time{})
}

// DeleteChange removes one propagated ledger entry.
func (db *DB) DeleteChange(ctx context.Context, id int64) error {
	return deleteChange(ctx, db.conn, id)
}

// CountChanges returns the number of ledger entries.
func (db *DB) CountChanges(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}

// scanEntries is a helper function to scan ledger rows.
func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry

	for rows.Next() {
		var e ledger.Entry
		var op string
		var payload sql.NullString
		var ts int64

		if err := rows.Scan(&e.ID, &e.EntityName, &e.EntityID, &op, &payload, &e.BaseVersion, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		parsed, err := ledger.ParseOperation(op)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.ID, err)
		}
		e.Operation = parsed
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = time.Unix(0, ts).UTC()

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger: %w", err)
	}

	return entries, nil
}

// RecordConflict appends a resolved conflict to conflict_log.
func (db *DB) RecordConflict(ctx context.Context, c ledger.ConflictRecord, resolution string) error {
	detected := c.Timestamp
	if detected.IsZero() {
		detected = db.now()
	}

	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO conflict_log (
		entity_name, entity_id, local_payload, remote_payload,
		local_version, remote_version, local_timestamp, remote_timestamp,
		detected_at, resolution, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.EntityName,
		c.EntityID,
		rawToNull(c.LocalPayload),
		rawToNull(c.RemotePayload),
		c.LocalVersion,
		c.RemoteVersion,
		timeArg(c.LocalTimestamp),
		timeArg(c.RemoteTimestamp),
		timeArg(detected),
		resolution,
		db.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s: %w", c.Key(), err)
	}
	return nil
}

// ListConflicts returns the most recent conflict log rows, newest first.
// A limit of 0 returns every row.
func (db *DB) ListConflicts(ctx context.Context, limit int) ([]ledger.ConflictLog, error) {
	query := `
	SELECT id, entity_name, entity_id, local_payload, remote_payload,
	       local_version, remote_version, local_timestamp, remote_timestamp,
	       detected_at, resolution, resolved_at
	FROM conflict_log
	ORDER BY resolved_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict log: %w", err)
	}
	defer rows.Close()

	var logs []ledger.ConflictLog
	for rows.Next() {
		var l ledger.ConflictLog
		var localPayload, remotePayload sql.NullString
		var localTS, remoteTS, detected, resolved int64

		err := rows.Scan(
			&l.ID,
			&l.Conflict.EntityName,
			&l.Conflict.EntityID,
			&localPayload,
			&remotePayload,
			&l.Conflict.LocalVersion,
			&l.Conflict.RemoteVersion,
			&localTS,
			&remoteTS,
			&detected,
			&l.Resolution,
			&resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		if localPayload.Valid {
			l.Conflict.LocalPayload = json.RawMessage(localPayload.String)
		}
		if remotePayload.Valid {
			l.Conflict.RemotePayload = json.RawMessage(remotePayload.String)
		}
		l.Conflict.LocalTimestamp = nanosToTime(localTS)
		l.Conflict.RemoteTimestamp = nanosToTime(remoteTS)
		l.Conflict.Timestamp = nanosToTime(detected)
		l.ResolvedAt = nanosToTime(resolved)

		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return logs, nil
}

// timeArg converts a time to the stored nanosecond form; zero maps to 0.
func timeArg(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
