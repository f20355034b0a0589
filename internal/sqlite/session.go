package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/repository"
)

var _ repository.SessionRepository = (*SessionRepository)(nil)

// SessionRepository implements repository.SessionRepository for SQLite.
// The record invariants are enforced in SQL: duration and last update only
// grow, a closed record stays closed and start is never rewritten.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts rec. An existing id is left untouched, so a retried create
// collapses into one record.
func (r *SessionRepository) Create(ctx context.Context, rec *session.Record) (string, error) {
	if rec == nil || rec.UserID == "" {
		return "", repository.ErrInvalidInput
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta, err := json.Marshal(rec.DeviceMeta)
	if err != nil {
		return "", fmt.Errorf("failed to encode device meta: %w", err)
	}

	query := `
		INSERT INTO session_records (
			id, device_id, user_id, start_ms, last_updated_ms,
			duration_seconds, active, device_meta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		id,
		rec.DeviceID,
		rec.UserID,
		rec.Start.UnixMilli(),
		rec.LastUpdated.UnixMilli(),
		rec.DurationSeconds,
		boolToInt(rec.Active),
		string(meta),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session record: %w", err)
	}
	return id, nil
}

// Update applies patch to an existing record.
func (r *SessionRepository) Update(ctx context.Context, id string, patch session.Patch) error {
	var sets []string
	var args []any
	if patch.LastUpdated != nil {
		sets = append(sets, "last_updated_ms = MAX(last_updated_ms, ?)")
		args = append(args, patch.LastUpdated.UnixMilli())
	}
	if patch.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = MAX(duration_seconds, ?)")
		args = append(args, *patch.DurationSeconds)
	}
	if patch.Active != nil {
		sets = append(sets, "active = MIN(active, ?)")
		args = append(args, boolToInt(*patch.Active))
	}
	if len(sets) == 0 {
		sets = append(sets, "id = id")
	}

	query := "UPDATE session_records SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Upsert creates rec if absent, otherwise merges it under the same rules as
// Update.
func (r *SessionRepository) Upsert(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return repository.ErrInvalidInput
	}
	meta, err := json.Marshal(rec.DeviceMeta)
	if err != nil {
		return fmt.Errorf("failed to encode device meta: %w", err)
	}

	query := `
		INSERT INTO session_records (
			id, device_id, user_id, start_ms, last_updated_ms,
			duration_seconds, active, device_meta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_updated_ms = MAX(session_records.last_updated_ms, excluded.last_updated_ms),
			duration_seconds = MAX(session_records.duration_seconds, excluded.duration_seconds),
			active = MIN(session_records.active, excluded.active)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.DeviceID,
		rec.UserID,
		rec.Start.UnixMilli(),
		rec.LastUpdated.UnixMilli(),
		rec.DurationSeconds,
		boolToInt(rec.Active),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session record: %w", err)
	}
	return nil
}

// Delete removes a record
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Query returns records matching filter, newest first
func (r *SessionRepository) Query(ctx context.Context, filter session.Filter) ([]session.Record, error) {
	query := `
		SELECT
			id, device_id, user_id, start_ms, last_updated_ms,
			duration_seconds, active, device_meta
		FROM session_records
		WHERE 1 = 1
	`
	var args []any
	if filter.ID != "" {
		query += " AND id = ?"
		args = append(args, filter.ID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Active != nil {
		query += " AND active = ?"
		args = append(args, boolToInt(*filter.Active))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND last_updated_ms < ?"
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}
	query += " ORDER BY start_ms DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	var records []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}

	return records, nil
}

func scanRecord(rows *sql.Rows) (session.Record, error) {
	var rec session.Record
	var startMs, updatedMs int64
	var active int
	var meta string
	if err := rows.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.UserID,
		&startMs,
		&updatedMs,
		&rec.DurationSeconds,
		&active,
		&meta,
	); err != nil {
		return session.Record{}, fmt.Errorf("failed to scan session record: %w", err)
	}
	rec.Start = time.UnixMilli(startMs).UTC()
	rec.LastUpdated = time.UnixMilli(updatedMs).UTC()
	rec.Active = active == 1
	if err := json.Unmarshal([]byte(meta), &rec.DeviceMeta); err != nil {
		return session.Record{}, fmt.Errorf("failed to decode device meta: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
