package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

// AppendHistory appends a sync history record.
func (o ops) AppendHistory(ctx context.Context, rec *schema.SyncHistoryRecord) error {
	if rec.ID == "" {
		rec.ID = schema.NewID()
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid history record: %w", err)
	}

	changes, err := schema.EncodeChanges(rec.Changes)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sync_history (id, link_id, sync_type, direction, status, changes, error_message, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = o.exec(ctx, query,
		rec.ID,
		rec.LinkID,
		string(rec.Type),
		string(rec.Direction),
		string(rec.Status),
		changes,
		stringToNull(rec.Error),
		formatTime(rec.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history for link %s: %w", rec.LinkID, err)
	}
	return nil
}

// ListHistory returns a link's history newest first. limit <= 0 returns
// every record.
func (o ops) ListHistory(ctx context.Context, linkID string, limit int) ([]*schema.SyncHistoryRecord, error) {
	query := `
	SELECT id, link_id, sync_type, direction, status, changes, error_message, synced_at
	FROM sync_history
	WHERE link_id = ?
	ORDER BY synced_at DESC`
	args := []any{linkID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []*schema.SyncHistoryRecord{}
	for rows.Next() {
		var rec schema.SyncHistoryRecord
		var syncType, direction, status, changes, syncedAt string
		var errMsg sql.NullString

		if err := rows.Scan(&rec.ID, &rec.LinkID, &syncType, &direction, &status, &changes, &errMsg, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		rec.Type = schema.SyncType(syncType)
		rec.Direction = schema.SyncDirection(direction)
		rec.Status = schema.SyncStatus(status)
		rec.Error = errMsg.String
		if rec.Changes, err = schema.DecodeChanges(changes); err != nil {
			return nil, err
		}
		if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, err
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return records, nil
}

// ConsecutiveFailures counts the failed attempts recorded for a link since
// its last successful one, and returns the time of the most recent failure.
func (o ops) ConsecutiveFailures(ctx context.Context, linkID string) (int, time.Time, error) {
	records, err := o.ListHistory(ctx, linkID, 0)
	if err != nil {
		return 0, time.Time{}, err
	}

	count := 0
	var last time.Time
	for _, rec := range records {
		if !rec.Failed() {
			break
		}
		if count == 0 {
			last = rec.SyncedAt
		}
		count++
	}
	return count, last, nil
}

// CountHistory returns the number of history records, and how many of them
// recorded an error.
func (o ops) CountHistory(ctx context.Context) (total, failed int, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END), 0) FROM sync_history`
	if err := o.queryRow(ctx, query).Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count history: %w", err)
	}
	return total, failed, nil
}
