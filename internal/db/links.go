package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

const linkColumns = `l.id, l.task_id, l.event_id, l.calendar_id, l.event_title, l.event_description,
	l.event_start, l.event_end, l.task_last_modified_at, l.calendar_last_modified_at,
	l.last_synced_at, l.sync_status, l.conflict_detected, l.strategy, l.version,
	l.created_at, l.updated_at`

// InsertLink stores a new link with version 1. A task can have at most one
// link; a second insert returns ErrLinkExists.
func (o ops) InsertLink(ctx context.Context, link *schema.CalendarEventLink) error {
	if err := link.Validate(); err != nil {
		return fmt.Errorf("invalid link: %w", err)
	}

	if _, err := o.GetLinkByTask(ctx, link.TaskID); err == nil {
		return fmt.Errorf("task %s: %w", link.TaskID, ErrLinkExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	link.Version = 1
	query := `
	INSERT INTO calendar_links (
		id, task_id, event_id, calendar_id, event_title, event_description,
		event_start, event_end, task_last_modified_at, calendar_last_modified_at,
		last_synced_at, sync_status, conflict_detected, strategy, version,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := o.exec(ctx, query,
		link.ID,
		link.TaskID,
		link.EventID,
		link.CalendarID,
		link.EventTitle,
		link.EventDescription,
		timeToNullString(link.EventStart),
		timeToNullString(link.EventEnd),
		formatTime(link.TaskLastModifiedAt),
		formatTime(link.CalendarLastModifiedAt),
		formatTime(link.LastSyncedAt),
		string(link.SyncStatus),
		boolToInt(link.ConflictDetected),
		string(link.Strategy),
		link.Version,
		formatTime(link.CreatedAt),
		formatTime(link.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert link for task %s: %w", link.TaskID, err)
	}
	return nil
}

// GetLink returns the link with the given id or ErrNotFound.
func (o ops) GetLink(ctx context.Context, id string) (*schema.CalendarEventLink, error) {
	return o.getLinkWhere(ctx, "l.id = ?", id)
}

// GetLinkByTask returns the link for a task or ErrNotFound.
func (o ops) GetLinkByTask(ctx context.Context, taskID string) (*schema.CalendarEventLink, error) {
	return o.getLinkWhere(ctx, "l.task_id = ?", taskID)
}

func (o ops) getLinkWhere(ctx context.Context, cond string, arg string) (*schema.CalendarEventLink, error) {
	rows, err := o.query(ctx, `SELECT `+linkColumns+` FROM calendar_links l WHERE `+cond, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query link: %w", err)
	}
	defer rows.Close()

	links, err := scanLinks(rows)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("link for %s: %w", arg, ErrNotFound)
	}
	return links[0], nil
}

// UpdateLink writes the link if its Version still matches the stored row,
// then increments link.Version. A mismatch returns ErrStaleLink.
func (o ops) UpdateLink(ctx context.Context, link *schema.CalendarEventLink) error {
	if err := link.Validate(); err != nil {
		return fmt.Errorf("invalid link: %w", err)
	}

	query := `
	UPDATE calendar_links SET
		event_id = ?, calendar_id = ?, event_title = ?, event_description = ?,
		event_start = ?, event_end = ?, task_last_modified_at = ?,
		calendar_last_modified_at = ?, last_synced_at = ?, sync_status = ?,
		conflict_detected = ?, strategy = ?, version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?`
	res, err := o.exec(ctx, query,
		link.EventID,
		link.CalendarID,
		link.EventTitle,
		link.EventDescription,
		timeToNullString(link.EventStart),
		timeToNullString(link.EventEnd),
		formatTime(link.TaskLastModifiedAt),
		formatTime(link.CalendarLastModifiedAt),
		formatTime(link.LastSyncedAt),
		string(link.SyncStatus),
		boolToInt(link.ConflictDetected),
		string(link.Strategy),
		formatTime(link.UpdatedAt),
		link.ID,
		link.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update link %s: %w", link.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := o.GetLink(ctx, link.ID); errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("link %s at version %d: %w", link.ID, link.Version, ErrStaleLink)
	}

	link.Version++
	return nil
}

// DeleteLink removes a link and its history. Returns nil if it doesn't exist.
func (o ops) DeleteLink(ctx context.Context, id string) error {
	if _, err := o.exec(ctx, `DELETE FROM calendar_links WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", id, err)
	}
	return nil
}

// LinkFilter narrows ListLinks. Zero values match everything.
type LinkFilter struct {
	Statuses     []schema.SyncStatus
	ConflictOnly bool
	// SyncEnabledOnly skips links whose task has sync switched off.
	SyncEnabledOnly bool
}

// ListLinks returns links ordered by last sync time, oldest first.
func (o ops) ListLinks(ctx context.Context, filter LinkFilter) ([]*schema.CalendarEventLink, error) {
	var conditions []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "l.sync_status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ConflictOnly {
		conditions = append(conditions, "l.conflict_detected = 1")
	}
	if filter.SyncEnabledOnly {
		conditions = append(conditions, "t.sync_enabled = 1")
	}

	query := `SELECT ` + linkColumns + ` FROM calendar_links l JOIN tasks t ON t.id = l.task_id`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY l.last_synced_at ASC"

	rows, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	return scanLinks(rows)
}

// CountLinksByStatus returns the number of links in each status. Statuses
// with no links are present with a zero count.
func (o ops) CountLinksByStatus(ctx context.Context) (map[schema.SyncStatus]int, error) {
	rows, err := o.query(ctx, `SELECT sync_status, COUNT(*) FROM calendar_links GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count links: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncStatus]int, len(schema.AllSyncStatuses))
	for _, s := range schema.AllSyncStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan link count: %w", err)
		}
		counts[schema.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link counts: %w", err)
	}
	return counts, nil
}

func scanLinks(rows *sql.Rows) ([]*schema.CalendarEventLink, error) {
	var links []*schema.CalendarEventLink
	for rows.Next() {
		var l schema.CalendarEventLink
		var start, end sql.NullString
		var taskMod, calMod, synced, status, strategy, createdAt, updatedAt string
		var conflict int

		err := rows.Scan(
			&l.ID, &l.TaskID, &l.EventID, &l.CalendarID, &l.EventTitle, &l.EventDescription,
			&start, &end, &taskMod, &calMod,
			&synced, &status, &conflict, &strategy, &l.Version,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}

		l.SyncStatus = schema.SyncStatus(status)
		l.Strategy = schema.Strategy(strategy)
		l.ConflictDetected = conflict != 0

		if l.EventStart, err = nullStringToTime(start); err != nil {
			return nil, err
		}
		if l.EventEnd, err = nullStringToTime(end); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *time.Time
			src string
		}{
			{&l.TaskLastModifiedAt, taskMod},
			{&l.CalendarLastModifiedAt, calMod},
			{&l.LastSyncedAt, synced},
			{&l.CreatedAt, createdAt},
			{&l.UpdatedAt, updatedAt},
		} {
			if *f.dst, err = parseTime(f.src); err != nil {
				return nil, fmt.Errorf("link %s: %w", l.ID, err)
			}
		}

		links = append(links, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}
