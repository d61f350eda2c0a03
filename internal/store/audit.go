package store

import (
	"context"
	"fmt"
	"time"

	"github.com/connectias/warden/internal/eventbus"
)

// InsertEvent persists one security audit event. Duplicate ids are ignored
// so a replayed bus event never fails the subscriber.
func (s *Store) InsertEvent(ctx context.Context, event eventbus.SecurityEvent) error {
	if event.ID == "" {
		return fmt.Errorf("store: audit event id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, plugin_id, detail, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		event.ID, string(event.Kind), event.PluginID, event.Detail,
		event.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert audit event %s: %w", event.ID, err)
	}
	return nil
}

// RecentEvents returns up to limit audit events, newest first. An empty
// pluginID returns events for all plugins.
func (s *Store) RecentEvents(ctx context.Context, limit int, pluginID string) ([]eventbus.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, plugin_id, detail, at
		FROM audit_events`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit events: %w", err)
	}
	defer rows.Close()

	var events []eventbus.SecurityEvent
	for rows.Next() {
		var event eventbus.SecurityEvent
		var kind, at string
		if err := rows.Scan(&event.ID, &kind, &event.PluginID, &event.Detail, &at); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		event.Kind = eventbus.SecurityEventKind(kind)
		event.At = parseTimestamp(at)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query audit events: %w", err)
	}
	return events, nil
}

// PruneEventsBefore deletes audit events older than cutoff and reports how
// many rows were removed.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: prune audit events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune audit events: %w", err)
	}
	return affected, nil
}
