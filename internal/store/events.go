// ABOUTME: Processed-event ledger for idempotency across retries and restarts
// ABOUTME: Rows are swept by processed_at once they age past the retention window

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type eventStore struct {
	d *Database
}

func (s *eventStore) MarkProcessed(ctx context.Context, eventID, source, eventType string) error {
	_, err := s.d.insert(ctx, `
		INSERT INTO processed_events (event_id, source, event_type, processed_at)
		VALUES (?, ?, ?, ?)`,
		eventID, source, eventType, formatTime(time.Now().UTC()),
	)
	// Marking twice is harmless; the unique (event_id, source) key already
	// records the fact.
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking event %s/%s processed: %w", source, eventID, err)
	}
	return nil
}

func (s *eventStore) IsProcessed(ctx context.Context, eventID, source string) (bool, error) {
	var count int
	err := s.d.get(ctx, &count,
		`SELECT COUNT(*) FROM processed_events WHERE event_id = ? AND source = ?`,
		eventID, source)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *eventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	affected, err := s.d.exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweeping processed events: %w", err)
	}
	return affected, nil
}

func (s *eventStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.d.get(ctx, &count, `SELECT COUNT(*) FROM processed_events`); err != nil {
		return 0, err
	}
	return count, nil
}
