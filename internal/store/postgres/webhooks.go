package postgres

import (
	"context"
	"fmt"
	"time"
)

// RecordWebhookEvent reports whether eventID is new
func (s *Store) RecordWebhookEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, at)
	if err != nil {
		return false, fmt.Errorf("recording webhook event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
