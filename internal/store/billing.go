package store

import (
	"fmt"
	"time"
)

// RecordBillingEvent persists an external billing event exactly once.
// Returns ErrDuplicateEvent when the event ID has already been processed;
// callers treat that as success and skip reprocessing.
func (s *Store) RecordBillingEvent(ev *BillingEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO billing_events (id, kind, tenant_id, payload, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.TenantID, ev.Payload, ev.ProcessedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("billing event %s: %w", ev.ID, ErrDuplicateEvent)
		}
		return fmt.Errorf("record billing event: %w", err)
	}
	return nil
}

// ListBillingEvents returns the most recent billing events, newest first.
func (s *Store) ListBillingEvents(limit int) ([]BillingEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, tenant_id, payload, processed_at
		FROM billing_events ORDER BY processed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	defer rows.Close()

	var out []BillingEvent
	for rows.Next() {
		var ev BillingEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.TenantID, &ev.Payload, &at); err != nil {
			return nil, err
		}
		ev.ProcessedAt = time.Unix(at, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
