package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neomorfeo/subflow/internal/domain"
)

// AppendEvent assigns the next sequence inside the insert itself, so two
// writers can never take the same number.
func (s *Store) AppendEvent(ctx context.Context, e domain.DomainEvent) (domain.DomainEvent, error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO domain_events (subscription_id, sequence, user_id, type, payload, emitted_at)
		 SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?
		 FROM domain_events WHERE subscription_id = ?
		 RETURNING sequence`,
		e.SubscriptionID, e.UserID, string(e.Type), payload, formatTime(e.EmittedAt),
		e.SubscriptionID,
	).Scan(&e.Sequence)
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("appending event: %w", err)
	}
	return e, nil
}

func (s *Store) ReadEventsSince(ctx context.Context, subscriptionID string, after int64) ([]domain.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription_id, sequence, user_id, type, payload, emitted_at
		 FROM domain_events
		 WHERE subscription_id = ? AND sequence > ?
		 ORDER BY sequence`,
		subscriptionID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.DomainEvent, 0)
	for rows.Next() {
		var e domain.DomainEvent
		var typ, payload, emittedAt string
		if err := rows.Scan(&e.SubscriptionID, &e.Sequence, &e.UserID, &typ, &payload, &emittedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = domain.EventType(typ)
		e.Payload = json.RawMessage(payload)
		e.EmittedAt = parseTime(emittedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) RecordAudit(ctx context.Context, entry domain.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, actor, subscription_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.Actor, entry.SubscriptionID, string(details), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor, subscription_id, details, created_at
		 FROM audit_logs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var entry domain.AuditEntry
		var details, createdAt string
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.SubscriptionID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, fmt.Errorf("decoding audit details: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
