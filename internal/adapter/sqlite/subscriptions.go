package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neomorfeo/subflow/internal/domain"
)

const subscriptionColumns = `id, user_id, plan_name, plan_price, plan_currency, status, duration_months,
	start_date, end_date, approval_attempt_id, version, created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sub.ID, sub.UserID, sub.Plan.Name, sub.Plan.Price, sub.Plan.Currency,
		string(sub.Status), sub.DurationMonths,
		formatTime(sub.StartDate), formatTime(sub.EndDate),
		nullableString(sub.ApprovalAttemptID),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *Store) LoadSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) SaveSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = ?, duration_months = ?, start_date = ?, end_date = ?,
		     approval_attempt_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(sub.Status), sub.DurationMonths,
		formatTime(sub.StartDate), formatTime(sub.EndDate),
		nullableString(sub.ApprovalAttemptID), formatTime(sub.UpdatedAt),
		sub.ID, sub.Version,
	)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("updating subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.LoadSubscription(ctx, sub.ID); err != nil {
			return domain.Subscription{}, err
		}
		return domain.Subscription{}, domain.ErrConcurrencyConflict
	}

	sub.Version++
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, filter domain.ListFilter) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1 = 1`
	var args []any

	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}

	query += ` ORDER BY created_at, id`

	// SQLite requires LIMIT whenever OFFSET is present.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (domain.Subscription, error) {
	var sub domain.Subscription
	var status, startDate, endDate, createdAt, updatedAt string
	var attemptID sql.NullString

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Plan.Name, &sub.Plan.Price, &sub.Plan.Currency,
		&status, &sub.DurationMonths, &startDate, &endDate, &attemptID,
		&sub.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, err
		}
		return domain.Subscription{}, fmt.Errorf("scanning subscription: %w", err)
	}

	sub.Status = domain.Status(status)
	sub.StartDate = parseTime(startDate)
	sub.EndDate = parseTime(endDate)
	sub.ApprovalAttemptID = attemptID.String
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)

	return sub, nil
}
