package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/neomorfeo/subflow/internal/domain"
)

const attemptColumns = `id, subscription_id, state, retry_count, next_retry_at, lease_until,
	last_error, project_id, invoice_id, created_at, updated_at`

func (s *Store) CreateApprovalAttempt(ctx context.Context, a domain.ApprovalAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubscriptionID, string(a.State), a.RetryCount,
		formatTime(a.NextRetryAt), nullableTime(a.LeaseUntil),
		a.LastError, a.ProjectID, a.InvoiceID,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isOpenAttemptViolation(err) {
			return domain.ErrAttemptInFlight
		}
		return fmt.Errorf("inserting approval attempt: %w", err)
	}
	return nil
}

func (s *Store) GetApprovalAttempt(ctx context.Context, id string) (domain.ApprovalAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM approval_attempts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotFound
	}
	return a, err
}

func (s *Store) FindOpenAttempt(ctx context.Context, subscriptionID string) (domain.ApprovalAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM approval_attempts
		 WHERE subscription_id = ? AND state IN `+openStates, subscriptionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotFound
	}
	return a, err
}

func (s *Store) UpdateApprovalAttempt(ctx context.Context, a domain.ApprovalAttempt) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_attempts
		 SET state = ?, retry_count = ?, next_retry_at = ?, lease_until = ?,
		     last_error = ?, project_id = ?, invoice_id = ?, updated_at = ?
		 WHERE id = ?`,
		string(a.State), a.RetryCount, formatTime(a.NextRetryAt), nullableTime(a.LeaseUntil),
		a.LastError, a.ProjectID, a.InvoiceID, formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		if isOpenAttemptViolation(err) {
			return domain.ErrAttemptInFlight
		}
		return fmt.Errorf("updating approval attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrAttemptNotFound
	}
	return nil
}

// UpdateClaimedAttempt fences the write on the claimed lease. Every claim
// moves lease_until forward, so a worker whose lease was taken over no
// longer matches.
func (s *Store) UpdateClaimedAttempt(ctx context.Context, a domain.ApprovalAttempt, lease time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_attempts
		 SET state = ?, retry_count = ?, next_retry_at = ?, lease_until = ?,
		     last_error = ?, project_id = ?, invoice_id = ?, updated_at = ?
		 WHERE id = ? AND lease_until = ? AND state IN `+openStates,
		string(a.State), a.RetryCount, formatTime(a.NextRetryAt), nullableTime(a.LeaseUntil),
		a.LastError, a.ProjectID, a.InvoiceID, formatTime(a.UpdatedAt),
		a.ID, formatTime(lease),
	)
	if err != nil {
		return fmt.Errorf("updating claimed attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetApprovalAttempt(ctx, a.ID); err != nil {
			return err
		}
		return domain.ErrLeaseLost
	}
	return nil
}

// ClaimApprovalAttempt leases one attempt with a conditional update, so
// concurrent workers cannot both win.
func (s *Store) ClaimApprovalAttempt(ctx context.Context, id string, now, leaseUntil time.Time) (domain.ApprovalAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`UPDATE approval_attempts SET lease_until = ?
		 WHERE id = ?
		   AND state IN `+openStates+`
		   AND next_retry_at <= ?
		   AND (lease_until IS NULL OR lease_until <= ?)
		 RETURNING `+attemptColumns,
		formatTime(leaseUntil), id, formatTime(now), formatTime(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetApprovalAttempt(ctx, id); getErr != nil {
			return domain.ApprovalAttempt{}, getErr
		}
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotClaimable
	}
	if err != nil {
		return domain.ApprovalAttempt{}, fmt.Errorf("claiming approval attempt: %w", err)
	}
	return a, nil
}

func (s *Store) ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.ApprovalAttempt, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`UPDATE approval_attempts SET lease_until = ?
		 WHERE id IN (
		     SELECT id FROM approval_attempts
		     WHERE state IN `+openStates+`
		       AND next_retry_at <= ?
		       AND (lease_until IS NULL OR lease_until <= ?)
		     ORDER BY next_retry_at
		     LIMIT ?
		 )
		 RETURNING `+attemptColumns,
		formatTime(leaseUntil), formatTime(now), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due retries: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.ApprovalAttempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	slices.SortFunc(claimed, func(a, b domain.ApprovalAttempt) int {
		return a.NextRetryAt.Compare(b.NextRetryAt)
	})
	return claimed, nil
}

func scanAttempt(row rowScanner) (domain.ApprovalAttempt, error) {
	var a domain.ApprovalAttempt
	var state, nextRetryAt, createdAt, updatedAt string
	var leaseUntil sql.NullString

	err := row.Scan(
		&a.ID, &a.SubscriptionID, &state, &a.RetryCount, &nextRetryAt, &leaseUntil,
		&a.LastError, &a.ProjectID, &a.InvoiceID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApprovalAttempt{}, err
		}
		return domain.ApprovalAttempt{}, fmt.Errorf("scanning approval attempt: %w", err)
	}

	a.State = domain.AttemptState(state)
	a.NextRetryAt = parseTime(nextRetryAt)
	a.LeaseUntil = parseNullTime(leaseUntil)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// isOpenAttemptViolation reports a hit on the one-open-attempt index.
func isOpenAttemptViolation(err error) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), "approval_attempts.subscription_id")
}
