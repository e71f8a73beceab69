package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neomorfeo/subflow/internal/domain"
)

const projectColumns = `id, subscription_id, approval_attempt_id, title, status, created_at`

// CreateProject is idempotent per (subscription, approval attempt).
func (s *Store) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, approval_attempt_id) DO NOTHING`,
		p.ID, p.SubscriptionID, p.ApprovalAttemptID, p.Title, p.Status, formatTime(p.CreatedAt),
	)
	if err != nil {
		return domain.Project{}, fmt.Errorf("inserting project: %w", err)
	}

	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects
		 WHERE subscription_id = ? AND approval_attempt_id = ?`,
		p.SubscriptionID, p.ApprovalAttemptID,
	))
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id,
	))
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var createdAt string

	err := row.Scan(&p.ID, &p.SubscriptionID, &p.ApprovalAttemptID, &p.Title, &p.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, domain.ErrProjectNotFound
		}
		return domain.Project{}, fmt.Errorf("scanning project: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

const invoiceColumns = `id, reference_number, project_id, subscription_id, approval_attempt_id,
	amount, currency, status, created_at`

// RecordInvoice is idempotent per reference number.
func (s *Store) RecordInvoice(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (reference_number) DO NOTHING`,
		inv.ID, inv.ReferenceNumber, inv.ProjectID, inv.SubscriptionID, inv.ApprovalAttemptID,
		inv.Amount, inv.Currency, string(inv.Status), formatTime(inv.CreatedAt),
	)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("inserting invoice: %w", err)
	}

	stored, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE reference_number = ?`, inv.ReferenceNumber,
	))
	if err != nil {
		return domain.Invoice{}, err
	}
	return stored, nil
}

func (s *Store) ListInvoices(ctx context.Context, subscriptionID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id = ? ORDER BY created_at, id`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var status, createdAt string

	err := row.Scan(
		&inv.ID, &inv.ReferenceNumber, &inv.ProjectID, &inv.SubscriptionID, &inv.ApprovalAttemptID,
		&inv.Amount, &inv.Currency, &status, &createdAt,
	)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("scanning invoice: %w", err)
	}

	inv.Status = domain.InvoiceStatus(status)
	inv.CreatedAt = parseTime(createdAt)
	return inv, nil
}
