// Package billing implements domain.InvoiceProvisioner against an external
// billing service over HTTP.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/neomorfeo/subflow/internal/domain"
)

// IdempotencyHeader carries the invoice reference number. The billing
// service returns the existing invoice when it sees a key twice.
const IdempotencyHeader = "Idempotency-Key"

var _ domain.InvoiceProvisioner = (*Client)(nil)

// Client calls POST {baseURL}/invoices.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Deadlines come from the
// request context, so the client itself needs no timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type invoiceRequest struct {
	ReferenceNumber   string `json:"reference_number"`
	ProjectID         string `json:"project_id"`
	SubscriptionID    string `json:"subscription_id"`
	ApprovalAttemptID string `json:"approval_attempt_id"`
	Plan              string `json:"plan"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

type invoiceResponse struct {
	ID              string    `json:"id"`
	ReferenceNumber string    `json:"reference_number"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Generate issues the invoice for req. Network failures, deadlines, 408, 429
// and 5xx responses are transient; every other non-2xx is permanent.
func (c *Client) Generate(ctx context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	body, err := json.Marshal(invoiceRequest{
		ReferenceNumber:   req.ReferenceNumber,
		ProjectID:         req.ProjectID,
		SubscriptionID:    req.SubscriptionID,
		ApprovalAttemptID: req.ApprovalAttemptID,
		Plan:              req.Plan.Name,
		Amount:            req.Plan.Price,
		Currency:          req.Plan.Currency,
	})
	if err != nil {
		return domain.Invoice{}, domain.PermanentProvisionerError(fmt.Errorf("encoding invoice request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		return domain.Invoice{}, domain.PermanentProvisionerError(fmt.Errorf("building invoice request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.ReferenceNumber)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.Invoice{}, domain.TransientProvisionerError(fmt.Errorf("calling billing service: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Invoice{}, domain.TransientProvisionerError(fmt.Errorf("reading billing response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if retriableStatus(resp.StatusCode) {
			return domain.Invoice{}, domain.TransientProvisionerError(statusErr)
		}
		return domain.Invoice{}, domain.PermanentProvisionerError(statusErr)
	}

	var out invoiceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// The invoice may exist; a retry with the same key is safe.
		return domain.Invoice{}, domain.TransientProvisionerError(fmt.Errorf("decoding billing response: %w", err))
	}
	if out.ID == "" {
		return domain.Invoice{}, domain.TransientProvisionerError(errors.New("billing response missing invoice id"))
	}
	if out.ReferenceNumber != "" && out.ReferenceNumber != req.ReferenceNumber {
		return domain.Invoice{}, domain.PermanentProvisionerError(fmt.Errorf(
			"billing returned reference %q for %q", out.ReferenceNumber, req.ReferenceNumber))
	}

	inv := domain.Invoice{
		ID:                out.ID,
		ReferenceNumber:   req.ReferenceNumber,
		ProjectID:         req.ProjectID,
		SubscriptionID:    req.SubscriptionID,
		ApprovalAttemptID: req.ApprovalAttemptID,
		Amount:            out.Amount,
		Currency:          out.Currency,
		Status:            domain.InvoiceStatus(out.Status),
		CreatedAt:         out.CreatedAt.UTC(),
	}
	if inv.Currency == "" {
		inv.Currency = req.Plan.Currency
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceIssued
	}
	return inv, nil
}

// StatusError is a non-2xx response from the billing service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("billing service returned %d", e.Code)
	}
	return fmt.Sprintf("billing service returned %d: %s", e.Code, e.Body)
}

func retriableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
