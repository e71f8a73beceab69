package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/subflow/internal/app"
	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/eventbus"
)

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// PlanBody is a plan as sent and returned by the API.
type PlanBody struct {
	Name     string `json:"name" doc:"Plan name"`
	Price    int64  `json:"price" doc:"Price in the currency's smallest unit"`
	Currency string `json:"currency" doc:"ISO 4217 currency code"`
}

// SubscriptionResponse is the API representation of a subscription.
type SubscriptionResponse struct {
	ID                string   `json:"id" doc:"Unique identifier"`
	UserID            string   `json:"userId" doc:"Owner"`
	Plan              PlanBody `json:"plan"`
	Status            string   `json:"status" doc:"Lifecycle state"`
	DurationMonths    int      `json:"durationMonths"`
	StartDate         string   `json:"startDate" doc:"Tenure start (RFC 3339)"`
	EndDate           string   `json:"endDate" doc:"Tenure end (RFC 3339)"`
	ApprovalAttemptID string   `json:"approvalAttemptId,omitempty" doc:"Set while an approval is in flight"`
	Version           int64    `json:"version"`
	CreatedAt         string   `json:"createdAt"`
	UpdatedAt         string   `json:"updatedAt"`
}

func toSubscriptionResponse(s domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                s.ID,
		UserID:            s.UserID,
		Plan:              PlanBody{Name: s.Plan.Name, Price: s.Plan.Price, Currency: s.Plan.Currency},
		Status:            string(s.Status),
		DurationMonths:    s.DurationMonths,
		StartDate:         formatTime(s.StartDate),
		EndDate:           formatTime(s.EndDate),
		ApprovalAttemptID: s.ApprovalAttemptID,
		Version:           s.Version,
		CreatedAt:         formatTime(s.CreatedAt),
		UpdatedAt:         formatTime(s.UpdatedAt),
	}
}

func toSubscriptionResponses(subs []domain.Subscription) []SubscriptionResponse {
	resp := make([]SubscriptionResponse, len(subs))
	for i, s := range subs {
		resp[i] = toSubscriptionResponse(s)
	}
	return resp
}

// ApprovalAttemptResponse is the API representation of an approval attempt.
type ApprovalAttemptResponse struct {
	ID              string `json:"id"`
	SubscriptionID  string `json:"subscriptionId"`
	State           string `json:"state"`
	RetryCount      int    `json:"retryCount"`
	NextRetryAt     string `json:"nextRetryAt,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	ProjectID       string `json:"projectId,omitempty"`
	InvoiceID       string `json:"invoiceId,omitempty"`
	ReferenceNumber string `json:"referenceNumber"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

func toAttemptResponse(a domain.ApprovalAttempt) ApprovalAttemptResponse {
	resp := ApprovalAttemptResponse{
		ID:              a.ID,
		SubscriptionID:  a.SubscriptionID,
		State:           string(a.State),
		RetryCount:      a.RetryCount,
		LastError:       a.LastError,
		ProjectID:       a.ProjectID,
		InvoiceID:       a.InvoiceID,
		ReferenceNumber: a.ReferenceNumber(),
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
	if !a.State.Terminal() {
		resp.NextRetryAt = formatTime(a.NextRetryAt)
	}
	return resp
}

// InvoiceResponse is the API representation of an invoice.
type InvoiceResponse struct {
	ID                string `json:"id"`
	ReferenceNumber   string `json:"referenceNumber"`
	ProjectID         string `json:"projectId"`
	SubscriptionID    string `json:"subscriptionId"`
	ApprovalAttemptID string `json:"approvalAttemptId"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	CreatedAt         string `json:"createdAt"`
}

func toInvoiceResponse(inv domain.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:                inv.ID,
		ReferenceNumber:   inv.ReferenceNumber,
		ProjectID:         inv.ProjectID,
		SubscriptionID:    inv.SubscriptionID,
		ApprovalAttemptID: inv.ApprovalAttemptID,
		Amount:            inv.Amount,
		Currency:          inv.Currency,
		Status:            string(inv.Status),
		CreatedAt:         formatTime(inv.CreatedAt),
	}
}

// EventResponse is one entry of a subscription's event log.
type EventResponse struct {
	SubscriptionID string         `json:"subscriptionId"`
	UserID         string         `json:"userId"`
	Sequence       int64          `json:"sequence"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	EmittedAt      string         `json:"emittedAt"`
}

func toEventResponse(e domain.DomainEvent) EventResponse {
	var payload map[string]any
	if len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &payload)
	}
	return EventResponse{
		SubscriptionID: e.SubscriptionID,
		UserID:         e.UserID,
		Sequence:       e.Sequence,
		Type:           string(e.Type),
		Payload:        payload,
		EmittedAt:      formatTime(e.EmittedAt),
	}
}

// AuditResponse is one audit log entry.
type AuditResponse struct {
	ID             string            `json:"id"`
	Action         string            `json:"action"`
	Actor          string            `json:"actor"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	CreatedAt      string            `json:"createdAt"`
}

// --- Create ---

type CreateSubscriptionInput struct {
	Body struct {
		UserID         string   `json:"userId,omitempty" doc:"Owner; only admins may set it, clients always request for themselves"`
		Plan           PlanBody `json:"plan"`
		DurationMonths int      `json:"durationMonths,omitempty" default:"1" doc:"Requested tenure in months"`
	}
}

type SubscriptionOutput struct {
	Body SubscriptionResponse
}

// --- Read ---

type SubscriptionIDInput struct {
	ID string `path:"id" doc:"Subscription ID"`
}

type ListSubscriptionsInput struct {
	Status string `query:"status" required:"false" enum:"pending,active,rejected,cancelled,expired" doc:"Filter by status"`
	Limit  int    `query:"limit" required:"false" default:"50" minimum:"1" maximum:"500" doc:"Max results"`
	Offset int    `query:"offset" required:"false" default:"0" minimum:"0" doc:"Pagination offset"`
}

type ListSubscriptionsOutput struct {
	Body []SubscriptionResponse
}

type ListInvoicesOutput struct {
	Body []InvoiceResponse
}

type ListEventsInput struct {
	ID    string `path:"id" doc:"Subscription ID"`
	After int64  `query:"after" required:"false" default:"0" minimum:"0" doc:"Return events with a greater sequence"`
}

type ListEventsOutput struct {
	Body []EventResponse
}

// --- Lifecycle ---

type ExtendInput struct {
	ID   string `path:"id" doc:"Subscription ID"`
	Body struct {
		Months int `json:"months" doc:"Months to add to the end date"`
	}
}

type ApprovalAttemptOutput struct {
	Body ApprovalAttemptResponse
}

type AttemptIDInput struct {
	ID string `path:"id" doc:"Approval attempt ID"`
}

type ExpireDueOutput struct {
	Body struct {
		Expired []SubscriptionResponse `json:"expired"`
	}
}

type AuditLogInput struct {
	Limit int `query:"limit" required:"false" default:"100" minimum:"1" maximum:"1000" doc:"Max entries"`
}

type AuditLogOutput struct {
	Body []AuditResponse
}

type handler struct {
	svc  *app.SubscriptionService
	sync *eventbus.Synchronizer
}

// Register adds the subscription API, guarded by auth, to the Huma API.
func Register(api huma.API, svc *app.SubscriptionService, sync *eventbus.Synchronizer, auth domain.Authenticator) {
	registerSecurity(api)
	api.UseMiddleware(Authenticate(api, auth))

	h := &handler{svc: svc, sync: sync}
	tags := []string{"Subscriptions"}

	huma.Register(api, huma.Operation{
		OperationID:   "create-subscription",
		Method:        http.MethodPost,
		Path:          "/api/v1/subscriptions",
		Summary:       "Request a subscription",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Security:      bearerAuth,
	}, h.create)

	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions",
		Summary:     "List subscriptions",
		Description: "Clients only see their own subscriptions.",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.list)

	huma.Register(api, huma.Operation{
		OperationID: "export-subscriptions",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/export",
		Summary:     "Export subscriptions as CSV",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.export)

	huma.Register(api, huma.Operation{
		OperationID: "get-subscription",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/{id}",
		Summary:     "Get a subscription by ID",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.get)

	huma.Register(api, huma.Operation{
		OperationID:   "approve-subscription",
		Method:        http.MethodPost,
		Path:          "/api/v1/subscriptions/{id}/approve",
		Summary:       "Approve a pending subscription",
		Description:   "Activates the subscription and provisions its project. The invoice is generated in the background.",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
		Security:      bearerAuth,
	}, h.approve)

	huma.Register(api, huma.Operation{
		OperationID: "reject-subscription",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/{id}/reject",
		Summary:     "Reject a pending subscription",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.reject)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-subscription",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/{id}/cancel",
		Summary:     "Cancel an active subscription",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.cancel)

	huma.Register(api, huma.Operation{
		OperationID: "extend-subscription",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/{id}/extend",
		Summary:     "Extend an active subscription",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.extend)

	huma.Register(api, huma.Operation{
		OperationID: "expire-due-subscriptions",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/expire-due",
		Summary:     "Expire active subscriptions past their end date",
		Tags:        tags,
		Security:    bearerAuth,
	}, h.expireDue)

	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/{id}/invoices",
		Summary:     "List a subscription's invoices",
		Tags:        []string{"Invoices"},
		Security:    bearerAuth,
	}, h.invoices)

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/{id}/events",
		Summary:     "Read a subscription's event log",
		Tags:        []string{"Events"},
		Security:    bearerAuth,
	}, h.events)

	huma.Register(api, huma.Operation{
		OperationID: "get-approval-attempt",
		Method:      http.MethodGet,
		Path:        "/api/v1/approval-attempts/{id}",
		Summary:     "Get an approval attempt",
		Tags:        []string{"Invoices"},
		Security:    bearerAuth,
	}, h.attempt)

	huma.Register(api, huma.Operation{
		OperationID:   "retry-invoice",
		Method:        http.MethodPost,
		Path:          "/api/v1/approval-attempts/{id}/retry-invoice",
		Summary:       "Re-run invoice generation for a failed approval",
		Tags:          []string{"Invoices"},
		DefaultStatus: http.StatusAccepted,
		Security:      bearerAuth,
	}, h.retryInvoice)

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-logs",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit-logs",
		Summary:     "List recent audit entries",
		Tags:        []string{"Audit"},
		Security:    bearerAuth,
	}, h.auditLog)

	registerStream(api, h)
}

func (h *handler) create(ctx context.Context, input *CreateSubscriptionInput) (*SubscriptionOutput, error) {
	p := principal(ctx)
	userID := p.ID
	if input.Body.UserID != "" && input.Body.UserID != p.ID {
		if !p.IsAdmin() {
			return nil, toHumaError(domain.ErrForbidden)
		}
		userID = input.Body.UserID
	}

	plan := domain.Plan{
		Name:     input.Body.Plan.Name,
		Price:    input.Body.Plan.Price,
		Currency: input.Body.Plan.Currency,
	}
	sub, err := h.svc.Create(ctx, userID, plan, input.Body.DurationMonths)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &SubscriptionOutput{Body: toSubscriptionResponse(sub)}, nil
}

func (h *handler) list(ctx context.Context, input *ListSubscriptionsInput) (*ListSubscriptionsOutput, error) {
	subs, err := h.svc.List(ctx, h.filter(ctx, input.Status, input.Limit, input.Offset))
	if err != nil {
		return nil, toHumaError(err)
	}
	return &ListSubscriptionsOutput{Body: toSubscriptionResponses(subs)}, nil
}

// filter scopes a listing to the caller.
func (h *handler) filter(ctx context.Context, status string, limit, offset int) domain.ListFilter {
	filter := domain.ListFilter{Limit: limit, Offset: offset}
	if status != "" {
		s := domain.Status(status)
		filter.Status = &s
	}
	if p := principal(ctx); !p.IsAdmin() {
		filter.UserID = p.ID
	}
	return filter
}

// visible loads a subscription the caller is allowed to see.
func (h *handler) visible(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := h.svc.Get(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !owns(ctx, sub) {
		return domain.Subscription{}, domain.ErrForbidden
	}
	return sub, nil
}

func (h *handler) get(ctx context.Context, input *SubscriptionIDInput) (*SubscriptionOutput, error) {
	sub, err := h.visible(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &SubscriptionOutput{Body: toSubscriptionResponse(sub)}, nil
}

func (h *handler) approve(ctx context.Context, input *SubscriptionIDInput) (*ApprovalAttemptOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	attempt, err := h.svc.RequestApproval(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &ApprovalAttemptOutput{Body: toAttemptResponse(attempt)}, nil
}

func (h *handler) reject(ctx context.Context, input *SubscriptionIDInput) (*SubscriptionOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	sub, err := h.svc.Reject(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &SubscriptionOutput{Body: toSubscriptionResponse(sub)}, nil
}

// cancel is open to admins and to the subscription's owner.
func (h *handler) cancel(ctx context.Context, input *SubscriptionIDInput) (*SubscriptionOutput, error) {
	if _, err := h.visible(ctx, input.ID); err != nil {
		return nil, toHumaError(err)
	}
	sub, err := h.svc.Cancel(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &SubscriptionOutput{Body: toSubscriptionResponse(sub)}, nil
}

func (h *handler) extend(ctx context.Context, input *ExtendInput) (*SubscriptionOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	sub, err := h.svc.Extend(ctx, input.ID, input.Body.Months)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &SubscriptionOutput{Body: toSubscriptionResponse(sub)}, nil
}

func (h *handler) expireDue(ctx context.Context, _ *struct{}) (*ExpireDueOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	expired, err := h.svc.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return nil, toHumaError(err)
	}
	out := &ExpireDueOutput{}
	out.Body.Expired = toSubscriptionResponses(expired)
	return out, nil
}

func (h *handler) invoices(ctx context.Context, input *SubscriptionIDInput) (*ListInvoicesOutput, error) {
	if _, err := h.visible(ctx, input.ID); err != nil {
		return nil, toHumaError(err)
	}
	invs, err := h.svc.Invoices(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	resp := make([]InvoiceResponse, len(invs))
	for i, inv := range invs {
		resp[i] = toInvoiceResponse(inv)
	}
	return &ListInvoicesOutput{Body: resp}, nil
}

func (h *handler) events(ctx context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
	if _, err := h.visible(ctx, input.ID); err != nil {
		return nil, toHumaError(err)
	}
	events, err := h.svc.Events(ctx, input.ID, input.After)
	if err != nil {
		return nil, toHumaError(err)
	}
	resp := make([]EventResponse, len(events))
	for i, e := range events {
		resp[i] = toEventResponse(e)
	}
	return &ListEventsOutput{Body: resp}, nil
}

func (h *handler) attempt(ctx context.Context, input *AttemptIDInput) (*ApprovalAttemptOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	attempt, err := h.svc.Attempt(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &ApprovalAttemptOutput{Body: toAttemptResponse(attempt)}, nil
}

func (h *handler) retryInvoice(ctx context.Context, input *AttemptIDInput) (*ApprovalAttemptOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	attempt, err := h.svc.RetryInvoice(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &ApprovalAttemptOutput{Body: toAttemptResponse(attempt)}, nil
}

func (h *handler) auditLog(ctx context.Context, input *AuditLogInput) (*AuditLogOutput, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, toHumaError(err)
	}
	entries, err := h.svc.AuditLog(ctx, input.Limit)
	if err != nil {
		return nil, toHumaError(err)
	}
	resp := make([]AuditResponse, len(entries))
	for i, e := range entries {
		resp[i] = AuditResponse{
			ID:             e.ID,
			Action:         e.Action,
			Actor:          e.Actor,
			SubscriptionID: e.SubscriptionID,
			Details:        e.Details,
			CreatedAt:      formatTime(e.CreatedAt),
		}
	}
	return &AuditLogOutput{Body: resp}, nil
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return huma.Error404NotFound("subscription not found")
	case errors.Is(err, domain.ErrAttemptNotFound):
		return huma.Error404NotFound("approval attempt not found")
	case errors.Is(err, domain.ErrProjectNotFound):
		return huma.Error404NotFound("project not found")
	case errors.Is(err, domain.ErrForbidden):
		return huma.Error403Forbidden("not allowed for this caller")
	case errors.Is(err, domain.ErrUnauthenticated):
		return huma.Error401Unauthorized("authentication required")
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrAttemptInFlight):
		return huma.Error409Conflict(err.Error())
	}

	var trErr *domain.TransitionError
	if errors.As(err, &trErr) {
		return huma.Error409Conflict(trErr.Error())
	}

	var stateErr *domain.AttemptStateError
	if errors.As(err, &stateErr) {
		return huma.Error409Conflict(stateErr.Error())
	}

	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		return huma.Error422UnprocessableEntity(valErr.Error(), &huma.ErrorDetail{
			Location: "body." + valErr.Field,
			Message:  valErr.Message,
		})
	}

	return huma.Error500InternalServerError("internal server error")
}
