package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	adapter "github.com/neomorfeo/subflow/internal/adapter/otel"
	"github.com/neomorfeo/subflow/internal/domain"
)

type stubProvisioner struct {
	errs []error
}

func (p *stubProvisioner) Generate(_ context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return domain.Invoice{}, err
		}
	}
	return domain.Invoice{ID: "inv_1", ReferenceNumber: req.ReferenceNumber}, nil
}

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader
}

// callsByOutcome sums the provisioner call counter per outcome attribute.
func callsByOutcome(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}

	out := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "subflow.invoice.provisioner.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("calls metric data = %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("outcome"))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestInstrumentedProvisioner_CountsOutcomes(t *testing.T) {
	exporter := setupTestTracer(t)
	reader := setupTestMeter(t)

	inner := &stubProvisioner{errs: []error{
		domain.TransientProvisionerError(errors.New("503")),
		domain.PermanentProvisionerError(errors.New("400")),
		nil,
	}}
	prov, err := adapter.NewInstrumentedProvisioner(inner)
	if err != nil {
		t.Fatalf("NewInstrumentedProvisioner: %v", err)
	}

	req := domain.InvoiceRequest{ReferenceNumber: "INV-1", ApprovalAttemptID: "att_1", SubscriptionID: "sub_1"}
	for range 3 {
		_, _ = prov.Generate(context.Background(), req)
	}

	got := callsByOutcome(t, reader)
	for _, outcome := range []string{"transient", "permanent", "success"} {
		if got[outcome] != 1 {
			t.Errorf("calls[%s] = %d, want 1 (all: %v)", outcome, got[outcome], got)
		}
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	assertAttribute(t, spans[0], "invoice.reference_number", "INV-1")
	assertAttribute(t, spans[0], "outcome", "transient")
	assertAttribute(t, spans[2], "outcome", "success")
}

func TestInstrumentedProvisioner_DeadlineIsTimeout(t *testing.T) {
	setupTestTracer(t)
	reader := setupTestMeter(t)

	inner := &stubProvisioner{errs: []error{
		domain.TransientProvisionerError(context.DeadlineExceeded),
	}}
	prov, err := adapter.NewInstrumentedProvisioner(inner)
	if err != nil {
		t.Fatalf("NewInstrumentedProvisioner: %v", err)
	}

	if _, err := prov.Generate(context.Background(), domain.InvoiceRequest{ReferenceNumber: "INV-2"}); err == nil {
		t.Fatal("expected error")
	}

	if got := callsByOutcome(t, reader); got["timeout"] != 1 {
		t.Errorf("calls = %v, want one timeout", got)
	}
}
