package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentoverseer/overseer"

// Metrics holds the kernel's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Verdicts      metric.Int64Counter
	Steps         metric.Int64Counter
	ToolCalls     metric.Int64Counter
	Escalations   metric.Int64Counter
	ReasonerRetry metric.Int64Counter
	HumanWait     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Verdicts, err = meter.Int64Counter("overseer.firewall.verdicts",
		metric.WithDescription("Firewall verdicts by kind"))
	if err != nil {
		return nil, err
	}

	m.Steps, err = meter.Int64Counter("overseer.steps",
		metric.WithDescription("Steps finished by terminal status"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("overseer.toolcalls",
		metric.WithDescription("Tool calls executed by result class"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("overseer.policy.escalations",
		metric.WithDescription("User-layer permission escalations"))
	if err != nil {
		return nil, err
	}

	m.ReasonerRetry, err = meter.Int64Counter("overseer.reasoner.retries",
		metric.WithDescription("Reasoner call retries"))
	if err != nil {
		return nil, err
	}

	m.HumanWait, err = meter.Float64Histogram("overseer.humangate.wait_seconds",
		metric.WithDescription("Time spent waiting for a human response"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordVerdict(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordStep(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Steps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool, class string) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("class", class),
	))
}

func (m *Metrics) RecordEscalation(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) RecordReasonerRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReasonerRetry.Add(ctx, 1)
}

func (m *Metrics) RecordHumanWait(ctx context.Context, d time.Duration, intent string) {
	if m == nil {
		return
	}
	m.HumanWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("intent", intent)))
}
