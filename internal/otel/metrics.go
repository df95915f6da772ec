package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the agentcore instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	CostUSD          metric.Float64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveProcessors metric.Int64UpDownCounter
	ProcessorSteps   metric.Int64Counter
	Retries          metric.Int64Counter
	DoomLoops        metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	AdmissionRejects metric.Int64Counter
	HookFailures     metric.Int64Counter
	AnnounceFailures metric.Int64Counter
	SweptRuns        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LLMCallDuration, err = meter.Float64Histogram("agentcore.llm.duration",
		metric.WithDescription("LLM stream duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("agentcore.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("agentcore.cost.usd",
		metric.WithDescription("Accumulated model cost in USD"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("agentcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("agentcore.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveProcessors, err = meter.Int64UpDownCounter("agentcore.processor.active",
		metric.WithDescription("Number of currently running processor loops"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessorSteps, err = meter.Int64Counter("agentcore.processor.steps",
		metric.WithDescription("Total processor steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("agentcore.llm.retries",
		metric.WithDescription("LLM stream retries"),
	)
	if err != nil {
		return nil, err
	}

	m.DoomLoops, err = meter.Int64Counter("agentcore.doomloop.interventions",
		metric.WithDescription("Repeated tool calls held for permission"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("agentcore.runs.active",
		metric.WithDescription("Subagent runs in pending or running state"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("agentcore.runs.rejects",
		metric.WithDescription("Run creations rejected by admission control"),
	)
	if err != nil {
		return nil, err
	}

	m.HookFailures, err = meter.Int64Counter("agentcore.hooks.failures",
		metric.WithDescription("Lifecycle hook deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.AnnounceFailures, err = meter.Int64Counter("agentcore.announce.failures",
		metric.WithDescription("Detached run outcomes that could not be persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptRuns, err = meter.Int64Counter("agentcore.runs.swept",
		metric.WithDescription("Terminal runs evicted by the retention sweep"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordLLMCall records one LLM stream.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, d time.Duration, tokens int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrModel.String(model))
	m.LLMCallDuration.Record(ctx, d.Seconds(), attrs)
	if tokens > 0 {
		m.TokensUsed.Add(ctx, tokens, attrs)
	}
}

// RecordCost adds a step's cost.
func (m *Metrics) RecordCost(ctx context.Context, model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostUSD.Add(ctx, usd, metric.WithAttributes(AttrModel.String(model)))
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

// ProcessorStarted and ProcessorFinished track live loops.
func (m *Metrics) ProcessorStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveProcessors.Add(ctx, 1)
}

func (m *Metrics) ProcessorFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveProcessors.Add(ctx, -1)
}

// Step counts one processor step.
func (m *Metrics) Step(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProcessorSteps.Add(ctx, 1)
}

// Retry counts one LLM retry.
func (m *Metrics) Retry(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// DoomLoop counts one doom-loop intervention.
func (m *Metrics) DoomLoop(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.DoomLoops.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
}

// RunActive adjusts the active run gauge by delta.
func (m *Metrics) RunActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(ctx, delta)
}

// AdmissionRejected counts one rejected creation.
func (m *Metrics) AdmissionRejected(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.AdmissionRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// HookFailed counts one failed hook delivery.
func (m *Metrics) HookFailed(ctx context.Context, hook string) {
	if m == nil {
		return
	}
	m.HookFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook)))
}

// AnnounceFailed counts one exhausted announce.
func (m *Metrics) AnnounceFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.AnnounceFailures.Add(ctx, 1)
}

// Swept counts evicted runs.
func (m *Metrics) Swept(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptRuns.Add(ctx, int64(n))
}
