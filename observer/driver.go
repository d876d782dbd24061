package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaylabs/relay"
)

// ObservedDriver wraps a relay.Driver with OTEL instrumentation. Every
// chat and stream call emits a span, token/cost/request metrics, and a
// structured log record.
type ObservedDriver struct {
	inner relay.Driver
	inst  *Instruments
}

var _ relay.Driver = (*ObservedDriver)(nil)

// WrapDriver returns an instrumented driver. Register the wrapped
// driver with the router so routed calls are observed.
func WrapDriver(inner relay.Driver, inst *Instruments) *ObservedDriver {
	return &ObservedDriver{inner: inner, inst: inst}
}

func (o *ObservedDriver) Name() string { return o.inner.Name() }

func (o *ObservedDriver) Chat(ctx context.Context, req relay.ChatRequest) (relay.LLMResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.record(ctx, span, req.Model, "chat", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedDriver) Stream(ctx context.Context, req relay.ChatRequest, ch chan<- string) (relay.LLMResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Count chunks through a forwarding channel. Buffer it generously so
	// the inner driver never blocks on send while the consumer is slow.
	bufSize := max(cap(ch), 64)
	mid := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for text := range mid {
			chunks++
			select {
			case ch <- text:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.Stream(ctx, req, mid)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, "stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedDriver) Health(ctx context.Context) (bool, error) {
	return o.inner.Health(ctx)
}

func (o *ObservedDriver) Cost(promptTokens, completionTokens int, model string) float64 {
	return o.inner.Cost(promptTokens, completionTokens, model)
}

func (o *ObservedDriver) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage relay.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.PromptTokens, usage.CompletionTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.PromptTokens),
		AttrTokensOutput.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.PromptTokens),
		otellog.Int("llm.tokens.output", usage.CompletionTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
