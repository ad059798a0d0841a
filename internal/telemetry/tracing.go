package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/shaiso/eventchain"

// Tracer возвращает tracer движка. Без установленного SDK spans — no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SpanInfo — атрибуты span'а шага.
type SpanInfo struct {
	ExecutionID   string
	CorrelationID string
	StepAlias     string
	Action        string
	Attempt       int
}

func (i SpanInfo) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("eventchain.execution_id", i.ExecutionID),
		attribute.String("eventchain.correlation_id", i.CorrelationID),
		attribute.String("eventchain.step_alias", i.StepAlias),
		attribute.String("eventchain.action", i.Action),
		attribute.Int("eventchain.attempt", i.Attempt),
	}
}

// StartStepSpan открывает span вызова действия.
func StartStepSpan(ctx context.Context, info SpanInfo) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step/"+info.StepAlias,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(info.attributes()...),
	)
}

// StartCompensationSpan открывает span компенсации шага.
func StartCompensationSpan(ctx context.Context, info SpanInfo) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "compensate/"+info.StepAlias,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(info.attributes()...),
	)
}

// EndSpan завершает span со статусом по ошибке.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
