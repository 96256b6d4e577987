// Package tracing provides OpenTelemetry integration for stoat.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("orders"))
//	bus := stoat.NewCommandBus(stoat.WithMiddleware(tracing.CommandMiddleware(tracer)))
//	queries := stoat.NewQueryBus(stoat.WithQueryMiddleware(tracing.QueryMiddleware(tracer)))
//	store := stoat.NewTieredEventStore(tracer.WrapHotStore(hot), tracer.WrapWarmStore(warm))
//
// Spans carry the command or query type, the aggregate id, the resulting
// version and the correlation id set by stoat.CorrelationIDMiddleware.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-stoat"
)

const (
	// TracerName is the name of the stoat tracer.
	TracerName = "github.com/AshkanYarmoradi/go-stoat"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "stoat"
)

// Attribute keys.
const (
	AttrService       = attribute.Key("stoat.service")
	AttrCommandType   = attribute.Key("stoat.command.type")
	AttrQueryType     = attribute.Key("stoat.query.type")
	AttrAggregateID   = attribute.Key("stoat.aggregate_id")
	AttrVersion       = attribute.Key("stoat.version")
	AttrCorrelationID = attribute.Key("stoat.correlation_id")
	AttrTier          = attribute.Key("stoat.tier")
	AttrEventCount    = attribute.Key("stoat.event_count")
	AttrExpected      = attribute.Key("stoat.expected_version")
	AttrEventType     = attribute.Key("stoat.event_type")
)

// Tracer wraps an OpenTelemetry tracer for stoat operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(AttrService.String(t.serviceName))
	span.SetAttributes(attrs...)
	if id := stoat.CorrelationIDFromContext(ctx); id != "" {
		span.SetAttributes(AttrCorrelationID.String(id))
	}
	return ctx, span
}

// finish records err on span, or marks it ok.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CommandMiddleware creates middleware that traces command execution.
func CommandMiddleware(tracer *Tracer) stoat.Middleware {
	return func(next stoat.MiddlewareFunc) stoat.MiddlewareFunc {
		return func(ctx context.Context, cmd stoat.Command) (stoat.CommandResult, error) {
			attrs := []attribute.KeyValue{AttrCommandType.String(cmd.CommandType())}
			if aggCmd, ok := cmd.(stoat.AggregateCommand); ok && aggCmd.AggregateID() != "" {
				attrs = append(attrs, AttrAggregateID.String(aggCmd.AggregateID()))
			}
			ctx, span := tracer.start(ctx, fmt.Sprintf("command.%s", cmd.CommandType()), attrs...)
			defer span.End()

			result, err := next(ctx, cmd)

			failure := err
			if failure == nil && result.IsError() {
				failure = result.Error
			}
			finish(span, failure)
			if failure == nil {
				span.SetAttributes(
					AttrAggregateID.String(result.AggregateID),
					AttrVersion.Int64(result.Version),
					AttrEventCount.Int(len(result.Events)),
				)
			}
			return result, err
		}
	}
}

// QueryMiddleware creates query bus middleware that traces handler execution.
func QueryMiddleware(tracer *Tracer) stoat.QueryMiddleware {
	return func(next stoat.QueryFunc) stoat.QueryFunc {
		return func(ctx context.Context, q stoat.Query) (interface{}, error) {
			ctx, span := tracer.start(ctx, fmt.Sprintf("query.%s", q.QueryType()), AttrQueryType.String(q.QueryType()))
			defer span.End()

			v, err := next(ctx, q)
			finish(span, err)
			return v, err
		}
	}
}
