package kafka

import (
	"context"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetReplacesExisting(t *testing.T) {
	c := HeaderCarrier{{Key: "traceparent", Value: []byte("old")}, {Key: "other", Value: []byte("x")}}
	c.Set("traceparent", "new")

	assert.Equal(t, "new", c.Get("traceparent"))
	assert.Equal(t, "x", c.Get("other"))
	assert.ElementsMatch(t, []string{"traceparent", "other"}, c.Keys())
	assert.Equal(t, "", c.Get("missing"))
}

func TestTracePropagation_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := injectTrace(ctx)
	require.NotEmpty(t, headers)

	got := trace.SpanContextFromContext(extractTrace(context.Background(), []segkafka.Header(headers)))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}
