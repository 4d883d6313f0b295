package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartDisabledReturnsNilSpan(t *testing.T) {
	ctx := context.Background()
	got, span := Start(ctx, "noop", false)
	assert.Nil(t, span)
	assert.Equal(t, ctx, got)
	End(span, errors.New("ignored"))
}

func TestStartRecordsSpanAndError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "writer.ApplyTrace", true, attribute.String("transaction", "t1"))
	require.NotNil(t, span)
	End(span, errors.New("sink down"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "writer.ApplyTrace", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("transaction", "t1"))
}

func TestEnableRequiresEndpoint(t *testing.T) {
	_, err := Enable(nil, "ledger-sink", "", 100)
	require.Error(t, err)
}
