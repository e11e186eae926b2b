// ABOUTME: Tests for span helpers using the SDK's in-memory recorder
// ABOUTME: Checks attributes and error status reach the exported span

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
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd_RecordsAttributesAndStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := NewProvider("inbox-allocator-test", "dev", recorder)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "allocation.claim", "conversation_id", "conv-1", "dangling")
	End(span, errors.New("conversation not queued"))

	_, ok := Start(context.Background(), "allocation.resolve")
	End(ok, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "allocation.claim", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("conversation_id", "conv-1"))
	assert.Len(t, spans[0].Attributes(), 1, "odd trailing key is ignored")
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}
