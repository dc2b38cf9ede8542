package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ajitpratap0/intakeflow/pkg/config"
)

func TestInitTracingDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test", nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracingExportsSpans(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:     true,
		ServiceName: "intakeflow-test",
		SampleRate:  1,
	}, "1.2.3", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "intake.push")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"intake.push"`)
	assert.Contains(t, buf.String(), "intakeflow-test")
}
