package tracing_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/sparkle-hq/jobcore/internal/platform/tracing"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := tracing.Setup(context.Background(), tracing.Config{Exporter: tracing.ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "lifecycle.Approve")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "lifecycle.Approve")
}

func TestUnknownExporter(t *testing.T) {
	_, err := tracing.Setup(context.Background(), tracing.Config{Exporter: "zipkin"})
	require.Error(t, err)
}
