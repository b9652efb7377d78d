package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.Nil(t, tp)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, shutdown, err := InitTracerProvider(context.Background(), Config{Enabled: true, ServiceName: "test"}, recorder)
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "crawl.job")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "crawl.job", ended[0].Name())
	require.NoError(t, shutdown(context.Background()))
}
