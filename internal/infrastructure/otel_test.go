package infrastructure

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"varianceiq/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewOTelConfig(t *testing.T) {
	cfg := NewOTelConfig(config.TelemetryConfig{EnableMetrics: true, TraceExporter: "stdout", SampleRatio: 0.5})
	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.Equal(t, config.AppVersion, cfg.ServiceVersion)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.EnableMetrics)
	assert.False(t, cfg.EnableTracing)
	assert.Equal(t, 0.5, cfg.SampleRatio)
}

func TestPrometheusEndpointServesHTTPMetrics(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName: ServiceName, ServiceVersion: "test", Environment: "test",
		EnableMetrics: true, TraceExporter: "none", SampleRatio: 1,
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())
	require.NotNil(t, providers.PrometheusHTTP)

	metrics, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.RequestsTotal.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestTracingToWriter(t *testing.T) {
	var buf bytes.Buffer
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName: ServiceName, ServiceVersion: "test", Environment: "test",
		EnableTracing: true, TraceExporter: "stdout", SampleRatio: 1, TraceWriter: &buf,
	}, discardLogger())
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "analysis.run")
	assert.True(t, span.SpanContext().IsValid())
	RecordError(ctx, assert.AnError)
	span.End()

	require.NoError(t, providers.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "analysis.run")
}

func TestInitializeOTelRejectsUnknownExporter(t *testing.T) {
	_, err := InitializeOTel(&OTelConfig{EnableTracing: true, TraceExporter: "zipkin"}, discardLogger())
	assert.Error(t, err)
}

func TestDisabledTelemetryKeepsNoopProviders(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{TraceExporter: "none"}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.Nil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Meter)
	assert.NoError(t, providers.Shutdown(context.Background()))
}
