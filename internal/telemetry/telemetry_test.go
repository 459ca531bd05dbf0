package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNew_Disabled(t *testing.T) {
	t.Parallel()

	tel, err := New(context.Background())
	require.NoError(t, err)
	assert.IsType(t, tracenoop.TracerProvider{}, tel.TracerProvider())
	assert.IsType(t, metricnoop.MeterProvider{}, tel.MeterProvider())
	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporter: "carrier-pigeon"},
	}))
	assert.ErrorContains(t, err, "invalid telemetry configuration")
}

func TestNew_PrometheusExporter(t *testing.T) {
	t.Parallel()

	tel, err := New(context.Background(),
		WithVersion("v0.1.0"),
		WithTelemetryConfig(&Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Exporter: ExporterPrometheus},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	metrics, err := NewManagerMetrics(tel.MeterProvider())
	require.NoError(t, err)
	metrics.RecordEntities(context.Background(), "bookmarks", 3)

	handler := tel.MetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "chanstate_manager_entities")
	assert.Contains(t, string(body), `manager="bookmarks"`)
}

func TestManagerMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	m, err := NewManagerMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordMutation(ctx, "boards", "create", OutcomePersisted)
		m.RecordPersist(ctx, "boards", "create", time.Millisecond, nil)
		m.RecordRollback(ctx, "boards", "create")
		m.RecordEvent(ctx, "boards", "created")
		m.RecordDropped(ctx, "boards")
		m.RecordEntities(ctx, "boards", 1)
		m.RecordInit(ctx, "boards", time.Millisecond, nil)
	})
}

func TestManagerMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewManagerMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordMutation(ctx, "bookmarks", "create", OutcomePersisted)
	m.RecordMutation(ctx, "bookmarks", "create", OutcomeRolledBack)
	m.RecordMutation(ctx, "bookmarks", "create", OutcomePersisted)
	m.RecordMutation(ctx, "bookmarks", "update", OutcomeNoop)
	m.RecordRollback(ctx, "bookmarks", "create")
	m.RecordPersist(ctx, "bookmarks", "create", 5*time.Millisecond, nil)
	m.RecordPersist(ctx, "bookmarks", "create", 5*time.Millisecond, errors.New("disk full"))
	m.RecordPersist(ctx, "bookmarks", "create", 5*time.Millisecond, nil)

	got := collect(t, reader)

	mutations, ok := got["chanstate_manager_mutations_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byOutcome := map[string]int64{}
	for _, dp := range mutations.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[outcome.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{OutcomePersisted: 2, OutcomeRolledBack: 1, OutcomeNoop: 1}, byOutcome)

	rollbacks, ok := got["chanstate_manager_rollbacks_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, rollbacks.DataPoints, 1)
	assert.Equal(t, int64(1), rollbacks.DataPoints[0].Value)

	hist, ok := got["chanstate_manager_persist_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestHTTPMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := NewHTTPMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	r := chi.NewRouter()
	r.Use(TracingMiddleware(tp))
	r.Use(m.Middleware)
	r.Get("/api/v1/boards/{site}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, site := range []string{"4chan", "lainchan"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/boards/"+site, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := collect(t, reader)
	total, ok := got["chanstate_http_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, total.DataPoints, 1)
	assert.Equal(t, int64(2), total.DataPoints[0].Value)
	route, _ := total.DataPoints[0].Attributes.Value("route")
	assert.Equal(t, "/api/v1/boards/{site}", route.AsString())

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /api/v1/boards/{site}", spans[0].Name)
}

func TestHTTPMiddleware_Nil(t *testing.T) {
	t.Parallel()

	var m *HTTPMetrics
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.Middleware(next))
}
