package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("delivery_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("delivery_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("delivery_http_request_duration_seconds")
	require.NoError(t, err)

	requestsByEndpointTotal, err := meter.Int64Counter("delivery_http_requests_by_endpoint_total")
	require.NoError(t, err)

	backendRequestsTotal, err := meter.Int64Counter("delivery_backend_requests_total")
	require.NoError(t, err)

	backendRequestDuration, err := meter.Float64Histogram("delivery_backend_request_duration_seconds")
	require.NoError(t, err)

	backendBytesTotal, err := meter.Int64Counter("delivery_backend_bytes_total")
	require.NoError(t, err)

	replicationsTotal, err := meter.Int64Counter("delivery_replications_total")
	require.NoError(t, err)

	reaperDeletedTotal, err := meter.Int64Counter("delivery_reaper_deleted_total")
	require.NoError(t, err)

	reaperFreedBytes, err := meter.Int64Counter("delivery_reaper_freed_bytes_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		backendRequestsTotal:    backendRequestsTotal,
		backendRequestDuration:  backendRequestDuration,
		backendBytesTotal:       backendBytesTotal,
		replicationsTotal:       replicationsTotal,
		reaperDeletedTotal:      reaperDeletedTotal,
		reaperFreedBytes:        reaperFreedBytes,
		meterProvider:           mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/files/free/2025/03/7/1_a.mp4", nil)
	r = InjectTags(r)
	SetTier(r, "premium")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "premium"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "delivery_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/list/free", nil)
	r = InjectTags(r)
	SetTier(r, "free")
	SetCacheResult(r, CacheNA)
	SetEndpoint(r, "list")

	RecordHTTP(context.Background(), r, http.StatusOK, 128, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "free"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "list"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "wasabi", "upload", "success", 10*time.Millisecond, 2048)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_backend_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "backend", "wasabi"))
	require.True(t, hasAttr(dps[0].Attributes, "op", "upload"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "delivery_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2048, bytesDps[0].Value)
}

func TestRecordReaperPhase(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReaperPhase(context.Background(), "expired", 7, 4096)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_reaper_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 7, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "phase", "expired"))

	freedDps := findCounter(rm, "delivery_reaper_freed_bytes_total")
	require.Len(t, freedDps, 1)
	require.EqualValues(t, 4096, freedDps[0].Value)
}

func TestRecordReplication_TierFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithTierContext(context.Background(), "premium")
	RecordReplication(ctx, "backup", "success")
	RecordReplication(context.Background(), "backup", "error")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "delivery_replications_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "success") {
			require.True(t, hasAttr(dp.Attributes, "tier", "premium"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "tier", "unknown"))
		}
	}
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Must not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(context.Background(), "local", "stat", "success", time.Millisecond, 0)
	RecordReaperCycle(context.Background(), time.Second)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{206, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{416, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
