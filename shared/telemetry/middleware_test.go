package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_InjectsTelemetry(t *testing.T) {
	tel := NewTelemetry(SagaServiceConfig)

	var seen *Telemetry
	var route string
	router := chi.NewRouter()
	router.Use(Middleware(tel))
	router.Get("/sagas/{email}", func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		route = chi.RouteContext(r.Context()).RoutePattern()
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas/a@x.io", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Same(t, tel, seen)
	assert.Equal(t, "/sagas/{email}", route)
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		200: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		42:  "unknown",
	}
	for code, expected := range tests {
		assert.Equal(t, expected, getStatusClass(code), "status %d", code)
	}
}

func TestWithTelemetry(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Equal(t, ctx, WithTelemetry(ctx, nil))

	tel := NewTelemetry(SagaServiceConfig.WithServiceName("other"))
	assert.Equal(t, "other", FromContext(WithTelemetry(ctx, tel)).GetServiceName())
	assert.Equal(t, "user-mail-saga", from(ctx).GetServiceName())
}

func TestRecordHelpersWithoutProvider(t *testing.T) {
	ctx := WithTelemetry(context.Background(), NewTelemetry(SagaServiceConfig))

	assert.NotPanics(t, func() {
		RecordCounter(ctx, "test_total", "test counter", 1)
		RecordCounter(ctx, "test_total", "test counter", 2)
		RecordHistogram(ctx, "test_seconds", "test histogram", 0.5)
		_, span := StartSpan(ctx, "test")
		span.End()
	})
}
