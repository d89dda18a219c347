package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mtandao/hotspot/pkg/telemetry"
)

func TestRequestsProduceServerSpans(t *testing.T) {
	gin.SetMode(gin.TestMode)

	recorder := telemetry.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/api/plans", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	span := recorder.FirstSpanNamed("GET /api/plans")
	require.NotNil(t, span, "request middleware must emit a server span")

	var sawRoute, sawStatus bool
	for _, attr := range span.Attributes() {
		switch string(attr.Key) {
		case "http.route":
			sawRoute = true
			require.Equal(t, "/api/plans", attr.Value.AsString())
		case "http.status_code":
			sawStatus = true
			require.Equal(t, int64(http.StatusOK), attr.Value.AsInt64())
		}
	}
	require.True(t, sawRoute)
	require.True(t, sawStatus)
}
