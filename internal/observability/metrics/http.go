package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records latency and concurrency of the notification endpoints.
// A nil *HTTPMetrics records nothing.
type HTTPMetrics struct {
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	meter := provider.Meter("tsumshop/http")
	duration, err := meter.Float64Histogram("tsum_http_request_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("tsum_http_requests_in_flight")
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{duration: duration, inFlight: inFlight}, nil
}

// GinMiddleware labels by route template so order ids never become label values.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := c.Request.Context()
		byRoute := metric.WithAttributes(attribute.String("endpoint", route))

		m.inFlight.Add(ctx, 1, byRoute)
		defer m.inFlight.Add(ctx, -1, byRoute)

		start := time.Now()
		c.Next()
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(FilterAttributes(
			attribute.String("endpoint", route),
			attribute.String("status_code", strconv.Itoa(c.Writer.Status())),
		)...))
	}
}
