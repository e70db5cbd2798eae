package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WrapHTTPClient returns a copy of client that opens a client span for every
// outbound call: eSewa confirmations and order event deliveries.
func WrapHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	next := wrapped.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return tracedRoundTrip(next, req)
	})
	return &wrapped
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func tracedRoundTrip(next http.RoundTripper, req *http.Request) (*http.Response, error) {
	ctx, span := otel.Tracer(instrumentationName+"/http-client").Start(req.Context(), req.Method+" "+req.URL.Host,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.host", req.URL.Host),
			attribute.String("http.path", req.URL.Path),
		),
	)
	defer span.End()

	req = req.Clone(ctx)
	InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := next.RoundTrip(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	finishHTTPSpan(span, status, err)
	return resp, err
}
