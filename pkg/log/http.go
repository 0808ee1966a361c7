package log

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Transport wraps an http.RoundTripper so every upstream call carries an
// X-Request-ID and is logged with status and latency. Header values are
// never logged.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base}
}

type transport struct {
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	reqID := req.Header.Get(HeaderRequestID)
	if reqID == "" {
		reqID = RequestID(ctx)
	}
	if reqID == "" {
		reqID = uuid.New().String()
	}
	req = req.Clone(ctx)
	req.Header.Set(HeaderRequestID, reqID)

	l := Ctx(ctx)
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		l.Warn().
			Err(err).
			Str(FieldRequestID, reqID).
			Str(FieldMethod, req.Method).
			Str(FieldUpstream, req.URL.Path).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
			Msg("upstream call failed")
		return nil, err
	}

	l.Debug().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, req.Method).
		Str(FieldUpstream, req.URL.Path).
		Int(FieldStatus, resp.StatusCode).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Msg("upstream call completed")
	return resp, nil
}
