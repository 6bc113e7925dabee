package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// httpCaller is the small, shared request helper every adapter composes
// with: JSON bodies, per-call timeouts, otel-instrumented transport.
type httpCaller struct {
	client *http.Client
	logger obslog.Logger
}

func newHTTPCaller(timeout time.Duration, logger obslog.Logger) *httpCaller {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &httpCaller{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type requestSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

// do executes an HTTP request, classifying failures so the retry layer can
// act on them: 401/403 is an auth error, 400 invalid input, 5xx and
// connection faults transport errors, context expiry a timeout.
func (h *httpCaller) do(ctx context.Context, spec requestSpec, attempt int) ([]byte, int, error) {
	var bodyReader io.Reader
	if spec.Body != nil {
		encoded, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, 0, aeoerr.New(aeoerr.ErrInvalidInput, "failed to encode request body", attempt, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bodyReader)
	if err != nil {
		return nil, 0, aeoerr.New(aeoerr.ErrInvalidInput, "failed to build request", attempt, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.ErrorWithContext(ctx, "provider request failed", map[string]interface{}{
			"phase": "request_execution",
			"url":   spec.URL,
			"error": err.Error(),
		})
		if ctx.Err() != nil {
			return nil, 0, aeoerr.New(aeoerr.ErrTimeout, "request deadline exceeded", attempt, err)
		}
		return nil, 0, aeoerr.New(aeoerr.ErrTransport, "transport error", attempt, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, aeoerr.New(aeoerr.ErrTransport, "failed reading response body", attempt, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return data, resp.StatusCode, aeoerr.New(aeoerr.ErrAuth, fmt.Sprintf("backend returned %d", resp.StatusCode), attempt, nil)
	}
	if resp.StatusCode == http.StatusBadRequest {
		return data, resp.StatusCode, aeoerr.New(aeoerr.ErrInvalidInput, "backend returned 400", attempt, nil)
	}
	if resp.StatusCode >= 500 {
		return data, resp.StatusCode, aeoerr.New(aeoerr.ErrTransport, fmt.Sprintf("backend returned %d", resp.StatusCode), attempt, nil)
	}

	return data, resp.StatusCode, nil
}

// decodeJSON unmarshals body into a generic map, classifying a malformed
// body as ErrParseError (the async "still-processing" path returns a
// non-JSON body on purpose).
func decodeJSON(body []byte, attempt int) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, aeoerr.New(aeoerr.ErrParseError, "response body is not valid JSON", attempt, err)
	}
	return m, nil
}
