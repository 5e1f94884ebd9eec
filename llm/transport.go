package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/types"
)

// maxRedirects bounds redirect following; provider chat endpoints do not
// legitimately redirect more than this.
const maxRedirects = 3

// maxErrorBodyBytes bounds how much of an error body is kept for messages.
const maxErrorBodyBytes = 2048

// httpResult is a captured HTTP exchange: the status, the full body, and
// the response headers. A nil httpResult with a non-nil error means the
// failure happened below HTTP (DNS, TLS, connection reset, timeout).
type httpResult struct {
	Status int
	Body   []byte
	Header http.Header
}

// Transport is a thin wrapper around an HTTP client for JSON APIs.
type Transport struct {
	client *http.Client
	logger *zap.Logger
}

// NewTransport creates a transport. Per-attempt deadlines come from the
// request context, not a client-wide timeout.
func NewTransport(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: logger,
	}
}

// PostJSON posts a JSON body and captures the response. The returned error
// is non-nil only for transport-level failures; HTTP error statuses come
// back as a result for the caller to classify.
func (t *Transport) PostJSON(ctx context.Context, url string, headers map[string]string, body any) (*httpResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return t.do(req)
}

// GetJSON performs a GET and captures the response.
func (t *Transport) GetJSON(ctx context.Context, url string, headers map[string]string) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return t.do(req)
}

func (t *Transport) do(req *http.Request) (*httpResult, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &httpResult{
		Status: resp.StatusCode,
		Body:   data,
		Header: resp.Header,
	}, nil
}

// classifyTransportError maps a transport-level failure (no HTTP status)
// into the error taxonomy. callerCtx distinguishes caller cancellation from
// a per-attempt timeout: if the caller's context is done, the call was
// cancelled; otherwise deadline errors are attempt timeouts and therefore
// transient.
func classifyTransportError(callerCtx context.Context, provider, model string, err error) *types.Error {
	if callerCtx.Err() != nil {
		return types.NewError(types.KindCancelled, "request cancelled").
			WithProvider(provider, model).
			WithCause(callerCtx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.KindTransient, "attempt timed out").
			WithProvider(provider, model).
			WithCause(err)
	}
	return types.NewError(types.KindTransient, "transport failure").
		WithProvider(provider, model).
		WithCause(err)
}

// classifyHTTPStatus maps an HTTP error response into the taxonomy per the
// classification table: 429 is rate limiting (with any Retry-After hint),
// 5xx is transient, 401/403 is auth, and the remaining 4xx are bad requests.
func classifyHTTPStatus(provider, model string, res *httpResult) *types.Error {
	msg := extractErrorMessage(res.Body)

	switch {
	case res.Status == http.StatusTooManyRequests:
		e := types.NewError(types.KindRateLimited, msg).
			WithProvider(provider, model).
			WithHTTPStatus(res.Status)
		if hint, ok := parseRetryAfter(res.Header.Get("Retry-After")); ok {
			e = e.WithRetryAfter(hint)
		}
		return e

	case res.Status >= 500:
		e := types.NewError(types.KindTransient, msg).
			WithProvider(provider, model).
			WithHTTPStatus(res.Status)
		if hint, ok := parseRetryAfter(res.Header.Get("Retry-After")); ok {
			e = e.WithRetryAfter(hint)
		}
		return e

	case res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden:
		return types.NewError(types.KindAuth, msg).
			WithProvider(provider, model).
			WithHTTPStatus(res.Status)

	case res.Status >= 400:
		return types.NewError(types.KindBadRequest, msg).
			WithProvider(provider, model).
			WithHTTPStatus(res.Status)

	default:
		return types.NewError(types.KindOther, msg).
			WithProvider(provider, model).
			WithHTTPStatus(res.Status)
	}
}

// parseRetryAfter parses a Retry-After header value: either delta-seconds
// or an HTTP date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// extractErrorMessage pulls a human-readable message out of a provider
// error body, falling back to the (truncated) raw body.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error any `json:"error"`
		// Some providers put the message at the top level.
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch e := envelope.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	if len(body) == 0 {
		return "upstream returned an error with no body"
	}
	return string(body)
}
