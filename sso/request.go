package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// defaultRetryAfter applies when a 429 response has no usable Retry-After header.
	defaultRetryAfter = 60 * time.Second

	// maxResponseBody caps how much of a response is read.
	maxResponseBody = 1 << 20
)

// dispatcher issues JSON requests against the SSO base URL and maps
// failures onto the Error taxonomy.
type dispatcher struct {
	httpClient *http.Client
	baseURL    string
	clock      Clock
	logger     *slog.Logger
}

// request sends body (JSON-encoded when non-nil) to baseURL+endpoint and
// decodes a successful response into out (skipped when out is nil).
func (d *dispatcher) request(ctx context.Context, method, endpoint string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return typed
		}
		d.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return networkError(fmt.Errorf("sending request to %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return networkError(fmt.Errorf("reading response from %s: %w", endpoint, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := classify(resp.StatusCode, resp.Header, respBody, d.clock.Now())
		d.logger.Debug("request rejected",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{
				Kind:        KindGeneric,
				Status:      resp.StatusCode,
				Code:        "invalid_response",
				Description: fmt.Sprintf("decoding response from %s", endpoint),
				Err:         err,
			}
		}
	}

	return nil
}

// classify maps a non-2xx response onto the Error taxonomy. The body is
// probed for the usual OAuth fields (error, error_description) as well
// as {"error":{"code","message"}} and a top-level message. now anchors
// HTTP-date Retry-After values.
func classify(status int, header http.Header, body []byte, now time.Time) *Error {
	code, description := errorFields(body)

	var details map[string]any
	if d := gjson.GetBytes(body, "details"); d.IsObject() {
		details, _ = d.Value().(map[string]any)
	}

	if description == "" {
		description = http.StatusText(status)
	}

	switch status {
	case http.StatusUnauthorized:
		if code == "" {
			code = "invalid_token"
		}
		return &Error{Kind: KindInvalidToken, Status: status, Code: code, Description: description}
	case http.StatusTooManyRequests:
		if code == "" {
			code = "rate_limited"
		}
		return &Error{
			Kind:        KindRateLimited,
			Status:      status,
			Code:        code,
			Description: description,
			RetryAfter:  parseRetryAfter(header.Get("Retry-After"), now),
		}
	case http.StatusBadRequest:
		if code == "" {
			code = "invalid_request"
		}
		return &Error{Kind: KindValidation, Status: status, Code: code, Description: description, Details: details}
	default:
		if code == "" {
			code = "http_" + strconv.Itoa(status)
		}
		return &Error{Kind: KindGeneric, Status: status, Code: code, Description: description, Details: details}
	}
}

func errorFields(body []byte) (code, description string) {
	if !gjson.ValidBytes(body) {
		return "", string(bytes.TrimSpace(body))
	}

	errField := gjson.GetBytes(body, "error")
	if errField.IsObject() {
		code = errField.Get("code").String()
		description = errField.Get("message").String()
	} else {
		code = errField.String()
	}

	if description == "" {
		description = gjson.GetBytes(body, "error_description").String()
	}
	if description == "" {
		description = gjson.GetBytes(body, "message").String()
	}
	return code, description
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
		return 0
	}
	return defaultRetryAfter
}

// authenticatedRequest attaches a fresh bearer token to a dispatcher call.
func (c *Client) authenticatedRequest(ctx context.Context, method, endpoint string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		if typed, ok := AsError(err); ok {
			return typed
		}
		return &Error{Kind: KindInvalidToken, Code: "invalid_token", Description: "no access token available", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	return c.dispatcher.request(ctx, method, endpoint, header, body, out)
}
