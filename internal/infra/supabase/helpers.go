package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/resilience"
)

// ============================================================
// HTTP helpers
// ============================================================

const (
	preferRepresentation = "return=representation"
	preferCount          = "count=exact"
)

type response struct {
	status int
	body   []byte
	header http.Header
}

// statusError is a non-2xx answer from PostgREST.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// do executes an authenticated request to Supabase PostgREST. 4xx answers
// other than 408 and 429 are marked permanent so they are not retried.
func (c *Client) do(ctx context.Context, method, path string, payload any, prefer string) (*response, error) {
	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encode %s body: %w", method, err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceRoleKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
		)
		serr := &statusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
		switch {
		case resp.StatusCode == http.StatusConflict:
			return nil, resilience.Permanent(&domain.ErrConflict{Message: "duplicate record"})
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return nil, serr
		case resp.StatusCode < 500:
			return nil, resilience.Permanent(serr)
		}
		return nil, serr
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return &response{status: resp.StatusCode, body: raw, header: resp.Header}, nil
}

// decodeRows decodes a PostgREST array body. Empty bodies decode to no rows.
func decodeRows[T any](resp *response) ([]T, error) {
	var rows []T
	if resp == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(resp.body, &rows); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode rows: %w", err))
	}
	return rows, nil
}

// eq builds a PostgREST equality filter value.
func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

// totalFromContentRange parses the total out of "0-19/123".
func totalFromContentRange(h http.Header) int {
	cr := h.Get("Content-Range")
	i := strings.LastIndex(cr, "/")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(cr[i+1:])
	if err != nil {
		return 0
	}
	return n
}

// escapeLike quotes PostgREST LIKE wildcards so ilike behaves as a
// case-insensitive equality.
func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`, "*", `\*`)
	return url.QueryEscape(r.Replace(v))
}
