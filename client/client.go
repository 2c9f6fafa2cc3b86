// Package client talks to a running smeagol server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smeagol/internal/api"
	apperr "smeagol/internal/errors"
	"smeagol/internal/validation"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// Health reports the server's branch, head and page count.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPages(ctx context.Context) (*api.PageListResponse, error) {
	var out api.PageListResponse
	if err := c.do(ctx, http.MethodGet, "/api/pages", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPage(ctx context.Context, slug string) (*api.PageResponse, error) {
	var out api.PageResponse
	if err := c.do(ctx, http.MethodGet, "/api/pages/"+escape(slug), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutPage writes content on top of base, the revision the caller read.
func (c *Client) PutPage(ctx context.Context, slug string, req validation.EditRequest) (*api.EditResponse, error) {
	var out api.EditResponse
	if err := c.do(ctx, http.MethodPut, "/api/pages/"+escape(slug), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePage(ctx context.Context, slug, base, message string) (*api.EditResponse, error) {
	q := url.Values{"base": {base}}
	if message != "" {
		q.Set("message", message)
	}
	var out api.EditResponse
	if err := c.do(ctx, http.MethodDelete, "/api/pages/"+escape(slug)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.IOError("contacting server", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeError rebuilds the server's *errors.Error. Conflict details stay
// raw JSON.
func decodeError(resp *http.Response) error {
	var body struct {
		Error *struct {
			Type    apperr.ErrorType `json:"type"`
			Message string           `json:"message"`
			Details json.RawMessage  `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == nil {
		return &apperr.Error{
			Type:    apperr.ErrorTypeInternal,
			Message: fmt.Sprintf("unexpected status: %s", resp.Status),
			Code:    resp.StatusCode,
		}
	}

	e := &apperr.Error{
		Type:    body.Error.Type,
		Message: body.Error.Message,
		Code:    resp.StatusCode,
	}
	if len(body.Error.Details) > 0 {
		e.Details = body.Error.Details
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if d, err := time.ParseDuration(s + "s"); err == nil {
			e.RetryAfter = d
		}
	}
	return e
}

func escape(slug string) string {
	parts := strings.Split(slug, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
