// Package feeapi is the HTTP client for the school fee API that owns
// students, the fee catalog and invoices.
package feeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when a response does not match the
// {"data": ..., "meta": ...} envelope.
var ErrMalformedResponse = errors.New("feeapi: malformed response")

const maxErrorBody = 4 << 10

// maxPages bounds pagination so a misbehaving server cannot loop us forever.
const maxPages = 100

// APIError is a non-2xx response from the fee API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("feeapi: status %d", e.Status)
	}
	return fmt.Sprintf("feeapi: status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the fee API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Meta carries pagination details of list responses.
type Meta struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta *Meta           `json:"meta,omitempty"`
}

// Client talks to the fee API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient constructs a client. A zero timeout defaults to 10 seconds.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs the request and unwraps the envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (envelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("feeapi: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return envelope{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return envelope{}, fmt.Errorf("%w: %s %s: missing data", ErrMalformedResponse, method, path)
	}
	env.Data = trimmed
	return env, nil
}

// getOne fetches a single object.
func getOne[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var out T
	env, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
	if err != nil {
		return out, err
	}
	if err := decodeObject(env, &out); err != nil {
		return out, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func decodeObject(env envelope, target any) error {
	if env.Data[0] != '{' {
		return fmt.Errorf("%w: expected object", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// listAll walks every page of a list endpoint.
func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var out []T
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		if page > 1 {
			q.Set("page", strconv.Itoa(page))
		}
		env, err := c.do(ctx, http.MethodGet, path, q, nil, nil)
		if err != nil {
			return nil, err
		}
		if env.Data[0] != '[' {
			return nil, fmt.Errorf("%w: %s: expected array", ErrMalformedResponse, path)
		}
		var batch []T
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
		}
		out = append(out, batch...)
		if env.Meta == nil || env.Meta.TotalPages <= page || len(batch) == 0 {
			return out, nil
		}
	}
	return out, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func setID(q url.Values, key string, id int64) {
	if id != 0 {
		q.Set(key, formatID(id))
	}
}
