// Package outlook implements the transport adapter for the Microsoft
// Graph mail API. Every operation is a stateless HTTP call; pagination
// uses the service's opaque continuation links.
package outlook

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

	"github.com/fenilsonani/mailsync/internal/transport"
)

const (
	providerName   = "outlook"
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	excerptLimit = 200
)

// client wraps an HTTP client with bearer authentication resolved per
// request. It never retries; retry policy belongs to callers.
type client struct {
	baseURL    string
	httpClient *http.Client
	token      transport.TokenSource
}

func newClient(baseURL string, token transport.TokenSource, httpClient *http.Client) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
	}
}

func (c *client) get(ctx context.Context, path string, query url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, result)
}

func (c *client) patch(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, result)
}

func (c *client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, result)
}

func (c *client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// do builds the request, attaches a freshly resolved bearer token, and
// decodes the JSON response. Non-2xx responses become ProtocolErrors
// carrying the upstream status and a short body excerpt.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	bearer, err := c.token(ctx)
	if err != nil {
		return &transport.ConnectError{
			Provider: providerName,
			Endpoint: endpoint,
			Err:      fmt.Errorf("resolving bearer token: %w", err),
		}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transport.ConnectError{Provider: providerName, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &transport.ProtocolError{
			Provider: providerName,
			Op:       method + " " + path,
			Status:   resp.StatusCode,
			Excerpt:  excerpt(respBody),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

// getURL follows an absolute continuation link returned by the service.
func (c *client) getURL(ctx context.Context, rawURL string, result any) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing continuation link: %w", err)
	}
	path := strings.TrimPrefix(parsed.Path, pathOf(c.baseURL))
	return c.do(ctx, http.MethodGet, path, parsed.Query(), nil, result)
}

func pathOf(baseURL string) string {
	if parsed, err := url.Parse(baseURL); err == nil {
		return parsed.Path
	}
	return ""
}

func excerpt(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > excerptLimit {
		return s[:excerptLimit]
	}
	return s
}
