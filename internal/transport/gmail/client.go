// Package gmail implements the transport adapter for the label-based
// Gmail REST API. Mailboxes are flat labels, message state lives in
// label membership, and bodies come back as a MIME-part tree.
package gmail

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
	providerName   = "gmail"
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	excerptLimit = 200
)

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

func (c *client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, result)
}

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
		excerpt := strings.Join(strings.Fields(string(respBody)), " ")
		if len(excerpt) > excerptLimit {
			excerpt = excerpt[:excerptLimit]
		}
		return &transport.ProtocolError{
			Provider: providerName,
			Op:       method + " " + path,
			Status:   resp.StatusCode,
			Excerpt:  excerpt,
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
		}
	}
	return nil
}
