// Package indexing asks the downstream indexing service to rebuild the search
// index of each guild that received new messages.
package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDisabled is returned when no indexing API URL is configured.
var ErrDisabled = errors.New("indexing api url not configured")

const (
	// DefaultTimeout bounds one rebuild request.
	DefaultTimeout = 5 * time.Minute

	maxErrorBody        = 512
	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 10
)

// RebuildResponse is the body returned by the rebuild endpoint. Unknown
// fields are ignored; the core only logs it.
type RebuildResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"job_id"`
	ChunksCreated int    `json:"chunks_created"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexing service returned status %d: %s", e.StatusCode, e.Body)
}

// Client calls POST {base}/v1/guilds/{guild_id}/index with a bearer token.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. The per-request bound comes from the caller's
// context; the transport only limits connection setup.
func NewClient(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: transport},
	}
}

// IsEnabled reports whether a base URL is configured.
func (c *Client) IsEnabled() bool {
	return c.baseURL != ""
}

// RebuildIndex requests a rebuild of one guild's index and waits for the
// response.
func (c *Client) RebuildIndex(ctx context.Context, groupID string) (RebuildResponse, error) {
	if !c.IsEnabled() {
		return RebuildResponse{}, ErrDisabled
	}

	endpoint := fmt.Sprintf("%s/v1/guilds/%s/index", c.baseURL, url.PathEscape(groupID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return RebuildResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RebuildResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return RebuildResponse{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out RebuildResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
		return RebuildResponse{}, fmt.Errorf("decode response: %w", decodeErr)
	}
	return out, nil
}
