// Package amessage is a small Go client for the read-only REST API exposed by
// an aMessage agent daemon.
package amessage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agent API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Stats is the agent's runtime snapshot.
type Stats struct {
	Address               string    `json:"address"`
	Earnings              float64   `json:"earnings"`
	Status                string    `json:"status"`
	LastSignature         string    `json:"lastSignature,omitempty"`
	ProcessedTransactions int64     `json:"processedTransactions"`
	TotalQueries          int64     `json:"totalQueries"`
	UptimeSeconds         float64   `json:"uptime"`
	StartedAt             time.Time `json:"startedAt"`
}

// Uptime returns the uptime as a duration.
func (s Stats) Uptime() time.Duration {
	return time.Duration(s.UptimeSeconds * float64(time.Second))
}

// Message is the receipt of one processed request.
type Message struct {
	Signature         string  `json:"signature"`
	MessageID         string  `json:"message_id"`
	Sender            string  `json:"sender"`
	Action            string  `json:"action"`
	Amount            float64 `json:"amount"`
	Status            string  `json:"status"`
	ErrorCode         string  `json:"error_code,omitempty"`
	ResponseSignature string  `json:"response_signature,omitempty"`
	CreatedAt         int64   `json:"created_at"`
}

// MessageQuery filters the message listing. Zero values are omitted.
type MessageQuery struct {
	Limit    int
	Offset   int
	Statuses []string
	Sender   string
	Since    time.Time
}

func (q MessageQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Sender != "" {
		v.Set("sender", q.Sender)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	return v
}

// MessagePage is one page of receipts, newest first.
type MessagePage struct {
	Items  []Message `json:"items"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("amessage api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("amessage api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the agent API rooted at rawURL. When
// httpClient is nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with /api/v1 calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the stored token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Stats fetches the agent's runtime statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Messages lists processed requests.
func (c *Client) Messages(ctx context.Context, q MessageQuery) (MessagePage, error) {
	var page MessagePage
	if err := c.get(ctx, "/api/v1/messages", q.values(), &page); err != nil {
		return MessagePage{}, err
	}
	return page, nil
}

// Health reports whether the agent considers itself healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var envelope struct {
			Error  *APIError `json:"error"`
			Status string    `json:"status"`
			Reason string    `json:"reason"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			switch {
			case envelope.Error != nil:
				apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
			case envelope.Reason != "":
				apiErr.Code, apiErr.Message = envelope.Status, envelope.Reason
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
