// Package feedapi is the client for the shared gift-code feed.
package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the feed's expiry date format (DD.MM.YYYY).
const DateLayout = "02.01.2006"

var (
	// ErrRateLimited matches HTTP 429 from the feed.
	ErrRateLimited = errors.New("feed rate limited")
	// ErrServer matches HTTP 5xx from the feed.
	ErrServer = errors.New("feed server error")

	codePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// HTTPError is a non-2xx feed response.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("feed http %d: %s", e.StatusCode, e.Body)
}

// Is lets callers test categories with errors.Is.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServer:
		return e.StatusCode >= 500
	}
	return false
}

// Entry is one code published by the feed.
type Entry struct {
	Code      string
	ExpiresOn time.Time
}

// Config configures the feed client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the feed's JSON API.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a feed client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Exists  bool            `json:"exists"`
	Codes   json.RawMessage `json:"codes"`
}

// List fetches all published codes. Lines that do not parse as
// "CODE DD.MM.YYYY" are returned in malformed.
func (c *Client) List(ctx context.Context) (entries []Entry, malformed []string, err error) {
	raw, err := c.do(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, nil, err
	}

	lines, err := extractLines(raw)
	if err != nil {
		return nil, nil, err
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e, ok := ParseLine(line)
		if !ok {
			malformed = append(malformed, line)
			continue
		}
		entries = append(entries, e)
	}
	return entries, malformed, nil
}

// ParseLine parses "CODE DD.MM.YYYY".
func ParseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || !codePattern.MatchString(fields[0]) {
		return Entry{}, false
	}
	t, err := time.Parse(DateLayout, fields[1])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Code: fields[0], ExpiresOn: t}, true
}

// Add publishes a code. The expiry date is optional.
func (c *Client) Add(ctx context.Context, code string, expiresOn *time.Time) error {
	body := map[string]string{"code": code}
	if expiresOn != nil {
		body["date"] = expiresOn.Format(DateLayout)
	}
	return c.mutate(ctx, http.MethodPost, body)
}

// Remove withdraws a code from the feed.
func (c *Client) Remove(ctx context.Context, code string) error {
	return c.mutate(ctx, http.MethodDelete, map[string]string{"code": code})
}

// Exists asks the feed whether it already carries code.
func (c *Client) Exists(ctx context.Context, code string) (bool, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return false, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("action", "check")
	q.Set("giftcode", code)
	u.RawQuery = q.Encode()

	raw, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("parse check response: %w", err)
	}
	return resp.Exists, nil
}

func (c *Client) mutate(ctx context.Context, method string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	raw, err := c.do(ctx, method, c.url, payload)
	if err != nil {
		return err
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "unknown error"
		}
		return fmt.Errorf("feed %s %s: %s", method, body["code"], resp.Error)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := string(raw)
		if len(body) > 200 {
			body = body[:200]
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       body,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}

// extractLines accepts a JSON {"codes": [...]} or {"codes": "a\nb"} body,
// or a plain newline-delimited body.
func extractLines(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return strings.Split(string(trimmed), "\n"), nil
	}

	var resp response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("parse list response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("feed list: %s", resp.Error)
	}
	if len(resp.Codes) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(resp.Codes, &list); err == nil {
		return list, nil
	}
	var text string
	if err := json.Unmarshal(resp.Codes, &text); err != nil {
		return nil, fmt.Errorf("parse codes field: %w", err)
	}
	return strings.Split(text, "\n"), nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
