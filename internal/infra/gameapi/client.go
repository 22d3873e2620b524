// Package gameapi is the client for the game's redemption HTTP API.
package gameapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/metrics"
)

// Config configures the game API client.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// Player is the profile returned by a successful login.
type Player struct {
	ID           string
	Nickname     string
	KingdomID    int
	FurnaceLevel int
	AvatarURL    string
}

// RedeemResult is a classified redemption response. Transport failures are
// returned as errors instead.
type RedeemResult struct {
	Status   domain.RedeemStatus
	Message  string
	ErrCode  int
	Mismatch bool
}

// healthWindow is how many recent transport outcomes feed HealthStatus.
const healthWindow = 50

// HealthStatus summarizes the last healthWindow transport outcomes.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// Client talks to the game API with signed form requests.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	health  HealthStatus
	samples [healthWindow]sample
	next    int
	filled  int
}

type sample struct {
	failed  bool
	latency time.Duration
}

// NewClient creates a game API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now:    time.Now,
		logger: slog.Default().With("component", "gameapi"),
		health: HealthStatus{Available: true},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	ErrCode json.RawMessage `json:"err_code"`
	Data    json.RawMessage `json:"data"`
}

// errCode tolerates both numeric and string err_code fields.
func (e envelope) errCode() int {
	raw := strings.Trim(string(e.ErrCode), `" `)
	if raw == "" || raw == "null" {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// Authenticate logs a player in and returns the profile.
func (c *Client) Authenticate(ctx context.Context, playerID string) (*Player, error) {
	env, err := c.post(ctx, EndpointPlayer, url.Values{"fid": {playerID}})
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		cls := Classify(env.Msg, env.errCode())
		status := cls.Status
		if status == domain.StatusUnknown || status == domain.StatusErrorCode {
			status = domain.StatusLoginFailed
		}
		return nil, c.reject(&APIError{
			Endpoint: EndpointPlayer,
			Status:   status,
			Message:  env.Msg,
			ErrCode:  env.errCode(),
		})
	}

	var data struct {
		FID       json.Number `json:"fid"`
		Nickname  string      `json:"nickname"`
		KID       int         `json:"kid"`
		StoveLv   int         `json:"stove_lv"`
		AvatarURL string      `json:"avatar_image"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, c.reject(fmt.Errorf("parse player: %w", err))
	}
	id := data.FID.String()
	if id == "" {
		id = playerID
	}
	return &Player{
		ID:           id,
		Nickname:     data.Nickname,
		KingdomID:    data.KID,
		FurnaceLevel: data.StoveLv,
		AvatarURL:    data.AvatarURL,
	}, nil
}

// FetchCaptcha returns the raw captcha image bytes for a logged-in player.
func (c *Client) FetchCaptcha(ctx context.Context, playerID string) ([]byte, error) {
	env, err := c.post(ctx, EndpointCaptcha, url.Values{"fid": {playerID}, "init": {"0"}})
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		cls := Classify(env.Msg, env.errCode())
		return nil, c.reject(&APIError{
			Endpoint: EndpointCaptcha,
			Status:   cls.Status,
			Message:  env.Msg,
			ErrCode:  env.errCode(),
		})
	}

	var data struct {
		Img string `json:"img"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, c.reject(fmt.Errorf("parse captcha: %w", err))
	}
	img := data.Img
	if i := strings.Index(img, ","); strings.HasPrefix(img, "data:") && i >= 0 {
		img = img[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		return nil, c.reject(fmt.Errorf("decode captcha image: %w", err))
	}
	if len(raw) == 0 {
		return nil, c.reject(errors.New("empty captcha image"))
	}
	return raw, nil
}

// Redeem submits a gift code with a solved captcha. Any well-formed API
// response, success or not, is returned as a RedeemResult.
func (c *Client) Redeem(ctx context.Context, playerID, code, captcha string) (*RedeemResult, error) {
	env, err := c.post(ctx, EndpointGiftCode, url.Values{
		"fid":          {playerID},
		"cdk":          {code},
		"captcha_code": {captcha},
	})
	if err != nil {
		return nil, err
	}

	cls := Classify(env.Msg, env.errCode())
	if cls.Mismatch {
		c.logger.Warn("Status mismatch between message and err_code",
			"message", env.Msg,
			"err_code", env.errCode(),
			"message_status", cls.Status,
			"code_status", cls.CodeStatus,
		)
	}
	if !cls.Status.IsSuccess() {
		metrics.APIErrorsTotal.WithLabelValues(EndpointGiftCode, string(cls.Status)).Inc()
	}
	return &RedeemResult{
		Status:   cls.Status,
		Message:  env.Msg,
		ErrCode:  env.errCode(),
		Mismatch: cls.Mismatch,
	}, nil
}

// GetHealth returns recent call statistics.
func (c *Client) GetHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*envelope, error) {
	start := time.Now()
	metrics.APICallsTotal.WithLabelValues(endpoint).Inc()

	form.Set("time", strconv.FormatInt(c.now().UnixMilli(), 10))
	body := signedForm(form, c.secret).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, strings.NewReader(body))
	if err != nil {
		return nil, c.fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(&APIError{
			Endpoint: endpoint,
			Status:   domain.StatusNetworkError,
			Message:  err.Error(),
		})
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	metrics.APILatency.WithLabelValues(endpoint).Observe(latency.Seconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, c.fail(&APIError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Status:     domain.StatusRateLimited,
			Message:    "too many requests",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(&APIError{
			Endpoint: endpoint,
			Status:   domain.StatusNetworkError,
			Message:  fmt.Sprintf("read response: %v", err),
		})
	}

	if resp.StatusCode >= 500 {
		return nil, c.fail(&APIError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Status:     domain.StatusServerError,
			Message:    truncate(string(raw), 200),
		})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(&APIError{
			Endpoint:   endpoint,
			HTTPStatus: resp.StatusCode,
			Status:     domain.StatusErrorCode,
			Message:    truncate(string(raw), 200),
		})
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, c.fail(fmt.Errorf("parse response: %w", err))
	}

	c.recordSuccess(latency)
	return &env, nil
}

// fail records a transport failure and passes err through.
func (c *Client) fail(err error) error {
	c.countError(err)
	c.record(sample{failed: true})
	return err
}

// reject counts an error answer from a call that already reached the API.
func (c *Client) reject(err error) error {
	c.countError(err)
	return err
}

func (c *Client) countError(err error) {
	var apiErr *APIError
	status := "error"
	endpoint := "unknown"
	if errors.As(err, &apiErr) {
		status = string(apiErr.Status)
		endpoint = apiErr.Endpoint
	}
	metrics.APIErrorsTotal.WithLabelValues(endpoint, status).Inc()
}

func (c *Client) recordSuccess(latency time.Duration) {
	c.record(sample{latency: latency})
}

func (c *Client) record(s sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = s
	c.next = (c.next + 1) % healthWindow
	if c.filled < healthWindow {
		c.filled++
	}

	if s.failed {
		c.health.LastFailureAt = c.now()
	} else {
		c.health.LastSuccessAt = c.now()
	}

	var failures, successes int
	var total time.Duration
	for _, smp := range c.samples[:c.filled] {
		if smp.failed {
			failures++
			continue
		}
		successes++
		total += smp.latency
	}
	c.health.ErrorRate = float64(failures) / float64(c.filled)
	c.health.Available = c.health.ErrorRate <= 0.5
	if successes > 0 {
		c.health.Latency = total / time.Duration(successes)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
