// Package redeem drives one player through login, captcha and submission
// for a single gift code.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/vietddude/redeemer/internal/captcha"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/gameapi"
	"github.com/vietddude/redeemer/internal/metrics"
)

// GameAPI is the subset of the game client the machine drives.
type GameAPI interface {
	Authenticate(ctx context.Context, playerID string) (*gameapi.Player, error)
	FetchCaptcha(ctx context.Context, playerID string) ([]byte, error)
	Redeem(ctx context.Context, playerID, code, captcha string) (*gameapi.RedeemResult, error)
}

// Solver recognizes captcha images.
type Solver interface {
	Solve(ctx context.Context, img []byte) (captcha.Result, error)
}

// Config bounds the machine's retries.
type Config struct {
	MaxAttempts              int
	MaxConsecutiveRateLimits int
	MaxReauth                int
	AttemptDelay             time.Duration
	RetryDelay               time.Duration
	MinConfidence            float64
	RateLimit                Backoff
}

// DefaultConfig returns the production retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:              4,
		MaxConsecutiveRateLimits: 3,
		MaxReauth:                2,
		AttemptDelay:             time.Second,
		RetryDelay:               2 * time.Second,
		MinConfidence:            0.4,
		RateLimit:                DefaultRateLimitBackoff(),
	}
}

// Machine runs the AUTH -> FETCH_CAPTCHA -> SOLVE -> SUBMIT -> CLASSIFY cycle.
type Machine struct {
	api      GameAPI
	solver   Solver
	throttle Throttle
	cfg      Config
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewMachine creates a state machine.
func NewMachine(api GameAPI, solver Solver, throttle Throttle, cfg Config) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxConsecutiveRateLimits <= 0 {
		cfg.MaxConsecutiveRateLimits = 3
	}
	if cfg.MaxReauth < 0 {
		cfg.MaxReauth = 0
	}
	return &Machine{
		api:      api,
		solver:   solver,
		throttle: throttle,
		cfg:      cfg,
		logger:   slog.Default().With("component", "redeem"),
		sleep:    Sleep,
		rand:     rand.Float64,
	}
}

// attemptResult is one pass through fetch, solve and submit.
type attemptResult struct {
	status     domain.RedeemStatus
	message    string
	errCode    int
	retryAfter time.Duration
}

// Run redeems item.Code for item.PlayerID. It never returns an error: every
// failure is folded into the outcome's status.
func (m *Machine) Run(ctx context.Context, item domain.RedeemItem) domain.RedeemOutcome {
	log := m.logger.With("player", item.PlayerID, "code", item.Code, "operation", item.Operation)

	if out, ok := m.authenticate(ctx, item.PlayerID); !ok {
		log.Warn("Authentication failed", "status", out.Status, "message", out.Message)
		return out
	}

	var (
		last          attemptResult
		attempts      int
		consecutiveRL int
		reauths       int
		skipDelay     = true
	)

	for attempts < m.cfg.MaxAttempts {
		if !skipDelay {
			if err := m.sleep(ctx, m.cfg.AttemptDelay); err != nil {
				return domain.NewOutcome(domain.StatusException, err.Error())
			}
		}
		skipDelay = false

		last = m.attempt(ctx, item)
		attempts++

		action := PolicyFor(last.status)
		log.Debug("Attempt classified",
			"attempt", attempts,
			"status", last.status,
			"action", action,
		)

		switch action {
		case ActionTerminal:
			return m.outcome(last)

		case ActionReauth:
			attempts--
			if reauths >= m.cfg.MaxReauth {
				log.Warn("Session kept expiring, giving up", "reauths", reauths)
				return m.outcome(last)
			}
			reauths++
			if out, ok := m.authenticate(ctx, item.PlayerID); !ok {
				return out
			}
			skipDelay = true

		case ActionBackoff:
			consecutiveRL++
			delay := m.cfg.RateLimit.GetDelay(consecutiveRL-1, m.rand)
			if last.retryAfter > delay {
				delay = last.retryAfter
			}
			if consecutiveRL >= m.cfg.MaxConsecutiveRateLimits {
				log.Warn("Rate limited repeatedly, giving up",
					"consecutive", consecutiveRL,
					"retry_in", delay,
				)
				out := m.outcome(last)
				out.Retry = &domain.RetryHint{Type: "rate_limited", Delay: delay}
				return out
			}
			if err := m.sleep(ctx, delay); err != nil {
				return domain.NewOutcome(domain.StatusException, err.Error())
			}

		case ActionRetryNow:
			consecutiveRL = 0

		case ActionRetryLater:
			consecutiveRL = 0
			if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
				return domain.NewOutcome(domain.StatusException, err.Error())
			}
		}
	}

	log.Warn("Attempts exhausted", "attempts", attempts, "status", last.status)
	return m.outcome(last)
}

func (m *Machine) authenticate(ctx context.Context, playerID string) (domain.RedeemOutcome, bool) {
	_, err := m.api.Authenticate(ctx, playerID)
	if err == nil {
		return domain.RedeemOutcome{}, true
	}

	if errors.Is(err, gameapi.ErrPlayerNotExist) {
		return domain.NewOutcome(domain.StatusPlayerNotExist, err.Error()), false
	}

	out := domain.NewOutcome(domain.StatusLoginFailed, err.Error())
	var apiErr *gameapi.APIError
	if errors.As(err, &apiErr) {
		out.ErrCode = apiErr.ErrCode
		if errors.Is(err, gameapi.ErrRateLimited) {
			delay := m.cfg.RateLimit.GetDelay(0, m.rand)
			if apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			out.Retry = &domain.RetryHint{Type: "rate_limited", Delay: delay}
		}
	}
	return out, false
}

func (m *Machine) attempt(ctx context.Context, item domain.RedeemItem) attemptResult {
	if m.throttle != nil {
		if err := m.throttle.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return attemptResult{status: domain.StatusException, message: err.Error()}
			}
			// Proceed unspaced when the shared clock is unreachable.
			m.logger.Warn("Captcha throttle unavailable", "error", err)
		}
	}

	img, err := m.api.FetchCaptcha(ctx, item.PlayerID)
	if err != nil {
		return fromError(err)
	}

	solved, err := m.solver.Solve(ctx, img)
	if err != nil {
		return attemptResult{
			status:  domain.StatusCaptchaUnsolved,
			message: fmt.Sprintf("solve captcha: %v", err),
		}
	}
	if solved.Confidence < m.cfg.MinConfidence {
		metrics.CaptchaSolves.WithLabelValues("low_confidence").Inc()
		return attemptResult{
			status:  domain.StatusCaptchaUnsolved,
			message: fmt.Sprintf("low confidence %.2f for %q", solved.Confidence, solved.Text),
		}
	}

	res, err := m.api.Redeem(ctx, item.PlayerID, item.Code, solved.Text)
	if err != nil {
		return fromError(err)
	}
	return attemptResult{status: res.Status, message: res.Message, errCode: res.ErrCode}
}

func fromError(err error) attemptResult {
	var apiErr *gameapi.APIError
	if errors.As(err, &apiErr) {
		return attemptResult{
			status:     apiErr.Status,
			message:    apiErr.Message,
			errCode:    apiErr.ErrCode,
			retryAfter: apiErr.RetryAfter,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return attemptResult{status: domain.StatusException, message: err.Error()}
	}
	return attemptResult{status: domain.StatusNetworkError, message: err.Error()}
}

func (m *Machine) outcome(r attemptResult) domain.RedeemOutcome {
	out := domain.NewOutcome(r.status, r.message)
	out.ErrCode = r.errCode
	return out
}
