package gameapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
)

var (
	// ErrRateLimited matches HTTP 429 and the API's "too frequent" statuses.
	ErrRateLimited = errors.New("rate limited")

	// ErrServer matches HTTP 5xx responses.
	ErrServer = errors.New("server error")

	// ErrAuthExpired matches a session invalidated mid-cycle.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrPlayerNotExist matches an identity the API does not know.
	ErrPlayerNotExist = errors.New("player does not exist")
)

// Endpoint names used in errors, logs and metrics.
const (
	EndpointPlayer   = "player"
	EndpointCaptcha  = "captcha"
	EndpointGiftCode = "gift_code"
)

// APIError is a failed call with its classified status.
type APIError struct {
	Endpoint   string
	HTTPStatus int
	Status     domain.RedeemStatus
	Message    string
	ErrCode    int
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 && e.HTTPStatus != 200 {
		return fmt.Sprintf("%s: http %d: %s %s", e.Endpoint, e.HTTPStatus, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s, err_code=%d)", e.Endpoint, e.Status, e.Message, e.ErrCode)
}

// Is lets callers test categories with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.HTTPStatus == 429 ||
			e.Status == domain.StatusRateLimited ||
			e.Status == domain.StatusCaptchaGetLimited ||
			e.Status == domain.StatusCaptchaTooFrequent
	case ErrServer:
		return e.HTTPStatus >= 500
	case ErrAuthExpired:
		return e.Status == domain.StatusNotLogin
	case ErrPlayerNotExist:
		return e.Status == domain.StatusPlayerNotExist
	}
	return false
}
