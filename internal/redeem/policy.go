package redeem

import "github.com/vietddude/redeemer/internal/core/domain"

// Action is what the machine does after classifying an attempt.
type Action int

const (
	// ActionTerminal ends the item with the classified status.
	ActionTerminal Action = iota
	// ActionRetryNow fetches a fresh captcha after the standard attempt delay.
	ActionRetryNow
	// ActionBackoff waits an exponential, jittered delay.
	ActionBackoff
	// ActionReauth logs in again without consuming an attempt.
	ActionReauth
	// ActionRetryLater waits the fixed transient delay.
	ActionRetryLater
)

func (a Action) String() string {
	switch a {
	case ActionTerminal:
		return "terminal"
	case ActionRetryNow:
		return "retry_now"
	case ActionBackoff:
		return "backoff"
	case ActionReauth:
		return "reauth"
	case ActionRetryLater:
		return "retry_later"
	}
	return "unknown"
}

var policyTable = map[domain.RedeemStatus]Action{
	domain.StatusCaptchaExpired:  ActionRetryNow,
	domain.StatusCaptchaError:    ActionRetryNow,
	domain.StatusCaptchaUnsolved: ActionRetryNow,

	domain.StatusCaptchaTooFrequent: ActionBackoff,
	domain.StatusCaptchaGetLimited:  ActionBackoff,
	domain.StatusRateLimited:        ActionBackoff,

	domain.StatusNotLogin: ActionReauth,

	domain.StatusTimeoutRetry: ActionRetryLater,
	domain.StatusServerError:  ActionRetryLater,
	domain.StatusNetworkError: ActionRetryLater,
}

// PolicyFor returns the retry action for a status. Anything not listed is
// terminal.
func PolicyFor(status domain.RedeemStatus) Action {
	if a, ok := policyTable[status]; ok {
		return a
	}
	return ActionTerminal
}
