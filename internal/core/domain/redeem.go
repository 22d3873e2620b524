package domain

import "time"

// Operation distinguishes a validity probe from a real redemption.
type Operation string

const (
	OperationValidation Operation = "validation"
	OperationRedeem     Operation = "redeem"
)

// RedeemItem is one unit of work inside a process.
type RedeemItem struct {
	PlayerID  string    `json:"player_id"`
	Code      string    `json:"code"`
	Operation Operation `json:"operation"`
}

// Key returns the identifier tracked in the progress buckets. Validation items
// get a prefix so the same player may also appear as a redeem item.
func (i RedeemItem) Key() string {
	if i.Operation == OperationValidation {
		return "validation:" + i.PlayerID
	}
	return i.PlayerID
}

// RedeemStatus is the classified outcome of a redemption attempt.
type RedeemStatus string

const (
	StatusSuccess            RedeemStatus = "SUCCESS"
	StatusAlreadyReceived    RedeemStatus = "RECEIVED"
	StatusSameTypeExchange   RedeemStatus = "SAME_TYPE_EXCHANGE"
	StatusUsed               RedeemStatus = "USED"
	StatusExpired            RedeemStatus = "TIME_ERROR"
	StatusNotFound           RedeemStatus = "CDK_NOT_FOUND"
	StatusVIPRestricted      RedeemStatus = "RECHARGE_MONEY_VIP"
	StatusLevelRestricted    RedeemStatus = "STOVE_LV_ERROR"
	StatusNotLogin           RedeemStatus = "NOT_LOGIN"
	StatusCaptchaExpired     RedeemStatus = "CAPTCHA_EXPIRED"
	StatusCaptchaError       RedeemStatus = "CAPTCHA_CHECK_ERROR"
	StatusCaptchaTooFrequent RedeemStatus = "CAPTCHA_CHECK_TOO_FREQUENT"
	StatusCaptchaGetLimited  RedeemStatus = "CAPTCHA_GET_TOO_FREQUENT"
	StatusTimeoutRetry       RedeemStatus = "TIMEOUT_RETRY"
	StatusSignError          RedeemStatus = "SIGN_ERROR"
	StatusParamsError        RedeemStatus = "PARAMS_ERROR"
	StatusPlayerNotExist     RedeemStatus = "ROLE_NOT_EXIST"
	StatusRateLimited        RedeemStatus = "RATE_LIMITED"
	StatusServerError        RedeemStatus = "SERVER_ERROR"
	StatusNetworkError       RedeemStatus = "NETWORK_ERROR"
	StatusLoginFailed        RedeemStatus = "LOGIN_FAILED"
	StatusCaptchaUnsolved    RedeemStatus = "CAPTCHA_UNSOLVED"
	StatusErrorCode          RedeemStatus = "ERROR_CODE"
	StatusUnknown            RedeemStatus = "UNKNOWN"
	StatusSkipped            RedeemStatus = "SKIPPED"
	StatusException          RedeemStatus = "EXCEPTION"
)

// IsSuccess reports statuses that count as success for batch completion.
func (s RedeemStatus) IsSuccess() bool {
	return s == StatusSuccess || s.IsAlreadyRedeemed()
}

// IsAlreadyRedeemed reports the "already redeemed" family.
func (s RedeemStatus) IsAlreadyRedeemed() bool {
	return s == StatusAlreadyReceived || s == StatusSameTypeExchange
}

// IsAbort reports statuses that invalidate the code for the whole batch.
func (s RedeemStatus) IsAbort() bool {
	switch s {
	case StatusUsed, StatusExpired, StatusNotFound:
		return true
	}
	return false
}

// IsVIPRestriction reports the VIP gate status that feeds VIP detection.
func (s RedeemStatus) IsVIPRestriction() bool {
	return s == StatusVIPRestricted
}

// IsRestriction reports VIP or level restrictions.
func (s RedeemStatus) IsRestriction() bool {
	return s == StatusVIPRestricted || s == StatusLevelRestricted
}

// CodeActive tells what a status says about the code itself: true when the
// code is known live, false when known dead, nil when undetermined.
func (s RedeemStatus) CodeActive() *bool {
	switch {
	case s.IsSuccess(), s.IsRestriction():
		v := true
		return &v
	case s.IsAbort():
		v := false
		return &v
	}
	return nil
}

// RetryHint tells the caller the item gave up on a retryable condition.
type RetryHint struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// RedeemOutcome is what the redemption state machine returns for one item.
type RedeemOutcome struct {
	Success        bool         `json:"success"`
	Status         RedeemStatus `json:"status"`
	Message        string       `json:"message"`
	ErrCode        int          `json:"err_code,omitempty"`
	GiftCodeActive *bool        `json:"gift_code_active"`
	IsVIP          bool         `json:"is_vip"`
	PlayerNotExist bool         `json:"player_not_exist"`
	Retry          *RetryHint   `json:"retry"`
}

// NewOutcome builds an outcome whose derived flags follow the status.
func NewOutcome(status RedeemStatus, message string) RedeemOutcome {
	return RedeemOutcome{
		Success:        status.IsSuccess(),
		Status:         status,
		Message:        message,
		GiftCodeActive: status.CodeActive(),
		IsVIP:          status.IsVIPRestriction(),
		PlayerNotExist: status == StatusPlayerNotExist,
	}
}
