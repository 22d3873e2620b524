package gameapi

import (
	"strings"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// messageTable maps normalized response messages to statuses.
var messageTable = map[string]domain.RedeemStatus{
	"SUCCESS":                    domain.StatusSuccess,
	"RECEIVED":                   domain.StatusAlreadyReceived,
	"SAME_TYPE_EXCHANGE":         domain.StatusSameTypeExchange,
	"USED":                       domain.StatusUsed,
	"TIME_ERROR":                 domain.StatusExpired,
	"CDK_NOT_FOUND":              domain.StatusNotFound,
	"RECHARGE_MONEY_VIP":         domain.StatusVIPRestricted,
	"RECHARGE_MONEY_ERROR":       domain.StatusVIPRestricted,
	"STOVE_LV_ERROR":             domain.StatusLevelRestricted,
	"NOT_LOGIN":                  domain.StatusNotLogin,
	"CAPTCHA_EXPIRED":            domain.StatusCaptchaExpired,
	"CAPTCHA_CHECK_ERROR":        domain.StatusCaptchaError,
	"CAPTCHA_CHECK_TOO_FREQUENT": domain.StatusCaptchaTooFrequent,
	"CAPTCHA_GET_TOO_FREQUENT":   domain.StatusCaptchaGetLimited,
	"TIMEOUT_RETRY":              domain.StatusTimeoutRetry,
	"SIGN_ERROR":                 domain.StatusSignError,
	"PARAMS_ERROR":               domain.StatusParamsError,
	"ROLE_NOT_EXIST":             domain.StatusPlayerNotExist,
}

// codeTable maps numeric err_code values to statuses.
var codeTable = map[int]domain.RedeemStatus{
	20000: domain.StatusSuccess,
	40008: domain.StatusAlreadyReceived,
	40011: domain.StatusSameTypeExchange,
	40005: domain.StatusUsed,
	40007: domain.StatusExpired,
	40014: domain.StatusNotFound,
	40017: domain.StatusVIPRestricted,
	40006: domain.StatusLevelRestricted,
	40009: domain.StatusNotLogin,
	40004: domain.StatusTimeoutRetry,
	40100: domain.StatusCaptchaGetLimited,
	40101: domain.StatusCaptchaTooFrequent,
	40102: domain.StatusCaptchaExpired,
	40103: domain.StatusCaptchaError,
	40001: domain.StatusSignError,
	40002: domain.StatusParamsError,
	40010: domain.StatusPlayerNotExist,
}

// Classification is the result of mapping a raw response to a status.
type Classification struct {
	Status domain.RedeemStatus
	// Mismatch is set when message and numeric code both map to known but
	// different statuses. The message wins.
	Mismatch   bool
	CodeStatus domain.RedeemStatus
}

// NormalizeMessage upper-cases a message, drops trailing dots and joins words
// with underscores: "Same Type Exchange." -> "SAME_TYPE_EXCHANGE".
func NormalizeMessage(msg string) string {
	s := strings.ToUpper(strings.TrimSpace(msg))
	s = strings.TrimRight(s, ".")
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	}), "_")
}

// Classify maps a response message and/or numeric error code to a status.
// Either may be empty/zero.
func Classify(msg string, errCode int) Classification {
	textStatus, textOK := messageTable[NormalizeMessage(msg)]
	codeStatus, codeOK := codeTable[errCode]

	switch {
	case textOK && codeOK:
		return Classification{
			Status:     textStatus,
			Mismatch:   textStatus != codeStatus,
			CodeStatus: codeStatus,
		}
	case textOK:
		return Classification{Status: textStatus}
	case codeOK:
		return Classification{Status: codeStatus, CodeStatus: codeStatus}
	case errCode != 0:
		return Classification{Status: domain.StatusErrorCode}
	default:
		return Classification{Status: domain.StatusUnknown}
	}
}
