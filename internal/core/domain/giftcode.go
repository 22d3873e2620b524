package domain

import "time"

// CodeStatus is the local validity state of a gift code.
type CodeStatus string

const (
	CodeStatusActive  CodeStatus = "active"
	CodeStatusInvalid CodeStatus = "invalid"
)

// CodeSource records where a gift code came from.
type CodeSource string

const (
	CodeSourceManual CodeSource = "manual"
	CodeSourceFeed   CodeSource = "feed"
)

// GiftCode is a promotional code known to the local store.
type GiftCode struct {
	Code        string     `json:"code"         db:"code"`
	ExpiresOn   *time.Time `json:"expires_on"   db:"expires_on"`
	Status      CodeStatus `json:"status"       db:"status"`
	IsVIP       bool       `json:"is_vip"       db:"is_vip"`
	Source      CodeSource `json:"source"       db:"source"`
	Pushed      bool       `json:"pushed"       db:"pushed"`
	ValidatedAt *time.Time `json:"validated_at" db:"validated_at"`
	CreatedAt   time.Time  `json:"created_at"   db:"created_at"`
}

// Usage records that a player has redeemed (or already owned) a code.
type Usage struct {
	PlayerID   string       `json:"player_id"   db:"player_id"`
	Code       string       `json:"code"        db:"code"`
	Status     RedeemStatus `json:"status"      db:"status"`
	RedeemedAt time.Time    `json:"redeemed_at" db:"redeemed_at"`
}
