package domain

import "time"

// Player is a game account identity that codes are redeemed for.
type Player struct {
	ID            string    `json:"id"              db:"id"`
	Nickname      string    `json:"nickname"        db:"nickname"`
	AllianceID    int64     `json:"alliance_id"     db:"alliance_id"`
	FurnaceLevel  int       `json:"furnace_level"   db:"furnace_level"`
	IsRich        bool      `json:"is_rich"         db:"is_rich"`
	VIPCount      int       `json:"vip_count"       db:"vip_count"`
	Poor          bool      `json:"poor"            db:"poor"`
	NotFoundCount int       `json:"not_found_count" db:"not_found_count"`
	CreatedAt     time.Time `json:"created_at"      db:"created_at"`
}

// Alliance groups players and carries automation settings.
type Alliance struct {
	ID                 int64  `json:"id"                    db:"id"`
	Name               string `json:"name"                  db:"name"`
	AutoRedeem         bool   `json:"auto_redeem"           db:"auto_redeem"`
	AutoDeleteNotFound bool   `json:"auto_delete_not_found" db:"auto_delete_not_found"`
	RedeemPriority     int    `json:"redeem_priority"       db:"redeem_priority"`
}
