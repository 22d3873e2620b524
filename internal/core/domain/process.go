package domain

import (
	"encoding/json"
	"time"
)

// ProcessStatus is the lifecycle state of a Process.
type ProcessStatus string

const (
	ProcessStatusActive    ProcessStatus = "active"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusPreempted ProcessStatus = "preempted"
)

// IsTerminal reports whether a process in this status will never run again
// without operator intervention.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusCompleted || s == ProcessStatusFailed
}

// Reserved actor and target identifiers for processes not started by a human.
const (
	ActorFeedSync   = "system:feed-sync"
	ActorAutoRedeem = "system:auto-redeem"
	ActorRevalidate = "system:revalidate"
	TargetSystem    = "system"
)

// Scheduling priorities. Lower runs first.
const (
	PriorityValidation = 0
	PriorityManual     = 10
	PriorityAuto       = 20
)

// QueueEntry is one waiting process as the queue stores it.
type QueueEntry struct {
	ProcessID string
	Priority  int
	Submitted time.Time
}

// Process is a unit of durable batch work.
type Process struct {
	ID        string         `json:"id"         db:"id"`
	CreatedBy string         `json:"created_by" db:"created_by"`
	Target    string         `json:"target"     db:"target"`
	Status    ProcessStatus  `json:"status"     db:"status"`
	Priority  int            `json:"priority"   db:"priority"`
	Details   ProcessDetails `json:"details"`
	Progress  Progress       `json:"progress"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// ProcessDetails is the immutable description of what a process does.
type ProcessDetails struct {
	Code  string       `json:"code"`
	Items []RedeemItem `json:"items"`
}

// IsValidationOnly reports whether the process consists of exactly one
// validation item. Such processes run with high priority and may preempt.
func (p *Process) IsValidationOnly() bool {
	return len(p.Details.Items) == 1 && p.Details.Items[0].Operation == OperationValidation
}

// Progress is the mutable, checkpointed state of a process.
//
// Every item key lives in exactly one of Pending, Done, Failed or Existing.
// Results holds one entry per Done/Failed key; pre-filtered Existing keys are
// recorded in PreFiltered instead.
type Progress struct {
	Pending         []string        `json:"pending"`
	Done            []string        `json:"done"`
	Failed          []string        `json:"failed"`
	Existing        []string        `json:"existing"`
	Results         []ItemResult    `json:"results"`
	PreFiltered     []ItemResult    `json:"preFiltered,omitempty"`
	LastProcessedID string          `json:"lastProcessedId,omitempty"`
	LastProcessedAt *time.Time      `json:"lastProcessedAt,omitempty"`
	EmbedState      json.RawMessage `json:"embedState,omitempty"`
}

// ItemResult is the persisted outcome of one item.
type ItemResult struct {
	ItemID      string       `json:"itemId"`
	PlayerID    string       `json:"playerId"`
	Operation   Operation    `json:"operation"`
	Success     bool         `json:"success"`
	Status      RedeemStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Skipped     bool         `json:"skipped,omitempty"`
	PreFiltered bool         `json:"preFiltered,omitempty"`
	At          time.Time    `json:"at"`
}

// Snapshot is the aggregated view handed to progress sinks.
type Snapshot struct {
	ProcessID       string `json:"process_id"`
	Total           int    `json:"total"`
	Processed       int    `json:"processed"`
	Success         int    `json:"success"`
	AlreadyRedeemed int    `json:"already_redeemed"`
	Restricted      int    `json:"restricted"`
	Failed          int    `json:"failed"`
}
