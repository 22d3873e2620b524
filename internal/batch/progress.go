package batch

import (
	"slices"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// NewProgress builds the initial progress for items in order.
func NewProgress(items []domain.RedeemItem) domain.Progress {
	p := domain.Progress{
		Pending:  make([]string, 0, len(items)),
		Done:     []string{},
		Failed:   []string{},
		Existing: []string{},
		Results:  []domain.ItemResult{},
	}
	for _, it := range items {
		p.Pending = append(p.Pending, it.Key())
	}
	return p
}

func isPending(p *domain.Progress, key string) bool {
	return slices.Contains(p.Pending, key)
}

func removePending(p *domain.Progress, key string) bool {
	i := slices.Index(p.Pending, key)
	if i < 0 {
		return false
	}
	p.Pending = slices.Delete(p.Pending, i, i+1)
	return true
}

// complete moves key from pending to done or failed and appends its result.
// Keys no longer pending are left untouched.
func complete(p *domain.Progress, key string, res domain.ItemResult) bool {
	if !removePending(p, key) {
		return false
	}
	if res.Success {
		p.Done = append(p.Done, key)
	} else {
		p.Failed = append(p.Failed, key)
	}
	p.Results = append(p.Results, res)
	at := res.At
	p.LastProcessedID = key
	p.LastProcessedAt = &at
	return true
}

// markExisting moves key from pending to existing with a pre-filtered result.
func markExisting(p *domain.Progress, key string, res domain.ItemResult) bool {
	if !removePending(p, key) {
		return false
	}
	res.PreFiltered = true
	p.Existing = append(p.Existing, key)
	p.PreFiltered = append(p.PreFiltered, res)
	return true
}

func skippedResult(item domain.RedeemItem, reason, message string, at time.Time) domain.ItemResult {
	return domain.ItemResult{
		ItemID:    item.Key(),
		PlayerID:  item.PlayerID,
		Operation: item.Operation,
		Status:    domain.StatusSkipped,
		Message:   message,
		Reason:    reason,
		Skipped:   true,
		At:        at,
	}
}

// TakeSnapshot aggregates progress for sinks.
func TakeSnapshot(processID string, p domain.Progress) domain.Snapshot {
	s := domain.Snapshot{
		ProcessID:       processID,
		Total:           len(p.Pending) + len(p.Done) + len(p.Failed) + len(p.Existing),
		AlreadyRedeemed: len(p.Existing),
	}
	s.Processed = s.Total - len(p.Pending)
	for _, r := range p.Results {
		switch {
		case r.Status == domain.StatusSuccess:
			s.Success++
		case r.Status.IsAlreadyRedeemed():
			s.AlreadyRedeemed++
		case r.Status.IsRestriction():
			s.Restricted++
		default:
			s.Failed++
		}
	}
	return s
}

// CheckBuckets reports keys found in more than one bucket, or in none when
// expected is given.
func CheckBuckets(p domain.Progress, expected []string) []string {
	seen := make(map[string]int)
	for _, bucket := range [][]string{p.Pending, p.Done, p.Failed, p.Existing} {
		for _, k := range bucket {
			seen[k]++
		}
	}
	var bad []string
	for k, n := range seen {
		if n != 1 {
			bad = append(bad, k)
		}
	}
	for _, k := range expected {
		if seen[k] == 0 {
			bad = append(bad, k)
		}
	}
	slices.Sort(bad)
	return bad
}
