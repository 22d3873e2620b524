package batch

import "github.com/vietddude/redeemer/internal/core/domain"

// DefaultVIPThreshold is where the VIP counter saturates.
const DefaultVIPThreshold = 5

// EligibilityRule decides who may still attempt a VIP-restricted code.
type EligibilityRule struct {
	VIPThreshold int
}

func (r EligibilityRule) threshold() int {
	if r.VIPThreshold <= 0 {
		return DefaultVIPThreshold
	}
	return r.VIPThreshold
}

// Eligible: rich players, players never restricted, and players whose counter
// has saturated. Unknown players stay eligible.
func (r EligibilityRule) Eligible(p *domain.Player) bool {
	if p == nil {
		return true
	}
	return p.IsRich || p.VIPCount == 0 || p.VIPCount >= r.threshold()
}

// Partition splits remaining items for a VIP code. Validation items are always
// eligible.
func Partition(remaining []domain.RedeemItem, players map[string]*domain.Player, rule EligibilityRule) (eligible, ineligible []domain.RedeemItem) {
	for _, it := range remaining {
		if it.Operation == domain.OperationValidation || rule.Eligible(players[it.PlayerID]) {
			eligible = append(eligible, it)
			continue
		}
		ineligible = append(ineligible, it)
	}
	return eligible, ineligible
}

// ApplyRestriction records a VIP restriction. The counter wraps to 1 once it
// had saturated.
func (r EligibilityRule) ApplyRestriction(p *domain.Player) {
	if p.VIPCount >= r.threshold() {
		p.VIPCount = 1
		return
	}
	p.VIPCount++
}

// ApplySkip records a skip on a VIP code; the counter saturates at the
// threshold.
func (r EligibilityRule) ApplySkip(p *domain.Player) {
	if p.VIPCount < r.threshold() {
		p.VIPCount++
	}
}

// ApplySuccess clears the poor flag. A success on a VIP code also proves the
// player can redeem VIP codes, so the counter resets.
func (r EligibilityRule) ApplySuccess(p *domain.Player, vipCode bool) {
	p.Poor = false
	if vipCode {
		p.VIPCount = 0
	}
}
