package batch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vietddude/redeemer/internal/core/domain"
)

func TestPartition(t *testing.T) {
	players := map[string]*domain.Player{
		"rich":   {ID: "rich", IsRich: true, VIPCount: 3},
		"fresh":  {ID: "fresh"},
		"capped": {ID: "capped", VIPCount: 5},
		"over":   {ID: "over", VIPCount: 7},
		"poor":   {ID: "poor", VIPCount: 1},
	}
	items := []domain.RedeemItem{
		{PlayerID: "poor", Operation: domain.OperationValidation},
		{PlayerID: "rich", Operation: domain.OperationRedeem},
		{PlayerID: "fresh", Operation: domain.OperationRedeem},
		{PlayerID: "capped", Operation: domain.OperationRedeem},
		{PlayerID: "over", Operation: domain.OperationRedeem},
		{PlayerID: "poor", Operation: domain.OperationRedeem},
		{PlayerID: "unknown", Operation: domain.OperationRedeem},
	}

	eligible, ineligible := Partition(items, players, EligibilityRule{})

	keys := func(its []domain.RedeemItem) []string {
		var out []string
		for _, it := range its {
			out = append(out, it.Key())
		}
		return out
	}
	if diff := cmp.Diff([]string{"validation:poor", "rich", "fresh", "capped", "over", "unknown"}, keys(eligible)); diff != "" {
		t.Errorf("eligible mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"poor"}, keys(ineligible)); diff != "" {
		t.Errorf("ineligible mismatch (-want +got):\n%s", diff)
	}
}

func TestEligibilityRule_Counter(t *testing.T) {
	rule := EligibilityRule{VIPThreshold: 5}
	p := &domain.Player{}

	rule.ApplyRestriction(p)
	if p.VIPCount != 1 {
		t.Fatalf("expected 1, got %d", p.VIPCount)
	}
	for i := 0; i < 10; i++ {
		rule.ApplySkip(p)
	}
	if p.VIPCount != 5 || !rule.Eligible(p) {
		t.Fatalf("expected saturated and eligible, got %d", p.VIPCount)
	}
	rule.ApplyRestriction(p)
	if p.VIPCount != 1 {
		t.Errorf("expected wrap to 1, got %d", p.VIPCount)
	}

	p.Poor = true
	rule.ApplySuccess(p, false)
	if p.Poor || p.VIPCount != 1 {
		t.Errorf("expected poor cleared and counter kept, got %+v", p)
	}
	rule.ApplySuccess(p, true)
	if p.VIPCount != 0 {
		t.Errorf("expected counter reset by VIP success, got %d", p.VIPCount)
	}
}

func TestTakeSnapshot(t *testing.T) {
	p := domain.Progress{
		Pending:  []string{"a"},
		Done:     []string{"b", "c"},
		Failed:   []string{"d", "e"},
		Existing: []string{"f"},
		Results: []domain.ItemResult{
			{ItemID: "b", Success: true, Status: domain.StatusSuccess},
			{ItemID: "c", Success: true, Status: domain.StatusSameTypeExchange},
			{ItemID: "d", Status: domain.StatusVIPRestricted},
			{ItemID: "e", Status: domain.StatusSkipped, Skipped: true},
		},
	}
	got := TakeSnapshot("x", p)
	want := domain.Snapshot{ProcessID: "x", Total: 6, Processed: 5, Success: 1, AlreadyRedeemed: 2, Restricted: 1, Failed: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
