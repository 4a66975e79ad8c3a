package risk

import (
	"context"
	"testing"

	"github.com/Molam-git/molam-connect-sub010/internal/money"
)

func TestEvaluate_BaselineFormula(t *testing.T) {
	engine := NewEngine()

	rec, err := engine.Evaluate(context.Background(), Request{
		SellerRef: "seller-1",
		Amount:    "5000.000000",
		Currency:  "XOF",
		Mode:      "batch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PriorityScore != basePriorityScore {
		t.Errorf("expected base priority %v, got %v", basePriorityScore, rec.PriorityScore)
	}
	if rec.RiskScore != 0 {
		t.Errorf("expected zero risk for small amount, got %v", rec.RiskScore)
	}
	if rec.MultiBank {
		t.Errorf("did not expect multi-bank for amount below threshold")
	}
}

func TestEvaluate_InstantModeAndLargeAmountBoostPriority(t *testing.T) {
	engine := NewEngine()

	rec, err := engine.Evaluate(context.Background(), Request{
		SellerRef: "seller-2",
		Amount:    "20000.000000",
		Currency:  "XOF",
		Mode:      "instant",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := basePriorityScore + instantModePriorityBoost + largeAmountPriorityBoost
	if rec.PriorityScore != want {
		t.Errorf("expected priority %v, got %v", want, rec.PriorityScore)
	}
	if rec.RecommendedAction != ActionInstant {
		t.Errorf("expected instant action at priority %v, got %s", rec.PriorityScore, rec.RecommendedAction)
	}
}

func TestEvaluate_HighAmountRaisesRiskAndNeverInstant(t *testing.T) {
	engine := NewEngine()

	rec, err := engine.Evaluate(context.Background(), Request{
		SellerRef: "seller-3",
		Amount:    "60000.000000",
		Currency:  "XOF",
		Mode:      "batch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RiskScore < highRiskBoost {
		t.Errorf("expected risk score to include +30 boost, got %v", rec.RiskScore)
	}
	if rec.RecommendedAction == ActionInstant {
		t.Errorf("high-risk amount should never route instant")
	}
}

func TestEvaluate_MultiBankSlicingAbove100k(t *testing.T) {
	engine := NewEngine()

	rec, err := engine.Evaluate(context.Background(), Request{
		SellerRef: "seller-4",
		Amount:    "130000.000000",
		Currency:  "XOF",
		Mode:      "batch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.MultiBank {
		t.Fatalf("expected multi-bank for amount above 100k")
	}
	if rec.RecommendedAction == ActionHold || rec.RecommendedAction == ActionEscrow {
		// holds/escrows never carry slices
		return
	}
	if len(rec.Slices) != 3 {
		t.Fatalf("expected 3 slices (50k+50k+30k), got %d", len(rec.Slices))
	}
	total := "0.000000"
	for i, s := range rec.Slices {
		if s.Order != i+1 {
			t.Errorf("slice %d has order %d, want %d", i, s.Order, i+1)
		}
		total = money.Add(total, s.Amount)
	}
	if total != "130000.000000" {
		t.Errorf("slices do not sum to requested amount: got %v", total)
	}
}

func TestEvaluate_VelocitySpikeAddsRiskOnRepeatSeller(t *testing.T) {
	engine := NewEngine()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := engine.Evaluate(ctx, Request{SellerRef: "seller-5", Amount: "1000.000000", Mode: "batch"})
		if err != nil {
			t.Fatalf("seed attempt failed: %v", err)
		}
	}

	rec, err := engine.Evaluate(ctx, Request{SellerRef: "seller-5", Amount: "100000.000000", Mode: "batch"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RiskScore <= highRiskBoost {
		t.Errorf("expected velocity spike to add risk beyond the static +30 boost, got %v", rec.RiskScore)
	}
}
