package mixer

import (
	"math/rand"
	"testing"
	"time"
)

func TestComputeFee(t *testing.T) {
	// 0.1 BTC at 3% keeps satoshi arithmetic exact.
	fee := ComputeFee(10_000_000, 300)
	if fee != 300_000 {
		t.Fatalf("unexpected fee: %d", fee)
	}
	if got := ComputeFee(0, 300); got != 0 {
		t.Fatalf("zero amount should have zero fee, got %d", got)
	}
	if got := ComputeFee(10_000_000, 0); got != 0 {
		t.Fatalf("zero rate should have zero fee, got %d", got)
	}
	// Rounding is always down.
	if got := ComputeFee(101, 300); got != 3 {
		t.Fatalf("expected floor division, got %d", got)
	}
}

func TestSplitPayoutExact(t *testing.T) {
	payout := int64(9_700_000)
	parts, err := SplitPayout(payout, []int{60, 40})
	if err != nil {
		t.Fatalf("split payout: %v", err)
	}
	if parts[0] != 5_820_000 || parts[1] != 3_880_000 {
		t.Fatalf("unexpected parts: %v", parts)
	}
	var sum int64
	for _, p := range parts {
		sum += p
	}
	if sum != payout {
		t.Fatalf("parts sum %d, want %d", sum, payout)
	}
}

func TestSplitPayoutRemainderToFirst(t *testing.T) {
	parts, err := SplitPayout(100, []int{1, 1, 1})
	if err != nil {
		t.Fatalf("split payout: %v", err)
	}
	if parts[0] != 34 || parts[1] != 33 || parts[2] != 33 {
		t.Fatalf("unexpected parts: %v", parts)
	}
}

func TestSplitPayoutRejectsBadWeights(t *testing.T) {
	if _, err := SplitPayout(100, nil); err == nil {
		t.Fatalf("expected error for empty weights")
	}
	if _, err := SplitPayout(100, []int{1, 0}); err == nil {
		t.Fatalf("expected error for nonpositive weight")
	}
}

func TestSplitHop(t *testing.T) {
	parts := SplitHop(100, 3)
	if len(parts) != 3 {
		t.Fatalf("unexpected part count: %d", len(parts))
	}
	var sum int64
	for _, p := range parts {
		sum += p
	}
	if sum != 100 {
		t.Fatalf("parts sum %d, want 100", sum)
	}
	if parts[0] != 34 {
		t.Fatalf("remainder should land on first part, got %v", parts)
	}
}

func TestComputePlanBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	params := PlanParams{
		Rounds:   3,
		HopsMin:  1,
		HopsMax:  3,
		DelayMin: 10 * time.Minute,
		DelayMax: 60 * time.Minute,
	}
	for i := 0; i < 100; i++ {
		plan := ComputePlan(params, rng)
		if len(plan.Rounds) != 3 {
			t.Fatalf("unexpected round count: %d", len(plan.Rounds))
		}
		for _, round := range plan.Rounds {
			if round.Delay < params.DelayMin || round.Delay > params.DelayMax {
				t.Fatalf("delay %s outside bounds", round.Delay)
			}
			if round.Hops < params.HopsMin || round.Hops > params.HopsMax {
				t.Fatalf("hops %d outside bounds", round.Hops)
			}
		}
		if plan.PayoutDelay < params.DelayMin || plan.PayoutDelay > params.DelayMax {
			t.Fatalf("payout delay %s outside bounds", plan.PayoutDelay)
		}
	}
}

func TestPlanRoundTrip(t *testing.T) {
	plan := Plan{
		Rounds: []RoundSpec{
			{Delay: 10 * time.Minute, Hops: 2},
			{Delay: 25 * time.Minute, Hops: 1},
		},
		PayoutDelay: 15 * time.Minute,
	}
	raw, err := plan.Encode()
	if err != nil {
		t.Fatalf("encode plan: %v", err)
	}
	decoded, err := DecodePlan(raw)
	if err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(decoded.Rounds) != 2 || decoded.Rounds[0].Hops != 2 || decoded.PayoutDelay != 15*time.Minute {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if _, err := DecodePlan("{broken"); err == nil {
		t.Fatalf("expected decode error")
	}
}
