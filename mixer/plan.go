package mixer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// RoundSpec is one internal hop round: wait Delay, then split the held
// amount across Hops pool addresses.
type RoundSpec struct {
	Delay time.Duration `json:"delay"`
	Hops  int           `json:"hops"`
}

// Plan is the full distribution schedule computed when a transaction enters
// mixing: R hop rounds followed by the payout round that settles the
// destinations. It is persisted as JSON on the transaction so a restarted
// scheduler resumes from durable state.
type Plan struct {
	Rounds      []RoundSpec   `json:"rounds"`
	PayoutDelay time.Duration `json:"payout_delay"`
}

// PlanParams bound the randomised schedule.
type PlanParams struct {
	Rounds   int
	HopsMin  int
	HopsMax  int
	DelayMin time.Duration
	DelayMax time.Duration
}

// ComputePlan draws a randomised round plan: each round's delay is uniform
// in [DelayMin, DelayMax] and its hop count uniform in [HopsMin, HopsMax].
func ComputePlan(params PlanParams, rng *rand.Rand) Plan {
	rounds := params.Rounds
	if rounds < 1 {
		rounds = 1
	}
	plan := Plan{Rounds: make([]RoundSpec, 0, rounds)}
	for i := 0; i < rounds; i++ {
		plan.Rounds = append(plan.Rounds, RoundSpec{
			Delay: drawDelay(params.DelayMin, params.DelayMax, rng),
			Hops:  drawHops(params.HopsMin, params.HopsMax, rng),
		})
	}
	plan.PayoutDelay = drawDelay(params.DelayMin, params.DelayMax, rng)
	return plan
}

func drawDelay(min, max time.Duration, rng *rand.Rand) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

func drawHops(min, max int, rng *rand.Rand) int {
	if min < 1 {
		min = 1
	}
	if max <= min {
		return min
	}
	return min + rng.Intn(max-min+1)
}

// Encode serialises the plan for storage.
func (p Plan) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mixer: encode plan: %w", err)
	}
	return string(raw), nil
}

// DecodePlan restores a persisted plan.
func DecodePlan(raw string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return Plan{}, fmt.Errorf("mixer: decode plan: %w", err)
	}
	return plan, nil
}

// ComputeFee charges the configured fee once, rounded down to the satoshi so
// the payout never exceeds amount - fee.
func ComputeFee(amountSats, feeBasisPoints int64) int64 {
	if amountSats <= 0 || feeBasisPoints <= 0 {
		return 0
	}
	return amountSats * feeBasisPoints / 10_000
}

// SplitPayout divides the payout across destination weights, assigning the
// integer remainder to the first destination so the parts always sum to the
// payout exactly.
func SplitPayout(payoutSats int64, weights []int) ([]int64, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("mixer: at least one destination weight required")
	}
	var total int64
	for _, w := range weights {
		if w <= 0 {
			return nil, fmt.Errorf("mixer: weights must be positive")
		}
		total += int64(w)
	}
	parts := make([]int64, len(weights))
	var assigned int64
	for i, w := range weights {
		parts[i] = payoutSats * int64(w) / total
		assigned += parts[i]
	}
	parts[0] += payoutSats - assigned
	return parts, nil
}

// SplitHop divides a hop amount evenly across n targets, remainder to the
// first, mirroring the payout rounding rule.
func SplitHop(amountSats int64, n int) []int64 {
	if n < 1 {
		n = 1
	}
	parts := make([]int64, n)
	each := amountSats / int64(n)
	var assigned int64
	for i := range parts {
		parts[i] = each
		assigned += each
	}
	parts[0] += amountSats - assigned
	return parts
}
