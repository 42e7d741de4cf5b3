package outcome

import (
	"math"
	"math/rand"
	"testing"

	"trailhead/internal/config"
	"trailhead/internal/domain"
)

func rules() config.Rules {
	return config.Default().Rules
}

func TestSuccessAppliesMultiplierAndBonus(t *testing.T) {
	exp := &domain.Expedition{TotalRewardMultiplier: 1.5, SuccessProbability: 85, TimeRemaining: 60}
	opt := domain.EventOption{ID: "a", SuccessRate: 1, RewardMultiplier: 2, RiskLevel: domain.RiskHigh}
	res := Resolve(rand.New(rand.NewSource(1)), rules(), exp, opt, false)
	if !res.Success || res.MultiplierApplied != 2 || res.ProbabilityDelta != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if exp.TotalRewardMultiplier != 3 || exp.SuccessProbability != 90 || exp.TimeRemaining != 60 {
		t.Fatalf("unexpected state: %+v", exp)
	}
}

func TestHighRiskFailureAddsTime(t *testing.T) {
	exp := &domain.Expedition{TotalRewardMultiplier: 1, SuccessProbability: 85, TimeRemaining: 60}
	opt := domain.EventOption{ID: "a", SuccessRate: 0, RewardMultiplier: 2, RiskLevel: domain.RiskHigh}
	res := Resolve(rand.New(rand.NewSource(1)), rules(), exp, opt, false)
	if res.Success || res.TimePenaltySeconds != 60 || res.MultiplierApplied != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if exp.TotalRewardMultiplier != 1 || exp.SuccessProbability != 75 || exp.TimeRemaining != 120 {
		t.Fatalf("unexpected state: %+v", exp)
	}

	low := domain.EventOption{ID: "b", SuccessRate: 0, RewardMultiplier: 2, RiskLevel: domain.RiskLow}
	res = Resolve(rand.New(rand.NewSource(1)), rules(), exp, low, false)
	if res.TimePenaltySeconds != 0 || exp.TimeRemaining != 120 {
		t.Fatalf("low risk failure added time: %+v", res)
	}
}

func TestProbabilityClamped(t *testing.T) {
	r := rules()
	r.SuccessBonus = 50
	r.FailurePenalty = 50
	exp := &domain.Expedition{TotalRewardMultiplier: 1, SuccessProbability: 90}
	Resolve(rand.New(rand.NewSource(1)), r, exp, domain.EventOption{SuccessRate: 1, RewardMultiplier: 1}, false)
	if exp.SuccessProbability != 100 {
		t.Fatalf("expected clamp at 100, got %v", exp.SuccessProbability)
	}
	exp.SuccessProbability = 20
	res := Resolve(rand.New(rand.NewSource(1)), r, exp, domain.EventOption{SuccessRate: 0, RewardMultiplier: 1}, false)
	if exp.SuccessProbability != 0 || res.ProbabilityDelta != -20 {
		t.Fatalf("expected clamp at 0, got %v (%v)", exp.SuccessProbability, res.ProbabilityDelta)
	}
}

func TestAutomaticResolutionPenalised(t *testing.T) {
	exp := &domain.Expedition{TotalRewardMultiplier: 1, SuccessProbability: 85}
	opt := domain.EventOption{SuccessRate: 1, RewardMultiplier: 2, RiskLevel: domain.RiskLow}
	res := Resolve(rand.New(rand.NewSource(1)), rules(), exp, opt, true)
	if math.Abs(res.EffectiveRate-0.9) > 1e-9 {
		t.Fatalf("effective rate %v", res.EffectiveRate)
	}
	if res.Success && math.Abs(res.MultiplierApplied-1.8) > 1e-9 {
		t.Fatalf("multiplier %v", res.MultiplierApplied)
	}

	r := rules()
	r.AutoSuccessRatePenalty = 2
	res = Resolve(rand.New(rand.NewSource(1)), r, exp, opt, true)
	if res.EffectiveRate != 0 || res.Success {
		t.Fatalf("rate not clamped: %+v", res)
	}
}

func TestSuccessFrequencyTracksRate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	opt := domain.EventOption{SuccessRate: 0.3, RewardMultiplier: 1}
	wins := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		exp := &domain.Expedition{TotalRewardMultiplier: 1, SuccessProbability: 50}
		if Resolve(rng, rules(), exp, opt, false).Success {
			wins++
		}
	}
	if got := float64(wins) / trials; math.Abs(got-0.3) > 0.03 {
		t.Fatalf("success frequency %v too far from 0.3", got)
	}
}
